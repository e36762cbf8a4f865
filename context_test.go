package dbus

import (
	"context"
	"testing"
)

func TestContextSender(t *testing.T) {
	msg := &Message{Type: MessageCall, Sender: ":1.42", Member: "Frob"}
	ctx := withContextMessage(context.Background(), msg)

	got, ok := ContextSender(ctx)
	if !ok {
		t.Fatal("sender not found in context")
	}
	if got != ":1.42" {
		t.Fatalf("wrong sender, got %q want %q", got, ":1.42")
	}
	gotMsg, ok := ContextMessage(ctx)
	if !ok || gotMsg != msg {
		t.Fatalf("ContextMessage() = %p, %v, want %p", gotMsg, ok, msg)
	}

	got, ok = ContextSender(context.Background())
	if ok {
		t.Fatalf("got sender %q from context with no sender", got)
	}

	// Peer-to-peer connections carry no sender.
	ctx = withContextMessage(context.Background(), &Message{Type: MessageCall})
	if got, ok := ContextSender(ctx); ok {
		t.Fatalf("got sender %q from message with no sender", got)
	}
}

func TestContextCallFlags(t *testing.T) {
	ctx := context.Background()
	if got := contextCallFlags(ctx); got != 0 {
		t.Fatalf("default call flags = %v, want 0", got)
	}
	ctx = WithNoAutoStart(ctx)
	if got := contextCallFlags(ctx); got != FlagNoAutoStart {
		t.Fatalf("call flags = %v, want %v", got, FlagNoAutoStart)
	}
	ctx = WithAllowInteraction(ctx)
	if got, want := contextCallFlags(ctx), FlagNoAutoStart|FlagAllowInteractiveAuth; got != want {
		t.Fatalf("call flags = %v, want %v", got, want)
	}
}
