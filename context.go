package dbus

import (
	"context"
)

type messageContextKey struct{}

func withContextMessage(ctx context.Context, msg *Message) context.Context {
	return context.WithValue(ctx, messageContextKey{}, msg)
}

// ContextMessage returns the message being handled, in the context
// passed to exported method and property handlers.
func ContextMessage(ctx context.Context) (*Message, bool) {
	msg, ok := ctx.Value(messageContextKey{}).(*Message)
	return msg, ok
}

// ContextSender returns the unique bus name of the peer that sent the
// message being handled, in the context passed to exported method and
// property handlers.
func ContextSender(ctx context.Context) (string, bool) {
	msg, ok := ContextMessage(ctx)
	if !ok || msg.Sender == "" {
		return "", false
	}
	return msg.Sender, true
}

type callFlagsContextKey struct{}

// WithNoAutoStart returns a context that makes method calls ask the
// bus not to start their destination service if it isn't running.
func WithNoAutoStart(ctx context.Context) context.Context {
	return context.WithValue(ctx, callFlagsContextKey{}, contextCallFlags(ctx)|FlagNoAutoStart)
}

// WithAllowInteraction returns a context that makes method calls
// tell the destination that the caller is prepared to wait for an
// interactive authorization prompt.
func WithAllowInteraction(ctx context.Context) context.Context {
	return context.WithValue(ctx, callFlagsContextKey{}, contextCallFlags(ctx)|FlagAllowInteractiveAuth)
}

func contextCallFlags(ctx context.Context) Flags {
	f, _ := ctx.Value(callFlagsContextKey{}).(Flags)
	return f
}
