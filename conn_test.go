package dbus_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	dbus "github.com/danderson/dbuswire"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

// fakePeer is the remote end of a connection, scripted by tests.
type fakePeer struct {
	t      testing.TB
	conn   net.Conn
	mu     sync.Mutex
	serial uint32
}

// newFakePeer returns a Conn connected to a fakePeer, which has
// already answered the Conn's Hello.
func newFakePeer(t testing.TB, cfg dbus.Config) (*dbus.Conn, *fakePeer) {
	t.Helper()
	client, server := net.Pipe()
	p := &fakePeer{t: t, conn: server}
	t.Cleanup(func() { server.Close() })

	helloErr := make(chan error, 1)
	go func() {
		msg, err := dbus.ReadMessage(server)
		if err != nil {
			helloErr <- err
			return
		}
		if msg.Member != "Hello" {
			helloErr <- errors.New("first message is not Hello")
			return
		}
		helloErr <- p.reply(msg, dbus.String(":1.1"))
	}()

	cfg.Logger = zerolog.New(zerolog.NewTestWriter(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dbus.NewConn(ctx, client, "0123456789abcdef0123456789abcdef", cfg)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	if err := <-helloErr; err != nil {
		t.Fatalf("answering Hello: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, p
}

// read returns the next message from the Conn, or nil if the
// connection is gone.
func (p *fakePeer) read() *dbus.Message {
	msg, err := dbus.ReadMessage(p.conn)
	if err != nil {
		return nil
	}
	return msg
}

func (p *fakePeer) write(msg *dbus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serial++
	msg.Serial = p.serial
	bs, err := msg.Marshal()
	if err != nil {
		return err
	}
	_, err = p.conn.Write(bs)
	return err
}

func (p *fakePeer) reply(msg *dbus.Message, vals ...dbus.Value) error {
	ret := msg.Reply()
	if err := ret.SetBody(vals...); err != nil {
		return err
	}
	return p.write(ret)
}

func TestConnHello(t *testing.T) {
	conn, _ := newFakePeer(t, dbus.Config{})
	if got, want := conn.LocalName(), ":1.1"; got != want {
		t.Fatalf("LocalName() = %q, want %q", got, want)
	}
	if got := conn.State(); got != dbus.StateConnected {
		t.Fatalf("State() = %v, want %v", got, dbus.StateConnected)
	}
}

func TestConnConcurrentCalls(t *testing.T) {
	conn, peer := newFakePeer(t, dbus.Config{})
	const n = 50

	// Answer all calls in reverse order of arrival, so that replies
	// can only be matched by serial.
	go func() {
		var calls []*dbus.Message
		for range n {
			msg := peer.read()
			if msg == nil {
				return
			}
			calls = append(calls, msg)
		}
		for i := len(calls) - 1; i >= 0; i-- {
			vals, err := calls[i].Values()
			if err != nil {
				t.Errorf("decoding call: %v", err)
				return
			}
			if err := peer.reply(calls[i], vals...); err != nil {
				t.Errorf("replying: %v", err)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := conn.Call(ctx, "org.test", "/test", "org.test.Echo", "Echo", dbus.Uint32(i), dbus.String("x"))
			if err != nil {
				t.Errorf("call %d failed: %v", i, err)
				return
			}
			want := []dbus.Value{dbus.Uint32(i), dbus.String("x")}
			if diff := cmp.Diff(got, want); diff != "" {
				t.Errorf("call %d got wrong reply (-got+want):\n%s", i, diff)
			}
		}()
	}
	wg.Wait()
}

func TestConnTimeout(t *testing.T) {
	conn, peer := newFakePeer(t, dbus.Config{CallTimeout: 50 * time.Millisecond})

	calls := make(chan *dbus.Message, 2)
	go func() {
		for range 2 {
			calls <- peer.read()
		}
	}()

	start := time.Now()
	_, err := conn.Call(context.Background(), "org.test", "/test", "org.test.Slow", "Slow")
	if !errors.Is(err, dbus.ErrTimeout) {
		t.Fatalf("slow call returned %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %v, want about 50ms", elapsed)
	}

	// A late reply to the timed out call must be dropped without
	// disturbing the next call.
	slow := <-calls
	if slow == nil {
		t.Fatal("fake peer did not receive the call")
	}
	if err := peer.reply(slow, dbus.String("too late")); err != nil {
		t.Fatalf("sending late reply: %v", err)
	}
	go func() {
		if msg := <-calls; msg != nil {
			peer.reply(msg, dbus.String("on time"))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := conn.Call(ctx, "org.test", "/test", "org.test.Slow", "Fast")
	if err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}
	if diff := cmp.Diff(got, []dbus.Value{dbus.String("on time")}); diff != "" {
		t.Fatalf("wrong reply after timeout (-got+want):\n%s", diff)
	}
}

func TestConnCancel(t *testing.T) {
	conn, peer := newFakePeer(t, dbus.Config{})
	go peer.read()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := conn.CallAsync(ctx, "org.test", "/test", "org.test.Slow", "Slow")
	if err != nil {
		t.Fatalf("CallAsync failed: %v", err)
	}
	cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("canceled call did not complete")
	}
	if _, err := p.Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled call returned %v, want context.Canceled", err)
	}
}

func TestConnErrorReply(t *testing.T) {
	conn, peer := newFakePeer(t, dbus.Config{})
	go func() {
		if msg := peer.read(); msg != nil {
			peer.write(msg.ErrorReply("org.test.Error.Nope", "nope"))
		}
	}()

	_, err := conn.Call(context.Background(), "org.test", "/test", "org.test.Iface", "Fail")
	var ce dbus.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("call returned %v, want CallError", err)
	}
	want := dbus.CallError{Name: "org.test.Error.Nope", Detail: "nope"}
	if diff := cmp.Diff(ce, want); diff != "" {
		t.Fatalf("wrong error (-got+want):\n%s", diff)
	}
}

func TestConnNoReply(t *testing.T) {
	conn, peer := newFakePeer(t, dbus.Config{})
	got := make(chan *dbus.Message, 1)
	go func() { got <- peer.read() }()

	if err := conn.CallNoReply(context.Background(), "org.test", "/test", "org.test.Iface", "Poke", dbus.Byte(1)); err != nil {
		t.Fatalf("CallNoReply failed: %v", err)
	}
	msg := <-got
	if msg == nil {
		t.Fatal("fake peer did not receive the call")
	}
	if msg.WantReply() {
		t.Fatalf("one-way call %v asks for a reply", msg)
	}
	if msg.Serial == 0 {
		t.Fatal("one-way call has zero serial")
	}
}

func TestConnDecodeError(t *testing.T) {
	conn, peer := newFakePeer(t, dbus.Config{})
	go func() {
		peer.read()
		// 'X' is not a valid byte order flag.
		peer.conn.Write([]byte("X\x01\x00\x01\x00\x00\x00\x00\x01\x00\x00\x00\x00\x00\x00\x00"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.Call(ctx, "org.test", "/test", "org.test.Iface", "Frob")
	if !errors.Is(err, dbus.ErrClosed) {
		t.Fatalf("call on broken connection returned %v, want ErrClosed", err)
	}
	waitState(t, conn, dbus.StateClosed)

	if _, err := conn.Call(ctx, "org.test", "/test", "org.test.Iface", "Frob"); !errors.Is(err, dbus.ErrClosed) {
		t.Fatalf("call on closed connection returned %v, want ErrClosed", err)
	}
}

func TestConnClosePending(t *testing.T) {
	conn, peer := newFakePeer(t, dbus.Config{})
	go peer.read()

	p, err := conn.CallAsync(context.Background(), "org.test", "/test", "org.test.Iface", "Frob")
	if err != nil {
		t.Fatalf("CallAsync failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not completed by Close")
	}
	if _, err := p.Result(); !errors.Is(err, dbus.ErrClosed) {
		t.Fatalf("pending call returned %v, want ErrClosed", err)
	}
	if got := conn.State(); got != dbus.StateClosed {
		t.Fatalf("State() = %v after Close, want %v", got, dbus.StateClosed)
	}
	// Close is idempotent.
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func waitState(t *testing.T, conn *dbus.Conn, want dbus.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for conn.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %v, want %v", conn.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}
