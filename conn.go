package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/dbuswire/fragments"
	"github.com/danderson/dbuswire/transport"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a [Conn].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// closeFlushTimeout bounds how long Close waits for queued messages
// to be written before closing the socket.
const closeFlushTimeout = time.Second

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	cfg := DefaultConfig()
	cfg.Bus = "system"
	return Dial(ctx, cfg)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	return Dial(ctx, DefaultConfig())
}

// Dial connects and authenticates to the bus that cfg selects, and
// registers with it.
//
// Zero fields in cfg take their default values.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	addr, err := cfg.address()
	if err != nil {
		return nil, err
	}
	path, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	c := newConn(cfg)
	c.setState(StateConnecting)
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		c.setState(StateClosed)
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	c.setState(StateAuthenticating)
	guid, err := t.Authenticate(ctx)
	if err != nil {
		t.Close()
		c.setState(StateClosed)
		return nil, fmt.Errorf("authenticating to %s: %w", addr, err)
	}

	if err := c.connect(ctx, t, guid); err != nil {
		return nil, err
	}
	return c, nil
}

// NewConn returns a Conn that runs over t, which must already be
// authenticated. guid is the server GUID that authentication
// produced.
func NewConn(ctx context.Context, t transport.Transport, guid string, cfg Config) (*Conn, error) {
	c := newConn(cfg.withDefaults())
	if err := c.connect(ctx, t, guid); err != nil {
		return nil, err
	}
	return c, nil
}

func newConn(cfg Config) *Conn {
	return &Conn{
		cfg:        cfg,
		log:        cfg.Logger,
		wake:       make(chan struct{}, 1),
		writerDone: make(chan struct{}),
		calls:      map[uint32]*PendingCall{},
		subs:       map[MatchRule]mapset.Set[*Subscription]{},
		objects:    map[ObjectPath]map[string]*export{},
		claims:     mapset.New[*Claim](),
	}
}

// connect starts the connection's read and write loops over t, and
// registers with the bus.
func (c *Conn) connect(ctx context.Context, t transport.Transport, guid string) error {
	c.t = t
	c.guid = guid
	c.setState(StateConnected)
	go c.readLoop()
	go c.writeLoop()

	name, err := c.Bus().Hello(ctx)
	if err != nil {
		c.Close()
		return fmt.Errorf("getting DBus client ID: %w", err)
	}
	c.localName = name
	c.log.Debug().Str("name", name).Str("guid", guid).Msg("connected to bus")
	return nil
}

// Conn is a DBus connection.
type Conn struct {
	t         transport.Transport
	cfg       Config
	log       zerolog.Logger
	guid      string
	localName string
	state     atomic.Int32

	wake       chan struct{}
	writerDone chan struct{}

	mu         sync.Mutex
	closed     bool
	lastSerial uint32
	outbox     queue.Queue[[]byte]
	calls      map[uint32]*PendingCall
	subs       map[MatchRule]mapset.Set[*Subscription]
	objects    map[ObjectPath]map[string]*export
	claims     mapset.Set[*Claim]
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string { return c.localName }

// ServerGUID returns the GUID the bus presented during
// authentication.
func (c *Conn) ServerGUID() string { return c.guid }

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

// Close closes the DBus connection.
//
// Calls still waiting for a reply fail with [ErrClosed], and all
// subscriptions and claims stop. Close is idempotent.
func (c *Conn) Close() error {
	return c.shutdown(ErrClosed)
}

// shutdown closes the connection, failing pending calls with cause.
func (c *Conn) shutdown(cause error) error {
	var (
		pend   map[uint32]*PendingCall
		subs   map[MatchRule]mapset.Set[*Subscription]
		claims mapset.Set[*Claim]
	)
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.closed = true
		c.setState(StateClosing)
		pend, c.calls = c.calls, nil
		subs, c.subs = c.subs, nil
		claims, c.claims = c.claims, nil
		c.mu.Unlock()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}

	for _, p := range pend {
		p.finish(nil, cause)
	}
	for _, set := range subs {
		for s := range set {
			s.shutdown()
		}
	}
	for cl := range claims {
		cl.shutdown()
	}

	var err error
	if c.t != nil {
		select {
		case <-c.writerDone:
		case <-time.After(closeFlushTimeout):
			c.log.Warn().Msg("timed out flushing outgoing messages")
		}
		err = c.t.Close()
	}
	c.setState(StateClosed)
	return err
}

// send frames msg with the next serial and queues it for writing. If
// p is non-nil, it is registered to receive the reply.
//
// Serial allocation and queueing happen atomically, so messages are
// written in serial order.
func (c *Conn) send(msg *Message, p *PendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	serial := c.lastSerial + 1
	if serial == 0 {
		serial = 1
	}
	msg.Serial = serial
	bs, err := msg.Marshal()
	if err != nil {
		msg.Serial = 0
		return err
	}
	c.lastSerial = serial

	if p != nil {
		p.serial = serial
		c.calls[serial] = p
	}
	c.outbox.Add(bs)
	if c.outbox.Len() == 1 {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Conn) writeLoop() {
	err := c.writeQueued()
	close(c.writerDone)
	if err != nil {
		c.log.Error().Err(err).Msg("write failed, closing connection")
		c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
	}
}

// writeQueued writes queued messages until the connection closes and
// the queue is drained.
func (c *Conn) writeQueued() error {
	for {
		bs, closed := func() ([]byte, bool) {
			c.mu.Lock()
			defer c.mu.Unlock()
			bs, _ := c.outbox.Pop()
			return bs, c.closed
		}()
		if bs == nil {
			if closed {
				return nil
			}
			<-c.wake
			continue
		}
		if _, err := c.t.Write(bs); err != nil {
			if closed {
				return nil
			}
			return err
		}
	}
}

func (c *Conn) readLoop() {
	for {
		msg, err := ReadMessage(c.t)
		if err != nil {
			c.readFailed(err)
			return
		}

		switch msg.Type {
		case MessageCall:
			go c.dispatchCall(msg)
		case MessageReturn, MessageError:
			c.dispatchReply(msg)
		case MessageSignal:
			c.dispatchSignal(msg)
		default:
			c.log.Debug().Stringer("msg", msg).Msg("ignoring message of unknown type")
		}
	}
}

func (c *Conn) readFailed(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	// Errors here mean the bus went away, or sent something that does
	// not conform to the DBus protocol. Both are fatal to the Conn.
	var de *fragments.DecodeError
	switch {
	case errors.As(err, &de):
		c.log.Error().Err(err).Int("offset", de.Offset).Msg("protocol error, closing connection")
	case errors.Is(err, io.EOF):
		c.log.Info().Msg("bus closed the connection")
	default:
		c.log.Error().Err(err).Msg("read error, closing connection")
	}
	c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
}

func (c *Conn) dispatchReply(msg *Message) {
	var err error
	if msg.Type == MessageError {
		err = callErrorFrom(msg)
	}
	if !c.complete(msg.ReplySerial, msg, err) {
		c.log.Debug().
			Uint32("reply_serial", msg.ReplySerial).
			Str("sender", msg.Sender).
			Msg("dropping reply to unknown or abandoned call")
	}
}

func callErrorFrom(msg *Message) CallError {
	ret := CallError{Name: msg.ErrorName}
	vals, err := msg.Values()
	if err != nil {
		ret.Detail = fmt.Sprintf("got error while decoding error detail: %v", err)
		return ret
	}
	if len(vals) > 0 {
		if s, ok := vals[0].(String); ok {
			ret.Detail = string(s)
		}
	}
	return ret
}

// complete resolves the pending call with the given serial, if it is
// still outstanding, and reports whether it was.
func (c *Conn) complete(serial uint32, reply *Message, err error) bool {
	c.mu.Lock()
	p := c.calls[serial]
	delete(c.calls, serial)
	c.mu.Unlock()
	if p == nil {
		return false
	}
	p.finish(reply, err)
	return true
}

// Send sends msg, assigning it the connection's next serial.
//
// If msg is a method call that expects a reply, Send returns a
// PendingCall for the reply, bounded by ctx or, if ctx has no
// deadline, by [Config.CallTimeout]. Otherwise Send returns a nil
// PendingCall.
func (c *Conn) Send(ctx context.Context, msg *Message) (*PendingCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	if !msg.WantReply() {
		return nil, c.send(msg, nil)
	}
	p := &PendingCall{
		conn: c,
		done: make(chan struct{}),
	}
	if err := c.send(msg, p); err != nil {
		return nil, err
	}
	p.watch(ctx, c.cfg.CallTimeout)
	return p, nil
}

func newCall(ctx context.Context, dest string, path ObjectPath, iface, member string, body []Value) (*Message, error) {
	msg := &Message{
		Type:        MessageCall,
		Flags:       contextCallFlags(ctx),
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}
	if err := msg.SetBody(body...); err != nil {
		return nil, err
	}
	return msg, nil
}

// CallAsync calls a remote method and returns without waiting for the
// reply.
func (c *Conn) CallAsync(ctx context.Context, dest string, path ObjectPath, iface, member string, body ...Value) (*PendingCall, error) {
	msg, err := newCall(ctx, dest, path, iface, member, body)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, msg)
}

// Call calls a remote method and returns the reply's values.
//
// If ctx has no deadline, the call fails with [ErrTimeout] after
// [Config.CallTimeout]. Error replies are returned as [CallError].
func (c *Conn) Call(ctx context.Context, dest string, path ObjectPath, iface, member string, body ...Value) ([]Value, error) {
	p, err := c.CallAsync(ctx, dest, path, iface, member, body...)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// CallNoReply calls a remote method, and tells the peer not to send a
// reply.
//
// CallNoReply returns once the call is queued for sending. There is
// no way to know whether the call was delivered to anyone, or acted
// upon.
func (c *Conn) CallNoReply(ctx context.Context, dest string, path ObjectPath, iface, member string, body ...Value) error {
	msg, err := newCall(ctx, dest, path, iface, member, body)
	if err != nil {
		return err
	}
	msg.Flags |= FlagNoReplyExpected
	_, err = c.Send(ctx, msg)
	return err
}

// EmitSignal broadcasts a signal from the object at path.
func (c *Conn) EmitSignal(ctx context.Context, path ObjectPath, iface, member string, body ...Value) error {
	msg := &Message{
		Type:      MessageSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
	if err := msg.SetBody(body...); err != nil {
		return err
	}
	_, err := c.Send(ctx, msg)
	return err
}

// PendingCall is a method call awaiting its reply.
type PendingCall struct {
	conn   *Conn
	serial uint32
	done   chan struct{}

	// reply and err are written once, before done is closed.
	reply *Message
	err   error

	mu       sync.Mutex
	finished bool
	stop     func()
}

// Serial returns the serial of the call message.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Done returns a channel that is closed when the call completes.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Wait waits for the call to complete, and returns the reply's
// values.
//
// If ctx ends first, the call is abandoned and Wait returns
// [ErrTimeout] or [context.Canceled]. A reply that arrives later is
// discarded.
func (p *PendingCall) Wait(ctx context.Context) ([]Value, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.conn.complete(p.serial, nil, contextError(ctx.Err()))
		<-p.done
	}
	return p.Result()
}

// Result returns the outcome of a completed call. It must only be
// called after Done is closed.
func (p *PendingCall) Result() ([]Value, error) {
	if p.err != nil {
		return nil, p.err
	}
	vals, err := p.reply.Values()
	if err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	return vals, nil
}

// Reply returns the reply message of a completed call, or nil if the
// call failed without a reply. It must only be called after Done is
// closed.
func (p *PendingCall) Reply() *Message { return p.reply }

// watch arranges for the call to fail when ctx ends, or after timeout
// if ctx has no deadline.
func (p *PendingCall) watch(ctx context.Context, timeout time.Duration) {
	var stops []func() bool
	if _, ok := ctx.Deadline(); !ok {
		t := time.AfterFunc(timeout, func() {
			p.conn.complete(p.serial, nil, ErrTimeout)
		})
		stops = append(stops, t.Stop)
	}
	stops = append(stops, context.AfterFunc(ctx, func() {
		p.conn.complete(p.serial, nil, contextError(ctx.Err()))
	}))
	stop := func() {
		for _, s := range stops {
			s()
		}
	}

	p.mu.Lock()
	finished := p.finished
	if !finished {
		p.stop = stop
	}
	p.mu.Unlock()
	if finished {
		stop()
	}
}

func (p *PendingCall) finish(reply *Message, err error) {
	p.reply, p.err = reply, err
	p.mu.Lock()
	p.finished = true
	stop := p.stop
	p.mu.Unlock()
	close(p.done)
	if stop != nil {
		stop()
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
