package dbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/rs/zerolog"
)

// Subscribe asks the bus to forward signals matching rule to this
// connection, and calls cb with every received signal whose sender,
// path, interface and member are exactly equal to rule's.
//
// Each Subscription has its own delivery queue and goroutine, so a
// slow callback delays only its own subscription. If a callback falls
// more than [Config.SignalQueue] signals behind, further signals are
// dropped until it catches up. A callback that panics is logged and
// keeps receiving subsequent signals.
func (c *Conn) Subscribe(ctx context.Context, rule MatchRule, cb func(*Message)) (*Subscription, error) {
	if cb == nil {
		return nil, errors.New("nil signal callback")
	}
	if err := rule.Valid(); err != nil {
		return nil, fmt.Errorf("invalid match rule: %w", err)
	}

	s := &Subscription{
		conn:    c,
		rule:    rule,
		cb:      cb,
		limit:   c.cfg.SignalQueue,
		log:     c.log.With().Str("match", rule.String()).Logger(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	// Register locally before AddMatch, so that signals the bus
	// forwards as soon as the match is active are not lost.
	if err := c.addSubscription(s); err != nil {
		return nil, err
	}
	if err := c.Bus().AddMatch(ctx, rule); err != nil {
		c.removeSubscription(s)
		return nil, err
	}
	go s.pump()
	return s, nil
}

// A Subscription delivers signals matching a [MatchRule] to a
// callback.
type Subscription struct {
	conn  *Conn
	rule  MatchRule
	cb    func(*Message)
	limit int
	log   zerolog.Logger

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	// delivering is held from dequeueing a signal until its callback
	// returns. inCallback is set while the callback runs.
	delivering sync.Mutex
	inCallback atomic.Bool

	mu      sync.Mutex
	closed  bool
	queue   queue.Queue[*Message]
	dropped int
}

// Rule returns the subscription's match rule.
func (s *Subscription) Rule() MatchRule { return s.rule }

// Close removes the subscription's match rule from the bus and stops
// signal delivery. After Close returns, the callback is not invoked
// again, though an invocation already in progress may still be
// running.
//
// Close is idempotent, and may be called from within the callback.
func (s *Subscription) Close() error {
	if !s.shutdown() {
		return nil
	}
	if !s.inCallback.Load() {
		// A signal may have been dequeued just before shutdown. Wait
		// for its delivery so that it cannot start after Close
		// returns.
		s.delivering.Lock()
		s.delivering.Unlock()
	}
	s.conn.removeSubscription(s)
	if err := s.conn.Bus().RemoveMatch(context.Background(), s.rule); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// shutdown stops delivery, and reports whether this call was the one
// that stopped it.
func (s *Subscription) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.queue.Clear()
	close(s.stop)
	return true
}

// deliver queues msg for delivery to the callback.
func (s *Subscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// raced with a Close, this subscription is done.
		return
	}

	if s.queue.Len() >= s.limit {
		s.dropped++
		if s.dropped == 1 {
			s.log.Warn().Int("limit", s.limit).Msg("signal queue full, dropping signals")
		}
		return
	}
	s.queue.Add(msg)
	if s.queue.Len() == 1 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// next returns the next signal to deliver, or nil if the queue is
// empty. ok is false once the subscription is closed.
func (s *Subscription) next() (msg *Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	msg, _ = s.queue.Pop()
	if msg != nil && s.dropped > 0 {
		s.log.Warn().Int("dropped", s.dropped).Msg("subscriber caught up after dropping signals")
		s.dropped = 0
	}
	return msg, true
}

func (s *Subscription) pump() {
	defer close(s.stopped)
	for {
		delivered, ok := s.deliverNext()
		if !ok {
			return
		}
		if !delivered {
			select {
			case <-s.stop:
				return
			case <-s.wake:
			}
		}
	}
}

// deliverNext runs the callback on the next queued signal, if any.
// ok is false once the subscription is closed.
func (s *Subscription) deliverNext() (delivered, ok bool) {
	s.delivering.Lock()
	defer s.delivering.Unlock()
	msg, ok := s.next()
	if msg == nil {
		return false, ok
	}
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	s.call(msg)
	return true, true
}

func (s *Subscription) call(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn().
				Str("signal", msg.Interface+"."+msg.Member).
				Interface("panic", r).
				Msg("signal callback panicked")
		}
	}()
	s.cb(msg)
}

func (c *Conn) addSubscription(s *Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	set := c.subs[s.rule]
	if set == nil {
		set = mapset.New[*Subscription]()
		c.subs[s.rule] = set
	}
	set.Add(s)
	return nil
}

func (c *Conn) removeSubscription(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.subs[s.rule]
	delete(set, s)
	if len(set) == 0 {
		delete(c.subs, s.rule)
	}
}

// dispatchSignal hands msg to every subscription whose rule exactly
// equals the signal's origin.
func (c *Conn) dispatchSignal(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs[matchFor(msg)] {
		s.deliver(msg)
	}
}
