package dbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/mds/value"
)

// Claim requests ownership of a bus name.
//
// Bus names may have multiple active claims by different clients, but
// only one active owner at a time. The [ClaimOptions] set by each
// claimant determines the owner and rules of succession.
//
// Claiming a name does not guarantee ownership of the name. Callers
// must monitor [Claim.Chan] to find out if and when the name gets
// assigned to them.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	ret := &Claim{
		c:     c,
		name:  name,
		owner: make(chan bool, 1),
	}
	for _, member := range []string{"NameAcquired", "NameLost"} {
		rule := MatchRule{
			Sender:    busName,
			Path:      busPath,
			Interface: ifaceBus,
			Member:    member,
		}
		sub, err := c.Subscribe(ctx, rule, ret.onSignal)
		if err != nil {
			ret.Close()
			return nil, err
		}
		ret.subs = append(ret.subs, sub)
	}

	resp, err := ret.Request(ctx, opts)
	if err != nil {
		ret.Close()
		return nil, err
	}
	if resp == RequestNameExists {
		ret.Close()
		return nil, fmt.Errorf("bus name %s is owned by another client", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ret.shutdown()
		return nil, ErrClosed
	}
	c.claims.Add(ret)
	return ret, nil
}

// ClaimOptions are the options for a [Claim] to a bus name.
type ClaimOptions struct {
	// AllowReplacement is whether to allow another request that sets
	// TryReplace to take over ownership.
	AllowReplacement bool
	// TryReplace is whether to attempt to replace the current owner,
	// if the name already has an owner.
	//
	// Replacement is only permitted if the current owner made its
	// claim with the AllowReplacement option set. Otherwise, the
	// request for ownership joins the backup queue or returns an
	// error, depending on the NoQueue setting.
	TryReplace bool
	// NoQueue, if set, causes this claim to never join the backup
	// queue for any reason.
	//
	// If ownership of the name cannot be secured when the Claim is
	// created, creation fails with an error.
	NoQueue bool
}

func (o ClaimOptions) flags() NameRequestFlags {
	var ret NameRequestFlags
	if o.AllowReplacement {
		ret |= NameRequestAllowReplacement
	}
	if o.TryReplace {
		ret |= NameRequestReplace
	}
	if o.NoQueue {
		ret |= NameRequestNoQueue
	}
	return ret
}

// Claim is a claim to ownership of a bus name.
type Claim struct {
	c     *Conn
	name  string
	owner chan bool
	subs  []*Subscription

	mu     sync.Mutex
	closed bool
	// lastSerial is the bus serial of the newest ownership report
	// applied, since reports arrive through independent
	// subscriptions.
	lastSerial uint32
	last       value.Maybe[bool]
}

// Request makes a new request to the bus for the claimed name, and
// returns the bus's response.
//
// If this Claim is the current owner, Request updates the
// AllowReplacement and NoQueue settings without relinquishing
// ownership. Otherwise, the bus considers this claim anew with the
// updated [ClaimOptions].
func (c *Claim) Request(ctx context.Context, opts ClaimOptions) (RequestNameReply, error) {
	p, err := c.c.CallAsync(ctx, busName, busPath, ifaceBus, "RequestName", String(c.name), Uint32(opts.flags()))
	if err != nil {
		return 0, err
	}
	vals, err := p.Wait(ctx)
	if err != nil {
		return 0, err
	}
	code, err := Arg1(Uint32Map).From(vals)
	if err != nil {
		return 0, fmt.Errorf("reply to RequestName: %w", err)
	}
	resp := RequestNameReply(code)
	switch resp {
	case RequestNamePrimaryOwner, RequestNameAlreadyOwner:
		c.update(p.Reply().Serial, true)
	case RequestNameInQueue, RequestNameExists:
		c.update(p.Reply().Serial, false)
	default:
		return 0, fmt.Errorf("unknown response code %d to RequestName", code)
	}
	return resp, nil
}

// Close abandons the claim.
//
// If the claim is the current owner of the bus name, ownership is
// lost and may be passed on to another claimant.
func (c *Claim) Close() error {
	if !c.shutdown() {
		return nil
	}
	c.c.mu.Lock()
	if c.c.claims != nil {
		c.c.claims.Remove(c)
	}
	c.c.mu.Unlock()

	var errs []error
	for _, s := range c.subs {
		errs = append(errs, s.Close())
	}
	if _, err := c.c.Bus().ReleaseName(context.Background(), c.name); err != nil && !errors.Is(err, ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// shutdown reports loss of ownership and closes the owner channel,
// and reports whether this call was the one that did so.
func (c *Claim) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	// One final send to report loss of ownership, before closing the
	// chan
	c.send(false)
	close(c.owner)
	return true
}

// Name returns the claim's bus name.
func (c *Claim) Name() string { return c.name }

// Chan returns a channel that reports whether this claim is the
// current owner of the bus name.
//
// Only the latest ownership state is buffered, so a slow reader sees
// the current state rather than every transition. The channel is
// closed when the claim is closed.
func (c *Claim) Chan() <-chan bool { return c.owner }

func (c *Claim) onSignal(msg *Message) {
	vals, err := msg.Values()
	if err != nil {
		return
	}
	name, err := nameArg.From(vals)
	if err != nil || name != c.name {
		return
	}
	c.update(msg.Serial, msg.Member == "NameAcquired")
}

// update records an ownership report carried by the bus message with
// the given serial, ignoring reports older than one already applied.
func (c *Claim) update(serial uint32, isOwner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || serial <= c.lastSerial {
		return
	}
	c.lastSerial = serial
	if last, ok := c.last.GetOK(); ok && last == isOwner {
		return
	}
	c.last = value.Just(isOwner)
	c.send(isOwner)
}

func (c *Claim) send(isOwner bool) {
	select {
	case c.owner <- isOwner:
	case <-c.owner:
		c.owner <- isOwner
	}
}
