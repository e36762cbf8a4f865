package dbus

import (
	"context"
	"errors"
	"strings"
)

// PropertiesChanged is the body of the
// org.freedesktop.DBus.Properties.PropertiesChanged signal.
type PropertiesChanged struct {
	// Interface is the interface whose properties changed.
	Interface string
	// Changed maps property names to their new values.
	Changed map[string]Value
	// Invalidated lists properties that changed, without their new
	// values.
	Invalidated []string
}

var propertiesChangedArgs = Arg3(StringMap, PropertiesMap, StringsMap)

// ParsePropertiesChanged decodes a PropertiesChanged signal.
func ParsePropertiesChanged(msg *Message) (PropertiesChanged, error) {
	if msg.Interface != ifaceProps || msg.Member != "PropertiesChanged" {
		return PropertiesChanged{}, errors.New("not a PropertiesChanged signal")
	}
	vals, err := msg.Values()
	if err != nil {
		return PropertiesChanged{}, err
	}
	t, err := propertiesChangedArgs.From(vals)
	if err != nil {
		return PropertiesChanged{}, err
	}
	return PropertiesChanged{t.A, t.B, t.C}, nil
}

// Watch calls cb with every signal named member that the interface
// emits, until the returned subscription is closed.
//
// Signals are routed by their sender's unique name. If the interface's
// peer is addressed by a well-known name, Watch resolves it to its
// current owner, and stops receiving signals if ownership moves to
// another connection.
func (f Interface) Watch(ctx context.Context, member string, cb func(*Message)) (*Subscription, error) {
	return f.watch(ctx, f.Name(), member, cb)
}

func (f Interface) watch(ctx context.Context, iface, member string, cb func(*Message)) (*Subscription, error) {
	sender := f.Peer().Name()
	if !strings.HasPrefix(sender, ":") && sender != busName {
		owner, err := f.Conn().Bus().GetNameOwner(ctx, sender)
		if err != nil {
			return nil, err
		}
		sender = owner
	}
	rule := MatchRule{
		Sender:    sender,
		Path:      f.Object().Path(),
		Interface: iface,
		Member:    member,
	}
	return f.Conn().Subscribe(ctx, rule, cb)
}

// WatchSignal is like [Interface.Watch], but decodes signal bodies
// with args. Signals whose body does not match args are dropped.
func WatchSignal[T any](ctx context.Context, f Interface, member string, args Args[T], cb func(T)) (*Subscription, error) {
	log := f.Conn().log
	return f.Watch(ctx, member, func(msg *Message) {
		vals, err := msg.Values()
		if err == nil {
			var t T
			if t, err = args.From(vals); err == nil {
				cb(t)
				return
			}
		}
		log.Debug().Err(err).Str("sender", msg.Sender).Str("member", member).Msg("discarding malformed signal")
	})
}

// WatchProperties calls cb with every change to the interface's
// properties, until the returned subscription is closed. Well-known
// peer names are resolved as in [Interface.Watch].
func (f Interface) WatchProperties(ctx context.Context, cb func(PropertiesChanged)) (*Subscription, error) {
	log := f.Conn().log
	return f.watch(ctx, ifaceProps, "PropertiesChanged", func(msg *Message) {
		pc, err := ParsePropertiesChanged(msg)
		if err != nil {
			log.Debug().Err(err).Str("sender", msg.Sender).Msg("discarding malformed PropertiesChanged")
			return
		}
		if pc.Interface != f.Name() {
			return
		}
		cb(pc)
	})
}

func (c *Conn) emitPropertiesChanged(ctx context.Context, path ObjectPath, pc PropertiesChanged) error {
	return c.EmitSignal(ctx, path, ifaceProps, "PropertiesChanged", propertiesChangedArgs.To(Triple[string, map[string]Value, []string]{pc.Interface, pc.Changed, pc.Invalidated})...)
}
