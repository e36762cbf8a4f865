package dbus

import (
	"context"
	"fmt"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call calls method on the interface with the given arguments, and
// returns the values of the reply.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the arguments to the signature of the method being
// invoked. See [Call] and [Proxy] for checked calls.
func (f Interface) Call(ctx context.Context, method string, args ...Value) ([]Value, error) {
	return f.Conn().Call(ctx, f.Peer().Name(), f.Object().Path(), f.name, method, args...)
}

// OneWay calls method on the interface with the given arguments, and
// tells the peer not to send a reply.
//
// OneWay returns after the method call is queued for sending. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, args ...Value) error {
	return f.Conn().CallNoReply(ctx, f.Peer().Name(), f.Object().Path(), f.name, method, args...)
}

// GetProperty returns the value of the given property.
func (f Interface) GetProperty(ctx context.Context, name string) (Value, error) {
	vals, err := f.Object().Interface(ifaceProps).Call(ctx, "Get", String(f.name), String(name))
	if err != nil {
		return nil, err
	}
	return Arg1(AnyMap).From(vals)
}

// SetProperty sets the given property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value Value) error {
	_, err := f.Object().Interface(ifaceProps).Call(ctx, "Set", String(f.name), String(name), Variant{value})
	return err
}

// GetAllProperties returns all the properties exported by the
// interface.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]Value, error) {
	vals, err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", String(f.name))
	if err != nil {
		return nil, err
	}
	return Arg1(PropertiesMap).From(vals)
}

// Call calls method on iface, converting the arguments and reply with
// the given argument lists.
func Call[A, R any](ctx context.Context, iface Interface, method string, in Args[A], out Args[R], args A) (R, error) {
	var zero R
	vals, err := iface.Call(ctx, method, in.To(args)...)
	if err != nil {
		return zero, err
	}
	ret, err := out.From(vals)
	if err != nil {
		return zero, fmt.Errorf("reply to %s.%s: %w", iface.Name(), method, err)
	}
	return ret, nil
}

// GetProperty returns the value of the given property, converted with
// m.
func GetProperty[T any](ctx context.Context, iface Interface, name string, m TypeMap[T]) (T, error) {
	var zero T
	v, err := iface.GetProperty(ctx, name)
	if err != nil {
		return zero, err
	}
	ret, err := m.From(v)
	if err != nil {
		return zero, fmt.Errorf("property %s.%s: %w", iface.Name(), name, err)
	}
	return ret, nil
}

// SetProperty sets the given property to v, converted with m.
func SetProperty[T any](ctx context.Context, iface Interface, name string, m TypeMap[T], v T) error {
	return iface.SetProperty(ctx, name, m.To(v))
}
