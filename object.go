package dbus

import (
	"context"
	"fmt"
)

// Object is an object exposed by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the DBus connection associated with the object.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the Peer that is offering the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	if o.path == "" {
		return fmt.Sprintf("%s:<no object>", o.p)
	}
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Interface returns a named interface on the object.
//
// The returned value is a purely local handle. It does not indicate
// that the object supports the requested interface.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Child returns the object at the given path relative to o.
func (o Object) Child(name string) Object {
	return o.p.Object(o.path.Child(name))
}

// Introspect returns the object's self-description.
func (o Object) Introspect(ctx context.Context) (*ObjectDescription, error) {
	doc, err := Call(ctx, o.Interface(ifaceIntrospectable), "Introspect", NoArgs, Arg1(StringMap), struct{}{})
	if err != nil {
		return nil, err
	}
	return ParseIntrospection(doc)
}
