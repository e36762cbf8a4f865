package dbus

import (
	"context"
)

// Peer is a named participant on the bus.
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the DBus connection associated with the peer.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns the object at path on the peer.
//
// The returned value is a purely local handle. It does not indicate
// that the object exists.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}

// Ping checks that the peer is reachable.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.Object("/").Interface(ifacePeer).Call(ctx, "Ping")
	return err
}

// MachineID returns the ID of the machine the peer runs on.
func (p Peer) MachineID(ctx context.Context) (string, error) {
	return Call(ctx, p.Object("/").Interface(ifacePeer), "GetMachineId", NoArgs, Arg1(StringMap), struct{}{})
}
