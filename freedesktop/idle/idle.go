// Package idle provides an interface to the Freedesktop session
// idleness management and locking DBus API.
//
// For historical reasons, the DBus interface for this API is called
// org.freedesktop.ScreenSaver, which is a bit of a misnomer: the API
// is primarily concerned with managing the locking of a session due
// to idleness, although it also provides a method to explicitly lock
// the session immediately as well.
//
// The API also provides a way for applications to temporarily inhibit
// idleness-based session locking, for example so that movie playback
// isn't disrupted.
package idle

import (
	"context"
	"time"

	dbus "github.com/danderson/dbuswire"
)

const (
	serviceName   = "org.freedesktop.ScreenSaver"
	interfaceName = "org.freedesktop.ScreenSaver"
	objectPath    = "/org/freedesktop/ScreenSaver"
)

var (
	boolArg   = dbus.Arg1(dbus.BoolMap)
	uint32Arg = dbus.Arg1(dbus.Uint32Map)
	inhibitIn = dbus.Arg2(dbus.StringMap, dbus.StringMap)
)

// Contract is the subset of org.freedesktop.ScreenSaver that Idle
// uses.
var Contract = dbus.Contract{
	Interface: interfaceName,
	Methods: []dbus.ContractMethod{
		{Name: "GetActive", Out: []dbus.Arg{{Name: "active", Type: dbus.BoolType}}},
		{Name: "GetActiveTime", Out: []dbus.Arg{{Name: "seconds", Type: dbus.Uint32Type}}},
		{Name: "GetSessionIdleTime", Out: []dbus.Arg{{Name: "seconds", Type: dbus.Uint32Type}}},
		{
			Name: "Inhibit",
			In:   []dbus.Arg{{Name: "application_name", Type: dbus.StringType}, {Name: "reason_for_inhibit", Type: dbus.StringType}},
			Out:  []dbus.Arg{{Name: "cookie", Type: dbus.Uint32Type}},
		},
		{Name: "UnInhibit", In: []dbus.Arg{{Name: "cookie", Type: dbus.Uint32Type}}},
		{Name: "Lock"},
	},
}

// Idle is a client for the session locking management service.
type Idle struct{ p *dbus.Proxy }

// New returns an interface to the session locking management service.
func New(conn *dbus.Conn) Idle {
	return Interface(conn.Peer(serviceName).Object(objectPath))
}

// Interface returns a session locking management interface on the
// given object.
func Interface(obj dbus.Object) Idle {
	return Idle{dbus.NewProxy(obj, Contract)}
}

// Locked reports whether the session is currently locked.
func (i Idle) Locked(ctx context.Context) (bool, error) {
	return dbus.Invoke(ctx, i.p, "GetActive", dbus.NoArgs, boolArg, struct{}{})
}

func (i Idle) seconds(ctx context.Context, method string) (time.Duration, error) {
	secs, err := dbus.Invoke(ctx, i.p, method, dbus.NoArgs, uint32Arg, struct{}{})
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// LockedTime reports the amount of time the session has been locked,
// or 0 if the session is not locked.
func (i Idle) LockedTime(ctx context.Context) (time.Duration, error) {
	return i.seconds(ctx, "GetActiveTime")
}

// IdleTime reports the amount of time the session has been idle.
//
// A session may be idle with or without being locked. Idleness has no
// precise definition, but usually translates to a lack of
// keyboard/mouse inputs.
func (i Idle) IdleTime(ctx context.Context) (time.Duration, error) {
	return i.seconds(ctx, "GetSessionIdleTime")
}

// Inhibit prevents the session from locking due to being idle.
//
// application and reason are human-readable strings that should
// explain what is preventing idle session from locking, and why.
//
// The returned cancellation function should be called when the idle
// lock inhibition should be lifted.
func (i Idle) Inhibit(ctx context.Context, application string, reason string) (cancel func(context.Context) error, err error) {
	cookie, err := dbus.Invoke(ctx, i.p, "Inhibit", inhibitIn, uint32Arg, dbus.Pair[string, string]{A: application, B: reason})
	if err != nil {
		return nil, err
	}
	cancel = func(ctx context.Context) error {
		_, err := dbus.Invoke(ctx, i.p, "UnInhibit", uint32Arg, dbus.NoArgs, cookie)
		return err
	}
	return cancel, nil
}

// Lock asks the session to lock immediately.
func (i Idle) Lock(ctx context.Context) error {
	_, err := dbus.Invoke(ctx, i.p, "Lock", dbus.NoArgs, dbus.NoArgs, struct{}{})
	return err
}

// WatchLocked calls fn with the session's new lock state every time
// it changes, until the returned subscription is closed.
//
// It watches the org.freedesktop.ScreenSaver.ActiveChanged signal.
func (i Idle) WatchLocked(ctx context.Context, fn func(locked bool)) (*dbus.Subscription, error) {
	return dbus.WatchSignal(ctx, i.p.Interface(), "ActiveChanged", boolArg, fn)
}
