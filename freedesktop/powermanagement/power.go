// Package powermanagement provides an interface to the Freedesktop
// power management API.
//
// This corresponds to the org.freedesktop.PowerManagement service on
// the session bus.
package powermanagement

import (
	"context"
	"fmt"

	dbus "github.com/danderson/dbuswire"
)

const (
	serviceName      = "org.freedesktop.PowerManagement"
	mainInterface    = "org.freedesktop.PowerManagement"
	inhibitInterface = "org.freedesktop.PowerManagement.Inhibit"
	objectPath       = "/org/freedesktop/PowerManagement"
)

var (
	boolArg   = dbus.Arg1(dbus.BoolMap)
	cookieArg = dbus.Arg1(dbus.Uint32Map)
	inhibitIn = dbus.Arg2(dbus.StringMap, dbus.StringMap)
)

func query(name string) dbus.ContractMethod {
	return dbus.ContractMethod{Name: name, Out: []dbus.Arg{{Type: dbus.BoolType}}}
}

// MainContract is the org.freedesktop.PowerManagement interface.
var MainContract = dbus.Contract{
	Interface: mainInterface,
	Methods: []dbus.ContractMethod{
		query("CanHibernate"),
		query("CanHybridSuspend"),
		query("CanSuspend"),
		query("CanSuspendThenHibernate"),
		query("GetPowerSaveStatus"),
		{Name: "Hibernate"},
		{Name: "Suspend"},
	},
}

// InhibitContract is the org.freedesktop.PowerManagement.Inhibit
// interface.
var InhibitContract = dbus.Contract{
	Interface: inhibitInterface,
	Methods: []dbus.ContractMethod{
		query("HasInhibit"),
		{
			Name: "Inhibit",
			In:   []dbus.Arg{{Name: "application", Type: dbus.StringType}, {Name: "reason", Type: dbus.StringType}},
			Out:  []dbus.Arg{{Name: "cookie", Type: dbus.Uint32Type}},
		},
		{Name: "UnInhibit", In: []dbus.Arg{{Name: "cookie", Type: dbus.Uint32Type}}},
	},
}

// PowerManagement is a client for the power management service.
type PowerManagement struct {
	main    *dbus.Proxy
	inhibit *dbus.Proxy
}

// New returns an interface to the power management service.
func New(conn *dbus.Conn) PowerManagement {
	return Interface(conn.Peer(serviceName).Object(objectPath))
}

// Interface returns a power management interface on the given object.
func Interface(obj dbus.Object) PowerManagement {
	return PowerManagement{
		main:    dbus.NewProxy(obj, MainContract),
		inhibit: dbus.NewProxy(obj, InhibitContract),
	}
}

func ask(ctx context.Context, p *dbus.Proxy, method string) (bool, error) {
	return dbus.Invoke(ctx, p, method, dbus.NoArgs, boolArg, struct{}{})
}

func do(ctx context.Context, p *dbus.Proxy, method string) error {
	_, err := dbus.Invoke(ctx, p, method, dbus.NoArgs, dbus.NoArgs, struct{}{})
	return err
}

// CanHibernate reports whether the system is capable of hibernating.
//
// Hibernation, also known as "suspend to disk", saves the system
// state to durable storage and powers the computer off entirely.
func (pm PowerManagement) CanHibernate(ctx context.Context) (bool, error) {
	return ask(ctx, pm.main, "CanHibernate")
}

// CanHybridSuspend reports whether the system is capable of entering
// hybrid sleep.
//
// Hybrid sleep saves the system state to durable storage, but then
// does a regular suspend instead of powering off entirely. This
// allows the system to resume rapidly while it still has battery
// (like suspend), without losing the system state if the battery runs
// out (like hibernate).
func (pm PowerManagement) CanHybridSuspend(ctx context.Context) (bool, error) {
	return ask(ctx, pm.main, "CanHybridSuspend")
}

// CanSuspend reports whether the system is capable of suspending.
//
// Suspending, also known as "suspend to RAM", puts the system to
// sleep with all its state preserved in RAM.
func (pm PowerManagement) CanSuspend(ctx context.Context) (bool, error) {
	return ask(ctx, pm.main, "CanSuspend")
}

// CanSuspendThenHibernate reports whether the system is capable of
// "suspend then hibernate" sleep.
//
// Suspend-then-hibernate initially suspends to RAM, but transitions
// to hibernation (suspend to disk) if the battery reaches critical
// levels.
func (pm PowerManagement) CanSuspendThenHibernate(ctx context.Context) (bool, error) {
	return ask(ctx, pm.main, "CanSuspendThenHibernate")
}

// ShouldSavePower reports whether the caller should try to lower its
// power consumption.
//
// The reported value reports the system's current power usage policy.
// It does not necessarily mean that the system is running on battery
// power.
func (pm PowerManagement) ShouldSavePower(ctx context.Context) (bool, error) {
	return ask(ctx, pm.main, "GetPowerSaveStatus")
}

// HasInhibit reports whether the system is currently being prevented
// from sleeping by an application.
//
// Inhibits block all forms of sleep (suspend, hibernate, hybrid
// suspend, suspend-then-hibernate).
func (pm PowerManagement) HasInhibit(ctx context.Context) (bool, error) {
	return ask(ctx, pm.inhibit, "HasInhibit")
}

// Hibernate asks the system to hibernate.
//
// Hibernation, also known as suspend to disk, saves the running
// system's state to durable storage before powering off entirely. A
// hibernating laptop consumes almost no power, but resuming from
// hibernation takes many seconds.
func (pm PowerManagement) Hibernate(ctx context.Context) error {
	return do(ctx, pm.main, "Hibernate")
}

// Suspend asks the system to suspend.
//
// Suspending, also known as suspend to RAM, saves the running
// system's state to RAM and goes to sleep. Battery usage while
// suspended is low, but not zero as the system still needs to keep
// the RAM powered on maintain its contents. Resuming from the
// suspended state is very fast, typically under a second.
func (pm PowerManagement) Suspend(ctx context.Context) error {
	return do(ctx, pm.main, "Suspend")
}

// InhibitSleep prevents the system from going to sleep.
//
// application and reason are human-readable strings that should
// explain what is preventing the system from sleeping, and why. For
// example, a background system update might use the application name
// "System" and the reason "Installing updates".
//
// The returned cancellation function should be called when the sleep
// inhibition should be lifted.
func (pm PowerManagement) InhibitSleep(ctx context.Context, application string, reason string) (cancel func(context.Context) error, err error) {
	cookie, err := dbus.Invoke(ctx, pm.inhibit, "Inhibit", inhibitIn, cookieArg, dbus.Pair[string, string]{A: application, B: reason})
	if err != nil {
		return nil, err
	}
	cancel = func(ctx context.Context) error {
		_, err := dbus.Invoke(ctx, pm.inhibit, "UnInhibit", cookieArg, dbus.NoArgs, cookie)
		return err
	}
	return cancel, nil
}

// Change identifies which of the power management states changed.
type Change int

const (
	CanHibernateChanged Change = iota
	CanHybridSuspendChanged
	CanSuspendChanged
	CanSuspendThenHibernateChanged
	ShouldSavePowerChanged
	HasInhibitChanged
)

var changeSignals = []struct {
	inhibit bool
	member  string
}{
	CanHibernateChanged:            {false, "CanHibernateChanged"},
	CanHybridSuspendChanged:        {false, "CanHybridSuspendChanged"},
	CanSuspendChanged:              {false, "CanSuspendChanged"},
	CanSuspendThenHibernateChanged: {false, "CanSuspendThenHibernateChanged"},
	ShouldSavePowerChanged:         {false, "PowerSaveStatusChanged"},
	HasInhibitChanged:              {true, "HasInhibitChanged"},
}

func (c Change) String() string {
	if c < 0 || int(c) >= len(changeSignals) {
		return "unknown"
	}
	return changeSignals[c].member
}

// Watch calls fn with the new value every time the given power
// management state changes, until the returned subscription is
// closed.
func (pm PowerManagement) Watch(ctx context.Context, c Change, fn func(bool)) (*dbus.Subscription, error) {
	if c < 0 || int(c) >= len(changeSignals) {
		return nil, fmt.Errorf("unknown power management change %d", c)
	}
	sig := changeSignals[c]
	p := pm.main
	if sig.inhibit {
		p = pm.inhibit
	}
	return dbus.WatchSignal(ctx, p.Interface(), sig.member, boolArg, fn)
}
