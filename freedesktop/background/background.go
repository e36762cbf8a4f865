// Package background provides an interface to the Freedesktop Flatpak
// background applications monitor.
//
// This corresponds to the org.freedesktop.background.Monitor service
// on the session bus, which provides a way to find out what Flatpak
// applications are running with no visible GUI.
package background

import (
	"context"
	"maps"

	dbus "github.com/danderson/dbuswire"
)

const (
	serviceName   = "org.freedesktop.background.Monitor"
	interfaceName = "org.freedesktop.background.Monitor"
	objectPath    = "/org/freedesktop/background/monitor"
)

// Monitor is a client for the background applications monitor.
type Monitor struct{ p *dbus.Proxy }

// New returns an interface to the Flatpak background applications
// monitor.
func New(conn *dbus.Conn) Monitor {
	return Interface(conn.Peer(serviceName).Object(objectPath))
}

// Interface returns a Monitor on the given object.
func Interface(obj dbus.Object) Monitor {
	return Monitor{dbus.NewProxy(obj, dbus.Contract{Interface: interfaceName})}
}

// Interface returns the underlying DBus interface.
func (m Monitor) Interface() dbus.Interface { return m.p.Interface() }

// App is a Flatpak application running in the background.
type App struct {
	// ID is the application's Flatpak ID.
	ID string
	// Instance is the application instance's ID.
	Instance string
	// Status is a status message provided by the application.
	Status string

	// Unknown collects any new application attributes that are not
	// yet understood by this package.
	Unknown map[string]dbus.Value
}

var appsMap = dbus.SliceOf(dbus.PropertiesMap)

func appFromDict(d map[string]dbus.Value) App {
	var ret App
	str := func(k string) string {
		v, ok := d[k].(dbus.String)
		if !ok {
			return ""
		}
		delete(d, k)
		return string(v)
	}
	d = maps.Clone(d)
	ret.ID = str("app_id")
	ret.Instance = str("instance")
	ret.Status = str("message")
	if len(d) > 0 {
		ret.Unknown = d
	}
	return ret
}

func appsFromDicts(ds []map[string]dbus.Value) []App {
	ret := make([]App, 0, len(ds))
	for _, d := range ds {
		ret = append(ret, appFromDict(d))
	}
	return ret
}

// BackgroundApps returns a list of Flatpak applications running in
// the background.
func (m Monitor) BackgroundApps(ctx context.Context) ([]App, error) {
	ds, err := dbus.GetProperty(ctx, m.p.Interface(), "BackgroundApps", appsMap)
	if err != nil {
		return nil, err
	}
	return appsFromDicts(ds), nil
}

// WatchBackgroundApps calls fn with the new list of background apps
// every time it changes, until the returned subscription is closed.
func (m Monitor) WatchBackgroundApps(ctx context.Context, fn func([]App)) (*dbus.Subscription, error) {
	return m.p.Interface().WatchProperties(ctx, func(pc dbus.PropertiesChanged) {
		v, ok := pc.Changed["BackgroundApps"]
		if !ok {
			return
		}
		ds, err := appsMap.From(v)
		if err != nil {
			return
		}
		fn(appsFromDicts(ds))
	})
}
