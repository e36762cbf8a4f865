package background_test

import (
	"context"
	"sync"
	"testing"
	"time"

	dbus "github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/dbustest"
	"github.com/danderson/dbuswire/freedesktop/background"
	"github.com/google/go-cmp/cmp"
)

func TestBackgroundApps(t *testing.T) {
	b := dbustest.New(t)
	svc, client := b.MustConn(t), b.MustConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		apps = []map[string]dbus.Value{
			{"app_id": dbus.String("org.example.Player"), "instance": dbus.String("1234"), "message": dbus.String("Playing")},
		}
	)
	appsMap := dbus.SliceOf(dbus.PropertiesMap)
	h := &dbus.Handler{
		Name: "org.freedesktop.background.Monitor",
		Properties: []dbus.Property{
			dbus.NewProperty("BackgroundApps", appsMap,
				func(context.Context) ([]map[string]dbus.Value, error) {
					mu.Lock()
					defer mu.Unlock()
					return apps, nil
				},
				func(_ context.Context, v []map[string]dbus.Value) error {
					mu.Lock()
					defer mu.Unlock()
					apps = v
					return nil
				}),
		},
	}
	if err := svc.Export("/org/freedesktop/background/monitor", h); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if _, err := svc.Bus().RequestName(ctx, "org.freedesktop.background.Monitor", 0); err != nil {
		t.Fatalf("RequestName failed: %v", err)
	}
	mon := background.New(client)

	got, err := mon.BackgroundApps(ctx)
	if err != nil {
		t.Fatalf("BackgroundApps failed: %v", err)
	}
	want := []background.App{{ID: "org.example.Player", Instance: "1234", Status: "Playing"}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Fatalf("wrong apps (-got+want):\n%s", diff)
	}

	changes := make(chan []background.App, 1)
	sub, err := mon.WatchBackgroundApps(ctx, func(apps []background.App) { changes <- apps })
	if err != nil {
		t.Fatalf("WatchBackgroundApps failed: %v", err)
	}
	defer sub.Close()

	// Setting the property through the standard Properties interface
	// makes the service emit PropertiesChanged.
	next := []map[string]dbus.Value{
		{"app_id": dbus.String("org.example.Sync"), "instance": dbus.String("99"), "pid": dbus.Uint32(42)},
	}
	if err := dbus.SetProperty(ctx, mon.Interface(), "BackgroundApps", appsMap, next); err != nil {
		t.Fatalf("SetProperty failed: %v", err)
	}
	select {
	case got := <-changes:
		want := []background.App{{
			ID:       "org.example.Sync",
			Instance: "99",
			Unknown:  map[string]dbus.Value{"pid": dbus.Uint32(42)},
		}}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Fatalf("wrong changed apps (-got+want):\n%s", diff)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for BackgroundApps change")
	}
}
