package notifications_test

import (
	"context"
	"sync"
	"testing"
	"time"

	dbus "github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/dbustest"
	"github.com/danderson/dbuswire/freedesktop/notifications"
	"github.com/google/go-cmp/cmp"
)

type notifyCall struct {
	AppName string
	Summary string
	Actions []string
	Urgency dbus.Value
	Timeout int32
}

func fakeService(t *testing.T, calls chan<- notifyCall) *dbus.Handler {
	var (
		mu     sync.Mutex
		nextID uint32
	)
	return &dbus.Handler{
		Name: "org.freedesktop.Notifications",
		Methods: []dbus.Method{
			{
				Name: "Notify",
				In: []dbus.Arg{
					{Type: dbus.StringType}, {Type: dbus.Uint32Type}, {Type: dbus.StringType},
					{Type: dbus.StringType}, {Type: dbus.StringType}, {Type: dbus.ArrayOf(dbus.StringType)},
					{Type: dbus.DictOf(dbus.StringType, dbus.VariantType)}, {Type: dbus.Int32Type},
				},
				Out: []dbus.Arg{{Type: dbus.Uint32Type}},
				Func: func(_ context.Context, args []dbus.Value) ([]dbus.Value, error) {
					actions, err := dbus.StringsMap.From(args[5])
					if err != nil {
						t.Errorf("bad actions: %v", err)
					}
					hints, err := dbus.PropertiesMap.From(args[6])
					if err != nil {
						t.Errorf("bad hints: %v", err)
					}
					calls <- notifyCall{
						AppName: string(args[0].(dbus.String)),
						Summary: string(args[3].(dbus.String)),
						Actions: actions,
						Urgency: hints["urgency"],
						Timeout: int32(args[7].(dbus.Int32)),
					}
					mu.Lock()
					defer mu.Unlock()
					nextID++
					return []dbus.Value{dbus.Uint32(nextID)}, nil
				},
			},
			dbus.NewMethod("GetCapabilities", dbus.NoArgs, dbus.Arg1(dbus.StringsMap), func(context.Context, struct{}) ([]string, error) {
				return []string{"body", "icon-multi", "x-kde-urls", "x-new-thing"}, nil
			}),
			{
				Name: "GetServerInformation",
				Out:  []dbus.Arg{{Type: dbus.StringType}, {Type: dbus.StringType}, {Type: dbus.StringType}, {Type: dbus.StringType}},
				Func: func(context.Context, []dbus.Value) ([]dbus.Value, error) {
					return []dbus.Value{dbus.String("fake"), dbus.String("test"), dbus.String("1.0"), dbus.String("1.2")}, nil
				},
			},
		},
		Properties: []dbus.Property{
			dbus.NewProperty("Inhibited", dbus.BoolMap, func(context.Context) (bool, error) { return true, nil }, nil),
		},
	}
}

func TestNotifications(t *testing.T) {
	b := dbustest.New(t)
	svc, client := b.MustConn(t), b.MustConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := make(chan notifyCall, 2)
	if err := svc.Export("/org/freedesktop/Notifications", fakeService(t, calls)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if _, err := svc.Bus().RequestName(ctx, "org.freedesktop.Notifications", 0); err != nil {
		t.Fatalf("RequestName failed: %v", err)
	}
	n := notifications.New(client)

	id, err := n.Notify(ctx, notifications.Notification{
		AppName: "test",
		Summary: "hello",
		Actions: []string{"default", "Open"},
		Hints:   map[string]dbus.Value{"urgency": dbus.Byte(2)},
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if id != 1 {
		t.Errorf("Notify returned ID %d, want 1", id)
	}
	want := notifyCall{
		AppName: "test",
		Summary: "hello",
		Actions: []string{"default", "Open"},
		Urgency: dbus.Byte(2),
		Timeout: -1,
	}
	if diff := cmp.Diff(<-calls, want); diff != "" {
		t.Errorf("wrong Notify call (-got+want):\n%s", diff)
	}

	if _, err := n.Notify(ctx, notifications.Notification{Summary: "forever", Timeout: -1}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if got := <-calls; got.Timeout != 0 {
		t.Errorf("Notify with negative timeout sent %d, want 0", got.Timeout)
	}

	caps, err := n.Capabilities(ctx)
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	wantCaps := notifications.Capabilities{
		Body:          true,
		Icon:          true,
		IconAnimation: true,
		ContextURLs:   true,
		Unknown:       []string{"x-new-thing"},
	}
	if diff := cmp.Diff(caps, wantCaps); diff != "" {
		t.Errorf("wrong capabilities (-got+want):\n%s", diff)
	}

	info, err := n.ServerInformation(ctx)
	if err != nil {
		t.Fatalf("ServerInformation failed: %v", err)
	}
	if diff := cmp.Diff(info, notifications.ServerInformation{Name: "fake", Vendor: "test", Version: "1.0", SpecVersion: "1.2"}); diff != "" {
		t.Errorf("wrong server information (-got+want):\n%s", diff)
	}

	if inhibited, err := n.Inhibited(ctx); err != nil || !inhibited {
		t.Errorf("Inhibited() = %v, %v, want true", inhibited, err)
	}

	// CloseNotification is in the contract, but the fake service
	// doesn't implement it.
	if err := n.CloseNotification(ctx, id); err == nil {
		t.Error("CloseNotification on service without the method succeeded")
	}
}

func TestNotificationClosed(t *testing.T) {
	b := dbustest.New(t)
	svc, client := b.MustConn(t), b.MustConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := svc.Bus().RequestName(ctx, "org.freedesktop.Notifications", 0); err != nil {
		t.Fatalf("RequestName failed: %v", err)
	}
	n := notifications.New(client)
	closed := make(chan notifications.NotificationClosed, 1)
	sub, err := n.WatchNotificationClosed(ctx, func(c notifications.NotificationClosed) { closed <- c })
	if err != nil {
		t.Fatalf("WatchNotificationClosed failed: %v", err)
	}
	defer sub.Close()

	emit := func(vals ...dbus.Value) {
		t.Helper()
		if err := svc.EmitSignal(ctx, "/org/freedesktop/Notifications", "org.freedesktop.Notifications", "NotificationClosed", vals...); err != nil {
			t.Fatalf("EmitSignal failed: %v", err)
		}
	}
	// Malformed signals are dropped.
	emit(dbus.String("nope"))
	emit(dbus.Uint32(7), dbus.Uint32(2))

	select {
	case got := <-closed:
		want := notifications.NotificationClosed{ID: 7, Reason: notifications.CloseDismissed}
		if got != want {
			t.Errorf("NotificationClosed = %+v, want %+v", got, want)
		}
		if got.Reason.String() != "dismissed" {
			t.Errorf("Reason.String() = %q, want dismissed", got.Reason)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for NotificationClosed")
	}
}
