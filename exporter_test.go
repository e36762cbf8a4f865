package dbus_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	dbus "github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/dbustest"
	"github.com/google/go-cmp/cmp"
)

const calcIface = "org.test.Calc"

var addArgs = dbus.Arg2(dbus.Int32Map, dbus.Int32Map)

func calcHandler(count *atomic.Uint32) *dbus.Handler {
	return &dbus.Handler{
		Name: calcIface,
		Methods: []dbus.Method{
			dbus.NewMethod("Add", addArgs, dbus.Arg1(dbus.Int32Map), func(ctx context.Context, a dbus.Pair[int32, int32]) (int32, error) {
				count.Add(1)
				return a.A + a.B, nil
			}),
			dbus.NewMethod("Whoami", dbus.NoArgs, dbus.Arg1(dbus.StringMap), func(ctx context.Context, _ struct{}) (string, error) {
				sender, ok := dbus.ContextSender(ctx)
				if !ok {
					return "", errors.New("no sender")
				}
				return sender, nil
			}),
			dbus.NewMethod("Refuse", dbus.NoArgs, dbus.NoArgs, func(context.Context, struct{}) (struct{}, error) {
				return struct{}{}, dbus.CallError{Name: "org.test.Error.Refused", Detail: "no thanks"}
			}),
			dbus.NewMethod("Break", dbus.NoArgs, dbus.NoArgs, func(context.Context, struct{}) (struct{}, error) {
				return struct{}{}, errors.New("broken")
			}),
			dbus.NewMethod("Panic", dbus.NoArgs, dbus.NoArgs, func(context.Context, struct{}) (struct{}, error) {
				panic("oh no")
			}),
			{
				Name: "Liar",
				Out:  []dbus.Arg{{Name: "n", Type: dbus.Uint32Type}},
				Func: func(context.Context, []dbus.Value) ([]dbus.Value, error) {
					return []dbus.Value{dbus.String("not a uint32")}, nil
				},
			},
		},
		Properties: []dbus.Property{
			dbus.NewProperty("Count", dbus.Uint32Map, func(context.Context) (uint32, error) {
				return count.Load(), nil
			}, nil),
		},
	}
}

// exportPair returns a service connection with the calculator
// exported at /calc, and a client handle for it.
func exportPair(t *testing.T) (svc *dbus.Conn, calc dbus.Interface) {
	t.Helper()
	b := dbustest.New(t)
	svc, client := b.MustConn(t), b.MustConn(t)
	var count atomic.Uint32
	if err := svc.Export("/calc", calcHandler(&count)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	return svc, client.Peer(svc.LocalName()).Object("/calc").Interface(calcIface)
}

func wantCallError(t *testing.T, err error, name string) {
	t.Helper()
	var ce dbus.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("got error %v, want CallError %s", err, name)
	}
	if ce.Name != name {
		t.Fatalf("got CallError %s (%s), want %s", ce.Name, ce.Detail, name)
	}
}

func TestExportCall(t *testing.T) {
	_, calc := exportPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sum, err := dbus.Call(ctx, calc, "Add", addArgs, dbus.Arg1(dbus.Int32Map), dbus.Pair[int32, int32]{A: 40, B: 2})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum != 42 {
		t.Fatalf("Add(40, 2) = %d, want 42", sum)
	}

	who, err := dbus.Call(ctx, calc, "Whoami", dbus.NoArgs, dbus.Arg1(dbus.StringMap), struct{}{})
	if err != nil {
		t.Fatalf("Whoami failed: %v", err)
	}
	if want := calc.Conn().LocalName(); who != want {
		t.Fatalf("Whoami() = %q, want %q", who, want)
	}

	count, err := dbus.GetProperty(ctx, calc, "Count", dbus.Uint32Map)
	if err != nil {
		t.Fatalf("GetProperty(Count) failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Count = %d, want 1", count)
	}
}

func TestExportErrors(t *testing.T) {
	_, calc := exportPair(t)
	obj := calc.Object()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name string
		call func() error
		want string
	}{
		{"unknown object", func() error {
			_, err := obj.Peer().Object("/nope").Interface(calcIface).Call(ctx, "Add", dbus.Int32(1), dbus.Int32(2))
			return err
		}, dbus.ErrNameUnknownObject},
		{"unknown interface", func() error {
			_, err := obj.Interface("org.test.Nope").Call(ctx, "Add")
			return err
		}, dbus.ErrNameUnknownInterface},
		{"unknown method", func() error {
			_, err := calc.Call(ctx, "Subtract", dbus.Int32(1), dbus.Int32(2))
			return err
		}, dbus.ErrNameUnknownMethod},
		{"wrong arguments", func() error {
			_, err := calc.Call(ctx, "Add", dbus.String("1"), dbus.Int32(2))
			return err
		}, dbus.ErrNameInvalidArgs},
		{"too few arguments", func() error {
			_, err := calc.Call(ctx, "Add", dbus.Int32(1))
			return err
		}, dbus.ErrNameInvalidArgs},
		{"handler CallError", func() error {
			_, err := calc.Call(ctx, "Refuse")
			return err
		}, "org.test.Error.Refused"},
		{"handler error", func() error {
			_, err := calc.Call(ctx, "Break")
			return err
		}, dbus.ErrNameFailed},
		{"handler panic", func() error {
			_, err := calc.Call(ctx, "Panic")
			return err
		}, dbus.ErrNameFailed},
		{"wrong return type", func() error {
			_, err := calc.Call(ctx, "Liar")
			return err
		}, dbus.ErrNameFailed},
		{"unknown property", func() error {
			_, err := calc.GetProperty(ctx, "Nope")
			return err
		}, dbus.ErrNameUnknownProperty},
		{"read-only property", func() error {
			return calc.SetProperty(ctx, "Count", dbus.Uint32(5))
		}, dbus.ErrNamePropertyReadOnly},
		{"properties of unknown interface", func() error {
			_, err := obj.Interface("org.test.Nope").GetAllProperties(ctx)
			return err
		}, dbus.ErrNameUnknownInterface},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wantCallError(t, tc.call(), tc.want)
		})
	}

	// The service survives all of the above.
	if _, err := dbus.Call(ctx, calc, "Add", addArgs, dbus.Arg1(dbus.Int32Map), dbus.Pair[int32, int32]{A: 1, B: 1}); err != nil {
		t.Fatalf("Add after errors failed: %v", err)
	}
}

func TestExportConflict(t *testing.T) {
	b := dbustest.New(t)
	svc := b.MustConn(t)
	var count atomic.Uint32

	if err := svc.Export("/calc", calcHandler(&count)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	err := svc.Export("/calc", calcHandler(&count))
	var ce *dbus.ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, dbus.ErrConflict) {
		t.Fatalf("second Export returned %v, want ConflictError", err)
	}
	if ce.Path != "/calc" || ce.Interface != calcIface {
		t.Fatalf("ConflictError = %+v, want /calc %s", ce, calcIface)
	}

	other := &dbus.Handler{Name: "org.test.Other"}
	if err := svc.Export("/calc", other); err != nil {
		t.Fatalf("Export of second interface at same path failed: %v", err)
	}
	if err := svc.Export("/calc", &dbus.Handler{Name: "org.freedesktop.DBus.Properties"}); err == nil {
		t.Fatal("Export of standard interface succeeded")
	}
	if err := svc.Export("bad path", other); err == nil {
		t.Fatal("Export at invalid path succeeded")
	}

	if !svc.Unexport("/calc", calcIface) {
		t.Fatal("Unexport of exported interface returned false")
	}
	if svc.Unexport("/calc", calcIface) {
		t.Fatal("second Unexport returned true")
	}
	if err := svc.Export("/calc", calcHandler(&count)); err != nil {
		t.Fatalf("Export after Unexport failed: %v", err)
	}
}

func TestExportIntrospection(t *testing.T) {
	b := dbustest.New(t)
	svc, client := b.MustConn(t), b.MustConn(t)

	h := &dbus.Handler{
		Name: "org.test.Counter",
		Methods: []dbus.Method{
			dbus.NewMethod("Reset", dbus.NoArgs, dbus.NoArgs, func(context.Context, struct{}) (struct{}, error) {
				return struct{}{}, nil
			}),
		},
		Properties: []dbus.Property{
			dbus.NewProperty("Value", dbus.Uint32Map, func(context.Context) (uint32, error) { return 7, nil }, nil),
		},
	}
	for _, path := range []dbus.ObjectPath{"/org/test/counter", "/org/test/counter/a", "/org/test/counter/b/deep", "/org/test/other"} {
		if err := svc.Export(path, h); err != nil {
			t.Fatalf("Export(%s) failed: %v", path, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	obj := client.Peer(svc.LocalName()).Object("/org/test/counter")
	doc, err := dbus.Call(ctx, obj.Interface("org.freedesktop.DBus.Introspectable"), "Introspect", dbus.NoArgs, dbus.Arg1(dbus.StringMap), struct{}{})
	if err != nil {
		t.Fatalf("Introspect failed: %v", err)
	}
	if !strings.HasPrefix(doc, "<!DOCTYPE node") {
		t.Errorf("introspection document has no doctype:\n%s", doc)
	}
	if got := strings.Count(doc, `<property name="Value" type="u" access="read">`); got != 1 {
		t.Errorf("introspection has %d read-only Value properties, want 1:\n%s", got, doc)
	}
	if got := strings.Count(doc, `<method name="Reset">`); got != 1 {
		t.Errorf("introspection has %d Reset methods, want 1:\n%s", got, doc)
	}

	desc, err := obj.Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect failed: %v", err)
	}
	if diff := cmp.Diff(desc.Children, []string{"a", "b"}); diff != "" {
		t.Errorf("wrong children (-got+want):\n%s", diff)
	}
	iface := desc.Interfaces["org.test.Counter"]
	if iface == nil {
		t.Fatalf("introspection lacks org.test.Counter: %v", desc)
	}
	if m := iface.Method("Reset"); m == nil || len(m.In) != 0 || len(m.Out) != 0 {
		t.Errorf("wrong Reset method %v", m)
	}
	if p := iface.Property("Value"); p == nil || !p.Readable || p.Writable || !p.Type.Equal(dbus.Uint32Type) {
		t.Errorf("wrong Value property %v", p)
	}
	for name := range desc.Interfaces {
		if strings.HasPrefix(name, "org.freedesktop.DBus.") {
			t.Errorf("introspection lists standard interface %s", name)
		}
	}

	// Paths with only descendants are still introspectable.
	root, err := client.Peer(svc.LocalName()).Object("/org/test").Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect(/org/test) failed: %v", err)
	}
	if diff := cmp.Diff(root.Children, []string{"counter", "other"}); diff != "" {
		t.Errorf("wrong children of /org/test (-got+want):\n%s", diff)
	}
	mid, err := client.Peer(svc.LocalName()).Object("/org/test/counter/b").Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect(/org/test/counter/b) failed: %v", err)
	}
	if diff := cmp.Diff(mid.Children, []string{"deep"}); diff != "" {
		t.Errorf("wrong children of /org/test/counter/b (-got+want):\n%s", diff)
	}
}

func TestExportPeer(t *testing.T) {
	_, calc := exportPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := calc.Peer().Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestExportProperties(t *testing.T) {
	b := dbustest.New(t)
	svc, client := b.MustConn(t), b.MustConn(t)

	var name atomic.Value
	name.Store("initial")
	h := &dbus.Handler{
		Name: "org.test.Props",
		Properties: []dbus.Property{
			dbus.NewProperty("Name", dbus.StringMap,
				func(context.Context) (string, error) { return name.Load().(string), nil },
				func(_ context.Context, v string) error { name.Store(v); return nil }),
			dbus.NewProperty("Size", dbus.Uint64Map,
				func(context.Context) (uint64, error) { return 1 << 40, nil }, nil),
		},
	}
	if err := svc.Export("/props", h); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	iface := client.Peer(svc.LocalName()).Object("/props").Interface("org.test.Props")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, err := iface.GetAllProperties(ctx)
	if err != nil {
		t.Fatalf("GetAllProperties failed: %v", err)
	}
	want := map[string]dbus.Value{
		"Name": dbus.String("initial"),
		"Size": dbus.Uint64(1 << 40),
	}
	if diff := cmp.Diff(all, want); diff != "" {
		t.Fatalf("wrong properties (-got+want):\n%s", diff)
	}

	if err := dbus.SetProperty(ctx, iface, "Name", dbus.StringMap, "renamed"); err != nil {
		t.Fatalf("SetProperty failed: %v", err)
	}
	got, err := dbus.GetProperty(ctx, iface, "Name", dbus.StringMap)
	if err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if got != "renamed" {
		t.Fatalf("Name = %q after Set, want %q", got, "renamed")
	}

	err = iface.SetProperty(ctx, "Name", dbus.Uint32(1))
	wantCallError(t, err, dbus.ErrNameInvalidArgs)
}
