package dbusgen

import (
	"go/ast"
	"go/parser"
	"go/token"
	"slices"
	"strings"
	"testing"

	dbus "github.com/danderson/dbuswire"
	"github.com/google/go-cmp/cmp"
)

const notificationsDoc = `<node>
  <interface name="org.freedesktop.Notifications">
    <method name="Notify">
      <arg type="s" name="app_name" direction="in"/>
      <arg type="u" name="replaces_id" direction="in"/>
      <arg type="s" name="app_icon" direction="in"/>
      <arg type="s" name="summary" direction="in"/>
      <arg type="s" name="body" direction="in"/>
      <arg type="as" name="actions" direction="in"/>
      <arg type="a{sv}" name="hints" direction="in"/>
      <arg type="i" name="expire_timeout" direction="in"/>
      <arg type="u" name="id" direction="out"/>
    </method>
    <method name="CloseNotification">
      <arg type="u" name="id" direction="in"/>
    </method>
    <method name="GetServerInformation">
      <arg type="s" name="name" direction="out"/>
      <arg type="s" name="vendor" direction="out"/>
      <arg type="s" name="version" direction="out"/>
      <arg type="s" name="spec_version" direction="out"/>
    </method>
    <method name="Odd">
      <arg type="(iiii)" name="type" direction="in"/>
      <arg type="a{ua(ss)}" name="ctx" direction="in"/>
      <arg type="a{gs}" name="r0" direction="out"/>
    </method>
    <signal name="NotificationClosed">
      <arg type="u" name="id"/>
      <arg type="u" name="reason"/>
    </signal>
    <signal name="Notify"/>
    <property name="Volume" type="d" access="readwrite"/>
    <property name="Odd" type="(sv)" access="read"/>
  </interface>
</node>`

func parseDesc(t *testing.T) *dbus.InterfaceDescription {
	t.Helper()
	desc, err := dbus.ParseIntrospection(notificationsDoc)
	if err != nil {
		t.Fatalf("ParseIntrospection failed: %v", err)
	}
	return desc.Interfaces["org.freedesktop.Notifications"]
}

// decls returns the names of f's top-level declarations, with methods
// named Type.Method.
func decls(f *ast.File) []string {
	var ret []string
	for _, d := range f.Decls {
		switch d := d.(type) {
		case *ast.FuncDecl:
			name := d.Name.Name
			if d.Recv != nil {
				name = d.Recv.List[0].Type.(*ast.Ident).Name + "." + name
			}
			ret = append(ret, name)
		case *ast.GenDecl:
			for _, s := range d.Specs {
				switch s := s.(type) {
				case *ast.TypeSpec:
					ret = append(ret, "type "+s.Name.Name)
				case *ast.ValueSpec:
					for _, n := range s.Names {
						ret = append(ret, "var "+n.Name)
					}
				}
			}
		}
	}
	slices.Sort(ret)
	return ret
}

func TestFile(t *testing.T) {
	code, err := File("notify", parseDesc(t))
	if err != nil {
		t.Fatalf("File failed: %v\n%s", err, code)
	}
	if !strings.HasPrefix(string(code), "// Code generated by dbusgen. DO NOT EDIT.") {
		t.Errorf("generated code lacks generated header:\n%s", code)
	}

	f, err := parser.ParseFile(token.NewFileSet(), "gen.go", code, 0)
	if err != nil {
		t.Fatalf("generated code does not parse: %v\n%s", err, code)
	}
	if f.Name.Name != "notify" {
		t.Errorf("package name is %q, want notify", f.Name.Name)
	}

	want := []string{
		"NewNotifications",
		"Notifications.CloseNotification",
		"Notifications.GetOdd",
		"Notifications.GetServerInformation",
		"Notifications.Interface",
		"Notifications.Notify",
		"Notifications.Odd",
		"Notifications.SetVolume",
		"Notifications.Volume",
		"Notifications.WatchNotificationClosed",
		"Notifications.WatchNotify",
		"type NotificationClosed",
		"type Notifications",
		"type Notify",
		"var notificationsContract",
	}
	if diff := cmp.Diff(decls(f), want); diff != "" {
		t.Errorf("wrong declarations (-got+want):\n%s", diff)
	}
}

func TestFileCode(t *testing.T) {
	code, err := File("notify", parseDesc(t))
	if err != nil {
		t.Fatalf("File failed: %v\n%s", err, code)
	}
	for _, want := range []string{
		`"context"`,
		`dbus "github.com/danderson/dbuswire"`,
		"func (c Notifications) Notify(ctx context.Context, appName string, replacesID uint32, appIcon string, summary string, body string, actions []string, hints map[string]dbus.Value, expireTimeout int32) (r0 uint32, err error) {",
		"func (c Notifications) CloseNotification(ctx context.Context, id uint32) error {",
		"func (c Notifications) GetServerInformation(ctx context.Context) (r0 string, r1 string, r2 string, r3 string, err error) {",
		"func (c Notifications) Odd(ctx context.Context, typeArg dbus.Value, ctxArg map[uint32][]dbus.Pair[string, string]) (r0 dbus.Value, err error) {",
		`dbus.ValueMap(dbus.MustParseType("(iiii)")).To(typeArg)`,
		`dbus.MapOf(dbus.Uint32Map, dbus.SliceOf(dbus.PairOf(dbus.StringMap, dbus.StringMap))).To(ctxArg)`,
		`{Name: "hints", Type: dbus.MustParseType("a{sv}")},`,
		"func (c Notifications) GetOdd(ctx context.Context) (dbus.Pair[string, dbus.Value], error) {",
		`return dbus.SetProperty(ctx, c.p.Interface(), "Volume", dbus.DoubleMap, val)`,
		"Reason uint32",
		`return c.p.Interface().Watch(ctx, "NotificationClosed", func(msg *dbus.Message) {`,
	} {
		if !strings.Contains(string(code), want) {
			t.Errorf("generated code lacks %q:\n%s", want, code)
		}
	}
}

func TestFileNoContext(t *testing.T) {
	desc := &dbus.InterfaceDescription{Name: "org.test.Empty"}
	code, err := File("empty", desc)
	if err != nil {
		t.Fatalf("File failed: %v\n%s", err, code)
	}
	if strings.Contains(string(code), `"context"`) {
		t.Errorf("empty interface imports context:\n%s", code)
	}
}

func TestFileErrors(t *testing.T) {
	if _, err := File("not a package", parseDesc(t)); err == nil {
		t.Error("File with invalid package name succeeded")
	}
	if _, err := File("pkg"); err == nil {
		t.Error("File with no interfaces succeeded")
	}
	if _, err := Interface(nil); err == nil {
		t.Error("Interface(nil) succeeded")
	}
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		in, private, public string
	}{
		{"app_name", "appName", "AppName"},
		{"replaces_id", "replacesID", "ReplacesID"},
		{"org.freedesktop.Notifications", "notifications", "Notifications"},
		{"GetServerInformation", "getServerInformation", "GetServerInformation"},
		{"id", "id", "ID"},
		{"2fast", "x2fast", "X2fast"},
		{"some-thing", "someThing", "SomeThing"},
	}
	for _, tc := range tests {
		if got := identifier(tc.in); got != tc.private {
			t.Errorf("identifier(%q) = %q, want %q", tc.in, got, tc.private)
		}
		if got := publicIdentifier(tc.in); got != tc.public {
			t.Errorf("publicIdentifier(%q) = %q, want %q", tc.in, got, tc.public)
		}
	}
}
