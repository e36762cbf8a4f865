// Package dbusgen generates typed Go clients for DBus interfaces,
// from their introspection data.
package dbusgen

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"go/format"
	"go/token"
	"slices"
	"strings"
	"unicode"

	dbus "github.com/danderson/dbuswire"
)

const importPath = "github.com/danderson/dbuswire"

// File returns a complete, gofmt-ed Go source file in package pkg,
// which contains a client for each of ifaces.
func File(pkg string, ifaces ...*dbus.InterfaceDescription) ([]byte, error) {
	if !token.IsIdentifier(pkg) {
		return nil, fmt.Errorf("invalid package name %q", pkg)
	}
	if len(ifaces) == 0 {
		return nil, errors.New("no interfaces provided")
	}
	g := newGenerator()
	for _, iface := range ifaces {
		if iface == nil {
			return nil, errors.New("nil interface provided")
		}
		g.Interface(iface)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "// Code generated by dbusgen. DO NOT EDIT.\n\npackage %s\n\nimport (\n", pkg)
	if g.usesContext {
		out.WriteString("\"context\"\n\n")
	}
	fmt.Fprintf(&out, "dbus %q\n)\n", importPath)
	out.Write(g.out.Bytes())

	ret, err := format.Source(out.Bytes())
	if err != nil {
		return out.Bytes(), err
	}
	return ret, nil
}

// Interface returns the Go declarations of a client for iface, without
// a package clause or imports.
func Interface(iface *dbus.InterfaceDescription) (string, error) {
	if iface == nil {
		return "", errors.New("no interface provided")
	}
	g := newGenerator()
	g.Interface(iface)

	ret, err := format.Source(g.out.Bytes())
	if err != nil {
		return g.out.String(), err
	}
	return string(ret), nil
}

type generator struct {
	out         bytes.Buffer
	usesContext bool
	// globals are the package-level names declared so far.
	globals map[string]bool

	iface *dbus.InterfaceDescription
	// typeName is the Go name of the client type for iface.
	typeName string
	// members are the method names declared on typeName.
	members map[string]bool
}

func newGenerator() *generator {
	return &generator{globals: map[string]bool{}}
}

func (g *generator) s(s string) {
	g.out.WriteString(s)
}

func (g *generator) f(msg string, args ...any) {
	fmt.Fprintf(&g.out, msg, args...)
}

// global reserves a package-level name, prefixing it with the
// current client type's name if it is already taken.
func (g *generator) global(name string) string {
	if g.globals[name] {
		name = g.typeName + name
	}
	for g.globals[name] {
		name += "_"
	}
	g.globals[name] = true
	return name
}

// member reserves a method name on the current client type, trying
// each candidate in turn.
func (g *generator) member(candidates ...string) string {
	for _, c := range candidates {
		if !g.members[c] {
			g.members[c] = true
			return c
		}
	}
	name := candidates[len(candidates)-1]
	for g.members[name] {
		name += "_"
	}
	g.members[name] = true
	return name
}

func (g *generator) Interface(iface *dbus.InterfaceDescription) {
	g.iface = iface
	g.typeName = g.global(publicIdentifier(iface.Name))
	g.members = map[string]bool{"Interface": true}
	contract := g.global(lowerFirst(g.typeName) + "Contract")

	methods := slices.SortedFunc(slices.Values(iface.Methods), func(a, b *dbus.MethodDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	props := slices.SortedFunc(slices.Values(iface.Properties), func(a, b *dbus.PropertyDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	signals := slices.SortedFunc(slices.Values(iface.Signals), func(a, b *dbus.SignalDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	if len(methods)+len(props)+len(signals) > 0 {
		g.usesContext = true
	}

	g.f(`
// %[1]s is a client for the %[2]s DBus interface.
type %[1]s struct {
	p *dbus.Proxy
}

// New%[1]s returns a client for %[2]s on obj.
func New%[1]s(obj dbus.Object) %[1]s {
	return %[1]s{dbus.NewProxy(obj, %[3]s)}
}

// Interface returns the underlying DBus interface.
func (c %[1]s) Interface() dbus.Interface { return c.p.Interface() }

`, g.typeName, iface.Name, contract)

	g.contract(contract, methods)
	for _, m := range methods {
		g.Method(m)
	}
	for _, p := range props {
		g.Property(p)
	}
	for _, s := range signals {
		g.Signal(s)
	}
}

func (g *generator) contract(name string, methods []*dbus.MethodDescription) {
	g.f("var %s = dbus.Contract{\nInterface: %q,\n", name, g.iface.Name)
	if len(methods) > 0 {
		g.s("Methods: []dbus.ContractMethod{\n")
		for _, m := range methods {
			g.f("{\nName: %q,\n", m.Name)
			g.contractArgs("In", m.In)
			g.contractArgs("Out", m.Out)
			if m.NoReply {
				g.s("NoReply: true,\n")
			}
			g.s("},\n")
		}
		g.s("},\n")
	}
	g.s("}\n\n")
}

func (g *generator) contractArgs(field string, args []dbus.ArgumentDescription) {
	if len(args) == 0 {
		return
	}
	g.f("%s: []dbus.Arg{\n", field)
	for _, a := range args {
		g.f("{Name: %q, Type: dbus.MustParseType(%q)},\n", a.Name, a.Type.String())
	}
	g.s("},\n")
}

func (g *generator) Method(m *dbus.MethodDescription) {
	name := g.member(publicIdentifier(m.Name))
	ins := paramNames(m.In)

	g.f("// %s calls %s.%s.\n", name, g.iface.Name, m.Name)
	g.f("func (c %s) %s(ctx context.Context", g.typeName, name)
	for i, a := range m.In {
		g.f(", %s %s", ins[i], mapping(a.Type).typ)
	}
	g.s(") ")

	if len(m.Out) == 0 {
		g.s("error {\n_, err := ")
		g.call(m.Name, m.In, ins)
		g.s("return err\n}\n\n")
		return
	}

	rets := make([]string, len(m.Out))
	g.s("(")
	for i, a := range m.Out {
		rets[i] = fmt.Sprintf("r%d", i)
		g.f("%s %s, ", rets[i], mapping(a.Type).typ)
	}
	g.s("err error) {\nvals, err := ")
	g.call(m.Name, m.In, ins)
	retErr := fmt.Sprintf("return %s, err\n", strings.Join(rets, ", "))
	g.f("if err != nil {\n%s}\n", retErr)
	for i, a := range m.Out {
		g.f("if %s, err = %s.From(vals[%d]); err != nil {\n%s}\n", rets[i], mapping(a.Type).m, i, retErr)
	}
	g.f("return %s, nil\n}\n\n", strings.Join(rets, ", "))
}

func (g *generator) call(method string, args []dbus.ArgumentDescription, names []string) {
	g.f("c.p.Call(ctx, %q", method)
	for i, a := range args {
		g.f(", %s.To(%s)", mapping(a.Type).m, names[i])
	}
	g.s(")\n")
}

func (g *generator) Property(prop *dbus.PropertyDescription) {
	pname := publicIdentifier(prop.Name)
	tm := mapping(prop.Type)
	if prop.Readable {
		getter := g.member(pname, "Get"+pname)
		g.f(`
// %[2]s returns the value of the property %[4]q.
func (c %[1]s) %[2]s(ctx context.Context) (%[3]s, error) {
	return dbus.GetProperty(ctx, c.p.Interface(), %[4]q, %[5]s)
}

`, g.typeName, getter, tm.typ, prop.Name, tm.m)
	}

	if prop.Writable {
		setter := g.member("Set" + pname)
		g.f(`
// %[2]s sets the value of property %[4]q to val.
func (c %[1]s) %[2]s(ctx context.Context, val %[3]s) error {
	return dbus.SetProperty(ctx, c.p.Interface(), %[4]q, %[5]s, val)
}

`, g.typeName, setter, tm.typ, prop.Name, tm.m)
	}
}

func (g *generator) Signal(s *dbus.SignalDescription) {
	sname := publicIdentifier(s.Name)
	typ := g.global(sname)
	watch := g.member("Watch" + sname)
	fields := fieldNames(s.Args)

	g.f("\n// %s is the body of the signal %s.%s.\ntype %s struct {\n", typ, g.iface.Name, s.Name, typ)
	for i, a := range s.Args {
		g.f("%s %s\n", fields[i], mapping(a.Type).typ)
	}
	g.s("}\n\n")

	g.f(`// %[2]s calls fn with every %[4]s signal, until the returned
// subscription is closed.
func (c %[1]s) %[2]s(ctx context.Context, fn func(%[3]s)) (*dbus.Subscription, error) {
	return c.p.Interface().Watch(ctx, %[4]q, func(msg *dbus.Message) {
		vals, err := msg.Values()
		if err != nil || len(vals) != %[5]d {
			return
		}
		var sig %[3]s
`, g.typeName, watch, typ, s.Name, len(s.Args))
	for i, a := range s.Args {
		g.f("if sig.%s, err = %s.From(vals[%d]); err != nil {\nreturn\n}\n", fields[i], mapping(a.Type).m, i)
	}
	g.s("fn(sig)\n})\n}\n\n")
}

// goType is the Go representation of a DBus type.
type goType struct {
	// typ is the Go type.
	typ string
	// m is an expression of type dbus.TypeMap[typ].
	m string
}

var basicTypes = map[dbus.Kind]goType{
	dbus.KindByte:       {"byte", "dbus.ByteMap"},
	dbus.KindBool:       {"bool", "dbus.BoolMap"},
	dbus.KindInt16:      {"int16", "dbus.Int16Map"},
	dbus.KindUint16:     {"uint16", "dbus.Uint16Map"},
	dbus.KindInt32:      {"int32", "dbus.Int32Map"},
	dbus.KindUint32:     {"uint32", "dbus.Uint32Map"},
	dbus.KindInt64:      {"int64", "dbus.Int64Map"},
	dbus.KindUint64:     {"uint64", "dbus.Uint64Map"},
	dbus.KindDouble:     {"float64", "dbus.DoubleMap"},
	dbus.KindString:     {"string", "dbus.StringMap"},
	dbus.KindObjectPath: {"dbus.ObjectPath", "dbus.ObjectPathMap"},
	dbus.KindSignature:  {"dbus.Signature", "dbus.SignatureMap"},
	dbus.KindVariant:    {"dbus.Value", "dbus.AnyMap"},
}

// mapping returns the Go representation of t. Types with no natural
// Go representation are left as dbus.Values.
func mapping(t dbus.Type) goType {
	if ret, ok := basicTypes[t.Kind]; ok {
		return ret
	}
	switch sig := t.String(); sig {
	case "ay":
		return goType{"[]byte", "dbus.BytesMap"}
	case "as":
		return goType{"[]string", "dbus.StringsMap"}
	case "a{sv}":
		return goType{"map[string]dbus.Value", "dbus.PropertiesMap"}
	}

	switch {
	case t.IsDict():
		k, v := t.Elem.Fields[0], t.Elem.Fields[1]
		// Signatures are not comparable, and cannot be map keys.
		if k.Kind != dbus.KindSignature {
			km, vm := mapping(k), mapping(v)
			return goType{
				fmt.Sprintf("map[%s]%s", km.typ, vm.typ),
				fmt.Sprintf("dbus.MapOf(%s, %s)", km.m, vm.m),
			}
		}
	case t.Kind == dbus.KindArray:
		em := mapping(*t.Elem)
		return goType{"[]" + em.typ, fmt.Sprintf("dbus.SliceOf(%s)", em.m)}
	case t.Kind == dbus.KindStruct && len(t.Fields) == 2:
		a, b := mapping(t.Fields[0]), mapping(t.Fields[1])
		return goType{
			fmt.Sprintf("dbus.Pair[%s, %s]", a.typ, b.typ),
			fmt.Sprintf("dbus.PairOf(%s, %s)", a.m, b.m),
		}
	case t.Kind == dbus.KindStruct && len(t.Fields) == 3:
		a, b, c := mapping(t.Fields[0]), mapping(t.Fields[1]), mapping(t.Fields[2])
		return goType{
			fmt.Sprintf("dbus.Triple[%s, %s, %s]", a.typ, b.typ, c.typ),
			fmt.Sprintf("dbus.TripleOf(%s, %s, %s)", a.m, b.m, c.m),
		}
	}
	return goType{"dbus.Value", fmt.Sprintf("dbus.ValueMap(dbus.MustParseType(%q))", t.String())}
}

// reserved are identifiers used by generated method bodies.
var reserved = map[string]bool{
	"c":    true,
	"ctx":  true,
	"err":  true,
	"vals": true,
	"dbus": true,
}

// paramNames returns unique Go parameter names for args.
func paramNames(args []dbus.ArgumentDescription) []string {
	ret := make([]string, len(args))
	seen := map[string]bool{}
	for i, a := range args {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		name = identifier(name)
		if reserved[name] || token.IsKeyword(name) || isResultName(name) {
			name += "Arg"
		}
		for seen[name] {
			name += "_"
		}
		seen[name] = true
		ret[i] = name
	}
	return ret
}

// fieldNames returns unique exported Go struct field names for args.
func fieldNames(args []dbus.ArgumentDescription) []string {
	ret := make([]string, len(args))
	seen := map[string]bool{}
	for i, a := range args {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		name = publicIdentifier(name)
		for seen[name] {
			name += "_"
		}
		seen[name] = true
		ret[i] = name
	}
	return ret
}

func isResultName(s string) bool {
	if len(s) < 2 || s[0] != 'r' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// identifier converts a DBus member or argument name to a Go
// identifier in camelCase.
func identifier(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	fs := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i := range fs {
		if i == 0 {
			fs[i] = lowerFirst(fs[i])
			continue
		}
		switch fs[i] {
		case "id":
			fs[i] = "ID"
		case "fd":
			fs[i] = "FD"
		default:
			fs[i] = upperFirst(fs[i])
		}
	}
	ret := strings.Join(fs, "")
	if ret == "" || !unicode.IsLetter([]rune(ret)[0]) {
		ret = "x" + ret
	}
	return ret
}

func publicIdentifier(s string) string {
	ret := upperFirst(identifier(s))
	switch ret {
	case "Id":
		return "ID"
	case "Fd":
		return "FD"
	}
	return ret
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
