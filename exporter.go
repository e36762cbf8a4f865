package dbus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
)

const (
	busName  = "org.freedesktop.DBus"
	busPath  = ObjectPath("/org/freedesktop/DBus")
	ifaceBus = "org.freedesktop.DBus"

	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifacePeer           = "org.freedesktop.DBus.Peer"
)

// standardMembers maps the members of the interfaces every object
// implements to their interface, for calls that omit the interface.
var standardMembers = map[string]string{
	"Introspect":   ifaceIntrospectable,
	"Ping":         ifacePeer,
	"GetMachineId": ifacePeer,
	"Get":          ifaceProps,
	"GetAll":       ifaceProps,
	"Set":          ifaceProps,
}

// Handler implements a DBus interface on exported objects.
type Handler struct {
	// Name is the interface name, for example "org.example.Frobber".
	Name string
	// Methods are the interface's methods.
	Methods []Method
	// Properties are the interface's properties.
	Properties []Property
	// Signals are the signals the interface emits. They are used only
	// for introspection, see [Conn.EmitSignal] to emit signals.
	Signals []Signal
}

// Arg is a named method or signal argument.
type Arg struct {
	Name string // optional
	Type Type
}

// Method is a method of an exported interface.
type Method struct {
	// Name is the method name.
	Name string
	// In and Out are the method's arguments and return values.
	In, Out []Arg
	// Func implements the method. Incoming calls are checked against
	// In before Func is called, and Func's return values must match
	// Out.
	//
	// Returning a [CallError] sends that error to the caller. Other
	// errors are sent as org.freedesktop.DBus.Error.Failed.
	Func func(ctx context.Context, args []Value) ([]Value, error)
	// NoReply marks the method as not returning a reply, in
	// introspection data.
	NoReply bool
}

// Property is a property of an exported interface.
type Property struct {
	// Name is the property name.
	Name string
	// Type is the property's type.
	Type Type
	// Get returns the property's current value.
	Get func(ctx context.Context) (Value, error)
	// Set, if non-nil, makes the property writable. Set is called
	// with values of type Type only.
	Set func(ctx context.Context, v Value) error
}

// Signal describes a signal of an exported interface.
type Signal struct {
	Name string
	Args []Arg
}

// NewMethod returns a Method with typed arguments and return values.
func NewMethod[A, R any](name string, in Args[A], out Args[R], fn func(context.Context, A) (R, error)) Method {
	return Method{
		Name: name,
		In:   argsOf(in.Signature),
		Out:  argsOf(out.Signature),
		Func: func(ctx context.Context, vals []Value) ([]Value, error) {
			a, err := in.From(vals)
			if err != nil {
				return nil, CallError{Name: ErrNameInvalidArgs, Detail: err.Error()}
			}
			r, err := fn(ctx, a)
			if err != nil {
				return nil, err
			}
			return out.To(r), nil
		},
	}
}

// NewProperty returns a Property of Go type T. If set is nil, the
// property is read-only.
func NewProperty[T any](name string, m TypeMap[T], get func(context.Context) (T, error), set func(context.Context, T) error) Property {
	ret := Property{
		Name: name,
		Type: m.Type,
		Get: func(ctx context.Context) (Value, error) {
			v, err := get(ctx)
			if err != nil {
				return nil, err
			}
			return m.To(v), nil
		},
	}
	if set != nil {
		ret.Set = func(ctx context.Context, v Value) error {
			t, err := m.From(v)
			if err != nil {
				return CallError{Name: ErrNameInvalidArgs, Detail: err.Error()}
			}
			return set(ctx, t)
		}
	}
	return ret
}

func argsOf(sig Signature) []Arg {
	ret := make([]Arg, 0, len(sig.Types()))
	for _, t := range sig.Types() {
		ret = append(ret, Arg{Type: t})
	}
	return ret
}

func argSignature(args []Arg) Signature {
	ts := make([]Type, len(args))
	for i, a := range args {
		ts[i] = a.Type
	}
	return SignatureOf(ts...)
}

// export is a Handler prepared for dispatch.
type export struct {
	h       *Handler
	methods map[string]*Method
	inSigs  map[string]Signature
	outSigs map[string]Signature
	props   map[string]*Property
}

func newExport(h *Handler) (*export, error) {
	if h.Name == "" {
		return nil, errors.New("handler has no interface name")
	}
	switch h.Name {
	case ifaceProps, ifaceIntrospectable, ifacePeer:
		return nil, fmt.Errorf("interface %s is provided by the connection", h.Name)
	}
	ret := &export{
		h:       h,
		methods: map[string]*Method{},
		inSigs:  map[string]Signature{},
		outSigs: map[string]Signature{},
		props:   map[string]*Property{},
	}
	for i := range h.Methods {
		m := &h.Methods[i]
		if m.Name == "" || m.Func == nil {
			return nil, fmt.Errorf("method %d of %s has no name or implementation", i, h.Name)
		}
		if _, dup := ret.methods[m.Name]; dup {
			return nil, fmt.Errorf("duplicate method %s.%s", h.Name, m.Name)
		}
		ret.methods[m.Name] = m
		ret.inSigs[m.Name] = argSignature(m.In)
		ret.outSigs[m.Name] = argSignature(m.Out)
	}
	for i := range h.Properties {
		p := &h.Properties[i]
		if p.Name == "" || p.Get == nil {
			return nil, fmt.Errorf("property %d of %s has no name or getter", i, h.Name)
		}
		if _, dup := ret.props[p.Name]; dup {
			return nil, fmt.Errorf("duplicate property %s.%s", h.Name, p.Name)
		}
		ret.props[p.Name] = p
	}
	return ret, nil
}

func (e *export) description() *InterfaceDescription {
	args := func(as []Arg) []ArgumentDescription {
		var ret []ArgumentDescription
		for _, a := range as {
			ret = append(ret, ArgumentDescription{Name: a.Name, Type: a.Type})
		}
		return ret
	}
	ret := &InterfaceDescription{Name: e.h.Name}
	for _, m := range e.h.Methods {
		ret.Methods = append(ret.Methods, &MethodDescription{
			Name:    m.Name,
			In:      args(m.In),
			Out:     args(m.Out),
			NoReply: m.NoReply,
		})
	}
	for _, s := range e.h.Signals {
		ret.Signals = append(ret.Signals, &SignalDescription{
			Name: s.Name,
			Args: args(s.Args),
		})
	}
	for _, p := range e.h.Properties {
		ret.Properties = append(ret.Properties, &PropertyDescription{
			Name:                p.Name,
			Type:                p.Type,
			Readable:            true,
			Writable:            p.Set != nil,
			EmitsSignal:         true,
			SignalIncludesValue: true,
		})
	}
	return ret
}

// Export makes h available to other bus clients at path.
//
// Each interface can be exported once per path. Exporting an
// interface that is already present at path returns a
// [*ConflictError], and leaves the existing handler in place.
func (c *Conn) Export(path ObjectPath, h *Handler) error {
	if err := path.Valid(); err != nil {
		return err
	}
	e, err := newExport(h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	ifaces := c.objects[path]
	if _, ok := ifaces[h.Name]; ok {
		return &ConflictError{Path: path, Interface: h.Name}
	}
	if ifaces == nil {
		ifaces = map[string]*export{}
		c.objects[path] = ifaces
	}
	ifaces[h.Name] = e
	return nil
}

// Unexport removes the interface iface from the object at path. It
// reports whether the interface was exported.
func (c *Conn) Unexport(path ObjectPath, iface string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ifaces := c.objects[path]
	if _, ok := ifaces[iface]; !ok {
		return false
	}
	delete(ifaces, iface)
	if len(ifaces) == 0 {
		delete(c.objects, path)
	}
	return true
}

// lookupExports returns the interfaces exported at path.
func (c *Conn) lookupExports(path ObjectPath) map[string]*export {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.objects[path])
}

// describeObject returns the introspection description of path.
func (c *Conn) describeObject(path ObjectPath) *ObjectDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := &ObjectDescription{
		Interfaces: map[string]*InterfaceDescription{},
	}
	for name, e := range c.objects[path] {
		ret.Interfaces[name] = e.description()
	}
	// Children are named by their first path element only, so that
	// deeper descendants show up through their intermediate nodes.
	for p := range c.objects {
		if path.IsAncestorOf(p) {
			child, _, _ := strings.Cut(path.Rel(p), "/")
			ret.Children = append(ret.Children, child)
		}
	}
	slices.Sort(ret.Children)
	ret.Children = slices.Compact(ret.Children)
	return ret
}

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// dispatchCall handles an incoming method call, and sends the reply
// if the caller wants one.
func (c *Conn) dispatchCall(msg *Message) {
	ctx := withContextMessage(context.Background(), msg)
	reply := c.handleCall(ctx, msg)
	if !msg.WantReply() {
		return
	}
	if err := c.send(reply, nil); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Error().Err(err).Stringer("call", msg).Msg("sending method reply failed")
		// The reply was unencodable, tell the caller something.
		if err := c.send(msg.ErrorReply(ErrNameFailed, "internal error sending reply"), nil); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Error().Err(err).Stringer("call", msg).Msg("sending error reply failed")
		}
	}
}

func (c *Conn) handleCall(ctx context.Context, msg *Message) (reply *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Stringer("call", msg).
				Interface("panic", r).
				Msg("method handler panicked")
			reply = msg.ErrorReply(ErrNameFailed, fmt.Sprintf("method handler panicked: %v", r))
		}
	}()

	exports := c.lookupExports(msg.Path)
	iface := msg.Interface
	if iface == "" {
		iface = findMember(exports, msg.Member)
	}

	switch iface {
	case ifaceIntrospectable:
		return c.handleIntrospect(msg)
	case ifacePeer:
		return c.handlePeer(msg)
	case ifaceProps:
		return c.handleProperties(ctx, msg, exports)
	}

	if len(exports) == 0 {
		return msg.ErrorReply(ErrNameUnknownObject, fmt.Sprintf("no object at path %s", msg.Path))
	}
	e := exports[iface]
	if e == nil {
		if iface == "" {
			return msg.ErrorReply(ErrNameUnknownMethod, fmt.Sprintf("no method %s on object %s", msg.Member, msg.Path))
		}
		return msg.ErrorReply(ErrNameUnknownInterface, fmt.Sprintf("no interface %s on object %s", iface, msg.Path))
	}
	m := e.methods[msg.Member]
	if m == nil {
		return msg.ErrorReply(ErrNameUnknownMethod, fmt.Sprintf("no method %s on interface %s", msg.Member, iface))
	}
	if want := e.inSigs[m.Name]; !msg.Signature.Equal(want) {
		return msg.ErrorReply(ErrNameInvalidArgs, fmt.Sprintf("%s.%s takes arguments %q, got %q", iface, m.Name, want, msg.Signature))
	}
	args, err := msg.Values()
	if err != nil {
		return msg.ErrorReply(ErrNameInvalidArgs, err.Error())
	}

	outs, err := m.Func(ctx, args)
	if err != nil {
		return errorReply(msg, err)
	}
	sig, err := signatureOfValues(outs)
	if err != nil || !sig.Equal(e.outSigs[m.Name]) {
		c.log.Error().
			Stringer("call", msg).
			Str("want", e.outSigs[m.Name].String()).
			Str("got", sig.String()).
			Msg("method handler returned wrong values")
		return msg.ErrorReply(ErrNameFailed, "method handler returned values of the wrong type")
	}
	ret := msg.Reply()
	if err := ret.SetBody(outs...); err != nil {
		return msg.ErrorReply(ErrNameFailed, err.Error())
	}
	return ret
}

// findMember returns the name of the interface that implements
// member, searching exported interfaces in name order and then the
// standard interfaces.
func findMember(exports map[string]*export, member string) string {
	for _, name := range slices.Sorted(maps.Keys(exports)) {
		if exports[name].methods[member] != nil {
			return name
		}
	}
	return standardMembers[member]
}

func errorReply(msg *Message, err error) *Message {
	var ce CallError
	if errors.As(err, &ce) {
		return msg.ErrorReply(ce.Name, ce.Detail)
	}
	return msg.ErrorReply(ErrNameFailed, err.Error())
}

func (c *Conn) handleIntrospect(msg *Message) *Message {
	if msg.Member != "Introspect" {
		return msg.ErrorReply(ErrNameUnknownMethod, fmt.Sprintf("no method %s on interface %s", msg.Member, ifaceIntrospectable))
	}
	ret := msg.Reply()
	ret.SetBody(String(c.describeObject(msg.Path).XML()))
	return ret
}

func (c *Conn) handlePeer(msg *Message) *Message {
	switch msg.Member {
	case "Ping":
		return msg.Reply()
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			return msg.ErrorReply(ErrNameFailed, fmt.Sprintf("reading machine ID: %v", err))
		}
		ret := msg.Reply()
		ret.SetBody(String(id))
		return ret
	default:
		return msg.ErrorReply(ErrNameUnknownMethod, fmt.Sprintf("no method %s on interface %s", msg.Member, ifacePeer))
	}
}

var (
	propGetArgs    = Arg2(StringMap, StringMap)
	propGetAllArgs = Arg1(StringMap)
	propSetArgs    = Arg3(StringMap, StringMap, AnyMap)
)

func (c *Conn) handleProperties(ctx context.Context, msg *Message, exports map[string]*export) *Message {
	args, err := msg.Values()
	if err != nil {
		return msg.ErrorReply(ErrNameInvalidArgs, err.Error())
	}
	lookup := func(iface string) (*export, *Message) {
		e := exports[iface]
		if e == nil {
			if len(exports) == 0 {
				return nil, msg.ErrorReply(ErrNameUnknownObject, fmt.Sprintf("no object at path %s", msg.Path))
			}
			return nil, msg.ErrorReply(ErrNameUnknownInterface, fmt.Sprintf("no interface %s on object %s", iface, msg.Path))
		}
		return e, nil
	}
	prop := func(e *export, name string) (*Property, *Message) {
		p := e.props[name]
		if p == nil {
			return nil, msg.ErrorReply(ErrNameUnknownProperty, fmt.Sprintf("no property %s on interface %s", name, e.h.Name))
		}
		return p, nil
	}

	switch msg.Member {
	case "Get":
		req, err := propGetArgs.From(args)
		if err != nil {
			return msg.ErrorReply(ErrNameInvalidArgs, err.Error())
		}
		e, errMsg := lookup(req.A)
		if errMsg != nil {
			return errMsg
		}
		p, errMsg := prop(e, req.B)
		if errMsg != nil {
			return errMsg
		}
		v, err := p.Get(ctx)
		if err != nil {
			return errorReply(msg, err)
		}
		ret := msg.Reply()
		if err := ret.SetBody(Variant{v}); err != nil {
			return msg.ErrorReply(ErrNameFailed, err.Error())
		}
		return ret

	case "GetAll":
		iface, err := propGetAllArgs.From(args)
		if err != nil {
			return msg.ErrorReply(ErrNameInvalidArgs, err.Error())
		}
		e, errMsg := lookup(iface)
		if errMsg != nil {
			return errMsg
		}
		all := Dict{KeyType: StringType, ValueType: VariantType}
		props := slices.SortedFunc(maps.Values(e.props), func(a, b *Property) int {
			return cmp.Compare(a.Name, b.Name)
		})
		for _, p := range props {
			v, err := p.Get(ctx)
			if err != nil {
				return errorReply(msg, err)
			}
			all.Entries = append(all.Entries, DictEntry{String(p.Name), Variant{v}})
		}
		ret := msg.Reply()
		if err := ret.SetBody(all); err != nil {
			return msg.ErrorReply(ErrNameFailed, err.Error())
		}
		return ret

	case "Set":
		req, err := propSetArgs.From(args)
		if err != nil {
			return msg.ErrorReply(ErrNameInvalidArgs, err.Error())
		}
		e, errMsg := lookup(req.A)
		if errMsg != nil {
			return errMsg
		}
		p, errMsg := prop(e, req.B)
		if errMsg != nil {
			return errMsg
		}
		if p.Set == nil {
			return msg.ErrorReply(ErrNamePropertyReadOnly, fmt.Sprintf("property %s.%s is read-only", req.A, req.B))
		}
		if !req.C.Type().Equal(p.Type) {
			return msg.ErrorReply(ErrNameInvalidArgs, fmt.Sprintf("property %s.%s has type %s, got %s", req.A, req.B, p.Type, req.C.Type()))
		}
		if err := p.Set(ctx, req.C); err != nil {
			return errorReply(msg, err)
		}
		c.emitPropertyChanged(ctx, msg.Path, req.A, p)
		return msg.Reply()

	default:
		return msg.ErrorReply(ErrNameUnknownMethod, fmt.Sprintf("no method %s on interface %s", msg.Member, ifaceProps))
	}
}

// emitPropertyChanged emits PropertiesChanged for p's current value.
func (c *Conn) emitPropertyChanged(ctx context.Context, path ObjectPath, iface string, p *Property) {
	pc := PropertiesChanged{
		Interface: iface,
		Changed:   map[string]Value{},
	}
	if v, err := p.Get(ctx); err == nil {
		pc.Changed[p.Name] = v
	} else {
		pc.Invalidated = []string{p.Name}
	}
	if err := c.emitPropertiesChanged(ctx, path, pc); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Error().Err(err).Str("property", iface+"."+p.Name).Msg("emitting PropertiesChanged failed")
	}
}
