package dbus

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// introspectDoctype is the standard header of introspection
// documents.
const introspectDoctype = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

const (
	annotationDeprecated  = "org.freedesktop.DBus.Deprecated"
	annotationNoReply     = "org.freedesktop.DBus.Method.NoReply"
	annotationEmitsSignal = "org.freedesktop.DBus.Property.EmitsChangedSignal"
)

// ObjectDescription describes a DBus object's exported interfaces and
// child objects.
//
// Interface and child descriptions are provided by the DBus peer
// hosting the object, and may not accurately reflect the actual
// exposed API or object structure.
type ObjectDescription struct {
	// Interfaces maps an interface name to a description of its API.
	Interfaces map[string]*InterfaceDescription
	// Children is the relative paths to child objects under this
	// object. The relative paths may contain multiple path
	// components.
	Children []string
}

// ParseIntrospection parses an introspection XML document.
func ParseIntrospection(doc string) (*ObjectDescription, error) {
	var raw xmlNode
	if err := xml.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("parsing introspection document: %w", err)
	}
	ret := &ObjectDescription{
		Interfaces: make(map[string]*InterfaceDescription, len(raw.Interfaces)),
		Children:   make([]string, 0, len(raw.Children)),
	}
	for _, ri := range raw.Interfaces {
		iface, err := ri.description()
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", ri.Name, err)
		}
		ret.Interfaces[iface.Name] = iface
	}
	for _, child := range raw.Children {
		ret.Children = append(ret.Children, child.Name)
	}
	return ret, nil
}

// XML returns the introspection document describing o.
//
// Interfaces and children are listed in sorted order, members in
// their declared order.
func (o *ObjectDescription) XML() string {
	var raw xmlNode
	for _, name := range slices.Sorted(maps.Keys(o.Interfaces)) {
		raw.Interfaces = append(raw.Interfaces, xmlInterfaceFor(o.Interfaces[name]))
	}
	for _, child := range slices.Sorted(slices.Values(o.Children)) {
		raw.Children = append(raw.Children, xmlNode{Name: child})
	}
	bs, err := xml.MarshalIndent(raw, "", " ")
	if err != nil {
		// The document is built from strings and slices only.
		panic(fmt.Errorf("marshaling introspection document: %w", err))
	}
	return introspectDoctype + string(bs) + "\n"
}

// InterfaceDescription describes a DBus interface.
//
// Interface descriptions are provided by the DBus peer offering the
// interface, and may not accurately reflect the actual exposed API.
type InterfaceDescription struct {
	Name       string
	Methods    []*MethodDescription
	Signals    []*SignalDescription
	Properties []*PropertyDescription
}

func (d InterfaceDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "interface %s {\n", d.Name)

	methods := slices.SortedFunc(slices.Values(d.Methods), func(a, b *MethodDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, m := range methods {
		fmt.Fprintf(&ret, "  %s\n", m)
	}

	signals := slices.SortedFunc(slices.Values(d.Signals), func(a, b *SignalDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, s := range signals {
		fmt.Fprintf(&ret, "  %s\n", s)
	}

	props := slices.SortedFunc(slices.Values(d.Properties), func(a, b *PropertyDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, s := range props {
		fmt.Fprintf(&ret, "  %s\n", s)
	}
	ret.WriteString("}")
	return ret.String()
}

// Method returns the description of the named method, or nil.
func (d *InterfaceDescription) Method(name string) *MethodDescription {
	for _, m := range d.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Property returns the description of the named property, or nil.
func (d *InterfaceDescription) Property(name string) *PropertyDescription {
	for _, p := range d.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// MethodDescription describes a DBus method.
//
// Method descriptions are provided by the DBus peer offering the
// method, and may not accurately reflect the actual exposed API.
type MethodDescription struct {
	Name string
	In   []ArgumentDescription
	Out  []ArgumentDescription
	// Deprecated, if true, indicates that the method should be
	// avoided in new code.
	Deprecated bool
	// If true, NoReply indicates that the caller is expected to use
	// Interface.OneWay to invoke this method, not Interface.Call.
	NoReply bool
}

func (m MethodDescription) String() string {
	var ret strings.Builder
	ret.WriteString("func ")
	ret.WriteString(m.Name)
	ret.WriteByte('(')
	writeArgs(&ret, m.In)
	ret.WriteByte(')')

	if len(m.Out) > 0 {
		ret.WriteString(" (")
		writeArgs(&ret, m.Out)
		ret.WriteByte(')')
	}
	switch {
	case m.Deprecated && m.NoReply:
		ret.WriteString(" [deprecated,noreply]")
	case m.Deprecated:
		ret.WriteString(" [deprecated]")
	case m.NoReply:
		ret.WriteString(" [noreply]")
	}
	return ret.String()
}

// SignalDescription describes a DBus signal.
//
// Signal descriptions are provided by the DBus peer emitting the
// signal, and may not accurately reflect the received signal.
type SignalDescription struct {
	Name string
	Args []ArgumentDescription
	// Deprecated, if true, indicates that the signal should be
	// avoided in new code.
	Deprecated bool
}

func (s SignalDescription) String() string {
	var ret strings.Builder
	ret.WriteString("signal ")
	ret.WriteString(s.Name)
	ret.WriteByte('(')
	writeArgs(&ret, s.Args)
	ret.WriteByte(')')
	if s.Deprecated {
		ret.WriteString(" [deprecated]")
	}
	return ret.String()
}

// PropertyDescription describes a DBus property.
//
// Property descriptions are provied by the DBus peer offering the
// property, and may not accurately reflect the actual property.
type PropertyDescription struct {
	Name string
	Type Type

	// If true, Constant indicates that the property's value never
	// changes, and thus can safely be cached locally.
	Constant bool
	// Readable is whether the property value can be read using
	// Interface.GetProperty.
	Readable bool
	// Writable is whether the property value can be set using
	// Interface.SetProperty
	Writable bool

	// EmitsSignal is whether the property emits a PropertiesChanged
	// signal when updated.
	EmitsSignal bool
	// SignalIncludesValue is whether the PropertiesChanged signal
	// emitted when this property changes includes the new value. If
	// false, the signal merely reports that the property's value has
	// been invalidated, and the recipient must use
	// Interface.GetProperty to retrieve the updated value.
	SignalIncludesValue bool

	// Deprecated, if true, indicates that the property should be
	// avoided in new code.
	Deprecated bool
}

func (p PropertyDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "property %s %s [", p.Name, p.Type)

	switch {
	case p.Readable && !p.Writable && p.Constant:
		ret.WriteString("const")
	case p.Readable && p.Writable:
		ret.WriteString("readwrite")
	case p.Readable:
		ret.WriteString("readonly")
	case p.Writable:
		ret.WriteString("writeonly")
	}
	if p.Deprecated {
		ret.WriteString(",deprecated")
	}

	if p.EmitsSignal && p.SignalIncludesValue {
		ret.WriteString(",signals")
	} else if p.EmitsSignal {
		ret.WriteString(",invalidates")
	}
	ret.WriteByte(']')
	return ret.String()
}

func (p PropertyDescription) access() string {
	switch {
	case p.Readable && p.Writable:
		return "readwrite"
	case p.Writable:
		return "write"
	default:
		return "read"
	}
}

// ArgumentDescription describes a DBus method's input or output, or a
// signal's argument.
type ArgumentDescription struct {
	Name string // optional
	Type Type
}

func (a ArgumentDescription) String() string {
	if a.Name != "" {
		// Older DBus interfaces used arg-name style naming, which
		// looks weird to people used to C and Go-style languages. The
		// modern recommendation is to use underscores, and since
		// argument names aren't load-bearing for correctness, fix
		// them up here for readability.
		n := strings.Replace(a.Name, "-", "_", -1)
		return fmt.Sprintf("%s %s", n, a.Type)
	}
	return a.Type.String()
}

func writeArgs(b *strings.Builder, args []ArgumentDescription) {
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(arg.String())
	}
}

// argTypes returns the types of args.
func argTypes(args []ArgumentDescription) []Type {
	ret := make([]Type, len(args))
	for i, a := range args {
		ret[i] = a.Type
	}
	return ret
}

// The xml* types mirror the introspection document format.

type xmlNode struct {
	XMLName    xml.Name       `xml:"node"`
	Name       string         `xml:"name,attr,omitempty"`
	Interfaces []xmlInterface `xml:"interface"`
	Children   []xmlNode      `xml:"node"`
}

type xmlInterface struct {
	Name       string        `xml:"name,attr"`
	Methods    []xmlMethod   `xml:"method"`
	Signals    []xmlSignal   `xml:"signal"`
	Properties []xmlProperty `xml:"property"`
}

type xmlMethod struct {
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlSignal struct {
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlProperty struct {
	Name        string          `xml:"name,attr"`
	Type        string          `xml:"type,attr"`
	Access      string          `xml:"access,attr"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlArg struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (ri xmlInterface) description() (*InterfaceDescription, error) {
	ret := &InterfaceDescription{Name: ri.Name}
	for _, rm := range ri.Methods {
		m := &MethodDescription{Name: rm.Name}
		for _, ra := range rm.Args {
			arg, err := ra.description()
			if err != nil {
				return nil, fmt.Errorf("method %s: %w", rm.Name, err)
			}
			// Method args default to "in" when direction is omitted.
			if ra.Direction == "out" {
				m.Out = append(m.Out, arg)
			} else {
				m.In = append(m.In, arg)
			}
		}
		for _, a := range rm.Annotations {
			switch a.Name {
			case annotationDeprecated:
				m.Deprecated = a.Value == "true"
			case annotationNoReply:
				m.NoReply = a.Value == "true"
			}
		}
		ret.Methods = append(ret.Methods, m)
	}
	for _, rs := range ri.Signals {
		s := &SignalDescription{Name: rs.Name}
		for _, ra := range rs.Args {
			arg, err := ra.description()
			if err != nil {
				return nil, fmt.Errorf("signal %s: %w", rs.Name, err)
			}
			s.Args = append(s.Args, arg)
		}
		for _, a := range rs.Annotations {
			if a.Name == annotationDeprecated && a.Value == "true" {
				s.Deprecated = true
			}
		}
		ret.Signals = append(ret.Signals, s)
	}
	for _, rp := range ri.Properties {
		t, err := ParseType(rp.Type)
		if err != nil {
			return nil, fmt.Errorf("invalid type %q for property %s: %w", rp.Type, rp.Name, err)
		}
		p := &PropertyDescription{
			Name:                rp.Name,
			Type:                t,
			EmitsSignal:         true,
			SignalIncludesValue: true,
		}
		switch rp.Access {
		case "read":
			p.Readable = true
		case "write":
			p.Writable = true
		case "readwrite":
			p.Readable, p.Writable = true, true
		default:
			return nil, fmt.Errorf("unknown access value %q for property %s", rp.Access, rp.Name)
		}
		for _, a := range rp.Annotations {
			switch a.Name {
			case annotationDeprecated:
				p.Deprecated = a.Value == "true"
			case annotationEmitsSignal:
				switch a.Value {
				case "false":
					p.EmitsSignal = false
					p.SignalIncludesValue = false
				case "invalidates":
					p.SignalIncludesValue = false
				case "const":
					p.Constant = true
					p.EmitsSignal = false
					p.SignalIncludesValue = false
				}
			}
		}
		ret.Properties = append(ret.Properties, p)
	}
	return ret, nil
}

func (ra xmlArg) description() (ArgumentDescription, error) {
	t, err := ParseType(ra.Type)
	if err != nil {
		return ArgumentDescription{}, fmt.Errorf("invalid type %q for arg %s: %w", ra.Type, ra.Name, err)
	}
	return ArgumentDescription{Name: ra.Name, Type: t}, nil
}

func xmlInterfaceFor(d *InterfaceDescription) xmlInterface {
	ret := xmlInterface{Name: d.Name}
	args := func(as []ArgumentDescription, dir string) []xmlArg {
		var ret []xmlArg
		for _, a := range as {
			ret = append(ret, xmlArg{Name: a.Name, Type: a.Type.String(), Direction: dir})
		}
		return ret
	}
	deprecated := func(b bool) []xmlAnnotation {
		if !b {
			return nil
		}
		return []xmlAnnotation{{annotationDeprecated, "true"}}
	}

	for _, m := range d.Methods {
		rm := xmlMethod{
			Name:        m.Name,
			Args:        append(args(m.In, "in"), args(m.Out, "out")...),
			Annotations: deprecated(m.Deprecated),
		}
		if m.NoReply {
			rm.Annotations = append(rm.Annotations, xmlAnnotation{annotationNoReply, "true"})
		}
		ret.Methods = append(ret.Methods, rm)
	}
	for _, s := range d.Signals {
		ret.Signals = append(ret.Signals, xmlSignal{
			Name:        s.Name,
			Args:        args(s.Args, ""),
			Annotations: deprecated(s.Deprecated),
		})
	}
	for _, p := range d.Properties {
		rp := xmlProperty{
			Name:        p.Name,
			Type:        p.Type.String(),
			Access:      p.access(),
			Annotations: deprecated(p.Deprecated),
		}
		switch {
		case p.Constant:
			rp.Annotations = append(rp.Annotations, xmlAnnotation{annotationEmitsSignal, "const"})
		case !p.EmitsSignal:
			rp.Annotations = append(rp.Annotations, xmlAnnotation{annotationEmitsSignal, "false"})
		case !p.SignalIncludesValue:
			rp.Annotations = append(rp.Annotations, xmlAnnotation{annotationEmitsSignal, "invalidates"})
		}
		ret.Properties = append(ret.Properties, rp)
	}
	return ret
}
