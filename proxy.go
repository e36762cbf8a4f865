package dbus

import (
	"context"
	"fmt"
)

// Contract describes the methods of a DBus interface, as seen by a
// caller.
type Contract struct {
	// Interface is the DBus interface name.
	Interface string
	Methods   []ContractMethod
}

// ContractMethod describes one method of a [Contract].
type ContractMethod struct {
	Name string
	In   []Arg
	Out  []Arg
	// NoReply, if true, makes calls to the method one-way.
	NoReply bool
}

// ContractFromDescription returns the contract of an introspected
// interface.
func ContractFromDescription(d *InterfaceDescription) Contract {
	ret := Contract{
		Interface: d.Name,
		Methods:   make([]ContractMethod, 0, len(d.Methods)),
	}
	conv := func(args []ArgumentDescription) []Arg {
		var ret []Arg
		for _, a := range args {
			ret = append(ret, Arg{a.Name, a.Type})
		}
		return ret
	}
	for _, m := range d.Methods {
		ret.Methods = append(ret.Methods, ContractMethod{
			Name:    m.Name,
			In:      conv(m.In),
			Out:     conv(m.Out),
			NoReply: m.NoReply,
		})
	}
	return ret
}

// Proxy is a stub for a remote interface, which checks calls against
// the interface's [Contract] before sending them.
type Proxy struct {
	iface   Interface
	methods map[string]proxyMethod
}

type proxyMethod struct {
	ContractMethod
	in, out Signature
}

// NewProxy returns a proxy for the contract's interface on obj.
func NewProxy(obj Object, contract Contract) *Proxy {
	ret := &Proxy{
		iface:   obj.Interface(contract.Interface),
		methods: make(map[string]proxyMethod, len(contract.Methods)),
	}
	for _, m := range contract.Methods {
		ret.methods[m.Name] = proxyMethod{
			ContractMethod: m,
			in:             argSignature(m.In),
			out:            argSignature(m.Out),
		}
	}
	return ret
}

// Interface returns the proxied interface.
func (p *Proxy) Interface() Interface { return p.iface }

func (p *Proxy) String() string { return p.iface.String() }

func (p *Proxy) method(name string) (proxyMethod, error) {
	m, ok := p.methods[name]
	if !ok {
		return proxyMethod{}, fmt.Errorf("%s has no method %q", p.iface.Name(), name)
	}
	return m, nil
}

// Call calls method with args, after checking that the arguments match
// the method's declared inputs. The reply is checked against the
// declared outputs.
//
// For methods declared NoReply, Call returns once the call is queued,
// with no values.
func (p *Proxy) Call(ctx context.Context, method string, args ...Value) ([]Value, error) {
	m, err := p.method(method)
	if err != nil {
		return nil, err
	}
	sig, err := signatureOfValues(args)
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", p.iface.Name(), method, err)
	}
	if !sig.Equal(m.in) {
		return nil, TypeError{
			Type:   m.in.String(),
			Reason: fmt.Errorf("%s.%s called with arguments %q", p.iface.Name(), method, sig),
		}
	}

	if m.NoReply {
		return nil, p.iface.OneWay(ctx, method, args...)
	}
	vals, err := p.iface.Call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if got, err := signatureOfValues(vals); err != nil || !got.Equal(m.out) {
		return nil, TypeError{
			Type:   m.out.String(),
			Reason: fmt.Errorf("reply to %s.%s has signature %q", p.iface.Name(), method, got),
		}
	}
	return vals, nil
}

// Invoke calls method through p, converting arguments and reply with
// the given argument lists. The argument lists must agree with the
// contract.
func Invoke[A, R any](ctx context.Context, p *Proxy, method string, in Args[A], out Args[R], args A) (R, error) {
	var zero R
	m, err := p.method(method)
	if err != nil {
		return zero, err
	}
	if !in.Signature.Equal(m.in) || !out.Signature.Equal(m.out) {
		return zero, fmt.Errorf("%s.%s has signature (%s)->(%s), not (%s)->(%s)", p.iface.Name(), method, m.in, m.out, in.Signature, out.Signature)
	}
	vals, err := p.Call(ctx, method, in.To(args)...)
	if err != nil {
		return zero, err
	}
	if m.NoReply {
		return zero, nil
	}
	ret, err := out.From(vals)
	if err != nil {
		return zero, fmt.Errorf("reply to %s.%s: %w", p.iface.Name(), method, err)
	}
	return ret, nil
}
