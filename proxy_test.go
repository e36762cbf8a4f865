package dbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	dbus "github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/dbustest"
)

var calcContract = dbus.Contract{
	Interface: calcIface,
	Methods: []dbus.ContractMethod{
		{
			Name: "Add",
			In:   []dbus.Arg{{Name: "a", Type: dbus.Int32Type}, {Name: "b", Type: dbus.Int32Type}},
			Out:  []dbus.Arg{{Name: "sum", Type: dbus.Int32Type}},
		},
		{Name: "Refuse"},
	},
}

func TestProxy(t *testing.T) {
	_, calc := exportPair(t)
	p := dbus.NewProxy(calc.Object(), calcContract)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vals, err := p.Call(ctx, "Add", dbus.Int32(2), dbus.Int32(3))
	if err != nil {
		t.Fatalf("Proxy.Call(Add) failed: %v", err)
	}
	if len(vals) != 1 || vals[0] != dbus.Int32(5) {
		t.Fatalf("Proxy.Call(Add) = %v, want [5]", vals)
	}

	sum, err := dbus.Invoke(ctx, p, "Add", addArgs, dbus.Arg1(dbus.Int32Map), dbus.Pair[int32, int32]{A: 20, B: 22})
	if err != nil {
		t.Fatalf("Invoke(Add) failed: %v", err)
	}
	if sum != 42 {
		t.Fatalf("Invoke(Add) = %d, want 42", sum)
	}

	_, err = p.Call(ctx, "Refuse")
	wantCallError(t, err, "org.test.Error.Refused")
}

func TestProxyChecks(t *testing.T) {
	var sent atomic.Int32
	b := dbustest.New(t)
	svc, client := b.MustConn(t), b.MustConn(t)
	h := &dbus.Handler{
		Name: calcIface,
		Methods: []dbus.Method{
			{
				Name: "Add",
				In:   []dbus.Arg{{Type: dbus.Int32Type}, {Type: dbus.Int32Type}},
				Out:  []dbus.Arg{{Type: dbus.Int32Type}},
				Func: func(context.Context, []dbus.Value) ([]dbus.Value, error) {
					sent.Add(1)
					return []dbus.Value{dbus.Int32(0)}, nil
				},
			},
		},
	}
	if err := svc.Export("/calc", h); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	p := dbus.NewProxy(client.Peer(svc.LocalName()).Object("/calc"), calcContract)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.Call(ctx, "Subtract", dbus.Int32(1)); err == nil {
		t.Error("call of method missing from contract succeeded")
	}
	_, err := p.Call(ctx, "Add", dbus.String("2"), dbus.Int32(3))
	var te dbus.TypeError
	if !errors.As(err, &te) {
		t.Errorf("call with wrong argument types returned %v, want TypeError", err)
	}
	if _, err := dbus.Invoke(ctx, p, "Add", dbus.Arg1(dbus.Int32Map), dbus.Arg1(dbus.Int32Map), 1); err == nil {
		t.Error("Invoke with argument lists disagreeing with contract succeeded")
	}
	if got := sent.Load(); got != 0 {
		t.Fatalf("%d checked-out calls reached the service", got)
	}
}

func TestContractFromDescription(t *testing.T) {
	b := dbustest.New(t)
	svc, client := b.MustConn(t), b.MustConn(t)
	var count atomic.Uint32
	if err := svc.Export("/calc", calcHandler(&count)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	obj := client.Peer(svc.LocalName()).Object("/calc")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc, err := obj.Introspect(ctx)
	if err != nil {
		t.Fatalf("Introspect failed: %v", err)
	}
	contract := dbus.ContractFromDescription(desc.Interfaces[calcIface])
	p := dbus.NewProxy(obj, contract)
	sum, err := dbus.Invoke(ctx, p, "Add", addArgs, dbus.Arg1(dbus.Int32Map), dbus.Pair[int32, int32]{A: -1, B: 1})
	if err != nil {
		t.Fatalf("Invoke through introspected contract failed: %v", err)
	}
	if sum != 0 {
		t.Fatalf("Add(-1, 1) = %d, want 0", sum)
	}
}
