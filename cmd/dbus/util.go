package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/heapq"
	dbus "github.com/danderson/dbuswire"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) s(msg string) {
	io.WriteString(i, msg+"\n")
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(os.Stdout, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		if idx := bytes.IndexByte(bs, '\n'); idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

func compareObjects(a, b dbus.Object) int {
	if c := cmp.Compare(a.Peer().Name(), b.Peer().Name()); c != 0 {
		return c
	}
	return cmp.Compare(a.Path(), b.Path())
}

func listPeers(ctx context.Context, conn *dbus.Conn, peerFilter string) iter.Seq2[dbus.Peer, error] {
	if peerFilter == "" {
		// Unique bus connections fail to handle introspection
		// gracefully more often than not.
		peerFilter = `^[^:].*`
	}
	return func(yield func(dbus.Peer, error) bool) {
		f, err := regexp.Compile(peerFilter)
		if err != nil {
			yield(dbus.Peer{}, err)
			return
		}
		names, err := conn.Bus().ListNames(ctx)
		if err != nil {
			yield(dbus.Peer{}, err)
			return
		}
		slices.Sort(names)
		for _, n := range names {
			if !f.MatchString(n) {
				continue
			}
			if !yield(conn.Peer(n), nil) {
				return
			}
		}
	}
}

type objectInterface struct {
	dbus.Interface
	Description *dbus.InterfaceDescription
}

func listInterfaces(ctx context.Context, peer dbus.Peer, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}

		objs := heapq.New(compareObjects)
		objs.Add(peer.Object("/"))
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			desc, err := obj.Introspect(ctx)
			if err != nil {
				if !yield(objectInterface{}, fmt.Errorf("introspecting %s: %w", obj, err)) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(obj.Child(child))
			}
			if !om.MatchString(string(obj.Path())) {
				continue
			}
			for _, k := range slices.Sorted(maps.Keys(desc.Interfaces)) {
				if !im.MatchString(k) {
					continue
				}
				iface := obj.Interface(k)
				if !yield(objectInterface{iface, desc.Interfaces[k]}, nil) {
					return
				}
			}
		}
	}
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}

// parseArgs parses method arguments written as "type:value".
func parseArgs(args []string) ([]dbus.Value, error) {
	var ret []dbus.Value
	for _, arg := range args {
		code, val, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("argument %q is not of the form type:value", arg)
		}
		v, err := parseArg(code, val)
		if err != nil {
			return nil, fmt.Errorf("parsing argument %q: %w", arg, err)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func parseArg(code, val string) (dbus.Value, error) {
	t, err := dbus.ParseType(code)
	if err != nil {
		return nil, err
	}
	switch t.Kind {
	case dbus.KindByte:
		n, err := strconv.ParseUint(val, 0, 8)
		return dbus.Byte(n), err
	case dbus.KindBool:
		b, err := strconv.ParseBool(val)
		return dbus.Bool(b), err
	case dbus.KindInt16:
		n, err := strconv.ParseInt(val, 0, 16)
		return dbus.Int16(n), err
	case dbus.KindUint16:
		n, err := strconv.ParseUint(val, 0, 16)
		return dbus.Uint16(n), err
	case dbus.KindInt32:
		n, err := strconv.ParseInt(val, 0, 32)
		return dbus.Int32(n), err
	case dbus.KindUint32:
		n, err := strconv.ParseUint(val, 0, 32)
		return dbus.Uint32(n), err
	case dbus.KindInt64:
		n, err := strconv.ParseInt(val, 0, 64)
		return dbus.Int64(n), err
	case dbus.KindUint64:
		n, err := strconv.ParseUint(val, 0, 64)
		return dbus.Uint64(n), err
	case dbus.KindDouble:
		f, err := strconv.ParseFloat(val, 64)
		return dbus.Double(f), err
	case dbus.KindString:
		return dbus.String(val), nil
	case dbus.KindObjectPath:
		p := dbus.ObjectPath(val)
		return p, p.Valid()
	case dbus.KindSignature:
		return dbus.ParseSignature(val)
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t)
	}
}
