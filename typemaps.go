package dbus

import (
	"fmt"
)

// A TypeMap converts between the Go type T and DBus values of a
// fixed DBus type.
//
// TypeMaps are constructed explicitly, so that the mapping between
// Go and DBus types is known statically. Predefined maps are provided
// for the basic types, and [SliceOf], [MapOf], [PairOf] and
// [VariantOf] compose them.
type TypeMap[T any] struct {
	// Type is the DBus type of values produced by To.
	Type Type
	// To converts a Go value to a DBus value.
	To func(T) Value
	// From converts a DBus value to a Go value. It returns a
	// [TypeError] if the value is not of the map's type.
	From func(Value) (T, error)
}

func mismatch(want Type, got Value) error {
	return TypeError{
		Type:   want.String(),
		Reason: fmt.Errorf("got value of type %s", typeOf(got)),
	}
}

func scalarMap[G any, V Value](t Type, to func(G) V, from func(V) G) TypeMap[G] {
	return TypeMap[G]{
		Type: t,
		To:   func(g G) Value { return to(g) },
		From: func(v Value) (G, error) {
			if vv, ok := v.(V); ok {
				return from(vv), nil
			}
			var zero G
			return zero, mismatch(t, v)
		},
	}
}

var (
	ByteMap   = scalarMap(ByteType, func(v uint8) Byte { return Byte(v) }, func(v Byte) uint8 { return uint8(v) })
	BoolMap   = scalarMap(BoolType, func(v bool) Bool { return Bool(v) }, func(v Bool) bool { return bool(v) })
	Int16Map  = scalarMap(Int16Type, func(v int16) Int16 { return Int16(v) }, func(v Int16) int16 { return int16(v) })
	Uint16Map = scalarMap(Uint16Type, func(v uint16) Uint16 { return Uint16(v) }, func(v Uint16) uint16 { return uint16(v) })
	Int32Map  = scalarMap(Int32Type, func(v int32) Int32 { return Int32(v) }, func(v Int32) int32 { return int32(v) })
	Uint32Map = scalarMap(Uint32Type, func(v uint32) Uint32 { return Uint32(v) }, func(v Uint32) uint32 { return uint32(v) })
	Int64Map  = scalarMap(Int64Type, func(v int64) Int64 { return Int64(v) }, func(v Int64) int64 { return int64(v) })
	Uint64Map = scalarMap(Uint64Type, func(v uint64) Uint64 { return Uint64(v) }, func(v Uint64) uint64 { return uint64(v) })
	DoubleMap = scalarMap(DoubleType, func(v float64) Double { return Double(v) }, func(v Double) float64 { return float64(v) })
	StringMap = scalarMap(StringType, func(v string) String { return String(v) }, func(v String) string { return string(v) })

	ObjectPathMap = scalarMap(ObjectPathType, func(v ObjectPath) ObjectPath { return v }, func(v ObjectPath) ObjectPath { return v })
	SignatureMap  = scalarMap(SignatureType, func(v Signature) Signature { return v }, func(v Signature) Signature { return v })

	// AnyMap maps variants to the Value they contain.
	AnyMap = TypeMap[Value]{
		Type: VariantType,
		To:   func(v Value) Value { return Variant{v} },
		From: func(v Value) (Value, error) {
			vv, ok := v.(Variant)
			if !ok {
				return nil, mismatch(VariantType, v)
			}
			return vv.Value, nil
		},
	}

	// BytesMap maps byte slices to arrays of bytes.
	BytesMap = SliceOf(ByteMap)
	// StringsMap maps string slices to arrays of strings.
	StringsMap = SliceOf(StringMap)
	// PropertiesMap maps property dicts, as used by the
	// org.freedesktop.DBus.Properties interface.
	PropertiesMap = MapOf(StringMap, AnyMap)
)

// ValueMap returns a TypeMap that passes DBus values of type t
// through unchanged, for types with no natural Go representation.
func ValueMap(t Type) TypeMap[Value] {
	return TypeMap[Value]{
		Type: t,
		To:   func(v Value) Value { return v },
		From: func(v Value) (Value, error) {
			if v == nil || !v.Type().Equal(t) {
				return nil, mismatch(t, v)
			}
			return v, nil
		},
	}
}

// VariantOf returns a TypeMap that wraps m's values in variants.
//
// Unlike [AnyMap], the variant's contents must match m's type when
// converting from DBus.
func VariantOf[T any](m TypeMap[T]) TypeMap[T] {
	return TypeMap[T]{
		Type: VariantType,
		To:   func(t T) Value { return Variant{m.To(t)} },
		From: func(v Value) (T, error) {
			vv, ok := v.(Variant)
			if !ok {
				var zero T
				return zero, mismatch(VariantType, v)
			}
			return m.From(vv.Value)
		},
	}
}

// SliceOf returns a TypeMap between slices of T and DBus arrays.
func SliceOf[T any](m TypeMap[T]) TypeMap[[]T] {
	t := ArrayOf(m.Type)
	return TypeMap[[]T]{
		Type: t,
		To: func(ts []T) Value {
			items := make([]Value, len(ts))
			for i, v := range ts {
				items[i] = m.To(v)
			}
			return Array{Elem: m.Type, Items: items}
		},
		From: func(v Value) ([]T, error) {
			a, ok := v.(Array)
			if !ok || !a.Elem.Equal(m.Type) {
				return nil, mismatch(t, v)
			}
			ret := make([]T, 0, len(a.Items))
			for i, item := range a.Items {
				g, err := m.From(item)
				if err != nil {
					return nil, fmt.Errorf("array element %d: %w", i, err)
				}
				ret = append(ret, g)
			}
			return ret, nil
		},
	}
}

// MapOf returns a TypeMap between Go maps and DBus dicts.
//
// If a dict contains duplicate keys, the last entry wins.
func MapOf[K comparable, V any](km TypeMap[K], vm TypeMap[V]) TypeMap[map[K]V] {
	t := DictOf(km.Type, vm.Type)
	return TypeMap[map[K]V]{
		Type: t,
		To: func(m map[K]V) Value {
			ret := Dict{KeyType: km.Type, ValueType: vm.Type}
			for k, v := range m {
				ret.Entries = append(ret.Entries, DictEntry{km.To(k), vm.To(v)})
			}
			return ret
		},
		From: func(v Value) (map[K]V, error) {
			d, ok := v.(Dict)
			if !ok || !d.KeyType.Equal(km.Type) || !d.ValueType.Equal(vm.Type) {
				return nil, mismatch(t, v)
			}
			ret := make(map[K]V, len(d.Entries))
			for i, ent := range d.Entries {
				k, err := km.From(ent.Key)
				if err != nil {
					return nil, fmt.Errorf("dict entry %d key: %w", i, err)
				}
				val, err := vm.From(ent.Value)
				if err != nil {
					return nil, fmt.Errorf("dict entry %d value: %w", i, err)
				}
				ret[k] = val
			}
			return ret, nil
		},
	}
}

// Pair is a two-field struct.
type Pair[T1, T2 any] struct {
	A T1
	B T2
}

// Triple is a three-field struct.
type Triple[T1, T2, T3 any] struct {
	A T1
	B T2
	C T3
}

// PairOf returns a TypeMap between Pair and two-field DBus structs.
func PairOf[A, B any](am TypeMap[A], bm TypeMap[B]) TypeMap[Pair[A, B]] {
	t := StructOf(am.Type, bm.Type)
	return TypeMap[Pair[A, B]]{
		Type: t,
		To: func(p Pair[A, B]) Value {
			return Struct{am.To(p.A), bm.To(p.B)}
		},
		From: func(v Value) (ret Pair[A, B], err error) {
			s, ok := v.(Struct)
			if !ok || len(s) != 2 {
				return ret, mismatch(t, v)
			}
			if ret.A, err = am.From(s[0]); err != nil {
				return ret, err
			}
			if ret.B, err = bm.From(s[1]); err != nil {
				return ret, err
			}
			return ret, nil
		},
	}
}

// TripleOf returns a TypeMap between Triple and three-field DBus
// structs.
func TripleOf[A, B, C any](am TypeMap[A], bm TypeMap[B], cm TypeMap[C]) TypeMap[Triple[A, B, C]] {
	t := StructOf(am.Type, bm.Type, cm.Type)
	return TypeMap[Triple[A, B, C]]{
		Type: t,
		To: func(p Triple[A, B, C]) Value {
			return Struct{am.To(p.A), bm.To(p.B), cm.To(p.C)}
		},
		From: func(v Value) (ret Triple[A, B, C], err error) {
			s, ok := v.(Struct)
			if !ok || len(s) != 3 {
				return ret, mismatch(t, v)
			}
			if ret.A, err = am.From(s[0]); err != nil {
				return ret, err
			}
			if ret.B, err = bm.From(s[1]); err != nil {
				return ret, err
			}
			if ret.C, err = cm.From(s[2]); err != nil {
				return ret, err
			}
			return ret, nil
		},
	}
}

// Args describes the argument list of a method or signal, as a Go
// type T.
type Args[T any] struct {
	// Signature is the DBus signature of the argument list.
	Signature Signature
	// To converts Go arguments to DBus values.
	To func(T) []Value
	// From converts DBus values to Go arguments.
	From func([]Value) (T, error)
}

// NoArgs is the empty argument list.
var NoArgs = Args[struct{}]{
	To: func(struct{}) []Value { return nil },
	From: func(vs []Value) (struct{}, error) {
		if len(vs) != 0 {
			return struct{}{}, fmt.Errorf("got %d arguments, want none", len(vs))
		}
		return struct{}{}, nil
	},
}

func wantArgs(sig Signature, vs []Value) error {
	if len(vs) != len(sig.types) {
		return TypeError{
			Type:   sig.String(),
			Reason: fmt.Errorf("got %d arguments, want %d", len(vs), len(sig.types)),
		}
	}
	return nil
}

// Arg1 returns the argument list made of a single value.
func Arg1[A any](am TypeMap[A]) Args[A] {
	sig := SignatureOf(am.Type)
	return Args[A]{
		Signature: sig,
		To:        func(a A) []Value { return []Value{am.To(a)} },
		From: func(vs []Value) (A, error) {
			if err := wantArgs(sig, vs); err != nil {
				var zero A
				return zero, err
			}
			return am.From(vs[0])
		},
	}
}

// Arg2 returns the argument list made of two values.
func Arg2[A, B any](am TypeMap[A], bm TypeMap[B]) Args[Pair[A, B]] {
	sig := SignatureOf(am.Type, bm.Type)
	pm := PairOf(am, bm)
	return Args[Pair[A, B]]{
		Signature: sig,
		To: func(p Pair[A, B]) []Value {
			return []Value(pm.To(p).(Struct))
		},
		From: func(vs []Value) (Pair[A, B], error) {
			if err := wantArgs(sig, vs); err != nil {
				return Pair[A, B]{}, err
			}
			return pm.From(Struct(vs))
		},
	}
}

// Arg3 returns the argument list made of three values.
func Arg3[A, B, C any](am TypeMap[A], bm TypeMap[B], cm TypeMap[C]) Args[Triple[A, B, C]] {
	sig := SignatureOf(am.Type, bm.Type, cm.Type)
	tm := TripleOf(am, bm, cm)
	return Args[Triple[A, B, C]]{
		Signature: sig,
		To: func(t Triple[A, B, C]) []Value {
			return []Value(tm.To(t).(Struct))
		},
		From: func(vs []Value) (Triple[A, B, C], error) {
			if err := wantArgs(sig, vs); err != nil {
				return Triple[A, B, C]{}, err
			}
			return tm.From(Struct(vs))
		},
	}
}

// RawArgs is the argument list that passes DBus values through
// unchanged, for methods with a signature known only at runtime.
func RawArgs(sig Signature) Args[[]Value] {
	return Args[[]Value]{
		Signature: sig,
		To:        func(vs []Value) []Value { return vs },
		From: func(vs []Value) ([]Value, error) {
			if err := wantArgs(sig, vs); err != nil {
				return nil, err
			}
			return vs, nil
		},
	}
}
