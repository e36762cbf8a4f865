package dbus

import (
	"errors"
	"testing"

	"github.com/danderson/dbuswire/fragments"
	"github.com/google/go-cmp/cmp"
)

// viaWire converts v to DBus, encodes it, decodes it and converts it
// back, so that TypeMaps are checked against real wire data.
func viaWire[T any](t *testing.T, m TypeMap[T], v T) T {
	t.Helper()
	bs, err := Marshal(fragments.LittleEndian, m.To(v))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	vs, err := Unmarshal(fragments.LittleEndian, SignatureOf(m.Type), bs)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	ret, err := m.From(vs[0])
	if err != nil {
		t.Fatalf("From failed: %v", err)
	}
	return ret
}

func TestTypeMaps(t *testing.T) {
	check := func(name string, got, want any) {
		t.Helper()
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("%s round trip (-got+want):\n%s", name, diff)
		}
	}

	check("byte", viaWire(t, ByteMap, 7), uint8(7))
	check("bool", viaWire(t, BoolMap, true), true)
	check("int16", viaWire(t, Int16Map, -2), int16(-2))
	check("uint32", viaWire(t, Uint32Map, 42), uint32(42))
	check("int64", viaWire(t, Int64Map, -1<<40), int64(-1<<40))
	check("double", viaWire(t, DoubleMap, 2.5), 2.5)
	check("string", viaWire(t, StringMap, "hello"), "hello")
	check("path", viaWire(t, ObjectPathMap, "/a/b"), ObjectPath("/a/b"))
	check("strings", viaWire(t, StringsMap, []string{"a", "b"}), []string{"a", "b"})
	check("bytes", viaWire(t, BytesMap, []byte{}), []byte{})
	check("variant", viaWire(t, VariantOf(Uint64Map), 9), uint64(9))

	props := map[string]Value{
		"Volume": Variant{Double(0.5)},
		"Muted":  Bool(false),
	}
	gotProps := viaWire(t, PropertiesMap, props)
	check("properties", gotProps, map[string]Value{
		"Volume": Variant{Double(0.5)},
		"Muted":  Bool(false),
	})

	nested := MapOf(StringMap, SliceOf(PairOf(Int32Map, StringMap)))
	check("nested", viaWire(t, nested, map[string][]Pair[int32, string]{
		"x": {{1, "one"}, {2, "two"}},
		"y": nil,
	}), map[string][]Pair[int32, string]{
		"x": {{1, "one"}, {2, "two"}},
		"y": {},
	})
	check("triple", viaWire(t, TripleOf(ByteMap, BoolMap, StringMap), Triple[uint8, bool, string]{1, true, "x"}),
		Triple[uint8, bool, string]{1, true, "x"})
}

func TestTypeMapMismatch(t *testing.T) {
	_, err := StringMap.From(Uint32(1))
	var te TypeError
	if !errors.As(err, &te) {
		t.Fatalf("StringMap.From(Uint32) error = %v, want TypeError", err)
	}

	if _, err := StringsMap.From(NewArray(Uint32Type)); err == nil {
		t.Error("StringsMap.From(au) succeeded, want error")
	}
	if _, err := PairOf(ByteMap, ByteMap).From(Struct{Byte(1)}); err == nil {
		t.Error("PairOf.From(1-field struct) succeeded, want error")
	}
	if _, err := VariantOf(StringMap).From(Variant{Byte(1)}); err == nil {
		t.Error("VariantOf(StringMap).From(variant of byte) succeeded, want error")
	}
}

func TestArgs(t *testing.T) {
	args := Arg2(StringMap, Uint32Map)
	if got, want := args.Signature.String(), "su"; got != want {
		t.Errorf("Arg2 signature = %q, want %q", got, want)
	}
	vs := args.To(Pair[string, uint32]{"a", 1})
	if diff := cmp.Diff(vs, []Value{String("a"), Uint32(1)}); diff != "" {
		t.Errorf("Arg2.To wrong values (-got+want):\n%s", diff)
	}
	got, err := args.From(vs)
	if err != nil {
		t.Fatalf("Arg2.From failed: %v", err)
	}
	if want := (Pair[string, uint32]{"a", 1}); got != want {
		t.Errorf("Arg2.From = %v, want %v", got, want)
	}

	if _, err := args.From([]Value{String("a")}); err == nil {
		t.Error("Arg2.From(1 value) succeeded, want error")
	}
	if _, err := NoArgs.From([]Value{Byte(1)}); err == nil {
		t.Error("NoArgs.From(1 value) succeeded, want error")
	}
	if _, err := Arg1(StringMap).From([]Value{Byte(1)}); err == nil {
		t.Error("Arg1(StringMap).From(byte) succeeded, want error")
	}

	a3 := Arg3(StringMap, ByteMap, BoolMap)
	if got, want := a3.Signature.String(), "syb"; got != want {
		t.Errorf("Arg3 signature = %q, want %q", got, want)
	}
}
