package dbus

import (
	"errors"
	"fmt"
	"strings"
)

// A Value is a DBus value.
//
// The concrete types implementing Value are [Byte], [Bool], [Int16],
// [Uint16], [Int32], [Uint32], [Int64], [Uint64], [Double], [String],
// [ObjectPath], [Signature], [Variant], [Array], [Dict] and [Struct].
type Value interface {
	// Type returns the DBus type of the value.
	Type() Type

	isValue()
}

type (
	Byte   uint8
	Bool   bool
	Int16  int16
	Uint16 uint16
	Int32  int32
	Uint32 uint32
	Int64  int64
	Uint64 uint64
	Double float64
	String string
)

func (Byte) Type() Type   { return ByteType }
func (Bool) Type() Type   { return BoolType }
func (Int16) Type() Type  { return Int16Type }
func (Uint16) Type() Type { return Uint16Type }
func (Int32) Type() Type  { return Int32Type }
func (Uint32) Type() Type { return Uint32Type }
func (Int64) Type() Type  { return Int64Type }
func (Uint64) Type() Type { return Uint64Type }
func (Double) Type() Type { return DoubleType }
func (String) Type() Type { return StringType }

// Type returns [SignatureType]. Use [Signature.Types] for the types
// that the signature describes.
func (Signature) Type() Type { return SignatureType }

func (Byte) isValue()       {}
func (Bool) isValue()       {}
func (Int16) isValue()      {}
func (Uint16) isValue()     {}
func (Int32) isValue()      {}
func (Uint32) isValue()     {}
func (Int64) isValue()      {}
func (Uint64) isValue()     {}
func (Double) isValue()     {}
func (String) isValue()     {}
func (ObjectPath) isValue() {}
func (Signature) isValue()  {}
func (Variant) isValue()    {}
func (Array) isValue()      {}
func (Dict) isValue()       {}
func (Struct) isValue()     {}

// Variant is a value whose type is carried alongside it on the wire.
type Variant struct {
	Value Value
}

func (Variant) Type() Type { return VariantType }

func (v Variant) String() string {
	if v.Value == nil {
		return "variant(nil)"
	}
	return fmt.Sprintf("variant(%s: %v)", typeOf(v.Value), v.Value)
}

// Array is a homogeneous list of values.
type Array struct {
	// Elem is the type of each item. It is carried separately from
	// Items so that empty arrays are still typed.
	Elem  Type
	Items []Value
}

// NewArray returns an array of elem containing items.
func NewArray(elem Type, items ...Value) Array {
	return Array{Elem: elem, Items: items}
}

func (a Array) Type() Type { return ArrayOf(a.Elem) }

// Dict is a list of key/value pairs.
type Dict struct {
	KeyType   Type
	ValueType Type
	Entries   []DictEntry
}

// DictEntry is one key/value pair of a [Dict].
type DictEntry struct {
	Key   Value
	Value Value
}

func (d Dict) Type() Type { return DictOf(d.KeyType, d.ValueType) }

// Lookup returns the value for the first entry whose key equals k.
func (d Dict) Lookup(k Value) (Value, bool) {
	for _, e := range d.Entries {
		if keyEqual(e.Key, k) {
			return e.Value, true
		}
	}
	return nil, false
}

func keyEqual(a, b Value) bool {
	sa, aok := a.(Signature)
	sb, bok := b.(Signature)
	if aok || bok {
		return aok && bok && sa.Equal(sb)
	}
	if checkValue(a) != nil || checkValue(b) != nil || !a.Type().Kind.IsBasic() {
		return false
	}
	return a == b
}

// Struct is a fixed sequence of values of arbitrary types.
//
// A Struct with a nil field has no type, and its Type method panics.
type Struct []Value

func (s Struct) Type() Type {
	fs := make([]Type, len(s))
	for i, v := range s {
		fs[i] = v.Type()
	}
	return StructOf(fs...)
}

func (s Struct) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// checkValue returns an error if v is nil or is a struct with a nil
// field at any depth. Values that pass can report their Type.
func checkValue(v Value) error {
	switch v := v.(type) {
	case nil:
		return errors.New("nil Value")
	case Struct:
		for i, f := range v {
			if err := checkValue(f); err != nil {
				return fmt.Errorf("struct field %d: %w", i, err)
			}
		}
	}
	return nil
}

// signatureOfValues returns the signature describing the types of
// vals, as used for a message body.
func signatureOfValues(vals []Value) (Signature, error) {
	ts := make([]Type, len(vals))
	for i, v := range vals {
		if err := checkValue(v); err != nil {
			return Signature{}, fmt.Errorf("body value %d: %w", i, err)
		}
		ts[i] = v.Type()
	}
	ret := SignatureOf(ts...)
	if _, err := ParseSignature(ret.String()); err != nil {
		return Signature{}, err
	}
	return ret, nil
}
