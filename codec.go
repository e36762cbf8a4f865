package dbus

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/danderson/dbuswire/fragments"
)

// maxVariantDepth is the maximum number of variants that may be
// nested inside each other.
const maxVariantDepth = 64

// Marshal returns the wire encoding of vals in the given byte order,
// as a message body.
func Marshal(order fragments.ByteOrder, vals ...Value) ([]byte, error) {
	e := fragments.Encoder{Order: order}
	for _, v := range vals {
		if err := EncodeValue(&e, v); err != nil {
			return nil, err
		}
	}
	return e.Out, nil
}

// EncodeValue writes the wire encoding of v to e.
func EncodeValue(e *fragments.Encoder, v Value) error {
	return encodeValue(e, v, 0)
}

func encodeValue(e *fragments.Encoder, v Value, depth int) error {
	if err := checkValue(v); err != nil {
		return fmt.Errorf("cannot encode: %w", err)
	}
	switch v := v.(type) {
	case Byte:
		e.Uint8(uint8(v))
	case Bool:
		if v {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case Int16:
		e.Uint16(uint16(v))
	case Uint16:
		e.Uint16(uint16(v))
	case Int32:
		e.Uint32(uint32(v))
	case Uint32:
		e.Uint32(uint32(v))
	case Int64:
		e.Uint64(uint64(v))
	case Uint64:
		e.Uint64(uint64(v))
	case Double:
		e.Uint64(math.Float64bits(float64(v)))
	case String:
		if err := validString(string(v)); err != nil {
			return err
		}
		e.String(string(v))
	case ObjectPath:
		if err := v.Valid(); err != nil {
			return err
		}
		e.String(string(v))
	case Signature:
		if _, err := ParseSignature(v.str); err != nil {
			return err
		}
		e.Signature(v.str)
	case Variant:
		if err := checkValue(v.Value); err != nil {
			return fmt.Errorf("cannot encode Variant: %w", err)
		}
		if depth >= maxVariantDepth {
			return fmt.Errorf("variants nested more than %d deep", maxVariantDepth)
		}
		sig := v.Value.Type().String()
		if _, err := ParseType(sig); err != nil {
			return err
		}
		e.Signature(sig)
		return encodeValue(e, v.Value, depth+1)
	case Array:
		if v.Elem.Kind == KindDictEntry {
			return errors.New("cannot encode Array of dict entries, use Dict")
		}
		return e.Array(v.Elem.Align(), func() error {
			for i, item := range v.Items {
				if checkValue(item) != nil || !item.Type().Equal(v.Elem) {
					return fmt.Errorf("array element %d has type %s, want %s", i, typeOf(item), v.Elem)
				}
				if err := encodeValue(e, item, depth); err != nil {
					return err
				}
			}
			return nil
		})
	case Dict:
		if !v.KeyType.Kind.IsBasic() {
			return fmt.Errorf("dict key type %s is not a basic type", v.KeyType)
		}
		return e.Array(KindDictEntry.Align(), func() error {
			for i, ent := range v.Entries {
				if checkValue(ent.Key) != nil || !ent.Key.Type().Equal(v.KeyType) {
					return fmt.Errorf("dict entry %d has key type %s, want %s", i, typeOf(ent.Key), v.KeyType)
				}
				if checkValue(ent.Value) != nil || !ent.Value.Type().Equal(v.ValueType) {
					return fmt.Errorf("dict entry %d has value type %s, want %s", i, typeOf(ent.Value), v.ValueType)
				}
				err := e.Struct(func() error {
					if err := encodeValue(e, ent.Key, depth); err != nil {
						return err
					}
					return encodeValue(e, ent.Value, depth)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	case Struct:
		if len(v) == 0 {
			return errors.New("cannot encode empty Struct")
		}
		return e.Struct(func() error {
			for _, f := range v {
				if err := encodeValue(e, f, depth); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return fmt.Errorf("cannot encode unknown Value type %T", v)
	}
	return nil
}

func typeOf(v Value) string {
	if err := checkValue(v); err != nil {
		return "<" + err.Error() + ">"
	}
	return v.Type().String()
}

func validString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string %q is not valid UTF-8", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return fmt.Errorf("string %q contains NUL byte", s)
		}
	}
	return nil
}

// Unmarshal decodes a message body with the given signature.
//
// body must be consumed exactly: trailing bytes are an error.
func Unmarshal(order fragments.ByteOrder, sig Signature, body []byte) ([]Value, error) {
	d := fragments.Decoder{Order: order, In: body}
	ret := make([]Value, 0, len(sig.types))
	for _, t := range sig.types {
		v, err := decodeValue(&d, t, 0)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	if n := d.Remaining(); n != 0 {
		return nil, &fragments.DecodeError{Offset: d.Offset, Reason: fmt.Errorf("%d unread bytes after values of signature %q", n, sig)}
	}
	return ret, nil
}

// DecodeValue decodes one value of type t from bs, starting at
// offset. Alignment is computed relative to the start of bs. It
// returns the value and the offset immediately after it.
func DecodeValue(order fragments.ByteOrder, t Type, bs []byte, offset int) (Value, int, error) {
	d := fragments.Decoder{Order: order, In: bs, Offset: offset}
	v, err := decodeValue(&d, t, 0)
	if err != nil {
		return nil, offset, err
	}
	return v, d.Offset, nil
}

func decodeValue(d *fragments.Decoder, t Type, depth int) (Value, error) {
	switch t.Kind {
	case KindByte:
		v, err := d.Uint8()
		return Byte(v), err
	case KindBool:
		v, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		if v > 1 {
			return nil, &fragments.DecodeError{Offset: d.Offset - 4, Reason: fmt.Errorf("invalid boolean value %d", v)}
		}
		return Bool(v == 1), nil
	case KindInt16:
		v, err := d.Uint16()
		return Int16(v), err
	case KindUint16:
		v, err := d.Uint16()
		return Uint16(v), err
	case KindInt32:
		v, err := d.Uint32()
		return Int32(v), err
	case KindUint32:
		v, err := d.Uint32()
		return Uint32(v), err
	case KindInt64:
		v, err := d.Uint64()
		return Int64(v), err
	case KindUint64:
		v, err := d.Uint64()
		return Uint64(v), err
	case KindDouble:
		v, err := d.Uint64()
		return Double(math.Float64frombits(v)), err
	case KindString:
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		return String(v), nil
	case KindObjectPath:
		if err := d.Pad(4); err != nil {
			return nil, err
		}
		start := d.Offset
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(v)
		if err := p.Valid(); err != nil {
			return nil, &fragments.DecodeError{Offset: start, Reason: err}
		}
		return p, nil
	case KindSignature:
		start := d.Offset
		v, err := d.Signature()
		if err != nil {
			return nil, err
		}
		sig, err := ParseSignature(v)
		if err != nil {
			return nil, &fragments.DecodeError{Offset: start, Reason: err}
		}
		return sig, nil
	case KindVariant:
		if depth >= maxVariantDepth {
			return nil, &fragments.DecodeError{Offset: d.Offset, Reason: fmt.Errorf("variants nested more than %d deep", maxVariantDepth)}
		}
		start := d.Offset
		v, err := d.Signature()
		if err != nil {
			return nil, err
		}
		inner, err := ParseType(v)
		if err != nil {
			return nil, &fragments.DecodeError{Offset: start, Reason: err}
		}
		iv, err := decodeValue(d, inner, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{iv}, nil
	case KindArray:
		if t.Elem == nil {
			return nil, fmt.Errorf("array type has no element type")
		}
		elem := *t.Elem
		if elem.Kind == KindDictEntry {
			return decodeDict(d, elem, depth)
		}
		ret := Array{Elem: elem}
		_, err := d.Array(elem.Align(), func(int) error {
			v, err := decodeValue(d, elem, depth)
			if err != nil {
				return err
			}
			ret.Items = append(ret.Items, v)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	case KindStruct:
		ret := make(Struct, 0, len(t.Fields))
		err := d.Struct(func() error {
			for _, f := range t.Fields {
				v, err := decodeValue(d, f, depth)
				if err != nil {
					return err
				}
				ret = append(ret, v)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	default:
		return nil, &fragments.DecodeError{Offset: d.Offset, Reason: fmt.Errorf("cannot decode type %s", t)}
	}
}

func decodeDict(d *fragments.Decoder, entry Type, depth int) (Value, error) {
	if len(entry.Fields) != 2 {
		return nil, fmt.Errorf("malformed dict entry type %s", entry)
	}
	ret := Dict{KeyType: entry.Fields[0], ValueType: entry.Fields[1]}
	_, err := d.Array(entry.Align(), func(int) error {
		return d.Struct(func() error {
			k, err := decodeValue(d, ret.KeyType, depth)
			if err != nil {
				return err
			}
			v, err := decodeValue(d, ret.ValueType, depth)
			if err != nil {
				return err
			}
			ret.Entries = append(ret.Entries, DictEntry{k, v})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}
