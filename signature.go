package dbus

import (
	"fmt"
	"strings"
)

// Kind is the kind of a DBus type. Its value is the type's signature
// code.
type Kind byte

const (
	KindByte       Kind = 'y'
	KindBool       Kind = 'b'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindVariant    Kind = 'v'
	KindArray      Kind = 'a'
	KindStruct     Kind = '('
	KindDictEntry  Kind = '{'
)

// IsBasic reports whether k is a DBus basic type, which are the only
// types allowed as dict keys.
func (k Kind) IsBasic() bool {
	switch k {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64, KindUint64, KindDouble, KindString, KindObjectPath, KindSignature:
		return true
	}
	return false
}

// Align returns the wire alignment of values of kind k.
func (k Kind) Align() int {
	switch k {
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindString, KindObjectPath, KindArray:
		return 4
	case KindInt64, KindUint64, KindDouble, KindStruct, KindDictEntry:
		return 8
	default:
		// byte, signature, variant
		return 1
	}
}

// Type is one complete DBus type.
type Type struct {
	Kind Kind
	// Elem is the element type of an array.
	Elem *Type
	// Fields are the field types of a struct, or the key and value
	// types of a dict entry.
	Fields []Type
}

var (
	ByteType       = Type{Kind: KindByte}
	BoolType       = Type{Kind: KindBool}
	Int16Type      = Type{Kind: KindInt16}
	Uint16Type     = Type{Kind: KindUint16}
	Int32Type      = Type{Kind: KindInt32}
	Uint32Type     = Type{Kind: KindUint32}
	Int64Type      = Type{Kind: KindInt64}
	Uint64Type     = Type{Kind: KindUint64}
	DoubleType     = Type{Kind: KindDouble}
	StringType     = Type{Kind: KindString}
	ObjectPathType = Type{Kind: KindObjectPath}
	SignatureType  = Type{Kind: KindSignature}
	VariantType    = Type{Kind: KindVariant}
)

// ArrayOf returns the type of an array of elem.
func ArrayOf(elem Type) Type {
	return Type{Kind: KindArray, Elem: &elem}
}

// DictOf returns the type of a dict mapping key to val. key must be a
// basic type.
func DictOf(key, val Type) Type {
	return ArrayOf(Type{Kind: KindDictEntry, Fields: []Type{key, val}})
}

// StructOf returns the type of a struct with the given fields.
func StructOf(fields ...Type) Type {
	return Type{Kind: KindStruct, Fields: fields}
}

// IsDict reports whether t is a dict, an array of dict entries.
func (t Type) IsDict() bool {
	return t.Kind == KindArray && t.Elem != nil && t.Elem.Kind == KindDictEntry
}

// Align returns the wire alignment of values of type t.
func (t Type) Align() int {
	return t.Kind.Align()
}

// Equal reports whether t and o describe the same type.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || len(t.Fields) != len(o.Fields) {
		return false
	}
	if (t.Elem == nil) != (o.Elem == nil) {
		return false
	}
	if t.Elem != nil && !t.Elem.Equal(*o.Elem) {
		return false
	}
	for i := range t.Fields {
		if !t.Fields[i].Equal(o.Fields[i]) {
			return false
		}
	}
	return true
}

// String returns the signature string of t.
func (t Type) String() string {
	var b strings.Builder
	t.writeTo(&b)
	return b.String()
}

func (t Type) writeTo(b *strings.Builder) {
	switch t.Kind {
	case KindArray:
		b.WriteByte('a')
		if t.Elem != nil {
			t.Elem.writeTo(b)
		}
	case KindStruct:
		b.WriteByte('(')
		for _, f := range t.Fields {
			f.writeTo(b)
		}
		b.WriteByte(')')
	case KindDictEntry:
		b.WriteByte('{')
		for _, f := range t.Fields {
			f.writeTo(b)
		}
		b.WriteByte('}')
	default:
		b.WriteByte(byte(t.Kind))
	}
}

const (
	maxSignatureLen = 255
	maxNesting      = 32
)

// SignatureError is the error returned when a type signature is
// invalid.
type SignatureError struct {
	// Signature is the offending signature string.
	Signature string
	// Pos is the byte position in Signature at which parsing failed.
	Pos int
	// Reason explains what is wrong.
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid type signature %q at position %d: %s", e.Signature, e.Pos, e.Reason)
}

// A Signature is a sequence of complete DBus types, such as the
// types of a message body.
//
// The zero Signature is valid and describes no values.
type Signature struct {
	str   string
	types []Type
}

var sigCache cache[string, Signature]

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if ret, ok := sigCache.Get(sig); ok {
		return ret, nil
	}

	if len(sig) > maxSignatureLen {
		return Signature{}, &SignatureError{sig, maxSignatureLen, fmt.Sprintf("signature longer than %d bytes", maxSignatureLen)}
	}

	p := sigParser{sig: sig}
	var types []Type
	for p.pos < len(sig) {
		t, err := p.parseOne()
		if err != nil {
			return Signature{}, err
		}
		types = append(types, t)
	}
	ret := Signature{sig, types}
	sigCache.Put(sig, ret)
	return ret, nil
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// ParseType parses a signature string that must contain exactly one
// complete type.
func ParseType(sig string) (Type, error) {
	s, err := ParseSignature(sig)
	if err != nil {
		return Type{}, err
	}
	if len(s.types) != 1 {
		return Type{}, &SignatureError{sig, 0, fmt.Sprintf("want exactly one complete type, got %d", len(s.types))}
	}
	return s.types[0], nil
}

// MustParseType is like [ParseType], but panics if sig is invalid.
func MustParseType(sig string) Type {
	ret, err := ParseType(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// SignatureOf returns the Signature for the sequence of types ts.
func SignatureOf(ts ...Type) Signature {
	var b strings.Builder
	for _, t := range ts {
		t.writeTo(&b)
	}
	return Signature{b.String(), ts}
}

// String returns the signature string.
func (s Signature) String() string { return s.str }

// IsZero reports whether s describes no values.
func (s Signature) IsZero() bool { return s.str == "" }

// Types returns the complete types that make up s.
func (s Signature) Types() []Type { return s.types }

// Equal reports whether s and o describe the same types.
func (s Signature) Equal(o Signature) bool { return s.str == o.str }

type sigParser struct {
	sig         string
	pos         int
	arrayDepth  int
	structDepth int
}

func (p *sigParser) fail(pos int, reason string, args ...any) error {
	return &SignatureError{p.sig, pos, fmt.Sprintf(reason, args...)}
}

// parseOne consumes one complete type from the signature.
func (p *sigParser) parseOne() (Type, error) {
	if p.pos >= len(p.sig) {
		return Type{}, p.fail(p.pos, "unexpected end of signature")
	}
	start := p.pos
	k := Kind(p.sig[p.pos])
	switch {
	case k.IsBasic() || k == KindVariant:
		p.pos++
		return Type{Kind: k}, nil
	case k == KindArray:
		p.arrayDepth++
		if p.arrayDepth > maxNesting {
			return Type{}, p.fail(start, "arrays nested more than %d deep", maxNesting)
		}
		p.pos++
		var (
			elem Type
			err  error
		)
		if p.pos < len(p.sig) && p.sig[p.pos] == byte(KindDictEntry) {
			elem, err = p.parseDictEntry()
		} else {
			elem, err = p.parseOne()
		}
		if err != nil {
			return Type{}, err
		}
		p.arrayDepth--
		return Type{Kind: KindArray, Elem: &elem}, nil
	case k == KindStruct:
		p.structDepth++
		if p.structDepth > maxNesting {
			return Type{}, p.fail(start, "structs nested more than %d deep", maxNesting)
		}
		p.pos++
		var fields []Type
		for {
			if p.pos >= len(p.sig) {
				return Type{}, p.fail(start, "missing closing ) in struct")
			}
			if p.sig[p.pos] == ')' {
				break
			}
			f, err := p.parseOne()
			if err != nil {
				return Type{}, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return Type{}, p.fail(start, "empty struct")
		}
		p.pos++
		p.structDepth--
		return Type{Kind: KindStruct, Fields: fields}, nil
	case k == KindDictEntry:
		return Type{}, p.fail(start, "dict entry outside array")
	default:
		return Type{}, p.fail(start, "unknown type code %q", p.sig[start])
	}
}

func (p *sigParser) parseDictEntry() (Type, error) {
	start := p.pos
	p.structDepth++
	if p.structDepth > maxNesting {
		return Type{}, p.fail(start, "structs nested more than %d deep", maxNesting)
	}
	p.pos++
	keyPos := p.pos
	key, err := p.parseOne()
	if err != nil {
		return Type{}, err
	}
	if !key.Kind.IsBasic() {
		return Type{}, p.fail(keyPos, "dict key type %s is not a basic type", key)
	}
	val, err := p.parseOne()
	if err != nil {
		return Type{}, err
	}
	if p.pos >= len(p.sig) || p.sig[p.pos] != '}' {
		return Type{}, p.fail(start, "dict entry must have exactly one key and one value type")
	}
	p.pos++
	p.structDepth--
	return Type{Kind: KindDictEntry, Fields: []Type{key, val}}, nil
}
