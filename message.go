package dbus

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danderson/dbuswire/fragments"
)

// MaxMessageSize is the maximum size of a complete DBus message,
// header included.
const MaxMessageSize = 1 << 27

// Message is a DBus message.
type Message struct {
	// Order is the byte order of Body. The zero value means
	// little endian.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type MessageType
	// Flags are the message's flags.
	Flags Flags
	// Serial is the message's serial. It must be non-zero. Conn
	// assigns serials to outgoing messages.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal.
	Member string
	// ErrorName is the name of the error that occurred, for error
	// messages.
	ErrorName string
	// ReplySerial is the message serial to which this message is
	// replying.
	ReplySerial uint32
	// Destination is the bus name the message is addressed to.
	Destination string
	// Sender is the unique name of the sending connection. The bus
	// sets this itself, any value sent by a client is replaced.
	Sender string
	// Signature is the type signature of Body.
	Signature Signature

	// Body is the encoded message body.
	Body []byte
}

func (m *Message) order() fragments.ByteOrder {
	if m.Order == nil {
		return fragments.LittleEndian
	}
	return m.Order
}

// SetBody encodes vals into the message body and sets the message's
// Signature to match.
func (m *Message) SetBody(vals ...Value) error {
	sig, err := signatureOfValues(vals)
	if err != nil {
		return err
	}
	body, err := Marshal(m.order(), vals...)
	if err != nil {
		return err
	}
	m.Signature = sig
	m.Body = body
	return nil
}

// Values decodes the message body.
func (m *Message) Values() ([]Value, error) {
	return Unmarshal(m.order(), m.Signature, m.Body)
}

// Reply returns a method return message replying to m. The returned
// message has no body and no serial.
func (m *Message) Reply() *Message {
	return &Message{
		Type:        MessageReturn,
		ReplySerial: m.Serial,
		Destination: m.Sender,
	}
}

// ErrorReply returns an error message replying to m, with the given
// error name and human-readable detail.
func (m *Message) ErrorReply(name, detail string) *Message {
	ret := &Message{
		Type:        MessageError,
		ErrorName:   name,
		ReplySerial: m.Serial,
		Destination: m.Sender,
	}
	if detail != "" {
		detail = strings.ToValidUTF8(strings.ReplaceAll(detail, "\x00", ""), "�")
		// Cannot fail, detail is a valid string.
		ret.SetBody(String(detail))
	}
	return ret
}

// Marshal returns the wire encoding of m.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	if len(m.Body) > 0 && m.Signature.IsZero() {
		return nil, errors.New("message has a body but no signature")
	}

	e := fragments.Encoder{Order: m.order()}
	e.ByteOrderFlag()
	e.Uint8(byte(m.Type))
	e.Uint8(byte(m.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(len(m.Body)))
	e.Uint32(m.Serial)

	fields := Array{Elem: *headerFieldsType.Elem}
	add := func(code byte, v Value) {
		fields.Items = append(fields.Items, Struct{Byte(code), Variant{v}})
	}
	if m.Path != "" {
		add(fieldPath, m.Path)
	}
	if m.Interface != "" {
		add(fieldInterface, String(m.Interface))
	}
	if m.Member != "" {
		add(fieldMember, String(m.Member))
	}
	if m.ErrorName != "" {
		add(fieldErrorName, String(m.ErrorName))
	}
	if m.ReplySerial != 0 {
		add(fieldReplySerial, Uint32(m.ReplySerial))
	}
	if m.Destination != "" {
		add(fieldDestination, String(m.Destination))
	}
	if m.Sender != "" {
		add(fieldSender, String(m.Sender))
	}
	if !m.Signature.IsZero() {
		add(fieldSignature, m.Signature)
	}
	if err := EncodeValue(&e, fields); err != nil {
		return nil, fmt.Errorf("encoding message header: %w", err)
	}
	e.Pad(8)

	if len(e.Out)+len(m.Body) > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum of %d bytes", len(e.Out)+len(m.Body), MaxMessageSize)
	}
	return append(e.Out, m.Body...), nil
}

// ReadMessage reads one complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	// The fixed part of the header, plus the length of the header
	// field array, is enough to size the whole message.
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	order, err := fragments.OrderForFlag(fixed[0])
	if err != nil {
		return nil, &fragments.DecodeError{Offset: 0, Reason: err}
	}
	bodyLen := int64(order.Uint32(fixed[4:8]))
	fieldsLen := int64(order.Uint32(fixed[12:16]))
	hdrLen := 16 + fieldsLen
	hdrLen += (8 - hdrLen%8) % 8
	total := hdrLen + bodyLen
	if total > MaxMessageSize {
		return nil, &fragments.DecodeError{Offset: 4, Reason: fmt.Errorf("message size %d exceeds maximum of %d bytes", total, MaxMessageSize)}
	}

	buf := make([]byte, total)
	copy(buf, fixed[:])
	if _, err := io.ReadFull(r, buf[len(fixed):]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return ParseMessage(buf)
}

// ParseMessage decodes a complete message from bs.
func ParseMessage(bs []byte) (*Message, error) {
	d := fragments.Decoder{In: bs}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	m := &Message{Order: d.Order}

	var fixed [3]uint8
	for i := range fixed {
		v, err := d.Uint8()
		if err != nil {
			return nil, err
		}
		fixed[i] = v
	}
	m.Type, m.Flags = MessageType(fixed[0]), Flags(fixed[1])
	if fixed[2] != protocolVersion {
		return nil, &fragments.DecodeError{Offset: 3, Reason: fmt.Errorf("unsupported protocol version %d", fixed[2])}
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if m.Serial, err = d.Uint32(); err != nil {
		return nil, err
	}

	fieldsStart := d.Offset
	fv, err := decodeValue(&d, headerFieldsType, 0)
	if err != nil {
		return nil, err
	}
	for _, f := range fv.(Array).Items {
		fs := f.(Struct)
		code, v := fs[0].(Byte), fs[1].(Variant).Value
		if err := m.setField(code, v); err != nil {
			return nil, &fragments.DecodeError{Offset: fieldsStart, Reason: err}
		}
	}
	if err := d.Pad(8); err != nil {
		return nil, err
	}
	if int64(d.Remaining()) != int64(bodyLen) {
		return nil, &fragments.DecodeError{Offset: d.Offset, Reason: fmt.Errorf("body is %d bytes, header says %d", d.Remaining(), bodyLen)}
	}
	m.Body = bs[d.Offset:]
	if len(m.Body) > 0 && m.Signature.IsZero() {
		return nil, &fragments.DecodeError{Offset: d.Offset, Reason: errors.New("message has a body but no signature")}
	}
	if err := m.Valid(); err != nil {
		return nil, &fragments.DecodeError{Offset: 0, Reason: err}
	}
	return m, nil
}

func (m *Message) setField(code Byte, v Value) error {
	wrongType := func() error {
		return fmt.Errorf("header field %d has wrong type %s", code, v.Type())
	}
	str := func(dst *string) error {
		s, ok := v.(String)
		if !ok {
			return wrongType()
		}
		*dst = string(s)
		return nil
	}
	switch code {
	case fieldPath:
		p, ok := v.(ObjectPath)
		if !ok {
			return wrongType()
		}
		m.Path = p
	case fieldInterface:
		return str(&m.Interface)
	case fieldMember:
		return str(&m.Member)
	case fieldErrorName:
		return str(&m.ErrorName)
	case fieldDestination:
		return str(&m.Destination)
	case fieldSender:
		return str(&m.Sender)
	case fieldReplySerial:
		u, ok := v.(Uint32)
		if !ok {
			return wrongType()
		}
		m.ReplySerial = uint32(u)
	case fieldSignature:
		s, ok := v.(Signature)
		if !ok {
			return wrongType()
		}
		m.Signature = s
	case fieldUnixFDs:
		u, ok := v.(Uint32)
		if !ok {
			return wrongType()
		}
		if u != 0 {
			return fmt.Errorf("message carries %d file descriptors, file descriptor passing is not supported", u)
		}
	default:
		// Unknown header fields must be ignored.
	}
	return nil
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d", m.Type, m.Serial)
	if m.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply-to=#%d", m.ReplySerial)
	}
	if m.Sender != "" {
		fmt.Fprintf(&b, " from=%s", m.Sender)
	}
	if m.Destination != "" {
		fmt.Fprintf(&b, " to=%s", m.Destination)
	}
	if m.Path != "" {
		fmt.Fprintf(&b, " path=%s", m.Path)
	}
	if m.Member != "" {
		if m.Interface != "" {
			fmt.Fprintf(&b, " member=%s.%s", m.Interface, m.Member)
		} else {
			fmt.Fprintf(&b, " member=%s", m.Member)
		}
	}
	if m.ErrorName != "" {
		fmt.Fprintf(&b, " error=%s", m.ErrorName)
	}
	if !m.Signature.IsZero() {
		fmt.Fprintf(&b, " sig=%q", m.Signature)
	}
	return b.String()
}
