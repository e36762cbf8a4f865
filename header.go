package dbus

import (
	"fmt"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	MessageCall MessageType = iota + 1
	MessageReturn
	MessageError
	MessageSignal
)

func (t MessageType) String() string {
	switch t {
	case MessageCall:
		return "call"
	case MessageReturn:
		return "return"
	case MessageError:
		return "error"
	case MessageSignal:
		return "signal"
	default:
		return fmt.Sprintf("type%d", byte(t))
	}
}

// Flags are the flags of a DBus message.
type Flags byte

const (
	// FlagNoReplyExpected marks a method call whose caller does not
	// want a reply.
	FlagNoReplyExpected Flags = 0x1
	// FlagNoAutoStart asks the bus not to launch the destination
	// service to handle the message.
	FlagNoAutoStart Flags = 0x2
	// FlagAllowInteractiveAuth indicates that the caller is prepared
	// to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuth Flags = 0x4
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

const protocolVersion = 1

// headerFieldsType is the type of the header field array, a(yv).
var headerFieldsType = ArrayOf(StructOf(ByteType, VariantType))

// Valid checks that the message header is valid for its message type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	if m.Path != "" {
		if err := m.Path.Valid(); err != nil {
			return err
		}
	}
	switch m.Type {
	case 0:
		return fmt.Errorf("invalid message with Type 0")
	case MessageCall:
		if m.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if m.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	case MessageReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case MessageError:
		if m.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if m.ErrorName == "" {
			return fmt.Errorf("missing required header field ErrorName")
		}
	case MessageSignal:
		if m.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if m.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if m.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the protocol requires
		// us to gracefully allow them.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == MessageCall && m.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt, if the sender lacks
// the necessary privileges for the message, and the bus or
// destination wish to trigger an interactive prompt.
func (m *Message) CanInteract() bool {
	return m.Type == MessageCall && m.Flags&FlagAllowInteractiveAuth != 0
}
