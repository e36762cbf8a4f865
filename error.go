package dbus

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/danderson/dbuswire/transport"
)

// TypeError is the error returned when a value cannot be converted
// between Go and DBus types.
type TypeError struct {
	// Type is the DBus type that was expected.
	Type string
	// Reason is an explanation of what went wrong.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("cannot convert to or from DBus type %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Standard DBus error names.
const (
	ErrNameFailed            = "org.freedesktop.DBus.Error.Failed"
	ErrNameServiceUnknown    = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameNameHasNoOwner    = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrNameNoReply           = "org.freedesktop.DBus.Error.NoReply"
	ErrNameUnknownObject     = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface  = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownProperty   = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNamePropertyReadOnly  = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameMatchRuleInvalid  = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrNameMatchRuleNotFound = "org.freedesktop.DBus.Error.MatchRuleNotFound"
	ErrNameAccessDenied      = "org.freedesktop.DBus.Error.AccessDenied"
)

// IsServiceUnknown reports whether err is a CallError saying that the
// destination of a call does not exist on the bus.
func IsServiceUnknown(err error) bool {
	var ce CallError
	return errors.As(err, &ce) && ce.Name == ErrNameServiceUnknown
}

// AuthError is the error returned when the bus rejects the
// connection's authentication.
type AuthError = transport.AuthError

// ErrClosed is the error returned by operations on a closed
// connection, and by calls that were pending when it closed.
var ErrClosed = net.ErrClosed

type timeoutError struct{}

func (timeoutError) Error() string   { return "dbus call timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (timeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// ErrTimeout is the error returned by calls that received no reply
// before their deadline. It matches [context.DeadlineExceeded] with
// [errors.Is].
var ErrTimeout error = timeoutError{}

// ErrConflict is the error wrapped by [ConflictError].
var ErrConflict = errors.New("already exported")

// ConflictError is the error returned when exporting an interface at
// a path where that interface is already exported.
type ConflictError struct {
	Path      ObjectPath
	Interface string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("interface %s at %s: %v", e.Interface, e.Path, ErrConflict)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
