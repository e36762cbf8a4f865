package dbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Bus is the message bus's own interface, through which clients
// manage bus names and signal subscriptions.
type Bus struct {
	Interface
}

// Bus returns the bus's own interface.
func (c *Conn) Bus() Bus {
	return Bus{c.Peer(busName).Object(busPath).Interface(ifaceBus)}
}

// NameRequestFlags are the options for [Bus.RequestName].
type NameRequestFlags uint32

const (
	// NameRequestAllowReplacement lets a later request that sets
	// NameRequestReplace take over the name.
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	// NameRequestReplace tries to take the name from its current
	// owner, if that owner allowed replacement.
	NameRequestReplace
	// NameRequestNoQueue fails the request rather than queueing for
	// the name.
	NameRequestNoQueue
)

// RequestNameReply is the outcome of [Bus.RequestName].
type RequestNameReply uint32

const (
	// RequestNamePrimaryOwner means the caller now owns the name.
	RequestNamePrimaryOwner RequestNameReply = 1
	// RequestNameInQueue means the name has another owner, and the
	// caller is queued to receive it.
	RequestNameInQueue RequestNameReply = 2
	// RequestNameExists means the name has another owner, and the
	// caller did not queue for it.
	RequestNameExists RequestNameReply = 3
	// RequestNameAlreadyOwner means the caller already owned the
	// name.
	RequestNameAlreadyOwner RequestNameReply = 4
)

func (r RequestNameReply) String() string {
	switch r {
	case RequestNamePrimaryOwner:
		return "primary owner"
	case RequestNameInQueue:
		return "in queue"
	case RequestNameExists:
		return "exists"
	case RequestNameAlreadyOwner:
		return "already owner"
	default:
		return fmt.Sprintf("RequestNameReply(%d)", uint32(r))
	}
}

// IsOwner reports whether the caller owns the name.
func (r RequestNameReply) IsOwner() bool {
	return r == RequestNamePrimaryOwner || r == RequestNameAlreadyOwner
}

// ReleaseNameReply is the outcome of [Bus.ReleaseName].
type ReleaseNameReply uint32

const (
	// ReleaseNameReleased means the caller released the name, or
	// left its queue.
	ReleaseNameReleased ReleaseNameReply = 1
	// ReleaseNameNonExistent means nobody owns the name.
	ReleaseNameNonExistent ReleaseNameReply = 2
	// ReleaseNameNotOwner means the caller neither owns nor is
	// queued for the name.
	ReleaseNameNotOwner ReleaseNameReply = 3
)

func (r ReleaseNameReply) String() string {
	switch r {
	case ReleaseNameReleased:
		return "released"
	case ReleaseNameNonExistent:
		return "non-existent"
	case ReleaseNameNotOwner:
		return "not owner"
	default:
		return fmt.Sprintf("ReleaseNameReply(%d)", uint32(r))
	}
}

var (
	nameArg  = Arg1(StringMap)
	namesArg = Arg1(StringsMap)
)

// Hello registers the connection with the bus, and returns its unique
// name. [Dial] calls Hello, and the bus rejects later calls.
func (b Bus) Hello(ctx context.Context) (string, error) {
	name, err := Call(ctx, b.Interface, "Hello", NoArgs, nameArg, struct{}{})
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(name, ":") || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("bus assigned invalid unique name %q", name)
	}
	return name, nil
}

// RequestName asks the bus to assign name to this connection.
func (b Bus) RequestName(ctx context.Context, name string, flags NameRequestFlags) (RequestNameReply, error) {
	in := Arg2(StringMap, Uint32Map)
	resp, err := Call(ctx, b.Interface, "RequestName", in, Arg1(Uint32Map), Pair[string, uint32]{name, uint32(flags)})
	if err != nil {
		return 0, err
	}
	ret := RequestNameReply(resp)
	if ret < RequestNamePrimaryOwner || ret > RequestNameAlreadyOwner {
		return 0, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
	return ret, nil
}

// ReleaseName gives up ownership of name, or leaves its queue.
func (b Bus) ReleaseName(ctx context.Context, name string) (ReleaseNameReply, error) {
	resp, err := Call(ctx, b.Interface, "ReleaseName", nameArg, Arg1(Uint32Map), name)
	if err != nil {
		return 0, err
	}
	ret := ReleaseNameReply(resp)
	if ret < ReleaseNameReleased || ret > ReleaseNameNotOwner {
		return 0, fmt.Errorf("unknown response code %d to ReleaseName", resp)
	}
	return ret, nil
}

// ListNames returns the names currently owned on the bus.
func (b Bus) ListNames(ctx context.Context) ([]string, error) {
	return Call(ctx, b.Interface, "ListNames", NoArgs, namesArg, struct{}{})
}

// ListActivatableNames returns the names the bus can start services
// for.
func (b Bus) ListActivatableNames(ctx context.Context) ([]string, error) {
	return Call(ctx, b.Interface, "ListActivatableNames", NoArgs, namesArg, struct{}{})
}

// ListQueuedOwners returns the unique names of the owner of name and
// of the connections queued for it, owner first.
func (b Bus) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	return Call(ctx, b.Interface, "ListQueuedOwners", nameArg, namesArg, name)
}

// NameHasOwner reports whether name currently has an owner.
func (b Bus) NameHasOwner(ctx context.Context, name string) (bool, error) {
	return Call(ctx, b.Interface, "NameHasOwner", nameArg, Arg1(BoolMap), name)
}

// GetNameOwner returns the unique name of the owner of name.
func (b Bus) GetNameOwner(ctx context.Context, name string) (string, error) {
	return Call(ctx, b.Interface, "GetNameOwner", nameArg, nameArg, name)
}

// GetConnectionUnixUser returns the uid of the process that owns
// name.
func (b Bus) GetConnectionUnixUser(ctx context.Context, name string) (uint32, error) {
	return Call(ctx, b.Interface, "GetConnectionUnixUser", nameArg, Arg1(Uint32Map), name)
}

// GetConnectionUnixProcessID returns the pid of the process that owns
// name.
func (b Bus) GetConnectionUnixProcessID(ctx context.Context, name string) (uint32, error) {
	return Call(ctx, b.Interface, "GetConnectionUnixProcessID", nameArg, Arg1(Uint32Map), name)
}

// GetID returns the bus's unique ID.
func (b Bus) GetID(ctx context.Context) (string, error) {
	return Call(ctx, b.Interface, "GetId", NoArgs, nameArg, struct{}{})
}

// AddMatch asks the bus to forward signals matching rule to this
// connection. Most callers should use [Conn.Subscribe] instead.
func (b Bus) AddMatch(ctx context.Context, rule MatchRule) error {
	_, err := Call(ctx, b.Interface, "AddMatch", nameArg, NoArgs, rule.String())
	return err
}

// RemoveMatch removes a rule added with AddMatch.
func (b Bus) RemoveMatch(ctx context.Context, rule MatchRule) error {
	_, err := Call(ctx, b.Interface, "RemoveMatch", nameArg, NoArgs, rule.String())
	return err
}

// NameOwnerChanged is the body of the bus's NameOwnerChanged signal.
type NameOwnerChanged struct {
	Name     string
	OldOwner string
	NewOwner string
}

var nameOwnerChangedArgs = Arg3(StringMap, StringMap, StringMap)

// ParseNameOwnerChanged decodes a NameOwnerChanged signal.
func ParseNameOwnerChanged(msg *Message) (NameOwnerChanged, error) {
	if msg.Interface != ifaceBus || msg.Member != "NameOwnerChanged" {
		return NameOwnerChanged{}, errors.New("not a NameOwnerChanged signal")
	}
	vals, err := msg.Values()
	if err != nil {
		return NameOwnerChanged{}, err
	}
	t, err := nameOwnerChangedArgs.From(vals)
	if err != nil {
		return NameOwnerChanged{}, err
	}
	return NameOwnerChanged{t.A, t.B, t.C}, nil
}

// NameOwnerChangedRule is the rule matching the bus's
// NameOwnerChanged signals.
var NameOwnerChangedRule = MatchRule{
	Sender:    busName,
	Path:      busPath,
	Interface: ifaceBus,
	Member:    "NameOwnerChanged",
}

// Not implemented:
//  - StartServiceByName, deprecated in favor of auto-start.
//  - UpdateActivationEnvironment, so locked down you can't really do
//    much with it any more.
//  - GetAdtAuditSessionData and GetConnectionSELinuxSecurityContext,
//    platform specific and deprecated.
