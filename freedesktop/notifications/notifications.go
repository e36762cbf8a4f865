// Package notifications provides an interface to the Freedesktop
// notifications API.
//
// This corresponds to the org.freedesktop.Notifications service on
// the session bus.
package notifications

import (
	"context"
	"math"
	"time"

	dbus "github.com/danderson/dbuswire"
)

const (
	serviceName   = "org.freedesktop.Notifications"
	interfaceName = "org.freedesktop.Notifications"
	objectPath    = "/org/freedesktop/Notifications"
)

func args(ts ...dbus.Type) []dbus.Arg {
	ret := make([]dbus.Arg, len(ts))
	for i, t := range ts {
		ret[i] = dbus.Arg{Type: t}
	}
	return ret
}

var (
	u32     = dbus.Uint32Type
	str     = dbus.StringType
	strs    = dbus.ArrayOf(dbus.StringType)
	hintsTy = dbus.DictOf(dbus.StringType, dbus.VariantType)
)

// Contract is the org.freedesktop.Notifications interface, including
// the KDE inhibition extensions.
var Contract = dbus.Contract{
	Interface: interfaceName,
	Methods: []dbus.ContractMethod{
		{Name: "CloseNotification", In: args(u32)},
		{Name: "GetCapabilities", Out: args(strs)},
		{Name: "GetServerInformation", Out: args(str, str, str, str)},
		{Name: "Inhibit", In: args(str, str, hintsTy), Out: args(u32)},
		{
			Name: "Notify",
			In:   args(str, u32, str, str, str, strs, hintsTy, dbus.Int32Type),
			Out:  args(u32),
		},
		{Name: "UnInhibit", In: args(u32)},
	},
}

// Notifications is a client for the session's notification service.
type Notifications struct{ p *dbus.Proxy }

// New returns an interface to the session's notification service.
func New(conn *dbus.Conn) Notifications {
	return Interface(conn.Peer(serviceName).Object(objectPath))
}

// Interface returns a Notifications on the given object.
func Interface(obj dbus.Object) Notifications {
	return Notifications{dbus.NewProxy(obj, Contract)}
}

var (
	idArg   = dbus.Arg1(dbus.Uint32Map)
	idEvent = dbus.Arg2(dbus.Uint32Map, dbus.StringMap)
)

// CloseNotification closes the notification with the given ID.
func (n Notifications) CloseNotification(ctx context.Context, id uint32) error {
	_, err := dbus.Invoke(ctx, n.p, "CloseNotification", idArg, dbus.NoArgs, id)
	return err
}

// Capabilities supported by various DEs
//
// Actions supported by Gnome
// ==========================
// actions
// body
// body-markup
// icon-static
// persistence
// sound
//
// Actions supported by KDE
// ========================
// actions
// body
// body-hyperlinks
// body-images
// body-markup
// icon-static
// inhibitions
// inline-reply
// persistence
// x-kde-display-appname
// x-kde-origin-name
// x-kde-urls
//
// Not mentioned in standards
// ==========================
// inhibitions
// inline-reply
//
// In standard but nobody implements?
// ==================================
// action-icons
// icon-multi

// Capabilities enumerates the optional capabilities of a notification
// service.
type Capabilities struct {
	// Actions reports whether notifications can have actions attached
	// to them. Actions trigger a signal back to the notification's
	// sender when interacted with.
	Actions bool
	// ActionIcons reports notification actions can use icons to
	// describe actions instead of text.
	ActionIcons bool
	// Body reports whether notifications can have a body, in addition
	// to a short title.
	//
	// Most notification services support bodies, but clients should
	// not assume that all do.
	Body bool
	// BodyLinks reports whether notification bodies can include
	// hyperlinks.
	BodyLinks bool
	// BodyImages reports whether notification bodies can include
	// images.
	BodyImages bool
	// BodyMarkup reports whether notification bodies can contain
	// notification markup, a small subset of HTML.
	BodyMarkup bool
	// Icon reports whether notifications can have an icon.
	Icon bool
	// IconAnimation reports whether the notification icon can be
	// multiple frames of animation, or just a single static frame.
	IconAnimation bool
	// Persistence reports whether notifications can be
	// persistent. Persistent notifications remain on screen until
	// explicitly dismissed by the user.
	Persistence bool
	// Sound reports whether notifications can play a sound.
	Sound bool

	// Inhibitions reports whether the notification service supports
	// the Inhibit call, for controlled suppression of notifications.
	//
	// Inhibitions is a KDE-only extension to the notifications API.
	Inhibitions bool
	// InlineReply reports whether notifications can prompt for text
	// reply within the notification.
	//
	// InlineReply is a KDE-only extension to the notifications API.
	InlineReply bool
	// ContextURLs reports whether notifications can include URL
	// hints, to enrich the notification's interaction options. For
	// example, a file:// URL adds a context menu to interact with the
	// file, whereas https:// URLs show a site preview.
	//
	// ContextURLs is a KDE-only extension to the notifications API.
	ContextURLs bool
	// DisplayAppName reports whether notifications can show a pretty
	// name for the sending application.
	//
	// DisplayAppName is a KDE-only extension to the notifications API.
	DisplayAppName bool
	// DisplayOriginName reports whether notifications can show an
	// additional "origin" for notification, e.g. a website domain or
	// a message's sender in chat apps.
	//
	// DisplayOriginName is a KDE-only extension to the notifications
	// API.
	DisplayOriginName bool

	// Unknown collects the capability strings that aren't known to
	// this package.
	Unknown []string
}

// Capabilities reports the capabilities of the notification service.
func (n Notifications) Capabilities(ctx context.Context) (caps Capabilities, err error) {
	cs, err := dbus.Invoke(ctx, n.p, "GetCapabilities", dbus.NoArgs, dbus.Arg1(dbus.StringsMap), struct{}{})
	if err != nil {
		return Capabilities{}, err
	}
	for _, c := range cs {
		switch c {
		case "actions":
			caps.Actions = true
		case "action-icons":
			caps.ActionIcons = true
		case "body":
			caps.Body = true
		case "body-hyperlinks":
			caps.BodyLinks = true
		case "body-images":
			caps.BodyImages = true
		case "body-markup":
			caps.BodyMarkup = true
		case "icon-static":
			caps.Icon = true
		case "icon-multi":
			caps.Icon = true
			caps.IconAnimation = true
		case "persistence":
			caps.Persistence = true
		case "sound":
			caps.Sound = true

		case "inhibitions":
			caps.Inhibitions = true
		case "inline-reply":
			caps.InlineReply = true
		case "x-kde-display-appname":
			caps.DisplayAppName = true
		case "x-kde-origin-name":
			caps.DisplayOriginName = true
		case "x-kde-urls":
			caps.ContextURLs = true

		default:
			caps.Unknown = append(caps.Unknown, c)
		}
	}
	return caps, nil
}

// ServerInformation describes a notification service.
type ServerInformation struct {
	Name        string
	Vendor      string
	Version     string
	SpecVersion string
}

// ServerInformation returns information about the notification
// service.
func (n Notifications) ServerInformation(ctx context.Context) (ServerInformation, error) {
	vals, err := n.p.Call(ctx, "GetServerInformation")
	if err != nil {
		return ServerInformation{}, err
	}
	var fs [4]string
	for i := range fs {
		if fs[i], err = dbus.StringMap.From(vals[i]); err != nil {
			return ServerInformation{}, err
		}
	}
	return ServerInformation{fs[0], fs[1], fs[2], fs[3]}, nil
}

// Inhibit suppresses notifications until the returned cancellation
// function is called.
//
// Inhibit is a KDE-only extension to the notifications API, see
// [Capabilities.Inhibitions].
func (n Notifications) Inhibit(ctx context.Context, desktopEntry string, reason string, hints map[string]dbus.Value) (cancel func(context.Context) error, err error) {
	in := dbus.Arg3(dbus.StringMap, dbus.StringMap, dbus.PropertiesMap)
	cookie, err := dbus.Invoke(ctx, n.p, "Inhibit", in, idArg, dbus.Triple[string, string, map[string]dbus.Value]{A: desktopEntry, B: reason, C: hints})
	if err != nil {
		return nil, err
	}
	cancel = func(ctx context.Context) error {
		_, err := dbus.Invoke(ctx, n.p, "UnInhibit", idArg, dbus.NoArgs, cookie)
		return err
	}
	return cancel, nil
}

// Notification is a notification to display.
type Notification struct {
	// AppName is the name of the sending application.
	AppName string
	// ReplacesID, if non-zero, is the ID of a previous notification
	// that this one replaces.
	ReplacesID uint32
	// AppIcon is the name or file:// URL of an icon.
	AppIcon string
	// Summary is a single line overview of the notification.
	Summary string
	// Body is the notification's detailed text.
	Body string
	// Actions are pairs of action keys and their human-readable
	// labels, flattened into a single list.
	Actions []string
	// Hints are extra parameters for the notification service.
	Hints map[string]dbus.Value
	// Timeout is how long the notification stays on screen. Zero
	// means the service's default, and a negative value means
	// forever.
	Timeout time.Duration
}

// Notify displays a notification, and returns its ID.
func (n Notifications) Notify(ctx context.Context, notif Notification) (uint32, error) {
	var timeout int32
	switch {
	case notif.Timeout == 0:
		timeout = -1
	case notif.Timeout > 0:
		timeout = int32(min(notif.Timeout.Milliseconds(), math.MaxInt32))
	}
	hints := notif.Hints
	if hints == nil {
		hints = map[string]dbus.Value{}
	}
	vals, err := n.p.Call(ctx, "Notify",
		dbus.String(notif.AppName),
		dbus.Uint32(notif.ReplacesID),
		dbus.String(notif.AppIcon),
		dbus.String(notif.Summary),
		dbus.String(notif.Body),
		dbus.StringsMap.To(notif.Actions),
		dbus.PropertiesMap.To(hints),
		dbus.Int32(timeout))
	if err != nil {
		return 0, err
	}
	return dbus.Uint32Map.From(vals[0])
}

// Inhibited reports whether notifications are currently suppressed.
func (n Notifications) Inhibited(ctx context.Context) (bool, error) {
	return dbus.GetProperty(ctx, n.p.Interface(), "Inhibited", dbus.BoolMap)
}

// ActionInvoked is sent when the user activates an action on a
// notification.
type ActionInvoked struct {
	ID        uint32
	ActionKey string
}

// WatchActionInvoked calls fn for every ActionInvoked signal, until
// the returned subscription is closed.
func (n Notifications) WatchActionInvoked(ctx context.Context, fn func(ActionInvoked)) (*dbus.Subscription, error) {
	return dbus.WatchSignal(ctx, n.p.Interface(), "ActionInvoked", idEvent, func(p dbus.Pair[uint32, string]) {
		fn(ActionInvoked{p.A, p.B})
	})
}

// ActivationToken is sent before ActionInvoked, with a token the
// notification's sender can use to raise its windows.
type ActivationToken struct {
	ID              uint32
	ActivationToken string
}

// WatchActivationToken calls fn for every ActivationToken signal,
// until the returned subscription is closed.
func (n Notifications) WatchActivationToken(ctx context.Context, fn func(ActivationToken)) (*dbus.Subscription, error) {
	return dbus.WatchSignal(ctx, n.p.Interface(), "ActivationToken", idEvent, func(p dbus.Pair[uint32, string]) {
		fn(ActivationToken{p.A, p.B})
	})
}

// CloseReason is the reason a notification was closed.
type CloseReason uint32

const (
	CloseExpired   CloseReason = 1
	CloseDismissed CloseReason = 2
	CloseCalled    CloseReason = 3
	CloseUndefined CloseReason = 4
)

func (r CloseReason) String() string {
	switch r {
	case CloseExpired:
		return "expired"
	case CloseDismissed:
		return "dismissed"
	case CloseCalled:
		return "closed by CloseNotification"
	default:
		return "undefined"
	}
}

// NotificationClosed is sent when a notification is closed.
type NotificationClosed struct {
	ID     uint32
	Reason CloseReason
}

// WatchNotificationClosed calls fn for every NotificationClosed
// signal, until the returned subscription is closed.
func (n Notifications) WatchNotificationClosed(ctx context.Context, fn func(NotificationClosed)) (*dbus.Subscription, error) {
	return dbus.WatchSignal(ctx, n.p.Interface(), "NotificationClosed", dbus.Arg2(dbus.Uint32Map, dbus.Uint32Map), func(p dbus.Pair[uint32, uint32]) {
		fn(NotificationClosed{p.A, CloseReason(p.B)})
	})
}

// NotificationReplied is sent when the user replies inline to a
// notification.
//
// NotificationReplied is a KDE-only extension to the notifications
// API, see [Capabilities.InlineReply].
type NotificationReplied struct {
	ID   uint32
	Text string
}

// WatchNotificationReplied calls fn for every NotificationReplied
// signal, until the returned subscription is closed.
func (n Notifications) WatchNotificationReplied(ctx context.Context, fn func(NotificationReplied)) (*dbus.Subscription, error) {
	return dbus.WatchSignal(ctx, n.p.Interface(), "NotificationReplied", idEvent, func(p dbus.Pair[uint32, string]) {
		fn(NotificationReplied{p.A, p.B})
	})
}
