// Package dbustest provides message buses for tests: an in-process
// bus that needs no external programs, and a launcher for an isolated
// dbus-daemon.
package dbustest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mapset"
	dbus "github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/transport"
	"github.com/rs/zerolog"
)

const (
	busName   = "org.freedesktop.DBus"
	busPath   = dbus.ObjectPath("/org/freedesktop/DBus")
	ifaceBus  = "org.freedesktop.DBus"
	ifacePeer = "org.freedesktop.DBus.Peer"

	authTimeout = 10 * time.Second
)

// Bus is an in-process message bus for tests.
//
// Bus implements the parts of the bus protocol that clients rely on:
// unique and well-known name ownership with queueing, routing of
// method calls and replies, and signal delivery by match rule. It
// enforces no security policy and cannot activate services.
type Bus struct {
	sock string
	guid string
	ln   *net.UnixListener
	log  zerolog.Logger
	wg   sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	serial  uint32
	nextID  int
	conns   mapset.Set[*client]
	clients map[string]*client
	// queues maps well-known names to their claimants, current owner
	// first.
	queues map[string][]*claim
}

type client struct {
	t    *transport.Unix
	uid  uint32
	pid  uint32
	name string

	// matches is guarded by Bus.mu.
	matches []dbus.MatchRule

	wmu sync.Mutex
}

type claim struct {
	c     *client
	flags dbus.NameRequestFlags
}

type delivery struct {
	to  *client
	msg *dbus.Message
}

// New starts an in-process bus dedicated to the calling test. The bus
// shuts down when the test completes.
func New(t testing.TB) *Bus {
	t.Helper()
	// Unix socket paths are short, t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "dbustest")
	if err != nil {
		t.Fatalf("creating bus socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "bus.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sock, Net: "unix"})
	if err != nil {
		t.Fatalf("listening on bus socket: %v", err)
	}
	var guid [16]byte
	rand.Read(guid[:])

	ret := &Bus{
		sock:    sock,
		guid:    hex.EncodeToString(guid[:]),
		ln:      ln,
		log:     zerolog.New(zerolog.NewTestWriter(t)).With().Str("component", "dbustest").Logger(),
		conns:   mapset.New[*client](),
		clients: map[string]*client{},
		queues:  map[string][]*claim{},
	}
	ret.wg.Add(1)
	go ret.accept()
	t.Cleanup(ret.Close)
	return ret
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string { return b.sock }

// Address returns the bus's address, in the form used by DBus
// environment variables.
func (b *Bus) Address() string { return "unix:path=" + b.sock }

// GUID returns the bus's server GUID.
func (b *Bus) GUID() string { return b.guid }

// MustConn returns a connection to the bus. It causes an immediate
// test failure with t.Fatal if it is unable to connect. The
// connection is closed when the test completes.
func (b *Bus) MustConn(t testing.TB) *dbus.Conn {
	t.Helper()
	return mustConn(t, b.Address())
}

// Close disconnects all clients and shuts down the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := b.conns.Slice()
	b.mu.Unlock()

	b.ln.Close()
	for _, c := range conns {
		c.t.Close()
	}
	b.wg.Wait()
}

func (b *Bus) accept() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.AcceptUnix()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		b.wg.Add(1)
		go b.serve(conn)
	}
}

func (b *Bus) serve(conn *net.UnixConn) {
	defer b.wg.Done()
	c := &client{t: transport.NewUnix(conn)}
	defer c.t.Close()

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	uid, err := c.t.AcceptAuth(ctx, b.guid)
	cancel()
	if err != nil {
		b.log.Warn().Err(err).Msg("client authentication failed")
		return
	}
	c.uid = uid
	if creds, err := c.t.PeerCredentials(); err == nil {
		c.pid = uint32(creds.PID)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.conns.Add(c)
	b.mu.Unlock()
	defer b.disconnect(c)

	for {
		msg, err := dbus.ReadMessage(c.t)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				b.log.Warn().Err(err).Str("client", c.name).Msg("reading from client failed")
			}
			return
		}
		b.deliver(b.route(c, msg))
	}
}

func (b *Bus) deliver(ds []delivery) {
	for _, d := range ds {
		if err := d.to.write(d.msg); err != nil {
			b.log.Debug().Err(err).Stringer("msg", d.msg).Msg("delivery failed")
		}
	}
}

func (c *client) write(msg *dbus.Message) error {
	bs, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.t.Write(bs)
	return err
}

// route returns the deliveries resulting from msg, sent by c.
func (b *Bus) route(c *client, msg *dbus.Message) []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.name == "" && !(msg.Type == dbus.MessageCall && msg.Destination == busName && msg.Member == "Hello") {
		b.log.Warn().Stringer("msg", msg).Msg("client sent message before Hello, disconnecting")
		c.t.Close()
		return nil
	}
	msg.Sender = c.name

	if msg.Destination == busName {
		if msg.Type != dbus.MessageCall {
			return nil
		}
		return b.busCall(c, msg)
	}

	if msg.Type == dbus.MessageSignal && msg.Destination == "" {
		return b.broadcast(msg)
	}

	dest := b.resolve(msg.Destination)
	if dest == nil {
		if msg.WantReply() {
			return b.errorReply(c, msg, dbus.ErrNameServiceUnknown, fmt.Sprintf("The name %s was not provided by any .service files", msg.Destination))
		}
		return nil
	}
	return []delivery{{dest, msg}}
}

// resolve returns the client that owns name, or nil.
func (b *Bus) resolve(name string) *client {
	if strings.HasPrefix(name, ":") {
		return b.clients[name]
	}
	if q := b.queues[name]; len(q) > 0 {
		return q[0].c
	}
	return nil
}

func (b *Bus) sortedClients() []*client {
	ret := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		ret = append(ret, c)
	}
	slices.SortFunc(ret, func(a, b *client) int { return strings.Compare(a.name, b.name) })
	return ret
}

func (b *Bus) nextSerial() uint32 {
	b.serial++
	if b.serial == 0 {
		b.serial = 1
	}
	return b.serial
}

func (b *Bus) reply(c *client, msg *dbus.Message, vals ...dbus.Value) []delivery {
	if !msg.WantReply() {
		return nil
	}
	ret := msg.Reply()
	ret.Serial = b.nextSerial()
	ret.Sender = busName
	if err := ret.SetBody(vals...); err != nil {
		return b.errorReply(c, msg, dbus.ErrNameFailed, err.Error())
	}
	return []delivery{{c, ret}}
}

func (b *Bus) errorReply(c *client, msg *dbus.Message, name, detail string) []delivery {
	if !msg.WantReply() {
		return nil
	}
	ret := msg.ErrorReply(name, detail)
	ret.Serial = b.nextSerial()
	ret.Sender = busName
	return []delivery{{c, ret}}
}

// signal returns the deliveries of a bus signal. A nil to broadcasts
// the signal to matching clients.
func (b *Bus) signal(to *client, member string, vals ...dbus.Value) []delivery {
	msg := &dbus.Message{
		Type:      dbus.MessageSignal,
		Serial:    b.nextSerial(),
		Path:      busPath,
		Interface: ifaceBus,
		Member:    member,
		Sender:    busName,
	}
	if err := msg.SetBody(vals...); err != nil {
		b.log.Error().Err(err).Str("signal", member).Msg("encoding bus signal")
		return nil
	}
	if to != nil {
		msg.Destination = to.name
		return []delivery{{to, msg}}
	}
	return b.broadcast(msg)
}

// broadcast returns the deliveries of msg to every client with a
// matching rule.
func (b *Bus) broadcast(msg *dbus.Message) []delivery {
	var ret []delivery
	for _, o := range b.sortedClients() {
		if slices.ContainsFunc(o.matches, func(r dbus.MatchRule) bool { return r.Matches(msg) }) {
			ret = append(ret, delivery{o, msg})
		}
	}
	return ret
}

func (b *Bus) ownerChanged(name, oldOwner, newOwner string) []delivery {
	return b.signal(nil, "NameOwnerChanged", dbus.String(name), dbus.String(oldOwner), dbus.String(newOwner))
}

var (
	nameArg     = dbus.Arg1(dbus.StringMap)
	requestArgs = dbus.Arg2(dbus.StringMap, dbus.Uint32Map)
)

func (b *Bus) busCall(c *client, msg *dbus.Message) []delivery {
	if msg.Interface == ifacePeer {
		switch msg.Member {
		case "Ping":
			return b.reply(c, msg)
		case "GetMachineId":
			return b.reply(c, msg, dbus.String(b.guid))
		}
		return b.errorReply(c, msg, dbus.ErrNameUnknownMethod, fmt.Sprintf("unknown method %s.%s", msg.Interface, msg.Member))
	}
	if msg.Interface != "" && msg.Interface != ifaceBus {
		return b.errorReply(c, msg, dbus.ErrNameUnknownInterface, fmt.Sprintf("unknown interface %s", msg.Interface))
	}

	vals, err := msg.Values()
	if err != nil {
		return b.errorReply(c, msg, dbus.ErrNameInvalidArgs, err.Error())
	}
	invalid := func(err error) []delivery {
		return b.errorReply(c, msg, dbus.ErrNameInvalidArgs, err.Error())
	}

	switch msg.Member {
	case "Hello":
		if c.name != "" {
			return b.errorReply(c, msg, dbus.ErrNameFailed, "Already handled an Hello message")
		}
		b.nextID++
		c.name = fmt.Sprintf(":1.%d", b.nextID)
		b.clients[c.name] = c
		msg.Sender = c.name
		ret := b.reply(c, msg, dbus.String(c.name))
		ret = append(ret, b.signal(c, "NameAcquired", dbus.String(c.name))...)
		return append(ret, b.ownerChanged(c.name, "", c.name)...)
	case "RequestName":
		args, err := requestArgs.From(vals)
		if err != nil {
			return invalid(err)
		}
		return b.requestName(c, msg, args.A, dbus.NameRequestFlags(args.B))
	case "ReleaseName":
		name, err := nameArg.From(vals)
		if err != nil {
			return invalid(err)
		}
		return b.releaseName(c, msg, name)
	case "ListNames":
		names := []string{busName}
		for name := range b.clients {
			names = append(names, name)
		}
		for name := range b.queues {
			names = append(names, name)
		}
		slices.Sort(names)
		return b.reply(c, msg, dbus.StringsMap.To(names))
	case "ListActivatableNames":
		return b.reply(c, msg, dbus.StringsMap.To([]string{busName}))
	case "NameHasOwner":
		name, err := nameArg.From(vals)
		if err != nil {
			return invalid(err)
		}
		return b.reply(c, msg, dbus.Bool(name == busName || b.resolve(name) != nil))
	case "GetNameOwner":
		name, err := nameArg.From(vals)
		if err != nil {
			return invalid(err)
		}
		if name == busName {
			return b.reply(c, msg, dbus.String(busName))
		}
		o := b.resolve(name)
		if o == nil {
			return b.errorReply(c, msg, dbus.ErrNameNameHasNoOwner, fmt.Sprintf("Could not get owner of name '%s': no such name", name))
		}
		return b.reply(c, msg, dbus.String(o.name))
	case "ListQueuedOwners":
		name, err := nameArg.From(vals)
		if err != nil {
			return invalid(err)
		}
		var owners []string
		if strings.HasPrefix(name, ":") {
			if o := b.clients[name]; o != nil {
				owners = []string{o.name}
			}
		} else {
			for _, cl := range b.queues[name] {
				owners = append(owners, cl.c.name)
			}
		}
		if len(owners) == 0 {
			return b.errorReply(c, msg, dbus.ErrNameNameHasNoOwner, fmt.Sprintf("Could not get owners of name '%s': no such name", name))
		}
		return b.reply(c, msg, dbus.StringsMap.To(owners))
	case "GetConnectionUnixUser", "GetConnectionUnixProcessID":
		name, err := nameArg.From(vals)
		if err != nil {
			return invalid(err)
		}
		o := b.resolve(name)
		if o == nil {
			return b.errorReply(c, msg, dbus.ErrNameNameHasNoOwner, fmt.Sprintf("Could not get credentials of name '%s': no such name", name))
		}
		if msg.Member == "GetConnectionUnixUser" {
			return b.reply(c, msg, dbus.Uint32(o.uid))
		}
		return b.reply(c, msg, dbus.Uint32(o.pid))
	case "GetId":
		return b.reply(c, msg, dbus.String(b.guid))
	case "AddMatch":
		s, err := nameArg.From(vals)
		if err != nil {
			return invalid(err)
		}
		rule, err := dbus.ParseMatchRule(s)
		if err != nil {
			return b.errorReply(c, msg, dbus.ErrNameMatchRuleInvalid, err.Error())
		}
		c.matches = append(c.matches, rule)
		return b.reply(c, msg)
	case "RemoveMatch":
		s, err := nameArg.From(vals)
		if err != nil {
			return invalid(err)
		}
		rule, err := dbus.ParseMatchRule(s)
		if err != nil {
			return b.errorReply(c, msg, dbus.ErrNameMatchRuleInvalid, err.Error())
		}
		i := slices.Index(c.matches, rule)
		if i < 0 {
			return b.errorReply(c, msg, dbus.ErrNameMatchRuleNotFound, "The given match rule wasn't found and can't be removed")
		}
		c.matches = slices.Delete(c.matches, i, i+1)
		return b.reply(c, msg)
	}
	return b.errorReply(c, msg, dbus.ErrNameUnknownMethod, fmt.Sprintf("unknown method %s.%s", ifaceBus, msg.Member))
}

func validWellKnownName(name string) error {
	switch {
	case name == "":
		return errors.New("empty bus name")
	case strings.HasPrefix(name, ":"):
		return fmt.Errorf("cannot acquire unique name %q", name)
	case name == busName:
		return fmt.Errorf("cannot acquire the bus's own name")
	case !strings.Contains(name, ".") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") || strings.Contains(name, ".."):
		return fmt.Errorf("invalid bus name %q", name)
	case len(name) > 255:
		return fmt.Errorf("bus name %q too long", name)
	}
	return nil
}

func (b *Bus) requestName(c *client, msg *dbus.Message, name string, flags dbus.NameRequestFlags) []delivery {
	if err := validWellKnownName(name); err != nil {
		return b.errorReply(c, msg, dbus.ErrNameInvalidArgs, err.Error())
	}

	q := b.queues[name]
	idx := slices.IndexFunc(q, func(cl *claim) bool { return cl.c == c })
	switch {
	case len(q) == 0:
		b.queues[name] = []*claim{{c, flags}}
		ret := b.reply(c, msg, dbus.Uint32(dbus.RequestNamePrimaryOwner))
		ret = append(ret, b.signal(c, "NameAcquired", dbus.String(name))...)
		return append(ret, b.ownerChanged(name, "", c.name)...)
	case idx == 0:
		q[0].flags = flags
		return b.reply(c, msg, dbus.Uint32(dbus.RequestNameAlreadyOwner))
	case flags&dbus.NameRequestReplace != 0 && q[0].flags&dbus.NameRequestAllowReplacement != 0:
		old := q[0]
		if idx > 0 {
			q = slices.Delete(q, idx, idx+1)
		}
		rest := q[1:]
		nq := []*claim{{c, flags}}
		if old.flags&dbus.NameRequestNoQueue == 0 {
			nq = append(nq, old)
		}
		b.queues[name] = append(nq, rest...)
		ret := b.reply(c, msg, dbus.Uint32(dbus.RequestNamePrimaryOwner))
		ret = append(ret, b.signal(old.c, "NameLost", dbus.String(name))...)
		ret = append(ret, b.signal(c, "NameAcquired", dbus.String(name))...)
		return append(ret, b.ownerChanged(name, old.c.name, c.name)...)
	case flags&dbus.NameRequestNoQueue != 0:
		if idx > 0 {
			b.queues[name] = slices.Delete(q, idx, idx+1)
		}
		return b.reply(c, msg, dbus.Uint32(dbus.RequestNameExists))
	default:
		if idx > 0 {
			q[idx].flags = flags
		} else {
			b.queues[name] = append(q, &claim{c, flags})
		}
		return b.reply(c, msg, dbus.Uint32(dbus.RequestNameInQueue))
	}
}

func (b *Bus) releaseName(c *client, msg *dbus.Message, name string) []delivery {
	if err := validWellKnownName(name); err != nil {
		return b.errorReply(c, msg, dbus.ErrNameInvalidArgs, err.Error())
	}
	q := b.queues[name]
	if len(q) == 0 {
		return b.reply(c, msg, dbus.Uint32(dbus.ReleaseNameNonExistent))
	}
	if !slices.ContainsFunc(q, func(cl *claim) bool { return cl.c == c }) {
		return b.reply(c, msg, dbus.Uint32(dbus.ReleaseNameNotOwner))
	}
	ret := b.reply(c, msg, dbus.Uint32(dbus.ReleaseNameReleased))
	return append(ret, b.dropClaim(c, name)...)
}

// dropClaim removes c from the claimants of name, passing ownership on
// if c was the owner.
func (b *Bus) dropClaim(c *client, name string) []delivery {
	q := b.queues[name]
	idx := slices.IndexFunc(q, func(cl *claim) bool { return cl.c == c })
	if idx < 0 {
		return nil
	}
	q = slices.Delete(q, idx, idx+1)
	if len(q) == 0 {
		delete(b.queues, name)
	} else {
		b.queues[name] = q
	}
	if idx != 0 {
		return nil
	}

	ret := b.signal(c, "NameLost", dbus.String(name))
	if len(q) == 0 {
		return append(ret, b.ownerChanged(name, c.name, "")...)
	}
	ret = append(ret, b.signal(q[0].c, "NameAcquired", dbus.String(name))...)
	return append(ret, b.ownerChanged(name, c.name, q[0].c.name)...)
}

func (b *Bus) disconnect(c *client) {
	b.mu.Lock()
	b.conns.Remove(c)
	var ret []delivery
	if c.name != "" {
		delete(b.clients, c.name)
		var names []string
		for name, q := range b.queues {
			if slices.ContainsFunc(q, func(cl *claim) bool { return cl.c == c }) {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		for _, name := range names {
			ret = append(ret, b.dropClaim(c, name)...)
		}
		ret = append(ret, b.ownerChanged(c.name, c.name, "")...)
	}
	b.mu.Unlock()

	// c is gone, drop the signals addressed to it.
	ret = slices.DeleteFunc(ret, func(d delivery) bool { return d.to == c })
	b.deliver(ret)
}

func mustConn(t testing.TB, addr string) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ret, err := dbus.Dial(ctx, dbus.Config{
		Address: addr,
		Logger:  zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel),
	})
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}
