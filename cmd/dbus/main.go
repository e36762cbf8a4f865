package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/slice"
	dbus "github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/freedesktop/background"
	"github.com/danderson/dbuswire/internal/dbusgen"
	"github.com/kr/pretty"
	"github.com/rs/zerolog"
)

var globalArgs struct {
	Config  string `flag:"config,Path to a TOML connection config file"`
	Bus     string `flag:"bus,Bus to connect to, session or system (overrides config)"`
	Names   string `flag:"names,Comma-separated list of bus names to claim"`
	Verbose bool   `flag:"v,Log connection debug output"`
}

func logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if globalArgs.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func loadConfig() (dbus.Config, error) {
	cfg, err := dbus.LoadConfig(globalArgs.Config, logger())
	if err != nil {
		return dbus.Config{}, err
	}
	if globalArgs.Bus != "" {
		cfg.Address = ""
		cfg.Bus = globalArgs.Bus
	}
	return cfg, nil
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	conn, err := dbus.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	if globalArgs.Names == "" {
		return conn, nil
	}

	for _, n := range strings.Split(globalArgs.Names, ",") {
		claim, err := conn.Claim(ctx, n, dbus.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}

	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list args...",
				Commands: []*command.C{
					{
						Name:  "names",
						Usage: "list names",
						Help:  "List names on the bus, with their owners and aliases.",
						Run:   command.Adapt(runListNames),
					},
					{
						Name:  "activatable",
						Usage: "list activatable",
						Help:  "List names the bus can start on demand.",
						Run:   command.Adapt(runListActivatable),
					},
					{
						Name:  "interfaces",
						Usage: "list interfaces [peer] [object] [interface]",
						Help: `List bus interfaces.

With no arguments, enumerates all discoverable interfaces on named bus
services. Unique bus names (like ":1.234") are skipped because many of
them do not expect to be sent RPCs, and do not respond correctly.

With one argument, enumerate all objects of the given peer and the
interfaces they implement.

With two arguments, enumerate all interfaces on the given peer and
object.

With three arguments, list only the exact peer, object and interface
specified.

All arguments are regular expressions. In all cases, the full API for
every interface is shown.
`,
						Run: runListInterfaces,
					},
					{
						Name:  "props",
						Usage: "list props [peer] [object] [interface] [property]",
						Help:  "List properties.",
						Run:   runListProps,
					},
				},
			},
			{
				Name:  "owner",
				Usage: "owner name",
				Help:  "Print the unique name of a bus name's owner, and its queued owners.",
				Run:   command.Adapt(runOwner),
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Get a peer's identity.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "introspect",
				Usage: "introspect peer [object]",
				Help:  "Print an object's introspection data.",
				Run:   runIntrospect,
			},
			{
				Name:  "call",
				Usage: "call peer object interface.method [type:value...]",
				Help: `Call a method and print the reply.

Arguments are written as a DBus type code and a value, for example
s:hello, u:42, b:true or o:/org/example. Only basic types are
supported.`,
				Run: runCall,
			},
			{
				Name:  "listen",
				Usage: "listen rule...",
				Help: `Listen to bus signals.

Each rule is a match rule naming the exact sender, path, interface and
member of the signals to receive, for example:

  type='signal',sender='org.freedesktop.DBus',path='/org/freedesktop/DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged'`,
				Run: runListen,
			},
			{
				Name:  "features",
				Usage: "features",
				Help:  "List the message bus's feature flags.",
				Run:   command.Adapt(runFeatures),
			},
			{
				Name:  "config",
				Usage: "config",
				Help:  "Print the effective connection configuration.",
				Run:   command.Adapt(runConfig),
			},
			{
				Name:  "serve-peer",
				Usage: "serve-peer",
				Help: `Serve a demo object, which implements the standard
org.freedesktop.DBus.Peer interface.

For best results, combine with --names to register a service name on the bus that other tools can target.`,
				SetFlags: command.Flags(flax.MustBind, &serveArgs),
				Run:      command.Adapt(runServePeer),
			},
			{
				Name: "generate",
				Usage: `generate interface
generate peer interface`,
				Help:     "Generate an interface implementation from introspection data",
				SetFlags: command.Flags(flax.MustBind, &generateArgs),
				Run:      runGenerate,
			},

			{
				Name:  "freedesktop",
				Usage: "freedesktop args...",
				Commands: []*command.C{
					{
						Name:  "background",
						Usage: "background args...",
						Commands: []*command.C{
							{
								Name:  "list",
								Usage: "list",
								Help:  "List flatpak apps that are running in the background",
								Run:   command.Adapt(runFdoBackgroundList),
							},
						},
					},
				},
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runListNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.Bus().ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)
	aliases := map[string][]string{}

	for _, n := range names {
		if strings.HasPrefix(n, ":") || n == "org.freedesktop.DBus" {
			continue
		}
		owner, err := conn.Bus().GetNameOwner(ctx, n)
		if err != nil {
			fmt.Printf("Getting owner of %s: %v\n", n, err)
			continue
		}
		aliases[owner] = append(aliases[owner], n)
		aliases[n] = []string{owner}
	}

	for _, n := range names {
		alias := aliases[n]
		if len(alias) == 0 {
			fmt.Println(n)
		} else {
			fmt.Printf("%s (%s)\n", n, strings.Join(alias, ", "))
		}
	}

	return nil
}

func runListActivatable(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	names, err := conn.Bus().ListActivatableNames(env.Context())
	if err != nil {
		return fmt.Errorf("listing activatable names: %w", err)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runListInterfaces(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var out indenter
	var prev dbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.v(err)
			continue
		}
		ownerName, err := conn.Bus().GetNameOwner(ctx, p.Name())
		if err != nil {
			ownerName = fmt.Sprintf("getting owner: %v", err)
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.v(err)
				continue
			}
			if iface.Peer() != prev.Peer() {
				out.indent(0)
				if prev.Peer() != (dbus.Peer{}) {
					out.s("")
				}
				out.f("%s (%s)", iface.Peer().Name(), ownerName)
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			}

			out.v(iface.Description)
			prev = iface.Interface
		}
	}

	return nil
}

func runListProps(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	args := growTo(env.Args, 4)
	pf, err := regexp.Compile(args[3])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	var out indenter
	var prev dbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.indent(0)
				out.v(err)
				continue
			}
			if len(iface.Description.Properties) == 0 {
				continue
			}

			props, err := iface.GetAllProperties(ctx)
			if err != nil {
				out.indent(0)
				out.v(fmt.Errorf("listing properties of %s: %w", iface, err))
				continue
			}
			ks := slices.Collect(slice.Select(slices.Sorted(maps.Keys(props)), pf.MatchString))
			if len(ks) == 0 {
				continue
			}

			if iface.Peer() != prev.Peer() {
				out.indent(0)
				out.v(iface.Peer().Name())
				out.indent(1)
				out.v(iface.Object().Path())
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
			}
			prev = iface.Interface

			out.indent(2)
			out.v(iface.Name())
			out.indent(3)
			for _, k := range ks {
				out.f("%s: %v", k, props[k])
			}
		}
	}
	return nil
}

func runOwner(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	owner, err := conn.Bus().GetNameOwner(env.Context(), name)
	if err != nil {
		return fmt.Errorf("getting owner of %s: %w", name, err)
	}
	fmt.Println(owner)
	queued, err := conn.Bus().ListQueuedOwners(env.Context(), name)
	if err != nil {
		return fmt.Errorf("listing queued owners of %s: %w", name, err)
	}
	for _, q := range queued {
		if q != owner {
			fmt.Println("  queued:", q)
		}
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s replied in %v\n", peer, time.Since(start).Round(time.Microsecond))

	return nil
}

func runWhois(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := env.Context()
	owner, err := conn.Bus().GetNameOwner(ctx, peer)
	if err != nil {
		return fmt.Errorf("getting owner of %s: %w", peer, err)
	}
	fmt.Println("Owner:", owner)
	uid, err := conn.Bus().GetConnectionUnixUser(ctx, peer)
	if err != nil {
		return fmt.Errorf("getting UID of %s: %w", peer, err)
	}
	fmt.Println("UID:", uid)
	if pid, err := conn.Bus().GetConnectionUnixProcessID(ctx, peer); err == nil {
		fmt.Println("PID:", pid)
	}
	if id, err := conn.Peer(peer).MachineID(ctx); err == nil {
		fmt.Println("Machine ID:", id)
	}

	return nil
}

func runIntrospect(env *command.Env) error {
	if len(env.Args) < 1 || len(env.Args) > 2 {
		return env.Usagef("introspect requires a peer and optional object path.")
	}
	path := dbus.ObjectPath("/")
	if len(env.Args) == 2 {
		path = dbus.ObjectPath(env.Args[1])
	}
	if err := path.Valid(); err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	desc, err := conn.Peer(env.Args[0]).Object(path).Introspect(env.Context())
	if err != nil {
		return fmt.Errorf("introspecting %s: %w", path, err)
	}
	fmt.Print(desc.XML())
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("call requires a peer, object and method.")
	}
	peer, path, method := env.Args[0], dbus.ObjectPath(env.Args[1]), env.Args[2]
	if err := path.Valid(); err != nil {
		return err
	}
	dot := strings.LastIndexByte(method, '.')
	if dot < 0 {
		return env.Usagef("method %q must be qualified with its interface name", method)
	}
	iface, member := method[:dot], method[dot+1:]
	args, err := parseArgs(env.Args[3:])
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	ret, err := conn.Peer(peer).Object(path).Interface(iface).Call(env.Context(), member, args...)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	for _, v := range ret {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

func runListen(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("listen requires at least one match rule.")
	}
	var rules []dbus.MatchRule
	for _, arg := range env.Args {
		r, err := dbus.ParseMatchRule(arg)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	sigs := make(chan *dbus.Message, 16)
	for _, r := range rules {
		sub, err := conn.Subscribe(env.Context(), r, func(msg *dbus.Message) {
			select {
			case sigs <- msg:
			case <-env.Context().Done():
			}
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", r, err)
		}
		defer sub.Close()
	}

	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig := <-sigs:
			body, err := sig.Values()
			if err != nil {
				fmt.Printf("Signal %s.%s from %s: %v\n\n", sig.Interface, sig.Member, sig.Sender, err)
				continue
			}
			fmt.Printf("Signal %s.%s from %s on object %s:\n  %# v\n\n", sig.Interface, sig.Member, sig.Sender, sig.Path, pretty.Formatter(body))
		}
	}
}

func runFeatures(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	features, err := dbus.GetProperty(env.Context(), conn.Bus().Interface, "Features", dbus.StringsMap)
	if err != nil {
		return fmt.Errorf("listing bus features: %w", err)
	}
	slices.Sort(features)
	for _, f := range features {
		fmt.Println(f)
	}
	return nil
}

func runConfig(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("%# v\n", pretty.Formatter(struct {
		Address     string
		Bus         string
		CallTimeout time.Duration
		SignalQueue int
		LogLevel    string
	}{cfg.Address, cfg.Bus, cfg.CallTimeout, cfg.SignalQueue, cfg.Logger.GetLevel().String()}))
	return nil
}

var serveArgs struct {
	Path string `flag:"path,default=/org/danderson/dbus/Demo,Object path to serve"`
}

func runServePeer(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	var calls atomic.Uint32
	h := &dbus.Handler{
		Name: "org.danderson.dbus.Demo",
		Methods: []dbus.Method{
			dbus.NewMethod("Echo", dbus.Arg1(dbus.StringMap), dbus.Arg1(dbus.StringMap), func(ctx context.Context, s string) (string, error) {
				sender, _ := dbus.ContextSender(ctx)
				fmt.Printf("Echo %q from %s\n", s, sender)
				calls.Add(1)
				return s, nil
			}),
		},
		Properties: []dbus.Property{
			dbus.NewProperty("Calls", dbus.Uint32Map, func(context.Context) (uint32, error) {
				return calls.Load(), nil
			}, nil),
		},
	}
	if err := conn.Export(dbus.ObjectPath(serveArgs.Path), h); err != nil {
		return err
	}
	fmt.Printf("Serving %s on %s as %s\n", h.Name, serveArgs.Path, conn.LocalName())

	<-env.Context().Done()
	fmt.Println("shutdown")
	return nil
}

var generateArgs struct {
	PackageName string `flag:"package,default=client,Package name to output"`
	OutFile     string `flag:"out,default=gen.go,Output file path"`
}

func findInterface(ctx context.Context, peer dbus.Peer, wantName string) (*dbus.InterfaceDescription, error) {
	var errs []error
	objs := heapq.New(compareObjects)
	objs.Add(peer.Object("/"))
	for !objs.IsEmpty() {
		obj, _ := objs.Pop()
		introCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		desc, err := obj.Introspect(introCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("introspecting %s: %w", obj, err))
			continue
		}
		if iface := desc.Interfaces[wantName]; iface != nil {
			fmt.Printf("Found definition of %s at %s\n", wantName, obj)
			return iface, nil
		}
		for _, child := range desc.Children {
			objs.Add(obj.Child(child))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, nil
}

func runGenerate(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var desc *dbus.InterfaceDescription
	switch len(env.Args) {
	case 1:
		names, err := conn.Bus().ListNames(ctx)
		if err != nil {
			return fmt.Errorf("listing peers: %w", err)
		}
		slices.Sort(names)
		for _, n := range names {
			if strings.HasPrefix(n, ":") {
				continue
			}
			desc, err = findInterface(ctx, conn.Peer(n), env.Args[0])
			if err != nil {
				fmt.Println(err)
				continue
			}
			if desc != nil {
				break
			}
		}
		if desc == nil {
			return fmt.Errorf("could not find an object that implements %s on the bus", env.Args[0])
		}
	case 2:
		desc, err = findInterface(ctx, conn.Peer(env.Args[0]), env.Args[1])
		if err != nil {
			return err
		}
		if desc == nil {
			return fmt.Errorf("peer %s does not have an object that implements %s", env.Args[0], env.Args[1])
		}
	default:
		return env.Usagef("generate requires one or two arguments.")
	}

	code, err := dbusgen.File(generateArgs.PackageName, desc)
	if err != nil {
		return fmt.Errorf("generate interface %s: %w", desc.Name, err)
	}
	if err := os.WriteFile(generateArgs.OutFile, code, 0644); err != nil {
		return fmt.Errorf("writing generated code: %w", err)
	}
	fmt.Printf("Wrote generated package to %s\n", generateArgs.OutFile)
	return nil
}

func runFdoBackgroundList(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 5*time.Second)
	defer cancel()

	apps, err := background.New(conn).BackgroundApps(ctx)
	if err != nil {
		return fmt.Errorf("listing background apps: %w", err)
	}
	slices.SortFunc(apps, func(a, b background.App) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, app := range apps {
		fmt.Println(app.ID, app.Instance, app.Status)
	}
	return nil
}
