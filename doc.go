// Package dbus is a client and service library for the DBus message
// bus.
//
// # Values
//
// DBus values are represented by the [Value] interface, implemented by
// one Go type per DBus type: [Byte], [Bool], [Int16], [Uint16],
// [Int32], [Uint32], [Int64], [Uint64], [Double], [String],
// [ObjectPath], [Signature], [Variant], [Array], [Dict] and [Struct].
// Every Value reports its own [Type], from which its wire alignment
// and signature derive.
//
// Arrays and dicts carry their element types explicitly, so that empty
// containers still have a well-defined signature. Variants wrap an
// inner Value, and their signature on the wire is that of the inner
// value.
//
// Converting between Values and ordinary Go types is done with a
// [TypeMap], which pairs a DBus type with conversion functions in both
// directions. TypeMaps compose: [SliceOf], [MapOf], [PairOf],
// [TripleOf] and [VariantOf] build maps for container types out of
// maps for their elements. Method argument lists are described by
// [Args], built with [Arg1], [Arg2], [Arg3], [NoArgs] or [RawArgs].
//
// # Connections
//
// A [Conn] is a connection to a bus, opened with [SystemBus],
// [SessionBus] or [Dial]. A Conn multiplexes any number of concurrent
// method calls over one socket: each call gets a [PendingCall] keyed
// by its serial number, and replies complete the pending call with the
// matching serial regardless of the order in which they arrive.
//
// Remote objects are reached through local handles: [Conn.Peer]
// names a participant on the bus, [Peer.Object] an object it exposes,
// and [Object.Interface] one of the object's interfaces. Handles are
// purely local values, and creating one does not contact the bus.
// [Proxy] wraps an Interface with a [Contract] that checks calls
// against the interface's declared method signatures.
//
// # Signals
//
// [Conn.Subscribe] registers a callback for signals matching a
// [MatchRule], and asks the bus to forward those signals. Each
// subscription runs its callback on its own goroutine with its own
// bounded queue, so a slow subscriber delays only itself.
//
// # Services
//
// [Conn.Export] offers a [Handler] at an object path. The connection
// answers the standard Introspectable, Peer and Properties interfaces
// for every exported path, and routes other calls to the handler of
// the addressed interface. [Conn.Claim] requests ownership of a well
// known bus name.
package dbus
