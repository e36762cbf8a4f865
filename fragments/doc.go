// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus type semantics beyond alignment and framing. It is
// the caller's responsibility to produce valid DBus messages using
// these tools.
//
// Alignment is always computed relative to the start of the byte
// slice being encoded or decoded, which for DBus purposes must be the
// start of a message or of a message body.
package fragments
