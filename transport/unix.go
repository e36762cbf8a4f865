// Package transport provides the byte streams that DBus connections
// run over, and the SASL handshake that precedes DBus traffic.
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"
)

// Transport is a raw DBus connection.
type Transport interface {
	io.ReadWriteCloser
}

// Unix is a Transport that runs over a Unix domain socket.
type Unix struct {
	conn *net.UnixConn
	buf  *bufio.Reader
}

// DialUnix connects to the Unix socket at path. Paths beginning with
// '@' name sockets in the Linux abstract namespace.
//
// The returned transport is not yet authenticated, see
// [Unix.Authenticate].
func DialUnix(ctx context.Context, path string) (*Unix, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewUnix(conn.(*net.UnixConn)), nil
}

// NewUnix returns a Transport that runs over conn.
func NewUnix(conn *net.UnixConn) *Unix {
	return &Unix{
		conn: conn,
		buf:  bufio.NewReader(conn),
	}
}

// Authenticate runs the client side of the SASL EXTERNAL handshake,
// and returns the server's GUID. It must be called exactly once,
// before any other use of the transport.
func (u *Unix) Authenticate(ctx context.Context) (guid string, err error) {
	err = u.withDeadline(ctx, func() error {
		guid, err = ClientHandshake(u.buf, u.conn, Getuid())
		return err
	})
	return guid, err
}

// AcceptAuth runs the server side of the SASL EXTERNAL handshake,
// using guid as the server GUID. It returns the authenticated uid of
// the peer.
func (u *Unix) AcceptAuth(ctx context.Context, guid string) (uid uint32, err error) {
	err = u.withDeadline(ctx, func() error {
		uid, err = ServerHandshake(u.buf, u.conn, guid, u.checkUID)
		return err
	})
	return uid, err
}

func (u *Unix) checkUID(claimed uint32) error {
	creds, err := PeerCredentials(u.conn)
	if err != nil {
		if claimed == uint32(Getuid()) {
			// Peer credentials are unavailable on this platform, and
			// the peer claims to be us.
			return nil
		}
		return err
	}
	if creds.UID != claimed {
		return &AuthError{Reason: "claimed uid does not match socket credentials"}
	}
	return nil
}

// PeerCredentials returns the credentials of the process at the other
// end of the socket.
func (u *Unix) PeerCredentials() (*Credentials, error) {
	return PeerCredentials(u.conn)
}

func (u *Unix) withDeadline(ctx context.Context, fn func() error) error {
	deadline, _ := ctx.Deadline()
	if err := u.conn.SetDeadline(deadline); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return u.conn.SetDeadline(time.Time{})
}

func (u *Unix) Read(bs []byte) (int, error) {
	return u.buf.Read(bs)
}

func (u *Unix) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *Unix) Close() error {
	return u.conn.Close()
}
