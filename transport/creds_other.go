//go:build !linux

package transport

import (
	"errors"
	"net"
)

// PeerCredentials returns the credentials of the process at the other
// end of conn. It is only implemented on Linux.
func PeerCredentials(conn *net.UnixConn) (*Credentials, error) {
	return nil, errors.ErrUnsupported
}
