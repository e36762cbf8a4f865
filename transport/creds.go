package transport

// Credentials identify the process at the other end of a socket.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}
