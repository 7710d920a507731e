package handlers

// Conn is an opaque handle to one live socket. Two handles are the same
// connection iff they compare equal, so implementations must be pointer types.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Identified is implemented by handles that carry their own printable id.
type Identified interface {
	Identity() string
}
