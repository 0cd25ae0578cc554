package proxy

import "fmt"

// StartupError is returned by Start when the listener cannot be bound.
type StartupError struct {
	Addr string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Transport sides.
const (
	SideClient = "client"
	SideOrigin = "origin"
)

// TransportError is a socket or TLS failure on one side of a session. It
// terminates only that session.
type TransportError struct {
	Side string
	Host string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Side, e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
