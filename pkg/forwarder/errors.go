package forwarder

import (
	"errors"
	"fmt"
)

// ErrNoUpstream is returned when no nameserver is configured
var ErrNoUpstream = errors.New("no upstream nameserver configured")

// TransportError is a send or receive failure on a session's socket.
// It only ever ends the session it belongs to.
type TransportError struct {
	Op       string // listen, resolve, send, read, relay
	Upstream string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Upstream == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Upstream, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
