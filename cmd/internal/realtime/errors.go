package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrSendWhileClosed is reported when a send targets a connection that is not OPEN.
	// The frame is dropped; nothing is buffered.
	ErrSendWhileClosed = errors.New("realtime: send on non-open connection")

	// ErrSendQueueFull is reported when the writer cannot keep up.
	ErrSendQueueFull = errors.New("realtime: send queue full")

	// ErrRetryExhausted marks a feed that stopped reconnecting after MaxAttempts.
	// Only an explicit Connect recovers from it.
	ErrRetryExhausted = errors.New("realtime: reconnect attempts exhausted")

	// ErrClientClosed is reported by a client after Close.
	ErrClientClosed = errors.New("realtime: client closed")

	// ErrLoopStopped is returned by Loop.Flush after Stop.
	ErrLoopStopped = errors.New("realtime: loop stopped")
)

// TransportError is a socket-level failure (refused dial, broken read or write).
// It feeds the reconnection policy and is never fatal.
type TransportError struct {
	Feed string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime %s: %s: %v", e.Feed, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an inbound frame or payload that does not have the expected shape.
// Such frames are dropped and the connection stays usable.
type ProtocolError struct {
	Feed   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("realtime %s: protocol: %s", e.Feed, e.Reason)
	}
	return fmt.Sprintf("realtime %s: protocol: %s: %v", e.Feed, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
