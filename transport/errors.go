package transport

import (
	"errors"
	"fmt"
)

// Common transport errors
var (
	// ErrConnectionTimeout indicates a single connection attempt did not complete in time
	ErrConnectionTimeout = errors.New("connection timed out")

	// ErrConnectionFailed indicates all connection attempts, including backoff reconnects, failed
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected indicates a send was attempted without an established connection
	ErrNotConnected = errors.New("not connected")

	// ErrWrite indicates a socket write failed; it is fatal to that connection
	ErrWrite = errors.New("write failed")

	// ErrClosed indicates the sender or server has been closed
	ErrClosed = errors.New("transport closed")

	// ErrChunkFailed indicates a chunk exhausted its retry attempts
	ErrChunkFailed = errors.New("chunk send failed")

	// ErrServerRunning indicates Start was called on a running server
	ErrServerRunning = errors.New("server already running")
)

// OpError represents a connection-level failure with the operation and peer that caused it
type OpError struct {
	Op   string // operation that caused the error
	Addr string // peer address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// ParseError reports a wire line that could not be decoded. It is never
// fatal: the line is dropped and the connection continues.
type ParseError struct {
	ClientID uint64
	Line     string
	Err      error
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 64 {
		line = line[:64] + "..."
	}
	return fmt.Sprintf("parse client %d line %q: %v", e.ClientID, line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
