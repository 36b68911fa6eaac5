package transport

import (
	"net"
	"sync"
	"time"
)

// ConnState is the lifecycle state of a receiving connection.
type ConnState int

const (
	// StateConnected is a freshly accepted connection.
	StateConnected ConnState = iota
	// StateReceiving is a connection whose read loop is running.
	StateReceiving
	// StateClosing is a connection that accepts no new work and is draining.
	StateClosing
	// StateClosed is a torn down connection.
	StateClosed
)

// String returns a string representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ackQueueSize bounds queued acks per connection before the read loop blocks.
const ackQueueSize = 64

// clientConn is the server side of one sender connection.
type clientConn struct {
	id     uint64
	conn   net.Conn
	remote string
	buffer *LineBuffer
	acks   chan *AckMessage

	mu      sync.Mutex
	state   ConnState
	pending int
	drained chan struct{}
}

func newClientConn(id uint64, conn net.Conn, maxLine int) *clientConn {
	return &clientConn{
		id:     id,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		buffer: NewLineBuffer(maxLine),
		acks:   make(chan *AckMessage, ackQueueSize),
		state:  StateConnected,
	}
}

// State returns the current lifecycle state.
func (c *clientConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *clientConn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// advance moves from one state to the next only if still in from.
func (c *clientConn) advance(from, to ConnState) {
	c.mu.Lock()
	if c.state == from {
		c.state = to
	}
	c.mu.Unlock()
}

// closing reports whether the connection stopped taking new work.
func (c *clientConn) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StateClosing
}

// markClosing moves the connection to StateClosing. It reports whether this
// call made the transition.
func (c *clientConn) markClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosing {
		return false
	}
	c.state = StateClosing
	return true
}

// beginOp registers an in-flight operation. It fails once the connection
// is closing.
func (c *clientConn) beginOp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosing {
		return false
	}
	c.pending++
	return true
}

func (c *clientConn) endOp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// PendingOperations returns the number of in-flight operations.
func (c *clientConn) PendingOperations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// waitIdle blocks until no operations are pending or the timeout elapses.
// It reports whether the connection drained.
func (c *clientConn) waitIdle(timeout time.Duration) bool {
	c.mu.Lock()
	if c.pending == 0 {
		c.mu.Unlock()
		return true
	}
	if c.drained == nil {
		c.drained = make(chan struct{})
	}
	ch := c.drained
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// halfClose stops our write side so the peer sees EOF, then bounds how long
// the read side may linger.
func (c *clientConn) halfClose(grace time.Duration) {
	if tcp, ok := c.conn.(interface{ CloseWrite() error }); ok {
		_ = tcp.CloseWrite()
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(grace))
}
