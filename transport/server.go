package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// settlePollInterval is how often Stop rechecks incomplete sessions.
const settlePollInterval = 10 * time.Millisecond

// ChunkProcessor consumes the chunks a server receives. The file
// reassembler is the production implementation.
type ChunkProcessor interface {
	// ProcessChunk stores one decoded wire chunk.
	ProcessChunk(msg *ChunkMessage) error
	// ScheduleCompletionCheck forces a completion check for a session after delay.
	ScheduleCompletionCheck(sessionID string, delay time.Duration)
	// ForceCheckAllSessions runs a completion check on every open session.
	ForceCheckAllSessions()
	// IncompleteSessions returns the number of sessions still missing data.
	IncompleteSessions() int
}

// ServerHandlers are the optional notification hooks of a Server. They are
// called from connection goroutines and must not block for long.
type ServerHandlers struct {
	OnConnection    func(clientID uint64, remote net.Addr)
	OnChunkReceived func(clientID uint64, msg *ChunkMessage)
	OnError         func(err error)
	OnClose         func(clientID uint64)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Host string
	Port int

	// LastChunkCheckDelay is the wait before a completion check triggered by
	// a last-chunk or completion flag.
	LastChunkCheckDelay time.Duration
	// TeardownWait bounds how long a closing connection waits for pending operations.
	TeardownWait time.Duration
	// StopDelay is the wait Stop grants incomplete sessions after forcing a check.
	StopDelay time.Duration
	// CloseGrace bounds how long half-closed connections may linger during Stop.
	CloseGrace time.Duration
	// WriteTimeout is the deadline for a single ack write.
	WriteTimeout time.Duration

	ReadBufferSize int
	MaxLineLength  int

	Handlers ServerHandlers
}

// DefaultServerOptions returns the stock server timings.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Host:                "0.0.0.0",
		Port:                12345,
		LastChunkCheckDelay: time.Second,
		TeardownWait:        2 * time.Second,
		StopDelay:           3 * time.Second,
		CloseGrace:          time.Second,
		WriteTimeout:        5 * time.Second,
		ReadBufferSize:      64 * 1024,
	}
}

func (o *ServerOptions) applyDefaults() {
	d := DefaultServerOptions()
	if o.Host == "" {
		o.Host = d.Host
	}
	if o.LastChunkCheckDelay <= 0 {
		o.LastChunkCheckDelay = d.LastChunkCheckDelay
	}
	if o.TeardownWait <= 0 {
		o.TeardownWait = d.TeardownWait
	}
	if o.StopDelay < 0 {
		o.StopDelay = 0
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = d.CloseGrace
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
}

// Server accepts sender connections, frames and parses their lines and
// hands chunks to a ChunkProcessor, acknowledging each stored chunk.
type Server struct {
	opts      ServerOptions
	processor ChunkProcessor

	listener net.Listener
	clients  map[uint64]*clientConn
	nextID   atomic.Uint64
	mu       sync.RWMutex

	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a server feeding processor. Zero option fields take
// their DefaultServerOptions value, except StopDelay where zero means none.
func NewServer(processor ChunkProcessor, opts ServerOptions) *Server {
	opts.applyDefaults()
	return &Server{
		opts:      opts,
		processor: processor,
		clients:   make(map[uint64]*clientConn),
	}
}

// Start listens on the configured host and port and begins accepting.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return &OpError{Op: "listen", Addr: addr, Err: err}
	}
	if err := s.Serve(l); err != nil {
		l.Close()
		return err
	}
	return nil
}

// Serve begins accepting connections on an existing listener. It returns
// immediately; the accept loop runs until Stop.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrServerRunning
	}
	if s.stopping.Load() {
		return ErrClosed
	}
	s.listener = l

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  l.Addr().String(),
	}).Info("Receiver listening")

	s.wg.Add(1)
	go s.acceptConnections(l)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// acceptConnections runs the accept loop until the listener closes.
func (s *Server) acceptConnections(l net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextAcceptBackoff(backoff)
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"error":    err.Error(),
				"retry_in": backoff.String(),
			}).Warn("Accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.stopping.Load() {
			conn.Close()
			continue
		}

		c := s.registerClient(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(c)
		}()
	}
}

func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// registerClient assigns the next client id and tracks the connection.
func (s *Server) registerClient(conn net.Conn) *clientConn {
	c := newClientConn(s.nextID.Add(1), conn, s.opts.MaxLineLength)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "registerClient",
		"client_id": c.id,
		"remote":    c.remote,
	}).Info("Sender connected")
	return c
}

func (s *Server) unregisterClient(id uint64) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// handleConnection runs one connection from accept to teardown.
func (s *Server) handleConnection(c *clientConn) {
	if h := s.opts.Handlers.OnConnection; h != nil {
		h(c.id, c.conn.RemoteAddr())
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeAcks(c)
	}()

	s.readLoop(c)
	s.teardown(c)
	<-writerDone
}

// readLoop feeds socket data through the line buffer until EOF, a read
// error, or the connection starts closing.
func (s *Server) readLoop(c *clientConn) {
	c.advance(StateConnected, StateReceiving)
	buf := make([]byte, s.opts.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 && !c.closing() {
			s.handleData(c, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closing() {
				s.reportError(&OpError{Op: "read", Addr: c.remote, Err: err})
			}
			return
		}
		if c.closing() {
			return
		}
	}
}

// handleData processes every complete line in one read event. A malformed
// line never prevents the lines after it from being handled.
func (s *Server) handleData(c *clientConn, data []byte) {
	lines, err := c.buffer.Feed(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleData",
			"client_id": c.id,
			"error":     err.Error(),
		}).Warn("Discarded oversized line")
		s.reportError(&ParseError{ClientID: c.id, Err: err})
	}
	for _, line := range lines {
		s.handleLine(c, line)
	}
}

func (s *Server) handleLine(c *clientConn, line []byte) {
	if !c.beginOp() {
		return
	}
	defer c.endOp()

	msg, err := ParseMessage(line)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleLine",
			"client_id": c.id,
			"error":     err.Error(),
		}).Warn("Dropped malformed line")
		s.reportError(&ParseError{ClientID: c.id, Line: string(line), Err: err})
		return
	}
	if msg.Type != MessageChunk {
		// Pings only keep the socket warm; acks are sender-bound.
		return
	}

	chunk := msg.Chunk
	if h := s.opts.Handlers.OnChunkReceived; h != nil {
		h(c.id, chunk)
	}

	if err := s.processor.ProcessChunk(chunk); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleLine",
			"client_id":  c.id,
			"session_id": chunk.SessionID,
			"index":      chunk.Index,
			"error":      err.Error(),
		}).Warn("Chunk rejected")
		s.reportError(fmt.Errorf("session %s chunk %d: %w", chunk.SessionID, chunk.Index, err))
		return
	}

	if chunk.IsLastChunk || chunk.IsCompletionMessage {
		s.processor.ScheduleCompletionCheck(chunk.SessionID, s.opts.LastChunkCheckDelay)
	}
	if !chunk.IsMetadataOnly() {
		s.queueAck(c, NewAck(chunk.SessionID, chunk.Index))
	}
}

// queueAck hands an ack to the connection writer. It blocks when the
// writer falls behind, which throttles the read loop.
func (s *Server) queueAck(c *clientConn, ack *AckMessage) {
	if !c.beginOp() {
		return
	}
	c.acks <- ack
}

// writeAcks drains the ack queue until teardown closes it. Acks queued
// before the connection started closing are still flushed; after a write
// failure the rest are dropped. Every queued ack ends an operation.
func (s *Server) writeAcks(c *clientConn) {
	broken := false
	for ack := range c.acks {
		if !broken {
			broken = !s.writeAck(c, ack)
		}
		c.endOp()
	}
}

func (s *Server) writeAck(c *clientConn, ack *AckMessage) bool {
	line, err := EncodeLine(ack)
	if err == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		_, err = c.conn.Write(line)
	}
	if err == nil {
		return true
	}

	logrus.WithFields(logrus.Fields{
		"function":  "writeAck",
		"client_id": c.id,
		"error":     err.Error(),
	}).Warn("Ack write failed, closing connection")
	s.reportError(&OpError{Op: "write", Addr: c.remote, Err: fmt.Errorf("%w: %w", ErrWrite, err)})

	// Wake the read loop so the connection tears down.
	c.markClosing()
	_ = c.conn.SetReadDeadline(time.Now())
	return false
}

// teardown waits for pending work, closes the socket and forgets the client.
func (s *Server) teardown(c *clientConn) {
	c.markClosing()
	if !c.waitIdle(s.opts.TeardownWait) {
		logrus.WithFields(logrus.Fields{
			"function":  "teardown",
			"client_id": c.id,
			"pending":   c.PendingOperations(),
		}).Warn("Closing with pending operations")
	}
	close(c.acks)
	c.conn.Close()
	s.unregisterClient(c.id)
	c.setState(StateClosed)

	logrus.WithFields(logrus.Fields{
		"function":  "teardown",
		"client_id": c.id,
	}).Info("Sender disconnected")

	if h := s.opts.Handlers.OnClose; h != nil {
		h(c.id)
	}
}

func (s *Server) reportError(err error) {
	if h := s.opts.Handlers.OnError; h != nil {
		h(err)
	}
}

func (s *Server) snapshotClients() []*clientConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// waitSessionsSettled waits up to timeout for the processor to report no
// incomplete sessions.
func (s *Server) waitSessionsSettled(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for s.processor.IncompleteSessions() > 0 {
		select {
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// Stop shuts the server down. Incomplete sessions first get a forced
// completion check and up to StopDelay to finish; then every connection is
// half-closed, given CloseGrace, and finally destroyed. Stop is idempotent.
func (s *Server) Stop() error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}

	if n := s.processor.IncompleteSessions(); n > 0 {
		logrus.WithFields(logrus.Fields{
			"function":            "Stop",
			"incomplete_sessions": n,
			"delay":               s.opts.StopDelay.String(),
		}).Info("Forcing completion checks before shutdown")
		s.processor.ForceCheckAllSessions()
		s.waitSessionsSettled(s.opts.StopDelay)
	}

	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	var err error
	if l != nil {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	clients := s.snapshotClients()
	for _, c := range clients {
		c.markClosing()
	}
	for _, c := range clients {
		c.waitIdle(s.opts.TeardownWait)
		c.halfClose(s.opts.CloseGrace)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.opts.CloseGrace + s.opts.TeardownWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		for _, c := range s.snapshotClients() {
			logrus.WithFields(logrus.Fields{
				"function":  "Stop",
				"client_id": c.id,
			}).Warn("Destroying lingering connection")
			c.conn.Close()
		}
		<-done
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Receiver stopped")
	return err
}
