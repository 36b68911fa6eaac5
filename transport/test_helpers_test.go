package transport

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/filedrop/codec"
	"github.com/stretchr/testify/require"
)

// partialReadConn simulates a TCP connection that returns partial reads
// and records everything written to it.
type partialReadConn struct {
	mu         sync.Mutex
	data       []byte
	readPos    int
	chunkSize  int
	readCalls  int
	closed     bool
	written    bytes.Buffer
	remoteAddr net.Addr
}

func newPartialReadConn(data []byte, chunkSize int) *partialReadConn {
	return &partialReadConn{
		data:       data,
		chunkSize:  chunkSize,
		remoteAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345},
	}
}

// Read returns at most chunkSize bytes per call.
func (p *partialReadConn) Read(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}

	p.readCalls++

	remaining := len(p.data) - p.readPos
	if remaining == 0 {
		return 0, io.EOF
	}

	toRead := p.chunkSize
	if toRead > len(b) {
		toRead = len(b)
	}
	if toRead > remaining {
		toRead = remaining
	}

	n = copy(b, p.data[p.readPos:p.readPos+toRead])
	p.readPos += n
	return n, nil
}

func (p *partialReadConn) Write(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns a copy of everything written so far.
func (p *partialReadConn) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func (p *partialReadConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *partialReadConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (p *partialReadConn) RemoteAddr() net.Addr {
	return p.remoteAddr
}

func (p *partialReadConn) SetDeadline(t time.Time) error      { return nil }
func (p *partialReadConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *partialReadConn) SetWriteDeadline(t time.Time) error { return nil }

// recordingProcessor is a ChunkProcessor that remembers what it was given.
type recordingProcessor struct {
	mu         sync.Mutex
	chunks     []*ChunkMessage
	scheduled  []string
	forced     int
	incomplete int
	stuck      bool // forced checks leave incomplete unchanged
	reject     map[int]error
	received   chan *ChunkMessage
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		reject:   make(map[int]error),
		received: make(chan *ChunkMessage, 1024),
	}
}

func (r *recordingProcessor) ProcessChunk(msg *ChunkMessage) error {
	r.mu.Lock()
	err := r.reject[msg.Index]
	if err == nil {
		r.chunks = append(r.chunks, msg)
	}
	r.mu.Unlock()
	if err == nil {
		r.received <- msg
	}
	return err
}

func (r *recordingProcessor) ScheduleCompletionCheck(sessionID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, sessionID)
}

func (r *recordingProcessor) ForceCheckAllSessions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced++
	if !r.stuck {
		r.incomplete = 0
	}
}

func (r *recordingProcessor) IncompleteSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incomplete
}

func (r *recordingProcessor) Chunks() []*ChunkMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ChunkMessage(nil), r.chunks...)
}

// waitChunks collects n processed chunks or fails the test.
func (r *recordingProcessor) waitChunks(t *testing.T, n int) []*ChunkMessage {
	t.Helper()
	out := make([]*ChunkMessage, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case msg := <-r.received:
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("received %d of %d chunks", len(out), n)
		}
	}
	return out
}

// chunkLine encodes payload as a wire line for session at index.
func chunkLine(t *testing.T, sessionID string, index int, payload string) []byte {
	t.Helper()
	enc, err := codec.NewPlaceholder().Encode([]byte(payload), index)
	require.NoError(t, err)
	line, err := EncodeLine(NewChunkMessage(sessionID, enc))
	require.NoError(t, err)
	return line
}

// startTestServer runs a server on a loopback ephemeral port.
func startTestServer(t *testing.T, p ChunkProcessor, opts ServerOptions) *Server {
	t.Helper()
	opts.Host = "127.0.0.1"
	opts.Port = 0
	if opts.TeardownWait == 0 {
		opts.TeardownWait = 200 * time.Millisecond
	}
	if opts.CloseGrace == 0 {
		opts.CloseGrace = 200 * time.Millisecond
	}
	s := NewServer(p, opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func serverPort(t *testing.T, s *Server) int {
	t.Helper()
	addr, ok := s.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
