package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(serverPort(t, s))))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAck(t *testing.T, r *bufio.Reader, conn net.Conn) *AckMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	msg, err := ParseMessage(line[:len(line)-1])
	require.NoError(t, err)
	require.Equal(t, MessageAck, msg.Type)
	return msg.Ack
}

func TestServerMalformedLineDoesNotBlockValidLine(t *testing.T) {
	p := newRecordingProcessor()
	var (
		mu     sync.Mutex
		errs   []error
		events []uint64
	)
	s := startTestServer(t, p, ServerOptions{Handlers: ServerHandlers{
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
		OnChunkReceived: func(clientID uint64, msg *ChunkMessage) {
			mu.Lock()
			events = append(events, clientID)
			mu.Unlock()
		},
	}})

	conn := dialServer(t, s)
	payload := append([]byte("{not json}\n"), chunkLine(t, "s1", 0, "hello")...)
	_, err := conn.Write(payload)
	require.NoError(t, err)

	got := p.waitChunks(t, 1)
	assert.Equal(t, "s1", got[0].SessionID)

	ack := readAck(t, bufio.NewReader(conn), conn)
	assert.Equal(t, "s1", ack.SessionID)
	assert.Equal(t, 0, ack.Index)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	var perr *ParseError
	require.True(t, errors.As(errs[0], &perr))
	assert.Equal(t, "{not json}", perr.Line)
	assert.Equal(t, []uint64{perr.ClientID}, events)
}

func TestServerPartialSegments(t *testing.T) {
	p := newRecordingProcessor()
	s := NewServer(p, ServerOptions{TeardownWait: 100 * time.Millisecond})

	var stream []byte
	for i := 0; i < 4; i++ {
		stream = append(stream, chunkLine(t, "partial", i, fmt.Sprintf("payload-%d", i))...)
	}
	conn := newPartialReadConn(stream, 5)

	c := s.registerClient(conn)
	s.handleConnection(c)

	chunks := p.Chunks()
	require.Len(t, chunks, 4)
	for i, msg := range chunks {
		assert.Equal(t, i, msg.Index)
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, s.ClientCount())

	// Acks queued before EOF are still flushed.
	acks, err := NewLineBuffer(0).Feed(conn.Written())
	require.NoError(t, err)
	assert.Len(t, acks, 4)
}

func TestServerLastChunkSchedulesCheck(t *testing.T) {
	p := newRecordingProcessor()
	s := NewServer(p, ServerOptions{TeardownWait: 100 * time.Millisecond})

	last := &ChunkMessage{SessionID: "done", Index: 1, Data: "eA==", IsLastChunk: true}
	line, err := EncodeLine(last)
	require.NoError(t, err)
	completion, err := EncodeLine(&ChunkMessage{SessionID: "done", Index: 1, TotalChunks: 2, IsCompletionMessage: true})
	require.NoError(t, err)

	conn := newPartialReadConn(append(line, completion...), 64)
	s.handleConnection(s.registerClient(conn))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []string{"done", "done"}, p.scheduled)

	// The metadata-only completion marker is not acknowledged.
	acks, err := NewLineBuffer(0).Feed(conn.Written())
	require.NoError(t, err)
	assert.Len(t, acks, 1)
}

func TestServerRejectedChunkIsNotAcked(t *testing.T) {
	p := newRecordingProcessor()
	p.reject[1] = errors.New("integrity")
	var reported []error
	s := NewServer(p, ServerOptions{
		TeardownWait: 100 * time.Millisecond,
		Handlers:     ServerHandlers{OnError: func(err error) { reported = append(reported, err) }},
	})

	stream := append(chunkLine(t, "s", 0, "a"), chunkLine(t, "s", 1, "b")...)
	stream = append(stream, chunkLine(t, "s", 2, "c")...)
	conn := newPartialReadConn(stream, 1024)
	s.handleConnection(s.registerClient(conn))

	lines, err := NewLineBuffer(0).Feed(conn.Written())
	require.NoError(t, err)
	require.Len(t, lines, 2)
	var indices []int
	for _, line := range lines {
		msg, err := ParseMessage(line)
		require.NoError(t, err)
		indices = append(indices, msg.Ack.Index)
	}
	assert.ElementsMatch(t, []int{0, 2}, indices)
	assert.Len(t, reported, 1)
}

func TestServerConcurrentClients(t *testing.T) {
	p := newRecordingProcessor()
	var (
		mu      sync.Mutex
		clients = make(map[uint64]bool)
		closed  = make(chan uint64, 8)
	)
	s := startTestServer(t, p, ServerOptions{Handlers: ServerHandlers{
		OnConnection: func(id uint64, _ net.Addr) {
			mu.Lock()
			clients[id] = true
			mu.Unlock()
		},
		OnClose: func(id uint64) { closed <- id },
	}})

	const senders, perSender = 5, 10
	streams := make([][][]byte, senders)
	for i := range streams {
		for j := 0; j < perSender; j++ {
			streams[i] = append(streams[i], chunkLine(t, fmt.Sprintf("session-%d", i), j, "data"))
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", s.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			for _, line := range streams[i] {
				_, err := conn.Write(line)
				assert.NoError(t, err)
			}
			// Drain acks so closing does not reset the connection.
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			r := bufio.NewReader(conn)
			for j := 0; j < perSender; j++ {
				if _, err := r.ReadBytes('\n'); !assert.NoError(t, err) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	p.waitChunks(t, senders*perSender)
	for i := 0; i < senders; i++ {
		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatal("connection not torn down")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, clients, senders)
	for id := uint64(1); id <= senders; id++ {
		assert.True(t, clients[id], "client id %d not assigned", id)
	}
}

func TestServerStopForcesCompletion(t *testing.T) {
	p := newRecordingProcessor()
	p.incomplete = 2
	s := startTestServer(t, p, ServerOptions{StopDelay: 10 * time.Millisecond})

	conn := dialServer(t, s)
	_, err := conn.Write(chunkLine(t, "s", 0, "x"))
	require.NoError(t, err)
	p.waitChunks(t, 1)

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(start), 3*time.Second)

	p.mu.Lock()
	assert.Equal(t, 1, p.forced)
	p.mu.Unlock()
	assert.Equal(t, 0, s.ClientCount())

	// The half-closed peer sees EOF after its ack.
	r := bufio.NewReader(conn)
	ack := readAck(t, r, conn)
	assert.Equal(t, 0, ack.Index)
	_, err = r.ReadBytes('\n')
	assert.Error(t, err)

	assert.NoError(t, s.Stop(), "stop is idempotent")
}

func TestServerStopReturnsOnceSessionsSettle(t *testing.T) {
	p := newRecordingProcessor()
	p.incomplete = 1
	s := startTestServer(t, p, ServerOptions{StopDelay: 5 * time.Second})

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(start), time.Second, "no wait once the forced check finished every session")
}

func TestServerStopWaitsForStuckSessions(t *testing.T) {
	p := newRecordingProcessor()
	p.incomplete = 1
	p.stuck = true
	s := startTestServer(t, p, ServerOptions{StopDelay: 100 * time.Millisecond})

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestServerDoubleServe(t *testing.T) {
	s := startTestServer(t, newRecordingProcessor(), ServerOptions{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, errors.Is(s.Serve(l), ErrServerRunning))
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "receiving", StateReceiving.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}

func TestClientConnWaitIdle(t *testing.T) {
	c := newClientConn(1, newPartialReadConn(nil, 1), 0)
	require.True(t, c.beginOp())
	assert.False(t, c.waitIdle(10*time.Millisecond))

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.endOp()
	}()
	assert.True(t, c.waitIdle(time.Second))

	c.markClosing()
	assert.False(t, c.beginOp(), "closing connections take no new work")
}
