package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/filedrop/chunk"
	"github.com/opd-ai/filedrop/codec"
	"github.com/opd-ai/filedrop/interfaces"
	"github.com/opd-ai/filedrop/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// ChunkStatus is the lifecycle stage reported for one chunk.
type ChunkStatus int

const (
	ChunkStarted ChunkStatus = iota
	ChunkSent
	ChunkRetrying
	ChunkFailed
	ChunkAcked
)

// String returns a string representation of the chunk status.
func (s ChunkStatus) String() string {
	switch s {
	case ChunkStarted:
		return "started"
	case ChunkSent:
		return "sent"
	case ChunkRetrying:
		return "retrying"
	case ChunkFailed:
		return "failed"
	case ChunkAcked:
		return "acked"
	default:
		return "unknown"
	}
}

// ChunkEvent reports chunk progress to SenderOptions.OnEvent.
type ChunkEvent struct {
	SessionID string
	Index     int
	Status    ChunkStatus
	Attempt   int
	// Progress is the fraction of the session's chunks sent so far, or
	// acknowledged so far for ChunkAcked events.
	Progress float64
	Err      error
}

// DialFunc opens a stream connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// SenderOptions configures a Sender.
type SenderOptions struct {
	ConnectTimeout time.Duration
	// ReconnectAttempts bounds reconnects after the first dial, both during
	// Connect and over the sender's lifetime.
	ReconnectAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	MaxInFlight        int
	ChunkRetryAttempts int
	RetryDelay         time.Duration

	// HealthCheckInterval is the idle period after which a ping is written.
	HealthCheckInterval time.Duration
	// DrainTimeout bounds how long Close waits for in-flight chunks.
	DrainTimeout time.Duration
	WriteTimeout time.Duration
	ChunkSize    int

	// DSCP is an IPv4 TOS value set on the socket when positive.
	DSCP int

	Codec   codec.Codec
	Dial    DialFunc
	OnEvent func(ChunkEvent)
}

// DefaultSenderOptions returns the stock sender settings.
func DefaultSenderOptions() SenderOptions {
	return SenderOptions{
		ConnectTimeout:      10 * time.Second,
		ReconnectAttempts:   3,
		BackoffBase:         500 * time.Millisecond,
		BackoffMax:          10 * time.Second,
		MaxInFlight:         3,
		ChunkRetryAttempts:  3,
		RetryDelay:          200 * time.Millisecond,
		HealthCheckInterval: 5 * time.Second,
		DrainTimeout:        3 * time.Second,
		WriteTimeout:        10 * time.Second,
		ChunkSize:           limits.DefaultChunkSize,
	}
}

func (o *SenderOptions) applyDefaults() {
	d := DefaultSenderOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = d.MaxInFlight
	}
	if o.ChunkRetryAttempts < 0 {
		o.ChunkRetryAttempts = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.DrainTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.Codec == nil {
		o.Codec = codec.NewPlaceholder()
	}
	if o.Dial == nil {
		o.Dial = (&net.Dialer{}).DialContext
	}
}

// FileMeta is the file metadata carried on chunk messages.
type FileMeta struct {
	FileName    string
	MimeType    string
	TotalChunks int
}

// SendFileOptions tunes one SendFile call. Zero fields are derived from
// the file and the sender options.
type SendFileOptions struct {
	SessionID  string
	FileName   string
	MimeType   string
	ChunkSize  int
	StartIndex int
	// WaitForAcks makes SendFile block until every chunk is acknowledged
	// or AckTimeout elapses.
	WaitForAcks bool
	AckTimeout  time.Duration
}

// SendResult summarizes a SendFile call.
type SendResult struct {
	SessionID   string
	FileName    string
	TotalChunks int
	Sent        int
	Acked       int
	Failed      []int
}

// senderSession tracks per-session counters for progress and acks.
// Chunks below start were delivered by an earlier transfer and count as
// sent and acknowledged for progress.
type senderSession struct {
	total int
	start int
	sent  int
	acked map[int]struct{}
}

// Sender streams chunks to a receiver over one TCP connection, reconnecting
// with backoff when writes fail.
type Sender struct {
	opts    SenderOptions
	sem     chan struct{}
	writeMu sync.Mutex
	dialMu  sync.Mutex

	mu         sync.Mutex
	address    string
	conn       net.Conn
	gen        int
	reconnects int
	closed     bool
	started    bool
	lastWrite  time.Time
	sessions   map[string]*senderSession
	ackSignal  chan struct{}
	readerDone chan struct{}

	inflight sync.WaitGroup
	bg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSender creates an unconnected sender.
func NewSender(opts SenderOptions) *Sender {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxInFlight),
		sessions:  make(map[string]*senderSession),
		ackSignal: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect dials host:port, retrying with exponential backoff. A dial that
// exceeds ConnectTimeout fails with ErrConnectionTimeout; when every attempt
// fails the error wraps ErrConnectionFailed and the last attempt's error.
func (s *Sender) Connect(ctx context.Context, host string, port int) error {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.address = address
	s.mu.Unlock()

	attempts := 1 + s.opts.ReconnectAttempts
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := s.backoff(attempt - 1)
			logrus.WithFields(logrus.Fields{
				"function": "Connect",
				"address":  address,
				"attempt":  attempt + 1,
				"delay":    delay.String(),
				"error":    lastErr.Error(),
			}).Warn("Connect failed, retrying")
			if err := sleepContext(ctx, delay); err != nil {
				return &OpError{Op: "connect", Addr: address, Err: err}
			}
		}

		conn, err := s.dial(ctx, address)
		if err == nil {
			if err := s.install(conn); err != nil {
				return err
			}
			s.startHealthLoop()
			logrus.WithFields(logrus.Fields{
				"function": "Connect",
				"address":  address,
				"attempt":  attempt + 1,
			}).Info("Connected to receiver")
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return &OpError{
		Op:   "connect",
		Addr: address,
		Err:  fmt.Errorf("%w after %d attempts: %w", ErrConnectionFailed, attempts, lastErr),
	}
}

// backoff returns the delay before retry number n (zero based).
func (s *Sender) backoff(n int) time.Duration {
	d := s.opts.BackoffBase
	for i := 0; i < n && d < s.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > s.opts.BackoffMax {
		d = s.opts.BackoffMax
	}
	return d
}

// dial performs one connection attempt bounded by ConnectTimeout.
func (s *Sender) dial(ctx context.Context, address string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.opts.Dial(dctx, "tcp", address)
	if err != nil {
		if ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v: %w", ErrConnectionTimeout, s.opts.ConnectTimeout, err)
		}
		return nil, err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if s.opts.DSCP > 0 {
		if err := ipv4.NewConn(conn).SetTOS(s.opts.DSCP); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "dial",
				"dscp":     s.opts.DSCP,
				"error":    err.Error(),
			}).Warn("Failed to set TOS")
		}
	}
	return conn, nil
}

// install makes conn the active connection and starts its ack reader.
// A connection that arrives after Close is dropped.
func (s *Sender) install(conn net.Conn) error {
	done := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	old := s.conn
	s.conn = conn
	s.gen++
	s.lastWrite = time.Now()
	s.readerDone = done
	s.bg.Add(1)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go func() {
		defer s.bg.Done()
		defer close(done)
		s.readAcks(conn)
	}()
	return nil
}

// readAcks consumes receiver-to-sender lines until the connection ends.
func (s *Sender) readAcks(conn net.Conn) {
	buffer := NewLineBuffer(0)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			lines, ferr := buffer.Feed(buf[:n])
			if ferr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readAcks",
					"error":    ferr.Error(),
				}).Warn("Discarded oversized receiver line")
			}
			for _, line := range lines {
				msg, perr := ParseMessage(line)
				if perr != nil || msg.Type != MessageAck {
					continue
				}
				s.recordAck(msg.Ack)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Sender) recordAck(ack *AckMessage) {
	s.mu.Lock()
	sess, ok := s.sessions[ack.SessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, dup := sess.acked[ack.Index]; dup {
		s.mu.Unlock()
		return
	}
	sess.acked[ack.Index] = struct{}{}
	progress := fraction(sess.start+len(sess.acked), sess.total)
	close(s.ackSignal)
	s.ackSignal = make(chan struct{})
	s.mu.Unlock()

	s.emit(ChunkEvent{SessionID: ack.SessionID, Index: ack.Index, Status: ChunkAcked, Progress: progress})
}

// Acked returns the number of distinct chunks the receiver acknowledged
// for a session.
func (s *Sender) Acked(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return len(sess.acked)
	}
	return 0
}

// WaitAcked blocks until want chunks of a session are acknowledged or ctx ends.
func (s *Sender) WaitAcked(ctx context.Context, sessionID string, want int) error {
	for {
		s.mu.Lock()
		got := 0
		if sess, ok := s.sessions[sessionID]; ok {
			got = len(sess.acked)
		}
		signal := s.ackSignal
		s.mu.Unlock()

		if got >= want {
			return nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return fmt.Errorf("waiting for acks (%d of %d): %w", got, want, ctx.Err())
		}
	}
}

// Send writes one message as a single line. Writes from concurrent callers
// never interleave.
func (s *Sender) Send(msg any) error {
	line, err := EncodeLine(msg)
	if err != nil {
		return err
	}
	_, err = s.writeLine(line)
	return err
}

// writeLine writes line on the active connection and returns the
// connection generation it used.
func (s *Sender) writeLine(line []byte) (int, error) {
	s.mu.Lock()
	conn, gen, closed, address := s.conn, s.gen, s.closed, s.address
	s.mu.Unlock()
	if conn == nil {
		if closed {
			return gen, ErrClosed
		}
		return gen, ErrNotConnected
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	_, err := conn.Write(line)
	s.writeMu.Unlock()
	if err != nil {
		return gen, &OpError{Op: "write", Addr: address, Err: fmt.Errorf("%w: %w", ErrWrite, err)}
	}

	s.mu.Lock()
	s.lastWrite = time.Now()
	s.mu.Unlock()
	return gen, nil
}

// reconnect replaces the connection of generation failedGen. Concurrent
// callers that saw the same failure share one dial.
func (s *Sender) reconnect(ctx context.Context, failedGen int) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.gen != failedGen && s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.reconnects >= s.opts.ReconnectAttempts {
		s.mu.Unlock()
		return fmt.Errorf("%w: reconnect budget of %d exhausted", ErrConnectionFailed, s.opts.ReconnectAttempts)
	}
	attempt := s.reconnects
	s.reconnects++
	address := s.address
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	delay := s.backoff(attempt)
	logrus.WithFields(logrus.Fields{
		"function": "reconnect",
		"address":  address,
		"attempt":  attempt + 1,
		"delay":    delay.String(),
	}).Warn("Reconnecting to receiver")

	// Close cancels a reconnect that is still waiting or dialing.
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := sleepContext(rctx, delay); err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}

	conn, err := s.dial(rctx, address)
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return &OpError{Op: "reconnect", Addr: address, Err: err}
	}
	return s.install(conn)
}

// Reconnects returns how many reconnects the sender has made.
func (s *Sender) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// InFlight returns the number of chunk operations currently holding a slot.
func (s *Sender) InFlight() int {
	return len(s.sem)
}

// beginOp registers an in-flight chunk operation unless the sender is closed.
func (s *Sender) beginOp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.inflight.Add(1)
	return nil
}

func (s *Sender) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Sender) release() {
	<-s.sem
}

// turn orders first write attempts of consecutive chunks.
type turn struct {
	prev <-chan struct{}
	next chan struct{}
	once sync.Once
}

func (t *turn) wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *turn) done() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.next) })
}

// SendChunk encodes and writes one chunk, retrying with reconnects on
// write failure.
func (s *Sender) SendChunk(ctx context.Context, sessionID string, c chunk.Chunk, meta FileMeta) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.inflight.Done()
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.trackSession(sessionID, meta.TotalChunks)
	return s.sendChunk(ctx, sessionID, c, meta, nil)
}

func (s *Sender) sendChunk(ctx context.Context, sessionID string, c chunk.Chunk, meta FileMeta, t *turn) error {
	defer t.done()
	s.emit(ChunkEvent{SessionID: sessionID, Index: c.Index, Status: ChunkStarted, Progress: s.progress(sessionID)})

	line, err := s.encodeChunk(sessionID, c, meta)
	if err != nil {
		s.emit(ChunkEvent{SessionID: sessionID, Index: c.Index, Status: ChunkFailed, Err: err})
		return fmt.Errorf("%w: chunk %d: %w", ErrChunkFailed, c.Index, err)
	}

	for attempt := 0; ; attempt++ {
		if attempt == 0 {
			if err := t.wait(ctx); err != nil {
				return err
			}
		}
		gen, err := s.writeLine(line)
		if attempt == 0 {
			t.done()
		}
		if err == nil {
			s.emit(ChunkEvent{SessionID: sessionID, Index: c.Index, Status: ChunkSent, Attempt: attempt, Progress: s.markSent(sessionID)})
			return nil
		}

		if attempt >= s.opts.ChunkRetryAttempts || ctx.Err() != nil || errors.Is(err, ErrClosed) {
			logrus.WithFields(logrus.Fields{
				"function":   "sendChunk",
				"session_id": sessionID,
				"index":      c.Index,
				"attempts":   attempt + 1,
				"error":      err.Error(),
			}).Error("Chunk send failed")
			s.emit(ChunkEvent{SessionID: sessionID, Index: c.Index, Status: ChunkFailed, Attempt: attempt, Err: err})
			return fmt.Errorf("%w: chunk %d: %w", ErrChunkFailed, c.Index, err)
		}

		s.emit(ChunkEvent{SessionID: sessionID, Index: c.Index, Status: ChunkRetrying, Attempt: attempt + 1, Err: err})
		if err := sleepContext(ctx, s.opts.RetryDelay*time.Duration(attempt+1)); err != nil {
			return err
		}
		if rerr := s.reconnect(ctx, gen); rerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendChunk",
				"index":    c.Index,
				"error":    rerr.Error(),
			}).Warn("Reconnect failed")
		}
	}
}

func (s *Sender) encodeChunk(sessionID string, c chunk.Chunk, meta FileMeta) ([]byte, error) {
	enc, err := s.opts.Codec.Encode(c.Payload, c.Index)
	if err != nil {
		return nil, err
	}
	msg := NewChunkMessage(sessionID, enc)
	msg.FileName = meta.FileName
	msg.MimeType = meta.MimeType
	msg.TotalChunks = meta.TotalChunks
	msg.IsLastChunk = c.IsLastChunk
	return EncodeLine(msg)
}

// SendFile streams a file as one session. At most MaxInFlight chunks are
// outstanding; the next chunk is not read until a slot frees. First write
// attempts go out in index order. After the data chunks a completion
// message is sent.
func (s *Sender) SendFile(ctx context.Context, store interfaces.FileStore, path string, opts SendFileOptions) (*SendResult, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.opts.ChunkSize
	}
	src, err := chunk.OpenFrom(store, path, chunkSize, opts.StartIndex)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	meta := FileMeta{
		FileName:    opts.FileName,
		MimeType:    opts.MimeType,
		TotalChunks: src.TotalChunks(),
	}
	if meta.FileName == "" {
		meta.FileName = filepath.Base(path)
	}
	if meta.MimeType == "" {
		meta.MimeType = mime.TypeByExtension(filepath.Ext(meta.FileName))
	}
	if meta.MimeType == "" {
		meta.MimeType = "application/octet-stream"
	}

	s.trackSession(sessionID, meta.TotalChunks)
	s.resumeSession(sessionID, opts.StartIndex)
	result := &SendResult{SessionID: sessionID, FileName: meta.FileName, TotalChunks: meta.TotalChunks}

	logrus.WithFields(logrus.Fields{
		"function":     "SendFile",
		"session_id":   sessionID,
		"file_name":    meta.FileName,
		"size":         src.Size(),
		"total_chunks": meta.TotalChunks,
		"codec":        s.opts.Codec.Name(),
	}).Info("Starting file transfer")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		readErr error
	)
	prev := make(chan struct{})
	close(prev)

	for {
		if err := s.acquire(ctx); err != nil {
			readErr = err
			break
		}
		c, err := src.Next()
		if err != nil {
			s.release()
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		if err := s.beginOp(); err != nil {
			s.release()
			readErr = err
			break
		}

		t := &turn{prev: prev, next: make(chan struct{})}
		prev = t.next

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.inflight.Done()
			defer s.release()
			err := s.sendChunk(ctx, sessionID, c, meta, t)
			mu.Lock()
			if err != nil {
				result.Failed = append(result.Failed, c.Index)
			} else {
				result.Sent++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Ints(result.Failed)

	if readErr != nil {
		return result, readErr
	}
	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%w: %d of %d chunks", ErrChunkFailed, len(result.Failed), meta.TotalChunks)
	}

	if err := s.sendCompletion(sessionID, meta); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SendFile",
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Completion message not sent")
	}

	if opts.WaitForAcks {
		wctx := ctx
		if opts.AckTimeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, opts.AckTimeout)
			defer cancel()
		}
		err := s.WaitAcked(wctx, sessionID, meta.TotalChunks-opts.StartIndex)
		result.Acked = s.Acked(sessionID)
		if err != nil {
			return result, err
		}
	}
	result.Acked = s.Acked(sessionID)

	logrus.WithFields(logrus.Fields{
		"function":   "SendFile",
		"session_id": sessionID,
		"sent":       result.Sent,
		"acked":      result.Acked,
	}).Info("File transfer sent")
	return result, nil
}

// sendCompletion writes the metadata-only completion marker.
func (s *Sender) sendCompletion(sessionID string, meta FileMeta) error {
	msg := &ChunkMessage{
		SessionID:           sessionID,
		Index:               meta.TotalChunks - 1,
		FileName:            meta.FileName,
		MimeType:            meta.MimeType,
		TotalChunks:         meta.TotalChunks,
		IsCompletionMessage: true,
	}
	return s.Send(msg)
}

func (s *Sender) trackSession(sessionID string, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		if total > sess.total {
			sess.total = total
		}
		return
	}
	s.sessions[sessionID] = &senderSession{total: total, acked: make(map[int]struct{})}
}

// resumeSession marks the chunks before start as already delivered.
func (s *Sender) resumeSession(sessionID string, start int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok && start > sess.start {
		sess.start = start
	}
}

func (s *Sender) markSent(sessionID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	sess.sent++
	return fraction(sess.start+sess.sent, sess.total)
}

func (s *Sender) progress(sessionID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return fraction(sess.start+sess.sent, sess.total)
	}
	return 0
}

func fraction(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	if n >= total {
		return 1
	}
	return float64(n) / float64(total)
}

func (s *Sender) emit(ev ChunkEvent) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// startHealthLoop launches the keepalive goroutine once.
func (s *Sender) startHealthLoop() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.bg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.bg.Done()
		s.healthLoop()
	}()
}

// healthLoop pings an idle connection and reconnects when the ping fails.
func (s *Sender) healthLoop() {
	ticker := time.NewTicker(s.opts.HealthCheckInterval)
	defer ticker.Stop()

	ping, _ := EncodeLine(&PingMessage{Type: MessagePing})
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idle := time.Since(s.lastWrite)
		s.mu.Unlock()
		if idle < s.opts.HealthCheckInterval {
			continue
		}

		gen, err := s.writeLine(ping)
		if err == nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "healthLoop",
			"error":    err.Error(),
		}).Warn("Keepalive failed")
		if rerr := s.reconnect(s.ctx, gen); rerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "healthLoop",
				"error":    rerr.Error(),
			}).Error("Giving up on receiver connection")
			return
		}
	}
}

// Close waits up to DrainTimeout for in-flight chunks, half-closes the
// connection so buffered writes reach the receiver, and releases it.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(s.opts.DrainTimeout)
	if !waitTimeout(&s.inflight, s.opts.DrainTimeout) {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"timeout":  s.opts.DrainTimeout.String(),
		}).Warn("Closing with chunks still in flight")
	}
	s.cancel()

	s.mu.Lock()
	conn, readerDone := s.conn, s.readerDone
	s.conn = nil
	s.mu.Unlock()

	var err error
	if conn != nil {
		s.writeMu.Lock()
		if tcp, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = tcp.CloseWrite()
			// Let the receiver read to EOF and answer before we drop the socket.
			_ = conn.SetReadDeadline(deadline)
			if readerDone != nil {
				<-readerDone
			}
		}
		err = conn.Close()
		s.writeMu.Unlock()
	}
	s.bg.Wait()
	return err
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
