package file

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/filedrop/codec"
	"github.com/opd-ai/filedrop/interfaces"
	"github.com/opd-ai/filedrop/limits"
	"github.com/opd-ai/filedrop/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrReassembly indicates a session could not be turned into a file.
	ErrReassembly = errors.New("reassembly failed")

	// ErrMissingChunk indicates a gap before the expected chunk count.
	ErrMissingChunk = errors.New("missing chunk")

	// ErrIndexOutOfRange indicates a chunk index at or beyond the declared total.
	ErrIndexOutOfRange = errors.New("chunk index out of range")

	// ErrSessionExpired indicates a session dropped after sitting idle.
	ErrSessionExpired = errors.New("session expired")

	// ErrClosed indicates the reassembler has been closed.
	ErrClosed = errors.New("reassembler closed")
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Progress is reported for every newly stored chunk.
type Progress struct {
	SessionID string
	Received  int
	// Total is zero while the chunk count is unknown.
	Total int
}

// Completed is reported once per finalization attempt. Err is nil exactly
// once per session, when the file has been written.
type Completed struct {
	SessionID string
	FileName  string
	Path      string
	MimeType  string
	Size      int64
	Chunks    int
	Err       error
}

// SessionStatus describes an open session.
type SessionStatus struct {
	SessionID    string
	FileName     string
	MimeType     string
	Received     int
	Total        int
	Finalizing   bool
	LastActivity time.Time
}

// Options configures a Reassembler.
type Options struct {
	OutputDir string

	// SingleChunkSettle is the delay before a lone chunk without a known
	// total is finalized.
	SingleChunkSettle time.Duration
	// LargeCountThreshold feeds LargeCountPolicy in the default chain.
	LargeCountThreshold int
	// Policies replaces the default completion chain when non-empty.
	Policies []CompletionPolicy

	// IdleTimeout drops sessions untouched this long. Negative disables expiry.
	IdleTimeout     time.Duration
	JanitorInterval time.Duration

	OnComplete func(Completed)
	OnProgress func(Progress)
	OnError    func(sessionID string, err error)

	TimeProvider TimeProvider
}

// DefaultOptions returns the stock reassembler settings.
func DefaultOptions() Options {
	return Options{
		OutputDir:           ".",
		SingleChunkSettle:   500 * time.Millisecond,
		LargeCountThreshold: 100,
		IdleTimeout:         5 * time.Minute,
		JanitorInterval:     30 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.OutputDir == "" {
		o.OutputDir = d.OutputDir
	}
	if o.SingleChunkSettle <= 0 {
		o.SingleChunkSettle = d.SingleChunkSettle
	}
	if o.LargeCountThreshold <= 0 {
		o.LargeCountThreshold = d.LargeCountThreshold
	}
	if len(o.Policies) == 0 {
		o.Policies = DefaultPolicies(o.SingleChunkSettle, o.LargeCountThreshold)
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = d.JanitorInterval
		if o.IdleTimeout > 0 && o.IdleTimeout/4 < o.JanitorInterval {
			o.JanitorInterval = max(o.IdleTimeout/4, time.Millisecond)
		}
	}
	if o.TimeProvider == nil {
		o.TimeProvider = DefaultTimeProvider{}
	}
}

// maxRecentSessions caps the completed-session memory used to drop late
// duplicates when idle expiry is disabled.
const maxRecentSessions = 4096

type checkMode int

const (
	checkNormal checkMode = iota
	checkSettled
	checkForced
)

// session accumulates the chunks of one transfer. It is only touched with
// Reassembler.mu held.
type session struct {
	id            string
	chunks        map[int][]byte
	fileName      string
	mimeType      string
	declaredTotal int
	lastIndex     int
	maxIndex      int
	received      int
	lastActivity  time.Time
	finalizing    bool
	settling      bool
	failedAt      int
}

func newSession(id string, now time.Time) *session {
	return &session{
		id:           id,
		chunks:       make(map[int][]byte),
		lastIndex:    -1,
		maxIndex:     -1,
		lastActivity: now,
		failedAt:     -1,
	}
}

// total returns the expected chunk count, zero while unknown.
func (s *session) total() int {
	if s.declaredTotal > 0 {
		return s.declaredTotal
	}
	if s.lastIndex >= 0 {
		return s.lastIndex + 1
	}
	return 0
}

// learn records metadata from the first message that carries it.
func (s *session) learn(msg *transport.ChunkMessage) {
	if s.fileName == "" && msg.FileName != "" {
		s.fileName = msg.FileName
	}
	if s.mimeType == "" && msg.MimeType != "" {
		s.mimeType = msg.MimeType
	}
	if s.declaredTotal == 0 && msg.TotalChunks > 0 {
		s.declaredTotal = msg.TotalChunks
	}
	if msg.IsLastChunk && msg.Index >= 0 && s.lastIndex < 0 {
		s.lastIndex = msg.Index
	}
}

func (s *session) view(forced bool) SessionView {
	return SessionView{
		SessionID:     s.id,
		Received:      s.received,
		Total:         s.total(),
		TotalDeclared: s.declaredTotal > 0,
		MaxIndex:      s.maxIndex,
		Forced:        forced,
	}
}

func (s *session) status() SessionStatus {
	return SessionStatus{
		SessionID:    s.id,
		FileName:     s.fileName,
		MimeType:     s.mimeType,
		Received:     s.received,
		Total:        s.total(),
		Finalizing:   s.finalizing,
		LastActivity: s.lastActivity,
	}
}

// finalizeJob is the snapshot a finalization goroutine works from.
type finalizeJob struct {
	sessionID string
	fileName  string
	mimeType  string
	count     int
	received  int
	chunks    map[int][]byte
	policy    string
}

// Reassembler owns every open transfer session, detects completion and
// writes finished files through a FileStore. It implements
// transport.ChunkProcessor and is safe for concurrent use.
type Reassembler struct {
	store interfaces.FileStore
	codec codec.Codec
	opts  Options

	mu        sync.Mutex
	sessions  map[string]*session
	recent    map[string]time.Time
	timers    map[uint64]*time.Timer
	nextTimer uint64
	closed    bool

	wg   sync.WaitGroup
	stop chan struct{}
}

var _ transport.ChunkProcessor = (*Reassembler)(nil)

// NewReassembler creates a reassembler writing into opts.OutputDir. A nil
// codec selects codec.NewPlaceholder.
func NewReassembler(store interfaces.FileStore, c codec.Codec, opts Options) *Reassembler {
	opts.applyDefaults()
	if c == nil {
		c = codec.NewPlaceholder()
	}
	r := &Reassembler{
		store:    store,
		codec:    c,
		opts:     opts,
		sessions: make(map[string]*session),
		recent:   make(map[string]time.Time),
		timers:   make(map[uint64]*time.Timer),
		stop:     make(chan struct{}),
	}

	if opts.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.janitor()
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewReassembler",
		"output_dir":   opts.OutputDir,
		"codec":        c.Name(),
		"idle_timeout": opts.IdleTimeout.String(),
		"simulation":   store.IsSimulation(),
	}).Info("Reassembler ready")
	return r
}

// ProcessChunk decodes and stores one chunk. Duplicates, and chunks for a
// session that already completed, are accepted as no-ops.
func (r *Reassembler) ProcessChunk(msg *transport.ChunkMessage) error {
	if msg == nil {
		return errors.New("nil chunk message")
	}
	if err := limits.ValidateSessionID(msg.SessionID); err != nil {
		return err
	}

	carriesData := !msg.IsMetadataOnly()
	var payload []byte
	if carriesData {
		if msg.Index < 0 {
			return fmt.Errorf("%w: negative index %d", ErrIndexOutOfRange, msg.Index)
		}
		p, err := r.codec.Decode(msg.Encoded())
		if err != nil {
			return fmt.Errorf("session %s chunk %d: %w", msg.SessionID, msg.Index, err)
		}
		payload = p
	}

	var progress *Progress

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, done := r.recent[msg.SessionID]; done {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "ProcessChunk",
			"session_id": msg.SessionID,
			"index":      msg.Index,
		}).Debug("Ignoring chunk for completed session")
		return nil
	}

	s, ok := r.sessions[msg.SessionID]
	if !ok {
		s = newSession(msg.SessionID, r.opts.TimeProvider.Now())
		r.sessions[msg.SessionID] = s
		logrus.WithFields(logrus.Fields{
			"function":   "ProcessChunk",
			"session_id": msg.SessionID,
			"file_name":  msg.FileName,
		}).Info("New transfer session")
	}
	s.lastActivity = r.opts.TimeProvider.Now()
	s.learn(msg)

	if carriesData {
		if total := s.total(); total > 0 && msg.Index >= total {
			r.mu.Unlock()
			return fmt.Errorf("%w: session %s index %d, total %d", ErrIndexOutOfRange, msg.SessionID, msg.Index, total)
		}
		if _, dup := s.chunks[msg.Index]; !dup {
			s.chunks[msg.Index] = payload
			s.received++
			if msg.Index > s.maxIndex {
				s.maxIndex = msg.Index
			}
			progress = &Progress{SessionID: s.id, Received: s.received, Total: s.total()}
		}
	}

	r.evaluateLocked(s, checkNormal)
	r.mu.Unlock()

	if progress != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "ProcessChunk",
			"session_id": progress.SessionID,
			"index":      msg.Index,
			"received":   progress.Received,
			"total":      progress.Total,
		}).Debug("Chunk stored")
		if r.opts.OnProgress != nil {
			r.opts.OnProgress(*progress)
		}
	}
	return nil
}

// evaluateLocked runs the policy chain and either starts finalization or
// arms a settle timer. r.mu must be held.
func (r *Reassembler) evaluateLocked(s *session, mode checkMode) {
	if s.finalizing || r.closed {
		return
	}
	if mode != checkForced && s.failedAt >= 0 && s.failedAt == s.received {
		// Nothing new since the last failed attempt.
		return
	}

	view := s.view(mode == checkForced)
	for _, p := range r.opts.Policies {
		d := p.Evaluate(view)
		if !d.Complete {
			continue
		}
		if d.Settle > 0 && mode == checkNormal {
			if !s.settling {
				s.settling = true
				id := s.id
				r.afterLocked(d.Settle, func() { r.check(id, checkSettled) })
			}
			return
		}
		r.startFinalizeLocked(s, p.Name())
		return
	}
}

// afterLocked runs fn after delay unless the reassembler closes first.
// r.mu must be held.
func (r *Reassembler) afterLocked(delay time.Duration, fn func()) {
	id := r.nextTimer
	r.nextTimer++
	r.timers[id] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		_, live := r.timers[id]
		delete(r.timers, id)
		r.mu.Unlock()
		if live {
			fn()
		}
	})
}

func (r *Reassembler) check(sessionID string, mode checkMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if mode == checkSettled {
		s.settling = false
	}
	r.evaluateLocked(s, mode)
}

// startFinalizeLocked snapshots s and writes it out on a new goroutine.
// r.mu must be held.
func (r *Reassembler) startFinalizeLocked(s *session, policy string) {
	s.finalizing = true
	job := finalizeJob{
		sessionID: s.id,
		fileName:  s.fileName,
		mimeType:  s.mimeType,
		count:     s.total(),
		received:  s.received,
		chunks:    make(map[int][]byte, len(s.chunks)),
		policy:    policy,
	}
	if job.count == 0 {
		job.count = s.maxIndex + 1
	}
	for idx, p := range s.chunks {
		job.chunks[idx] = p
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.finalize(job)
	}()
}

// finalize assembles and writes one session, then reports the outcome.
func (r *Reassembler) finalize(job finalizeJob) {
	result := Completed{SessionID: job.sessionID, MimeType: job.mimeType, Chunks: job.count}

	data, err := assemble(job)
	if err == nil {
		name := OutputName(job.fileName, job.mimeType, job.sessionID)
		var path string
		path, err = writeUnique(r.store, r.opts.OutputDir, name, data)
		if err != nil {
			err = fmt.Errorf("%w: session %s: %w", ErrReassembly, job.sessionID, err)
		} else {
			result.Path = path
			result.FileName = filepath.Base(path)
			result.Size = int64(len(data))
		}
	}
	result.Err = err

	r.mu.Lock()
	if s, ok := r.sessions[job.sessionID]; ok {
		if err != nil {
			s.finalizing = false
			s.failedAt = job.received
		} else {
			delete(r.sessions, job.sessionID)
			r.rememberLocked(job.sessionID)
		}
	}
	r.mu.Unlock()

	fields := logrus.Fields{
		"function":   "finalize",
		"session_id": job.sessionID,
		"policy":     job.policy,
		"chunks":     job.count,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Reassembly failed")
	} else {
		fields["path"] = result.Path
		fields["size"] = result.Size
		logrus.WithFields(fields).Info("File reassembled")
	}

	if r.opts.OnComplete != nil {
		r.opts.OnComplete(result)
	}
}

// rememberLocked records a completed session so late chunks are dropped.
// r.mu must be held.
func (r *Reassembler) rememberLocked(sessionID string) {
	if len(r.recent) >= maxRecentSessions {
		var oldestID string
		var oldest time.Time
		for id, at := range r.recent {
			if oldestID == "" || at.Before(oldest) {
				oldestID, oldest = id, at
			}
		}
		delete(r.recent, oldestID)
	}
	r.recent[sessionID] = r.opts.TimeProvider.Now()
}

// assemble concatenates chunks 0..count-1, failing on the first gap.
func assemble(job finalizeJob) ([]byte, error) {
	if job.count <= 0 {
		return nil, fmt.Errorf("%w: session %s holds no chunks", ErrReassembly, job.sessionID)
	}

	size := 0
	for idx := 0; idx < job.count; idx++ {
		p, ok := job.chunks[idx]
		if !ok {
			return nil, fmt.Errorf("%w: session %s: %w %d of %d", ErrReassembly, job.sessionID, ErrMissingChunk, idx, job.count)
		}
		size += len(p)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	for idx := 0; idx < job.count; idx++ {
		buf.Write(job.chunks[idx])
	}
	return buf.Bytes(), nil
}

// ScheduleCompletionCheck runs a forced completion check for a session
// after delay. It tolerates a final chunk that overtakes earlier ones.
func (r *Reassembler) ScheduleCompletionCheck(sessionID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.afterLocked(delay, func() { r.check(sessionID, checkForced) })
}

// ForceCheckAllSessions re-runs completion detection on every open session.
func (r *Reassembler) ForceCheckAllSessions() {
	r.mu.Lock()
	defer r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ForceCheckAllSessions",
		"sessions": len(r.sessions),
	}).Info("Forcing completion checks")

	for _, s := range r.sessions {
		r.evaluateLocked(s, checkForced)
	}
}

// IncompleteSessions returns the number of sessions not yet written out.
func (r *Reassembler) IncompleteSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Session returns the status of an open session.
func (r *Reassembler) Session(sessionID string) (SessionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionStatus{}, false
	}
	return s.status(), true
}

// Sessions returns the status of every open session ordered by id.
func (r *Reassembler) Sessions() []SessionStatus {
	r.mu.Lock()
	out := make([]SessionStatus, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.status())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// janitor periodically expires idle sessions.
func (r *Reassembler) janitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.expireIdle()
		}
	}
}

// expireIdle drops sessions idle longer than IdleTimeout and forgets
// completed sessions older than that.
func (r *Reassembler) expireIdle() {
	type expiredSession struct {
		id       string
		received int
		idle     time.Duration
	}
	var expired []expiredSession

	r.mu.Lock()
	for id, s := range r.sessions {
		idle := r.opts.TimeProvider.Since(s.lastActivity)
		if s.finalizing || idle <= r.opts.IdleTimeout {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, expiredSession{id: id, received: s.received, idle: idle})
	}
	for id, at := range r.recent {
		if r.opts.TimeProvider.Since(at) > r.opts.IdleTimeout {
			delete(r.recent, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		err := fmt.Errorf("%w: session %s idle for %v with %d chunks", ErrSessionExpired, e.id, e.idle, e.received)
		logrus.WithFields(logrus.Fields{
			"function":   "expireIdle",
			"session_id": e.id,
			"received":   e.received,
			"idle":       e.idle.String(),
		}).Warn("Expired idle session")
		if r.opts.OnError != nil {
			r.opts.OnError(e.id, err)
		}
	}
}

// Close cancels pending checks, stops the janitor and waits for running
// finalizations. Open sessions are discarded.
func (r *Reassembler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	open := len(r.sessions)
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":      "Close",
		"open_sessions": open,
	}).Info("Reassembler closed")
	return nil
}
