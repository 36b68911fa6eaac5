package file

import (
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/filedrop/chunk"
	"github.com/opd-ai/filedrop/codec"
	simstore "github.com/opd-ai/filedrop/testing"
	"github.com/opd-ai/filedrop/transport"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// harness wires a reassembler to an in-memory store and captures callbacks.
type harness struct {
	r         *Reassembler
	store     *simstore.SimulatedFileStore
	completed chan Completed

	mu       sync.Mutex
	progress []Progress
	errs     []error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:     simstore.NewSimulatedFileStore(),
		completed: make(chan Completed, 16),
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "/out"
	}
	opts.OnComplete = func(c Completed) { h.completed <- c }
	opts.OnProgress = func(p Progress) {
		h.mu.Lock()
		h.progress = append(h.progress, p)
		h.mu.Unlock()
	}
	opts.OnError = func(_ string, err error) {
		h.mu.Lock()
		h.errs = append(h.errs, err)
		h.mu.Unlock()
	}
	h.r = NewReassembler(h.store, codec.NewPlaceholder(), opts)
	t.Cleanup(func() { h.r.Close() })
	return h
}

func (h *harness) feed(t *testing.T, msgs ...*transport.ChunkMessage) {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, h.r.ProcessChunk(msg))
	}
}

func (h *harness) waitComplete(t *testing.T) Completed {
	t.Helper()
	select {
	case c := <-h.completed:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion reported")
		return Completed{}
	}
}

func (h *harness) assertNoCompletion(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case c := <-h.completed:
		t.Fatalf("unexpected completion for %s (err %v)", c.SessionID, c.Err)
	case <-time.After(wait):
	}
}

// fileMeta controls which optional fields splitFile sets.
type fileMeta struct {
	fileName  string
	mimeType  string
	withTotal bool
	withLast  bool
}

// splitFile runs data through the chunk source and the placeholder codec,
// producing the wire messages a sender would write.
func splitFile(t *testing.T, sessionID string, data []byte, chunkSize int, meta fileMeta) []*transport.ChunkMessage {
	t.Helper()
	store := simstore.NewSimulatedFileStore()
	store.AddFile("/src", data)
	src, err := chunk.Open(store, "/src", chunkSize)
	require.NoError(t, err)
	defer src.Close()

	enc := codec.NewPlaceholder()
	var msgs []*transport.ChunkMessage
	for c, err := range src.All() {
		require.NoError(t, err)
		e, err := enc.Encode(c.Payload, c.Index)
		require.NoError(t, err)
		msg := transport.NewChunkMessage(sessionID, e)
		msg.FileName = meta.fileName
		msg.MimeType = meta.mimeType
		if meta.withTotal {
			msg.TotalChunks = src.TotalChunks()
		}
		msg.IsLastChunk = meta.withLast && c.IsLastChunk
		msgs = append(msgs, msg)
	}
	return msgs
}

func allMeta(name string) fileMeta {
	return fileMeta{fileName: name, withTotal: true, withLast: true}
}
