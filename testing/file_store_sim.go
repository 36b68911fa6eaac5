package testing

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/opd-ai/filedrop/interfaces"
	"github.com/sirupsen/logrus"
)

// ErrInjected is returned by operations a test asked to fail.
var ErrInjected = errors.New("simulated failure")

// SimulatedFileStore implements interfaces.FileStore entirely in memory
type SimulatedFileStore struct {
	files     map[string][]byte
	dirs      map[string]bool
	readFault map[string]int64
	failWrite error
	writeLog  []WriteRecord
	mu        sync.RWMutex
}

// WriteRecord represents a CreateFile call for testing verification
type WriteRecord struct {
	Path    string
	Size    int
	Success bool
	Error   error
}

// NewSimulatedFileStore creates a new empty in-memory file store
func NewSimulatedFileStore() *SimulatedFileStore {
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedFileStore",
	}).Debug("Creating simulated file store")

	return &SimulatedFileStore{
		files:     make(map[string][]byte),
		dirs:      make(map[string]bool),
		readFault: make(map[string]int64),
	}
}

// AddFile places a file into the store, replacing any previous content
func (s *SimulatedFileStore) AddFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[filepath.Clean(path)] = append([]byte(nil), data...)
}

// ReadFile returns a copy of a stored file
func (s *SimulatedFileStore) ReadFile(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[filepath.Clean(path)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Files returns the paths of all stored files
func (s *SimulatedFileStore) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	return paths
}

// FailReadsFrom makes every ReadAt on path that reaches past offset fail with ErrInjected
func (s *SimulatedFileStore) FailReadsFrom(path string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readFault[filepath.Clean(path)] = offset
}

// FailWrites makes CreateFile fail with err; nil restores normal behavior
func (s *SimulatedFileStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = err
}

// GetWriteLog returns a copy of all CreateFile calls
func (s *SimulatedFileStore) GetWriteLog() []WriteRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := make([]WriteRecord, len(s.writeLog))
	copy(log, s.writeLog)
	return log
}

// Stat implements interfaces.FileStore.Stat
func (s *SimulatedFileStore) Stat(path string) (interfaces.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[filepath.Clean(path)]
	if !ok {
		return interfaces.FileInfo{}, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return interfaces.FileInfo{Path: path, Size: int64(len(data))}, nil
}

// Open implements interfaces.FileStore.Open
func (s *SimulatedFileStore) Open(path string) (interfaces.RangeReader, error) {
	clean := filepath.Clean(path)

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[clean]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	faultAt, faulty := s.readFault[clean]
	if !faulty {
		faultAt = -1
	}
	return &simReader{data: data, faultAt: faultAt}, nil
}

// MkdirAll implements interfaces.FileStore.MkdirAll
func (s *SimulatedFileStore) MkdirAll(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[filepath.Clean(dir)] = true
	return nil
}

// CreateFile implements interfaces.FileStore.CreateFile
func (s *SimulatedFileStore) CreateFile(path string, data []byte) error {
	clean := filepath.Clean(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	_, exists := s.files[clean]
	switch {
	case s.failWrite != nil:
		err = fmt.Errorf("create %s: %w", path, s.failWrite)
	case exists:
		err = &fs.PathError{Op: "create", Path: path, Err: fs.ErrExist}
	default:
		s.files[clean] = append([]byte(nil), data...)
	}

	s.writeLog = append(s.writeLog, WriteRecord{
		Path:    clean,
		Size:    len(data),
		Success: err == nil,
		Error:   err,
	})

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SimulatedFileStore.CreateFile",
			"path":     clean,
			"error":    err.Error(),
		}).Debug("Simulated write failed")
	}
	return err
}

// IsSimulation implements interfaces.FileStore.IsSimulation
func (s *SimulatedFileStore) IsSimulation() bool {
	return true
}

// simReader serves ReadAt from a snapshot of the file contents.
type simReader struct {
	data    []byte
	faultAt int64
	closed  bool
}

func (r *simReader) ReadAt(p []byte, off int64) (int, error) {
	if r.closed {
		return 0, fs.ErrClosed
	}
	if r.faultAt >= 0 && off+int64(len(p)) > r.faultAt {
		return 0, ErrInjected
	}
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *simReader) Close() error {
	r.closed = true
	return nil
}
