// Package chunk slices local files into bounded-size, index-ordered chunks.
package chunk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"sync"

	"github.com/opd-ai/filedrop/interfaces"
	"github.com/opd-ai/filedrop/limits"
	"github.com/sirupsen/logrus"
)

// ErrFileNotFound indicates the source file does not exist.
var ErrFileNotFound = errors.New("file not found")

// ErrEmptyFile indicates the source file has no content to transfer.
var ErrEmptyFile = errors.New("file is empty")

// ErrSourceClosed indicates Next was called after Close.
var ErrSourceClosed = errors.New("chunk source closed")

// ReadError reports a failed read at a given file offset.
// It is fatal to the sequence that produced it.
type ReadError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Chunk is one slice of a source file.
type Chunk struct {
	Index       int
	Offset      int64
	Payload     []byte
	IsLastChunk bool
}

// Count returns the number of chunks a file of size bytes splits into.
func Count(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Source lazily produces the chunks of one file. It is single-pass: once
// consumed or failed it stays exhausted, and a fresh Source must be opened to
// read the file again.
type Source struct {
	path      string
	size      int64
	chunkSize int
	reader    interfaces.RangeReader

	mu     sync.Mutex
	offset int64
	err    error
	closed bool
}

// Open validates path and returns a Source positioned at the first chunk.
func Open(store interfaces.FileStore, path string, chunkSize int) (*Source, error) {
	return OpenFrom(store, path, chunkSize, 0)
}

// OpenFrom is Open positioned at chunk startIndex, for restarting a
// transfer at session-start granularity.
func OpenFrom(store interfaces.FileStore, path string, chunkSize, startIndex int) (*Source, error) {
	if err := limits.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	info, err := store.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	total := Count(info.Size, chunkSize)
	if startIndex < 0 || startIndex >= total {
		return nil, fmt.Errorf("start index %d out of range [0, %d)", startIndex, total)
	}

	reader, err := store.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "OpenFrom",
		"path":         path,
		"size":         info.Size,
		"chunk_size":   chunkSize,
		"total_chunks": total,
		"start_index":  startIndex,
	}).Debug("Opened chunk source")

	return &Source{
		path:      path,
		size:      info.Size,
		chunkSize: chunkSize,
		reader:    reader,
		offset:    int64(startIndex) * int64(chunkSize),
	}, nil
}

// Size returns the source file size in bytes.
func (s *Source) Size() int64 { return s.size }

// ChunkSize returns the configured chunk size.
func (s *Source) ChunkSize() int { return s.chunkSize }

// TotalChunks returns the number of chunks covering the whole file.
func (s *Source) TotalChunks() int { return Count(s.size, s.chunkSize) }

// Next returns the next chunk, or io.EOF once the file is exhausted.
// A read failure is returned as *ReadError and repeated on every later call.
func (s *Source) Next() (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Chunk{}, ErrSourceClosed
	}
	if s.err != nil {
		return Chunk{}, s.err
	}
	if s.offset >= s.size {
		return Chunk{}, io.EOF
	}

	length := int64(s.chunkSize)
	if remaining := s.size - s.offset; remaining < length {
		length = remaining
	}

	buf := make([]byte, length)
	n, err := s.reader.ReadAt(buf, s.offset)
	if int64(n) < length {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		s.err = &ReadError{Path: s.path, Offset: s.offset, Err: err}
		logrus.WithFields(logrus.Fields{
			"function": "Next",
			"path":     s.path,
			"offset":   s.offset,
			"error":    err.Error(),
		}).Error("Chunk read failed")
		return Chunk{}, s.err
	}

	c := Chunk{
		Index:       int(s.offset / int64(s.chunkSize)),
		Offset:      s.offset,
		Payload:     buf,
		IsLastChunk: s.offset+length >= s.size,
	}
	s.offset += length
	return c, nil
}

// All returns the remaining chunks as a single-use sequence. Iteration stops
// after the last chunk or after yielding a non-nil error.
func (s *Source) All() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for {
			c, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the underlying file handle.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}
