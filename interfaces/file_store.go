package interfaces

import (
	"io"
	"time"
)

// FileInfo describes a file known to a FileStore.
type FileInfo struct {
	Path string
	Size int64
}

// RangeReader reads byte ranges of an opened file.
type RangeReader interface {
	io.ReaderAt
	io.Closer
}

// FileStore defines the file access capability used by the transfer engine.
// This abstraction allows switching between simulation and real filesystem implementations.
type FileStore interface {
	// Stat reports the size of the file at path.
	// A missing file yields an error matching fs.ErrNotExist.
	Stat(path string) (FileInfo, error)

	// Open opens the file at path for ranged reads.
	Open(path string) (RangeReader, error)

	// MkdirAll creates the directory and any missing parents.
	MkdirAll(dir string) error

	// CreateFile writes data to a new file at path.
	// It fails with an error matching fs.ErrExist if the path is taken.
	CreateFile(path string, data []byte) error

	// IsSimulation returns true if this is a simulation implementation
	IsSimulation() bool
}

// TransferConfig holds configuration shared by the sender, the receiver and
// the reassembler.
type TransferConfig struct {
	// UseSimulation selects the in-memory file store instead of the OS filesystem
	UseSimulation bool

	// ChunkSize is the slice size in bytes used by the chunk source
	ChunkSize int

	// MaxInFlight bounds concurrent encode+send operations per sender
	MaxInFlight int

	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration

	// ReconnectAttempts caps exponential-backoff reconnects
	ReconnectAttempts int

	// ChunkRetryAttempts caps resends of a single chunk
	ChunkRetryAttempts int

	// HealthCheckInterval is the idle keepalive period
	HealthCheckInterval time.Duration

	// DrainTimeout bounds how long close waits for outstanding writes
	DrainTimeout time.Duration

	// Port is the receiver listen port and the sender's default peer port
	Port int

	// BindHost is the receiver bind address
	BindHost string

	// OutputDir is where reassembled files are written
	OutputDir string

	// SessionIdleTimeout expires sessions that stop receiving chunks; zero disables expiry
	SessionIdleTimeout time.Duration
}
