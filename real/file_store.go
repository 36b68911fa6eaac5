package real

import (
	"fmt"
	"os"

	"github.com/opd-ai/filedrop/interfaces"
	"github.com/sirupsen/logrus"
)

// FileStore implements interfaces.FileStore on top of the OS filesystem.
type FileStore struct {
	dirMode  os.FileMode
	fileMode os.FileMode
}

// NewFileStore creates a new OS-backed file store.
func NewFileStore() *FileStore {
	logrus.WithFields(logrus.Fields{
		"function": "NewFileStore",
	}).Debug("Creating OS file store")

	return &FileStore{
		dirMode:  0o755,
		fileMode: 0o644,
	}
}

// Stat implements interfaces.FileStore.Stat
func (f *FileStore) Stat(path string) (interfaces.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return interfaces.FileInfo{}, err
	}
	if info.IsDir() {
		return interfaces.FileInfo{}, fmt.Errorf("stat %s: is a directory", path)
	}
	return interfaces.FileInfo{Path: path, Size: info.Size()}, nil
}

// Open implements interfaces.FileStore.Open
func (f *FileStore) Open(path string) (interfaces.RangeReader, error) {
	return os.Open(path)
}

// MkdirAll implements interfaces.FileStore.MkdirAll
func (f *FileStore) MkdirAll(dir string) error {
	return os.MkdirAll(dir, f.dirMode)
}

// CreateFile implements interfaces.FileStore.CreateFile.
// The file is created exclusively, synced and closed before returning.
func (f *FileStore) CreateFile(path string, data []byte) error {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, f.fileMode)
	if err != nil {
		return err
	}

	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := fh.Sync(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CreateFile",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Failed to sync file")
	}

	return fh.Close()
}

// IsSimulation implements interfaces.FileStore.IsSimulation
func (f *FileStore) IsSimulation() bool {
	return false
}
