package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sirupsen/logrus"
)

// transfersBucket holds one JSON encoded Record per completed transfer.
const transfersBucket = "transfers"

// openTimeout bounds how long Open waits for another process's file lock.
const openTimeout = time.Second

// ErrClosed indicates the ledger has been closed.
var ErrClosed = errors.New("ledger closed")

// Record describes one file written by the receiver.
type Record struct {
	SessionID   string    `json:"sessionId"`
	FileName    string    `json:"fileName"`
	Path        string    `json:"path"`
	MimeType    string    `json:"mimeType,omitempty"`
	Size        int64     `json:"size"`
	Chunks      int       `json:"chunks"`
	Remote      string    `json:"remote,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Ledger persists completed transfers in a bolt database. Keys are
// big-endian completion timestamps followed by a sequence number, so a
// cursor walk returns records in completion order.
type Ledger struct {
	db     *bolt.DB
	path   string
	seq    atomic.Uint32
	closed atomic.Bool
}

// Open opens or creates the ledger database at path, creating parent
// directories as needed.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(transfersBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", transfersBucket, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Info("Transfer ledger opened")
	return &Ledger{db: db, path: path}, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) key(at time.Time) []byte {
	k := make([]byte, 12)
	binary.BigEndian.PutUint64(k[:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint32(k[8:], l.seq.Add(1))
	return k
}

// Record stores r. A zero CompletedAt is set to the current time.
func (l *Ledger) Record(r Record) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record for session %s: %w", r.SessionID, err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(transfersBucket))
		if b == nil {
			return fmt.Errorf("bucket '%s' not found", transfersBucket)
		}
		return b.Put(l.key(r.CompletedAt), value)
	})
	if err != nil {
		return fmt.Errorf("store record for session %s: %w", r.SessionID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Record",
		"session_id": r.SessionID,
		"path":       r.Path,
	}).Debug("Transfer recorded")
	return nil
}

// List returns records in completion order. A positive limit keeps only
// the most recent limit records.
func (l *Ledger) List(limit int) ([]Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(transfersBucket))
		if b == nil {
			return fmt.Errorf("bucket '%s' not found", transfersBucket)
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %x: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of stored records.
func (l *Ledger) Count() (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(transfersBucket)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close closes the database. Further calls are no-ops.
func (l *Ledger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.db.Close()
}
