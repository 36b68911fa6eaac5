// Package codec wraps chunk payloads into a text-safe wire form carrying an
// integrity token, and unwraps them on receipt.
package codec

import (
	"encoding/binary"
	"errors"
)

// ErrIntegrity indicates a decoded chunk failed its integrity check.
var ErrIntegrity = errors.New("chunk integrity check failed")

// ErrMalformed indicates an encoded chunk could not be decoded at all.
var ErrMalformed = errors.New("malformed encoded chunk")

// Encoded is the wire-safe form of one chunk payload.
// Data is always base64 so it never contains a newline.
type Encoded struct {
	Index int
	IV    string
	Data  string
	Hash  string
}

// Codec transforms payloads to and from their wire form. Implementations must
// be safe for concurrent use by multiple goroutines.
type Codec interface {
	// Encode wraps payload, binding it to index.
	Encode(payload []byte, index int) (Encoded, error)

	// Decode unwraps enc, returning ErrIntegrity if the token does not match.
	Decode(enc Encoded) ([]byte, error)

	// Name identifies the codec in logs.
	Name() string
}

// indexBytes returns the big-endian form of index used as associated data.
func indexBytes(index int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(index))
	return b[:]
}
