package codec

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// PlaceholderIVSize is the size of the random IV mixed into the hash.
const PlaceholderIVSize = 12

// Placeholder encodes payloads as plain base64 and attaches a BLAKE2b-256
// digest over iv, index and payload. It detects corruption, not tampering:
// anyone can recompute the digest.
type Placeholder struct {
	// RequireHash rejects chunks that arrive without a hash.
	// When false, a missing hash is accepted as a plain base64 payload.
	RequireHash bool

	random io.Reader
}

// NewPlaceholder creates a placeholder codec that accepts unhashed chunks.
func NewPlaceholder() *Placeholder {
	return &Placeholder{random: rand.Reader}
}

// Name implements Codec.
func (p *Placeholder) Name() string { return "placeholder-blake2b" }

// Encode implements Codec.
func (p *Placeholder) Encode(payload []byte, index int) (Encoded, error) {
	iv := make([]byte, PlaceholderIVSize)
	if _, err := io.ReadFull(p.randomReader(), iv); err != nil {
		return Encoded{}, fmt.Errorf("generate iv: %w", err)
	}

	sum := p.digest(iv, index, payload)
	return Encoded{
		Index: index,
		IV:    hex.EncodeToString(iv),
		Data:  base64.StdEncoding.EncodeToString(payload),
		Hash:  hex.EncodeToString(sum[:]),
	}, nil
}

// Decode implements Codec.
func (p *Placeholder) Decode(enc Encoded) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(enc.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}

	if enc.Hash == "" {
		if p.RequireHash {
			return nil, fmt.Errorf("%w: chunk %d has no hash", ErrIntegrity, enc.Index)
		}
		return payload, nil
	}

	iv, err := hex.DecodeString(enc.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformed, err)
	}
	want, err := hex.DecodeString(enc.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %v", ErrMalformed, err)
	}

	got := p.digest(iv, enc.Index, payload)
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		logrus.WithFields(logrus.Fields{
			"function": "Placeholder.Decode",
			"index":    enc.Index,
			"size":     len(payload),
		}).Warn("Chunk hash mismatch")
		return nil, fmt.Errorf("%w: chunk %d", ErrIntegrity, enc.Index)
	}
	return payload, nil
}

func (p *Placeholder) digest(iv []byte, index int, payload []byte) [blake2b.Size256]byte {
	buf := make([]byte, 0, len(iv)+8+len(payload))
	buf = append(buf, iv...)
	buf = append(buf, indexBytes(index)...)
	buf = append(buf, payload...)
	return blake2b.Sum256(buf)
}

func (p *Placeholder) randomReader() io.Reader {
	if p.random == nil {
		return rand.Reader
	}
	return p.random
}
