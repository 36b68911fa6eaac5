package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2Iterations is the number of iterations for passphrase key derivation.
const PBKDF2Iterations = 100000

// Sealed encrypts payloads with ChaCha20-Poly1305. The chunk index is bound
// as associated data so a chunk replayed under another index fails to open.
type Sealed struct {
	aead   cipher.AEAD
	random io.Reader
}

// NewSealed creates a sealing codec from a 32-byte key.
func NewSealed(key []byte) (*Sealed, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return &Sealed{aead: aead, random: rand.Reader}, nil
}

// DeriveKey stretches a shared passphrase into a chunk key with
// PBKDF2-SHA256. Both peers must use the same passphrase and salt.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New), nil
}

// Name implements Codec.
func (s *Sealed) Name() string { return "chacha20poly1305" }

// Encode implements Codec.
func (s *Sealed) Encode(payload []byte, index int) (Encoded, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return Encoded{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, payload, indexBytes(index))
	return Encoded{
		Index: index,
		IV:    base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decode implements Codec.
func (s *Sealed) Decode(enc Encoded) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformed, err)
	}
	if len(nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrMalformed, len(nonce))
	}
	sealed, err := base64.StdEncoding.DecodeString(enc.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}

	payload, err := s.aead.Open(nil, nonce, sealed, indexBytes(enc.Index))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sealed.Decode",
			"index":    enc.Index,
		}).Warn("Chunk failed authentication")
		return nil, fmt.Errorf("%w: chunk %d", ErrIntegrity, enc.Index)
	}
	return payload, nil
}

// WipeKey overwrites key material once a codec holds its own copy.
// NewSealed copies the key, so callers may wipe theirs right after it returns.
func WipeKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
	runtime.KeepAlive(key)
}
