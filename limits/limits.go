// Package limits provides centralized size limits for the filedrop wire protocol.
// This ensures consistent validation between the chunk source, the sender and
// the receiving server.
package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the chunk size used when none is configured (64 KiB).
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the smallest accepted chunk size.
	MinChunkSize = 1

	// MaxChunkSize is the largest accepted chunk size (4 MiB).
	// Larger chunks make a single wire line too expensive to buffer.
	MaxChunkSize = 4 * 1024 * 1024

	// SealOverhead is the AEAD tag added to every sealed chunk payload.
	// This is the Poly1305 tag appended by chacha20poly1305.Seal.
	SealOverhead = 16 // golang.org/x/crypto/chacha20poly1305.Overhead

	// MaxLineLength bounds a single newline-delimited message on the wire.
	// It covers a base64 encoded MaxChunkSize payload plus envelope fields.
	MaxLineLength = (MaxChunkSize+SealOverhead+2)/3*4 + 64*1024

	// MaxFileNameLength is the maximum allowed file name length in bytes.
	// The value matches typical filesystem limits.
	MaxFileNameLength = 255

	// MaxSessionIDLength bounds the sessionId field of incoming messages.
	MaxSessionIDLength = 128
)

var (
	// ErrChunkSizeInvalid indicates a chunk size outside [MinChunkSize, MaxChunkSize].
	ErrChunkSizeInvalid = errors.New("invalid chunk size")

	// ErrLineTooLong indicates a wire line exceeded MaxLineLength.
	ErrLineTooLong = errors.New("line too long")

	// ErrFileNameTooLong indicates a file name longer than MaxFileNameLength.
	ErrFileNameTooLong = errors.New("file name too long")

	// ErrSessionIDInvalid indicates an empty or oversized session identifier.
	ErrSessionIDInvalid = errors.New("invalid session id")
)

// ValidateChunkSize validates a configured chunk size.
// Returns an error with context including the actual value and the bounds.
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrChunkSizeInvalid, size, MinChunkSize, MaxChunkSize)
	}
	return nil
}

// ValidateLineLength validates the length of a buffered, not yet delimited line.
func ValidateLineLength(length int) error {
	if length > MaxLineLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrLineTooLong, length, MaxLineLength)
	}
	return nil
}

// ValidateFileName validates a file name against MaxFileNameLength.
// Empty names are accepted; callers substitute a generated name.
func ValidateFileName(name string) error {
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFileNameTooLong, len(name), MaxFileNameLength)
	}
	return nil
}

// ValidateSessionID validates the sessionId carried by a wire message.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrSessionIDInvalid)
	}
	if len(id) > MaxSessionIDLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrSessionIDInvalid, len(id), MaxSessionIDLength)
	}
	return nil
}
