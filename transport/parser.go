package transport

import (
	"bytes"
	"fmt"

	"github.com/opd-ai/filedrop/limits"
)

// LineBuffer reassembles newline-delimited messages from arbitrary TCP
// segments. It is owned by a single connection and is not safe for
// concurrent use.
type LineBuffer struct {
	buf      []byte
	scanned  int
	max      int
	skipping bool // discarding the tail of an oversized line
}

// NewLineBuffer creates a buffer that discards partial lines longer than max.
// A non-positive max selects limits.MaxLineLength.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = limits.MaxLineLength
	}
	return &LineBuffer{max: max}
}

// Feed appends data and returns every complete line, trimmed of surrounding
// whitespace, with empty lines skipped. Returned slices are owned by the
// caller. When a line grows past the limit it is discarded and an error
// wrapping limits.ErrLineTooLong is returned alongside the good lines.
func (b *LineBuffer) Feed(data []byte) ([][]byte, error) {
	b.buf = append(b.buf, data...)

	var (
		lines   [][]byte
		start   int
		tooLong error
	)
	for {
		i := bytes.IndexByte(b.buf[start+b.scanned:], '\n')
		if i < 0 {
			break
		}
		end := start + b.scanned + i
		line := bytes.TrimSpace(b.buf[start:end])
		if b.skipping {
			b.skipping = false
		} else if len(line) > b.max {
			tooLong = b.overflow(len(line))
		} else if len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		start = end + 1
		b.scanned = 0
	}

	rest := b.buf[start:]
	b.scanned = len(rest)
	if b.skipping || len(rest) > b.max {
		if !b.skipping {
			tooLong = b.overflow(len(rest))
		}
		b.skipping = true
		rest = rest[:0]
		b.scanned = 0
	}
	b.buf = append(b.buf[:0], rest...)

	return lines, tooLong
}

func (b *LineBuffer) overflow(n int) error {
	return fmt.Errorf("%w: %d bytes exceeds limit %d", limits.ErrLineTooLong, n, b.max)
}

// Pending returns the number of buffered bytes not yet terminated by a newline.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Reset drops any buffered partial line.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.scanned = 0
	b.skipping = false
}
