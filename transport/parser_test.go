package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/opd-ai/filedrop/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLineBufferPartialReads verifies that lines split across arbitrary
// segment boundaries are reassembled exactly once and in order.
func TestLineBufferPartialReads(t *testing.T) {
	stream := append(chunkLine(t, "s1", 0, "first chunk"), chunkLine(t, "s1", 1, "second chunk")...)
	stream = append(stream, []byte("  \n\r\n")...)
	stream = append(stream, chunkLine(t, "s1", 2, "third chunk")...)

	tests := []struct {
		name      string
		chunkSize int
	}{
		{name: "Single byte segments", chunkSize: 1},
		{name: "Two byte segments", chunkSize: 2},
		{name: "Three byte segments", chunkSize: 3},
		{name: "Seven byte segments", chunkSize: 7},
		{name: "Whole stream", chunkSize: len(stream)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newPartialReadConn(stream, tt.chunkSize)
			buffer := NewLineBuffer(0)
			buf := make([]byte, 1024)

			var lines [][]byte
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					got, ferr := buffer.Feed(buf[:n])
					require.NoError(t, ferr)
					lines = append(lines, got...)
				}
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
			}

			require.Len(t, lines, 3)
			for i, line := range lines {
				msg, err := ParseMessage(line)
				require.NoError(t, err)
				assert.Equal(t, i, msg.Chunk.Index)
			}
			assert.Equal(t, 0, buffer.Pending())
		})
	}
}

func TestLineBufferKeepsPartialTail(t *testing.T) {
	buffer := NewLineBuffer(0)

	lines, err := buffer.Feed([]byte(`{"type":"ping"}` + "\n" + `{"type":`))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"type":"ping"}`, string(lines[0]))
	assert.Equal(t, len(`{"type":`), buffer.Pending())

	lines, err = buffer.Feed([]byte(`"ping"}` + "\n"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"type":"ping"}`, string(lines[0]))
}

func TestLineBufferReturnedLinesAreOwned(t *testing.T) {
	buffer := NewLineBuffer(0)
	lines, err := buffer.Feed([]byte("abc\ndef"))
	require.NoError(t, err)
	require.Len(t, lines, 1)

	_, err = buffer.Feed([]byte("ghi\n"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(lines[0]))
}

func TestLineBufferOverflow(t *testing.T) {
	buffer := NewLineBuffer(16)

	lines, err := buffer.Feed(bytes.Repeat([]byte("x"), 20))
	assert.True(t, errors.Is(err, limits.ErrLineTooLong))
	assert.Empty(t, lines)
	assert.Equal(t, 0, buffer.Pending())

	// The tail of the oversized line is skipped up to its newline.
	lines, err = buffer.Feed([]byte("yyyy\nok\n"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "ok", string(lines[0]))
}

func TestLineBufferOversizedCompleteLine(t *testing.T) {
	buffer := NewLineBuffer(4)

	lines, err := buffer.Feed([]byte("toolong\nfine\n"))
	assert.True(t, errors.Is(err, limits.ErrLineTooLong))
	require.Len(t, lines, 1)
	assert.Equal(t, "fine", string(lines[0]))
}

func TestLineBufferReset(t *testing.T) {
	buffer := NewLineBuffer(0)
	_, err := buffer.Feed([]byte("partial"))
	require.NoError(t, err)
	buffer.Reset()
	assert.Equal(t, 0, buffer.Pending())

	lines, err := buffer.Feed([]byte("line\n"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "line", string(lines[0]))
}
