package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

func testCodecs(t *testing.T) map[string]Codec {
	t.Helper()
	key, err := DeriveKey("correct horse", []byte("salt"))
	require.NoError(t, err)
	sealed, err := NewSealed(key)
	require.NoError(t, err)
	return map[string]Codec{
		"placeholder": NewPlaceholder(),
		"sealed":      sealed,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("a"),
		[]byte("line one\nline two\n"),
		bytes.Repeat([]byte{0x00, 0xff, '\n'}, 1000),
	}

	for name, c := range testCodecs(t) {
		t.Run(name, func(t *testing.T) {
			for i, payload := range payloads {
				enc, err := c.Encode(payload, i)
				require.NoError(t, err)
				assert.Equal(t, i, enc.Index)
				assert.False(t, strings.ContainsAny(enc.Data, "\r\n"), "data must be line safe")

				got, err := c.Decode(enc)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(payload, got), "payload %d mismatch", i)
			}
		})
	}
}

func TestCodecDetectsCorruption(t *testing.T) {
	for name, c := range testCodecs(t) {
		t.Run(name, func(t *testing.T) {
			enc, err := c.Encode([]byte("important bytes"), 3)
			require.NoError(t, err)

			raw, err := base64.StdEncoding.DecodeString(enc.Data)
			require.NoError(t, err)
			raw[0] ^= 0x01
			enc.Data = base64.StdEncoding.EncodeToString(raw)

			_, err = c.Decode(enc)
			assert.True(t, errors.Is(err, ErrIntegrity), "got %v", err)
		})
	}
}

func TestCodecBindsIndex(t *testing.T) {
	for name, c := range testCodecs(t) {
		t.Run(name, func(t *testing.T) {
			enc, err := c.Encode([]byte("chunk seven"), 7)
			require.NoError(t, err)

			enc.Index = 8
			_, err = c.Decode(enc)
			assert.True(t, errors.Is(err, ErrIntegrity), "got %v", err)
		})
	}
}

func TestCodecMalformedData(t *testing.T) {
	for name, c := range testCodecs(t) {
		t.Run(name, func(t *testing.T) {
			enc, err := c.Encode([]byte("x"), 0)
			require.NoError(t, err)
			enc.Data = "%%% not base64 %%%"

			_, err = c.Decode(enc)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestPlaceholderMissingHash(t *testing.T) {
	p := NewPlaceholder()
	plain := Encoded{Index: 0, Data: base64.StdEncoding.EncodeToString([]byte("plain"))}

	got, err := p.Decode(plain)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(got))

	p.RequireHash = true
	_, err = p.Decode(plain)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestSealedWrongKey(t *testing.T) {
	k1, err := DeriveKey("alpha", nil)
	require.NoError(t, err)
	k2, err := DeriveKey("beta", nil)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	a, err := NewSealed(k1)
	require.NoError(t, err)
	b, err := NewSealed(k2)
	require.NoError(t, err)

	enc, err := a.Encode([]byte("secret"), 1)
	require.NoError(t, err)
	_, err = b.Decode(enc)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestDeriveKeyValidation(t *testing.T) {
	_, err := DeriveKey("", nil)
	assert.Error(t, err)

	key, err := DeriveKey("correct horse", []byte("salt"))
	require.NoError(t, err)
	assert.Len(t, key, chacha20poly1305.KeySize)
	assert.Equal(t, pbkdf2.Key([]byte("correct horse"), []byte("salt"), PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New), key)

	again, err := DeriveKey("correct horse", []byte("salt"))
	require.NoError(t, err)
	assert.Equal(t, key, again)

	salted, err := DeriveKey("correct horse", []byte("pepper"))
	require.NoError(t, err)
	assert.NotEqual(t, key, salted)

	_, err = NewSealed([]byte("short"))
	assert.Error(t, err)
}

func TestWipeKeyAfterNewSealed(t *testing.T) {
	key, err := DeriveKey("wipe me", []byte("salt"))
	require.NoError(t, err)
	s, err := NewSealed(key)
	require.NoError(t, err)

	WipeKey(key)
	assert.Equal(t, make([]byte, len(key)), key)

	enc, err := s.Encode([]byte("still works"), 0)
	require.NoError(t, err)
	other, err := DeriveKey("wipe me", []byte("salt"))
	require.NoError(t, err)
	peer, err := NewSealed(other)
	require.NoError(t, err)
	plain, err := peer.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, []byte("still works"), plain)
}
