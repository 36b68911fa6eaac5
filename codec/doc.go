// Package codec provides the pluggable chunk payload transform used on the
// wire.
//
// # Implementations
//
//   - Placeholder: base64 payload plus a BLAKE2b-256 digest over a random IV,
//     the chunk index and the payload. It catches corruption only.
//
//   - Sealed: ChaCha20-Poly1305 with the chunk index as associated data.
//     Keys come from DeriveKey (PBKDF2-SHA256 over a shared passphrase).
//
// Callers only see the Codec interface, so swapping one for the other does
// not change the sender, the server or the reassembler:
//
//	key, _ := codec.DeriveKey(passphrase, nil)
//	c, _ := codec.NewSealed(key)
//	enc, _ := c.Encode(payload, index)
//	payload, err := c.Decode(enc) // errors.Is(err, codec.ErrIntegrity) on mismatch
package codec
