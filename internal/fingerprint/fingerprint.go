// Package fingerprint derives the content key under which captured media is
// sealed.
//
// A Key is the SHA-256 digest of the exact byte content of a file. Hashing is
// total: every finite byte sequence, including the empty one, has a key. For
// large payloads use a Hasher, which is an io.Writer and can sit beside the
// destination of a copy so bytes are hashed while they are being stored.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Size is the length of a Key in bytes.
const Size = sha256.Size

// ErrInvalidKey is returned when parsing a malformed key.
var ErrInvalidKey = errors.New("invalid fingerprint key")

// Key is a content fingerprint.
type Key [Size]byte

// Sum returns the key of b.
func Sum(b []byte) Key {
	return Key(sha256.Sum256(b))
}

// String returns the lowercase hex encoding of k.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is the zero value (no key computed yet).
func (k Key) IsZero() bool {
	return k == Key{}
}

// Bytes returns a copy of the key as a slice.
func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Parse decodes a 64-character hex key. An optional "sha256:" prefix is
// accepted.
func Parse(s string) (Key, error) {
	if len(s) > 7 && s[:7] == "sha256:" {
		s = s[7:]
	}
	if len(s) != hex.EncodedLen(Size) {
		return Key{}, fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidKey, hex.EncodedLen(Size), len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return FromBytes(raw)
}

// FromBytes converts a raw 32-byte digest into a Key.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, Size, len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// Hasher computes a Key incrementally.
type Hasher struct {
	h hash.Hash
	n int64
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write feeds p into the digest. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	n, _ := h.h.Write(p)
	h.n += int64(n)
	return n, nil
}

// Len returns the number of bytes written so far.
func (h *Hasher) Len() int64 { return h.n }

// Key returns the fingerprint of everything written so far. It does not
// change the hasher state.
func (h *Hasher) Key() Key {
	var k Key
	copy(k[:], h.h.Sum(nil))
	return k
}

// Reset discards all written bytes.
func (h *Hasher) Reset() {
	h.h.Reset()
	h.n = 0
}

// FromReader hashes r until EOF and returns the key and number of bytes read.
// The only possible error is a read error from r.
func FromReader(r io.Reader) (Key, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return Key{}, n, fmt.Errorf("read content: %w", err)
	}
	return h.Key(), n, nil
}
