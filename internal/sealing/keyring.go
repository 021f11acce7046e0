// Package sealing turns capture metadata into the opaque bytes stored with
// a ledger record, and holds the age key used to encrypt metadata and
// payloads at rest.
package sealing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// Keyring is an age X25519 key pair.
type Keyring struct {
	identity *age.X25519Identity
}

// NewKeyring wraps an existing identity.
func NewKeyring(id *age.X25519Identity) *Keyring {
	return &Keyring{identity: id}
}

// GenerateKeyring creates a fresh key pair.
func GenerateKeyring() (*Keyring, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return &Keyring{identity: id}, nil
}

// LoadKeyring reads the first X25519 identity from an age identity file.
func LoadKeyring(path string) (*Keyring, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return &Keyring{identity: x}, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

// Save writes the identity to path with owner-only permissions. It refuses
// to overwrite an existing file.
func (k *Keyring) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create identity file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "# public key: %s\n", k.Recipient())
	if _, err := fmt.Fprintln(f, k.identity.String()); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// Recipient returns the public key in age format.
func (k *Keyring) Recipient() string {
	return k.identity.Recipient().String()
}

// Encrypt returns a writer that encrypts to the keyring's recipient. The
// writer must be closed to flush the final chunk.
func (k *Keyring) Encrypt(dst io.Writer) (io.WriteCloser, error) {
	w, err := age.Encrypt(dst, k.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("start age encryption: %w", err)
	}
	return w, nil
}

// Decrypt returns a reader over the plaintext of src.
func (k *Keyring) Decrypt(src io.Reader) (io.Reader, error) {
	r, err := age.Decrypt(src, k.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return r, nil
}

// EncryptBytes is Encrypt for small payloads.
func (k *Keyring) EncryptBytes(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := k.Encrypt(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// DecryptBytes is Decrypt for small payloads.
func (k *Keyring) DecryptBytes(sealed []byte) ([]byte, error) {
	r, err := k.Decrypt(bytes.NewReader(sealed))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// ErrNoKeyring is returned when opening encrypted metadata without a key.
var ErrNoKeyring = errors.New("metadata is encrypted but no keyring is configured")
