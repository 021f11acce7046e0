package vault

import (
	"context"
	"fmt"
	"io"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/sealing"
)

// EncryptedVault encrypts payloads with age before handing them to the
// wrapped vault. Keys stay the fingerprint of the plaintext.
type EncryptedVault struct {
	inner   Vault
	keyring *sealing.Keyring
}

var _ Vault = (*EncryptedVault)(nil)

// NewEncryptedVault wraps inner.
func NewEncryptedVault(inner Vault, k *sealing.Keyring) *EncryptedVault {
	return &EncryptedVault{inner: inner, keyring: k}
}

// Put implements Vault.
func (v *EncryptedVault) Put(ctx context.Context, key fingerprint.Key, r io.Reader) error {
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		w, err := v.keyring.Encrypt(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(w, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(w.Close())
	}()

	if err := v.inner.Put(ctx, key, pr); err != nil {
		return fmt.Errorf("store encrypted payload: %w", err)
	}
	return nil
}

// Open implements Vault.
func (v *EncryptedVault) Open(ctx context.Context, key fingerprint.Key) (io.ReadCloser, error) {
	rc, err := v.inner.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := v.keyring.Decrypt(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{plain, rc}, nil
}

// Exists implements Vault.
func (v *EncryptedVault) Exists(ctx context.Context, key fingerprint.Key) (bool, error) {
	return v.inner.Exists(ctx, key)
}

// Delete implements Vault.
func (v *EncryptedVault) Delete(ctx context.Context, key fingerprint.Key) error {
	return v.inner.Delete(ctx, key)
}
