package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// FilesystemVault stores payloads as files under root, sharded by the first
// byte of the key:
//
//	<root>/
//	  ab/
//	    ab3f...e1   (payload named by hex fingerprint)
type FilesystemVault struct {
	root string
}

var _ Vault = (*FilesystemVault)(nil)

// NewFilesystemVault creates the root directory if needed.
func NewFilesystemVault(root string) (*FilesystemVault, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	return &FilesystemVault{root: root}, nil
}

func (v *FilesystemVault) path(key fingerprint.Key) string {
	hex := key.String()
	return filepath.Join(v.root, hex[:2], hex)
}

// Put implements Vault. The payload is written to a temp file in the target
// directory and renamed into place, so readers never see a partial file.
func (v *FilesystemVault) Put(_ context.Context, key fingerprint.Key, r io.Reader) error {
	dest := v.path(key)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close payload: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("commit payload: %w", err)
	}
	return nil
}

// Open implements Vault.
func (v *FilesystemVault) Open(_ context.Context, key fingerprint.Key) (io.ReadCloser, error) {
	f, err := os.Open(v.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return f, nil
}

// Exists implements Vault.
func (v *FilesystemVault) Exists(_ context.Context, key fingerprint.Key) (bool, error) {
	_, err := os.Stat(v.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat payload: %w", err)
}

// Delete implements Vault.
func (v *FilesystemVault) Delete(_ context.Context, key fingerprint.Key) error {
	if err := os.Remove(v.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}
