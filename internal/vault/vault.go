// Package vault stores captured media payloads keyed by fingerprint.
//
// A payload is written once after its fingerprint is sealed and deleted when
// the evidence item that owns it is destroyed. The ledger record outlives the
// payload.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/sealing"
)

// ErrNotFound is returned when no payload is stored under a key.
var ErrNotFound = errors.New("payload not found")

// Vault is a content-addressed payload store.
type Vault interface {
	// Put stores r under key. Storing an existing key is a no-op.
	Put(ctx context.Context, key fingerprint.Key, r io.Reader) error

	// Open returns the payload for key, or ErrNotFound.
	Open(ctx context.Context, key fingerprint.Key) (io.ReadCloser, error)

	// Exists reports whether a payload is stored under key.
	Exists(ctx context.Context, key fingerprint.Key) (bool, error)

	// Delete removes the payload. Deleting a missing key is not an error.
	Delete(ctx context.Context, key fingerprint.Key) error
}

// Config selects and configures a Vault implementation.
type Config struct {
	Type string // "memory", "filesystem" or "s3"
	Root string // filesystem root
	S3   S3Config

	// Keyring, when set, encrypts payloads at rest.
	Keyring *sealing.Keyring
}

// NewFromConfig builds the Vault described by cfg.
func NewFromConfig(ctx context.Context, cfg Config) (Vault, error) {
	var (
		v   Vault
		err error
	)
	switch cfg.Type {
	case "memory", "":
		v = NewMemoryVault()
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem vault requires a root directory")
		}
		v, err = NewFilesystemVault(cfg.Root)
	case "s3":
		v, err = NewS3Vault(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown vault type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Keyring != nil {
		v = NewEncryptedVault(v, cfg.Keyring)
	}
	return v, nil
}
