package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// MemoryVault keeps payloads in memory.
type MemoryVault struct {
	mu       sync.RWMutex
	payloads map[fingerprint.Key][]byte
}

var _ Vault = (*MemoryVault)(nil)

// NewMemoryVault creates an empty MemoryVault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{payloads: make(map[fingerprint.Key][]byte)}
}

// Put implements Vault.
func (v *MemoryVault) Put(_ context.Context, key fingerprint.Key, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.payloads[key]; !ok {
		v.payloads[key] = data
	}
	return nil
}

// Open implements Vault.
func (v *MemoryVault) Open(_ context.Context, key fingerprint.Key) (io.ReadCloser, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	data, ok := v.payloads[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists implements Vault.
func (v *MemoryVault) Exists(_ context.Context, key fingerprint.Key) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.payloads[key]
	return ok, nil
}

// Delete implements Vault.
func (v *MemoryVault) Delete(_ context.Context, key fingerprint.Key) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.payloads, key)
	return nil
}

// Len returns the number of stored payloads.
func (v *MemoryVault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.payloads)
}
