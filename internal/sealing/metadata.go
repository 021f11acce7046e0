package sealing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ageHeader is the first line of every age file.
var ageHeader = []byte("age-encryption.org/")

// Device describes the capturing hardware.
type Device struct {
	Platform string `json:"platform,omitempty"`
	Model    string `json:"model,omitempty"`
	OS       string `json:"os,omitempty"`
	App      string `json:"app,omitempty"`
}

// Location is an optional capture position, included only when the user
// permits it.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
}

// CaptureMetadata is sealed alongside a fingerprint.
type CaptureMetadata struct {
	FileName    string    `json:"file_name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	CapturedAt  time.Time `json:"captured_at"`
	Device      *Device   `json:"device,omitempty"`
	Location    *Location `json:"location,omitempty"`
}

// Sealer encodes metadata for the ledger. Without a keyring, metadata is
// stored as plain JSON.
type Sealer struct {
	keyring *Keyring
}

// NewSealer creates a Sealer. k may be nil.
func NewSealer(k *Keyring) *Sealer {
	return &Sealer{keyring: k}
}

// Encrypted reports whether Seal encrypts.
func (s *Sealer) Encrypted() bool { return s.keyring != nil }

// Seal encodes m.
func (s *Sealer) Seal(m *CaptureMetadata) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if s.keyring == nil {
		return raw, nil
	}
	return s.keyring.EncryptBytes(raw)
}

// Open decodes bytes produced by Seal.
func (s *Sealer) Open(sealed []byte) (*CaptureMetadata, error) {
	raw := sealed
	if bytes.HasPrefix(sealed, ageHeader) {
		if s.keyring == nil {
			return nil, ErrNoKeyring
		}
		plain, err := s.keyring.DecryptBytes(sealed)
		if err != nil {
			return nil, err
		}
		raw = plain
	}

	var m CaptureMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &m, nil
}
