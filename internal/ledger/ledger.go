// Package ledger implements the append-only timestamp ledger that anchors
// content fingerprints.
//
// Every key can be sealed exactly once. The ledger assigns SealedAt itself
// from a clock that never runs backwards in commit order, keeps a per-creator
// index in commit order, and never interprets record metadata.
//
// Implementations of the Ledger interface:
//   - MemoryLedger: in-process, for tests and single-process deployments.
//   - PostgresLedger: durable, seals serialised by an advisory lock.
//   - SQLiteLedger: durable single-node store for offline capture hosts.
//   - RedisLedger: seals applied atomically by a Lua script.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

var (
	// ErrAlreadySealed is returned when the key already has a record written
	// by a different seal attempt. It signals duplicate content, not a fault.
	ErrAlreadySealed = errors.New("fingerprint already sealed")

	// ErrUnavailable wraps storage and transport failures. A seal that fails
	// with ErrUnavailable may or may not have committed; retry it with the
	// same AttemptID.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrInvalidRequest is returned for a seal without a key or creator.
	ErrInvalidRequest = errors.New("invalid seal request")
)

// Record is a sealed ledger entry.
type Record struct {
	Key      fingerprint.Key `json:"key"`
	Creator  string          `json:"creator"`
	SealedAt time.Time       `json:"sealed_at"`
	Metadata []byte          `json:"metadata,omitempty"`

	// AttemptID identifies the seal attempt that wrote the record.
	AttemptID string `json:"-"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Metadata != nil {
		c.Metadata = append([]byte(nil), r.Metadata...)
	}
	return &c
}

// SealRequest describes one seal attempt.
type SealRequest struct {
	Key      fingerprint.Key
	Creator  string
	Metadata []byte

	// AttemptID is an optional caller-chosen token. Retrying a seal with the
	// same creator and AttemptID after a lost acknowledgement returns the
	// committed record instead of ErrAlreadySealed.
	AttemptID string
}

func (r SealRequest) validate() error {
	if r.Key.IsZero() {
		return errors.Join(ErrInvalidRequest, errors.New("missing key"))
	}
	if r.Creator == "" {
		return errors.Join(ErrInvalidRequest, errors.New("missing creator"))
	}
	return nil
}

// replays reports whether req is a retry of the attempt that wrote existing.
func (r SealRequest) replays(existing *Record) bool {
	return r.AttemptID != "" &&
		existing.Creator == r.Creator &&
		existing.AttemptID == r.AttemptID
}

// Receipt is the result of a successful Seal.
type Receipt struct {
	Record *Record `json:"record"`

	// Replayed is true when the record was committed by an earlier call
	// with the same AttemptID.
	Replayed bool `json:"replayed"`
}

// Reader is the read side of the ledger.
type Reader interface {
	// Lookup returns the record for key, or nil if the key was never sealed.
	Lookup(ctx context.Context, key fingerprint.Key) (*Record, error)

	// RecordsFor returns the keys sealed by creator in commit order.
	RecordsFor(ctx context.Context, creator string) ([]fingerprint.Key, error)
}

// Ledger is the write-once fingerprint store.
type Ledger interface {
	Reader

	// Seal creates the record for req.Key. It fails with ErrAlreadySealed if
	// the key exists, unless req replays the attempt that created it.
	Seal(ctx context.Context, req SealRequest) (*Receipt, error)

	// Subscribe registers fn to be called synchronously after every new
	// commit. Replayed seals do not notify.
	Subscribe(fn Observer)
}

// SealedBefore reports whether key was sealed strictly before cutoff. It is
// false for unsealed keys.
func SealedBefore(ctx context.Context, r Reader, key fingerprint.Key, cutoff time.Time) (bool, error) {
	rec, err := r.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return rec.SealedAt.Before(cutoff), nil
}
