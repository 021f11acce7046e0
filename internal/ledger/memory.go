package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// MemoryLedger is an in-memory, thread-safe Ledger. Records do not survive
// a restart.
type MemoryLedger struct {
	observers

	mu      sync.RWMutex
	clock   Clock
	last    time.Time
	records map[fingerprint.Key]*Record
	index   map[string][]fingerprint.Key
}

var _ Ledger = (*MemoryLedger)(nil)

// New creates an empty MemoryLedger.
func New(opts ...Option) *MemoryLedger {
	o := buildOptions(opts)
	return &MemoryLedger{
		clock:   o.clock,
		records: make(map[fingerprint.Key]*Record),
		index:   make(map[string][]fingerprint.Key),
	}
}

// Seal implements Ledger.
func (l *MemoryLedger) Seal(ctx context.Context, req SealRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if existing, ok := l.records[req.Key]; ok {
		l.mu.Unlock()
		if req.replays(existing) {
			return &Receipt{Record: existing.clone(), Replayed: true}, nil
		}
		return nil, ErrAlreadySealed
	}

	rec := &Record{
		Key:       req.Key,
		Creator:   req.Creator,
		SealedAt:  nextStamp(l.clock.Now(), l.last),
		AttemptID: req.AttemptID,
	}
	if req.Metadata != nil {
		rec.Metadata = append([]byte(nil), req.Metadata...)
	}
	l.last = rec.SealedAt
	l.records[req.Key] = rec
	l.index[req.Creator] = append(l.index[req.Creator], req.Key)
	l.mu.Unlock()

	l.notify(ctx, rec)
	return &Receipt{Record: rec.clone()}, nil
}

// Lookup implements Reader.
func (l *MemoryLedger) Lookup(_ context.Context, key fingerprint.Key) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[key].clone(), nil
}

// RecordsFor implements Reader.
func (l *MemoryLedger) RecordsFor(_ context.Context, creator string) ([]fingerprint.Key, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]fingerprint.Key, len(l.index[creator]))
	copy(keys, l.index[creator])
	return keys, nil
}

// Len returns the number of sealed records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
