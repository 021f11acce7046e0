package evidence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Item
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]*Item)}
}

func (r *MemoryRepository) Create(_ context.Context, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.Key == item.Key {
			return errDuplicateKey
		}
	}
	if _, ok := r.items[item.ID]; ok {
		return fmt.Errorf("evidence item %s already exists", item.ID)
	}
	r.items[item.ID] = item.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.clone(), nil
}

func (r *MemoryRepository) FindByKey(_ context.Context, key fingerprint.Key) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, it := range r.items {
		if it.Key == key {
			return it.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) List(_ context.Context, owner string, vis Visibility) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Item
	for _, it := range r.items {
		if it.Owner == owner && (vis == "" || it.Visibility == vis) {
			out = append(out, it.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Transition(_ context.Context, id uuid.UUID, owner string, from, to Visibility, at time.Time) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok || it.Owner != owner {
		return nil, ErrNotFound
	}
	if it.Visibility != from {
		return it.clone(), errStale
	}
	it.Visibility = to
	it.UpdatedAt = at
	switch to {
	case Binned:
		t := at
		it.BinnedAt = &t
	case Destroyed:
		t := at
		it.DestroyedAt = &t
	}
	return it.clone(), nil
}

func (r *MemoryRepository) UpdateAnalysis(_ context.Context, id uuid.UUID, a Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Analysis = a
	if a.Score != nil {
		s := *a.Score
		it.Analysis.Score = &s
	}
	return nil
}

func (r *MemoryRepository) MarkPurged(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	it.PayloadPurged = true
	return nil
}

func (r *MemoryRepository) ListUnpurged(_ context.Context, limit int) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Item
	for _, it := range r.items {
		if it.Visibility == Destroyed && !it.PayloadPurged {
			out = append(out, it.clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListPendingAnalysis(_ context.Context, limit int) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Item
	for _, it := range r.items {
		if it.Visibility != Destroyed && it.Analysis.State == analysis.StatePending && it.Analysis.JobID != "" {
			out = append(out, it.clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
