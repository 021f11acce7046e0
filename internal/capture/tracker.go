package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type trackedSession struct {
	session   *Session
	expiresAt time.Time // zero while the session is live
}

// Tracker indexes sessions by id so callers can poll them. Terminal
// sessions are kept for a retention period and then evicted.
type Tracker struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*trackedSession
	retention time.Duration
	now       func() time.Time
}

// NewTracker creates a Tracker that keeps finished sessions for retention.
func NewTracker(retention time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		sessions:  make(map[uuid.UUID]*trackedSession),
		retention: retention,
		now:       now,
	}
}

func (t *Tracker) add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID()] = &trackedSession{session: s}
}

// Get returns a tracked session.
func (t *Tracker) Get(id uuid.UUID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.sessions[id]
	if !ok || (!e.expiresAt.IsZero() && t.now().After(e.expiresAt)) {
		return nil, false
	}
	return e.session, true
}

// retire starts the retention clock for a finished session.
func (t *Tracker) retire(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[id]; ok {
		e.expiresAt = t.now().Add(t.retention)
	}
}

// Evict removes expired sessions and returns how many were removed.
func (t *Tracker) Evict() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for id, e := range t.sessions {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(t.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked sessions, including expired ones not
// yet evicted.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Active returns the number of sessions that have not finished.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.sessions {
		if e.expiresAt.IsZero() {
			n++
		}
	}
	return n
}

// Run evicts expired sessions every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Evict()
		}
	}
}
