package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
)

// Phase is the state of a capture session.
type Phase string

const (
	Idle      Phase = "idle"
	Capturing Phase = "capturing"
	Sealing   Phase = "sealing"
	Verifying Phase = "verifying"
	Sealed    Phase = "sealed"
	Failed    Phase = "failed"
)

// Terminal reports whether p is Sealed or Failed.
func (p Phase) Terminal() bool { return p == Sealed || p == Failed }

// transitions lists the legal moves. Once the seal has committed a session
// can only end Sealed.
var transitions = map[Phase][]Phase{
	Idle:      {Capturing, Failed},
	Capturing: {Sealing, Failed},
	Sealing:   {Verifying, Failed},
	Verifying: {Sealed},
}

func canAdvance(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// FailureReason explains a Failed session.
type FailureReason string

const (
	// DuplicateCapture means the content was already sealed. It is an
	// expected outcome, not a fault.
	DuplicateCapture FailureReason = "duplicate_capture"

	// LedgerUnavailable means every seal attempt failed in transport. The
	// caller should start a new session.
	LedgerUnavailable FailureReason = "ledger_unavailable"

	// CaptureError means the byte stream or its staging failed.
	CaptureError FailureReason = "capture_error"

	// InvalidRequest means the ledger rejected the seal request.
	InvalidRequest FailureReason = "invalid_request"

	// Abandoned means the caller gave up before sealing started.
	Abandoned FailureReason = "abandoned"
)

// AnalysisStatus is the advisory verdict carried by a session.
type AnalysisStatus struct {
	State     analysis.State    `json:"state"`
	JobID     string            `json:"job_id,omitempty"`
	Score     int               `json:"score,omitempty"`
	Risk      string            `json:"risk,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// TimedOut is set when polling hit its bound before a verdict arrived.
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID       uuid.UUID        `json:"session_id"`
	Creator  string           `json:"creator"`
	Phase    Phase            `json:"phase"`
	Failure  FailureReason    `json:"failure,omitempty"`
	Error    string           `json:"error,omitempty"`
	Key      *fingerprint.Key `json:"fingerprint,omitempty"`
	Size     int64            `json:"size"`
	SealedAt *time.Time       `json:"sealed_at,omitempty"`
	Replayed bool             `json:"replayed,omitempty"`

	// ItemID is the evidence item the session will own. The item only exists
	// once ItemReady is set, which happens as the session ends Sealed after
	// analysis polling. A replayed capture reports the item already recorded
	// for its fingerprint.
	ItemID    uuid.UUID       `json:"item_id"`
	ItemReady bool            `json:"item_ready"`
	Analysis  *AnalysisStatus `json:"analysis,omitempty"`

	History   []Phase   `json:"history"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one capture in flight. All access goes through its methods.
type Session struct {
	mu      sync.Mutex
	snap    Snapshot
	staging string

	fileName    string
	contentType string

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func newSession(creator string, now func() time.Time) *Session {
	t := now()
	return &Session{
		snap: Snapshot{
			ID:        uuid.New(),
			Creator:   creator,
			Phase:     Idle,
			ItemID:    uuid.New(),
			History:   []Phase{Idle},
			StartedAt: t,
			UpdatedAt: t,
		},
		done: make(chan struct{}),
		now:  now,
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.snap.ID }

// Done is closed when the session reaches a terminal phase.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.snap
	c.History = append([]Phase(nil), s.snap.History...)
	if s.snap.Key != nil {
		k := *s.snap.Key
		c.Key = &k
	}
	if s.snap.SealedAt != nil {
		t := *s.snap.SealedAt
		c.SealedAt = &t
	}
	if s.snap.Analysis != nil {
		a := *s.snap.Analysis
		c.Analysis = &a
	}
	return c
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Phase
}

// advance moves the session to `to`, reporting false for an illegal move.
func (s *Session) advance(to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(to)
}

func (s *Session) advanceLocked(to Phase) bool {
	if !canAdvance(s.snap.Phase, to) {
		return false
	}
	s.snap.Phase = to
	s.snap.History = append(s.snap.History, to)
	s.snap.UpdatedAt = s.now()
	if to.Terminal() {
		close(s.done)
	}
	return true
}

func (s *Session) fail(reason FailureReason, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advanceLocked(Failed) {
		return false
	}
	s.snap.Failure = reason
	if err != nil {
		s.snap.Error = err.Error()
	}
	return true
}

func (s *Session) setStaged(path string, key fingerprint.Key, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staging = path
	s.snap.Key = &key
	s.snap.Size = size
}

func (s *Session) setDescription(fileName, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileName = fileName
	s.contentType = contentType
}

func (s *Session) describe() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileName, s.contentType
}

func (s *Session) takeStaging() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.staging
	s.staging = ""
	return p
}

func (s *Session) setSealed(r *ledger.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := r.Record.SealedAt
	s.snap.SealedAt = &t
	s.snap.Replayed = r.Replayed
}

// setItem points the session at a recorded item.
func (s *Session) setItem(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ItemID = id
	s.snap.ItemReady = true
}

func (s *Session) setAnalysis(a AnalysisStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Analysis = &a
	s.snap.UpdatedAt = s.now()
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// stop cancels whatever the session is currently waiting on.
func (s *Session) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
