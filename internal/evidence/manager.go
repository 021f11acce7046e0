// Package evidence owns the lifecycle of evidence items: the deletable,
// account-owned wrapper around a sealed fingerprint and its stored payload.
//
// An item moves Active ⇄ Binned → Destroyed. Destroyed is terminal and can
// only be reached from Binned. Destroying an item removes its payload from
// the vault; the ledger record it wraps is never touched.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
	"github.com/jmerrifield20/trustedcapture/internal/vault"
)

var (
	// ErrNotFound is returned for unknown items and for items owned by
	// another account.
	ErrNotFound = errors.New("evidence item not found")

	// ErrNotActive is returned by SoftDelete for an item that is not Active.
	ErrNotActive = errors.New("evidence item is not active")

	// ErrNotBinned is returned by Restore and Destroy for an item that is not
	// in the recycle bin.
	ErrNotBinned = errors.New("evidence item is not in the recycle bin")

	// ErrNotSealed is returned by Create when the key has no ledger record.
	ErrNotSealed = errors.New("fingerprint is not sealed")

	// ErrDestroyed is returned when reading the payload of a destroyed item.
	ErrDestroyed = errors.New("evidence item has been destroyed")

	// ErrKeyClaimed is returned by Create when another account already holds
	// the item for the fingerprint.
	ErrKeyClaimed = errors.New("fingerprint belongs to another account's evidence item")
)

// IsStateError reports whether err is a lifecycle-state violation.
func IsStateError(err error) bool {
	return errors.Is(err, ErrNotActive) || errors.Is(err, ErrNotBinned) || errors.Is(err, ErrDestroyed)
}

// DestroyHook is called after an item has been destroyed.
type DestroyHook func(ctx context.Context, item *Item)

// Manager enforces the evidence state machine.
type Manager struct {
	repo     Repository
	records  ledger.Reader
	payloads vault.Vault
	analysis analysis.Service
	now      func() time.Time
	hooks    []DestroyHook
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow overrides the wall clock used for transition timestamps.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAnalysis lets the Manager refresh pending verdicts and include
// findings in reports.
func WithAnalysis(svc analysis.Service) Option {
	return func(m *Manager) { m.analysis = svc }
}

// NewManager creates a Manager.
func NewManager(repo Repository, records ledger.Reader, payloads vault.Vault, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		records:  records,
		payloads: payloads,
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnDestroy registers fn to run after every successful Destroy.
func (m *Manager) OnDestroy(fn DestroyHook) {
	m.hooks = append(m.hooks, fn)
}

func (m *Manager) stamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// Create records a new Active item for a sealed key. A fingerprint has at
// most one item: if owner already holds one for req.Key it is returned
// unchanged, so a retried capture never produces a second item sharing the
// same payload.
func (m *Manager) Create(ctx context.Context, req NewItem) (*Item, error) {
	if req.Owner == "" {
		return nil, errors.New("evidence item requires an owner")
	}
	rec, err := m.records.Lookup(ctx, req.Key)
	if err != nil {
		return nil, fmt.Errorf("lookup ledger record: %w", err)
	}
	if rec == nil {
		return nil, ErrNotSealed
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	a := req.Analysis
	if a.State == "" {
		a.State = analysis.StatePending
	}
	now := m.stamp()
	item := &Item{
		ID:          id,
		Owner:       req.Owner,
		Key:         req.Key,
		Visibility:  Active,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Size:        req.Size,
		SealedAt:    rec.SealedAt,
		Analysis:    a,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = m.repo.Create(ctx, item)
	if errors.Is(err, errDuplicateKey) {
		existing, ferr := m.repo.FindByKey(ctx, req.Key)
		if ferr != nil {
			return nil, fmt.Errorf("load existing item: %w", ferr)
		}
		if existing.Owner != req.Owner {
			return nil, ErrKeyClaimed
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// FindByKey returns owner's item for key.
func (m *Manager) FindByKey(ctx context.Context, owner string, key fingerprint.Key) (*Item, error) {
	it, err := m.repo.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if it.Owner != owner {
		return nil, ErrNotFound
	}
	return it, nil
}

// Get returns owner's item.
func (m *Manager) Get(ctx context.Context, owner string, id uuid.UUID) (*Item, error) {
	it, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Owner != owner {
		return nil, ErrNotFound
	}
	return it, nil
}

// List returns owner's items in vis, newest first. An empty vis lists all.
func (m *Manager) List(ctx context.Context, owner string, vis Visibility) ([]*Item, error) {
	return m.repo.List(ctx, owner, vis)
}

// SoftDelete moves an Active item to the recycle bin.
func (m *Manager) SoftDelete(ctx context.Context, owner string, id uuid.UUID) (*Item, error) {
	return m.transition(ctx, owner, id, Active, Binned, ErrNotActive)
}

// Restore moves a Binned item back to Active.
func (m *Manager) Restore(ctx context.Context, owner string, id uuid.UUID) (*Item, error) {
	return m.transition(ctx, owner, id, Binned, Active, ErrNotBinned)
}

// Destroy permanently destroys a Binned item and deletes its payload. The
// state change commits first; a payload that fails to delete is left for
// PurgePending.
func (m *Manager) Destroy(ctx context.Context, owner string, id uuid.UUID) (*Item, error) {
	it, err := m.transition(ctx, owner, id, Binned, Destroyed, ErrNotBinned)
	if err != nil {
		return nil, err
	}

	if err := m.purge(ctx, it); err != nil {
		m.logger.Warn("payload purge deferred",
			zap.String("item_id", it.ID.String()),
			zap.String("fingerprint", it.Key.String()),
			zap.Error(err),
		)
	}

	for _, fn := range m.hooks {
		fn(ctx, it)
	}
	return it, nil
}

func (m *Manager) transition(ctx context.Context, owner string, id uuid.UUID, from, to Visibility, stateErr error) (*Item, error) {
	it, err := m.repo.Transition(ctx, id, owner, from, to, m.stamp())
	if errors.Is(err, errStale) {
		return nil, fmt.Errorf("%w (current state %s)", stateErr, it.Visibility)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("evidence item transitioned",
		zap.String("item_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return it, nil
}

func (m *Manager) purge(ctx context.Context, it *Item) error {
	if err := m.payloads.Delete(ctx, it.Key); err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}
	if err := m.repo.MarkPurged(ctx, it.ID); err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	it.PayloadPurged = true
	return nil
}

// PurgePending retries payload deletion for destroyed items whose first
// purge failed. It returns the number of payloads purged.
func (m *Manager) PurgePending(ctx context.Context) (int, error) {
	items, err := m.repo.ListUnpurged(ctx, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if err := m.purge(ctx, it); err != nil {
			m.logger.Warn("payload purge failed",
				zap.String("item_id", it.ID.String()),
				zap.Error(err),
			)
			continue
		}
		n++
	}
	return n, nil
}

// OpenPayload returns the stored bytes of an Active or Binned item.
func (m *Manager) OpenPayload(ctx context.Context, owner string, id uuid.UUID) (io.ReadCloser, *Item, error) {
	it, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if it.Visibility == Destroyed {
		return nil, nil, ErrDestroyed
	}
	rc, err := m.payloads.Open(ctx, it.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("open payload: %w", err)
	}
	return rc, it, nil
}

// RecordAnalysis stores the analysis verdict for an item.
func (m *Manager) RecordAnalysis(ctx context.Context, id uuid.UUID, a Analysis) error {
	return m.repo.UpdateAnalysis(ctx, id, a)
}

// RefreshAnalysis asks the analysis service about items that were recorded
// while their job was still pending and stores any verdict that has since
// arrived. A job the service no longer knows is recorded as failed. It
// returns the number of items updated.
func (m *Manager) RefreshAnalysis(ctx context.Context) (int, error) {
	if m.analysis == nil {
		return 0, nil
	}
	items, err := m.repo.ListPendingAnalysis(ctx, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		jobID := it.Analysis.JobID
		st, err := m.analysis.Status(ctx, jobID)
		var a Analysis
		switch {
		case errors.Is(err, analysis.ErrUnknownJob):
			a = Analysis{State: analysis.StateFailed, JobID: jobID}
		case err != nil:
			m.logger.Warn("analysis refresh failed",
				zap.String("item_id", it.ID.String()),
				zap.String("job_id", jobID),
				zap.Error(err),
			)
			continue
		case !st.State.Terminal():
			continue
		default:
			a = AnalysisFromStatus(jobID, st)
		}
		if err := m.repo.UpdateAnalysis(ctx, it.ID, a); err != nil {
			m.logger.Warn("record analysis", zap.String("item_id", it.ID.String()), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// AnalysisFromStatus converts a service status into the verdict stored on an
// item. Score is only kept for completed jobs.
func AnalysisFromStatus(jobID string, st *analysis.Status) Analysis {
	a := Analysis{State: st.State, JobID: jobID}
	if st.State == analysis.StateCompleted {
		score := st.Score
		a.Score = &score
		a.Risk = st.Risk
		if a.Risk == "" {
			a.Risk = analysis.RiskLabel(score)
		}
	}
	return a
}
