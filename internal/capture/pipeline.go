// Package capture drives one capture session from raw bytes to a sealed,
// verified evidence item.
//
// A session moves Idle → Capturing → Sealing → Verifying → Sealed, or to
// Failed from any phase before the seal commits. Bytes are staged on disk
// while they are hashed; nothing reaches the ledger or the vault until
// capturing completes, so a session abandoned before Sealing leaves no trace.
// Once the seal commits the session always ends Sealed: analysis is advisory
// and its absence or failure is recorded, never escalated.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/evidence"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
	"github.com/jmerrifield20/trustedcapture/internal/sealing"
	"github.com/jmerrifield20/trustedcapture/internal/vault"
)

// ErrWrongPhase is returned when an operation is called on a session in a
// phase that does not allow it.
var ErrWrongPhase = errors.New("capture session is in the wrong phase")

// Clock supplies time and timers. Tests substitute a fake to run polling
// without real delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config bounds the pipeline's waits.
type Config struct {
	// StagingDir holds in-flight captures. Empty means os.TempDir().
	StagingDir string

	SealTimeout  time.Duration // per seal attempt
	SealAttempts int
	SealBackoff  time.Duration // doubled after each failed attempt

	PollInterval    time.Duration // first analysis poll delay, doubled per poll
	MaxPollInterval time.Duration
	MaxPolls        int

	// Retention is how long finished sessions stay visible to Lookup.
	Retention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SealTimeout:     5 * time.Second,
		SealAttempts:    3,
		SealBackoff:     250 * time.Millisecond,
		PollInterval:    2 * time.Second,
		MaxPollInterval: 30 * time.Second,
		MaxPolls:        20,
		Retention:       15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SealTimeout <= 0 {
		c.SealTimeout = d.SealTimeout
	}
	if c.SealAttempts <= 0 {
		c.SealAttempts = d.SealAttempts
	}
	if c.SealBackoff <= 0 {
		c.SealBackoff = d.SealBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = d.MaxPolls
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// EvidenceCreator creates evidence items for sealed sessions. Create must
// return the owner's existing item when the key already has one.
type EvidenceCreator interface {
	Create(ctx context.Context, req evidence.NewItem) (*evidence.Item, error)
	FindByKey(ctx context.Context, owner string, key fingerprint.Key) (*evidence.Item, error)
	RecordAnalysis(ctx context.Context, id uuid.UUID, a evidence.Analysis) error
}

// Deps are the collaborators a Pipeline drives. Analysis may be nil.
type Deps struct {
	Ledger   ledger.Ledger
	Vault    vault.Vault
	Analysis analysis.Service
	Evidence EvidenceCreator
	Sealer   *sealing.Sealer
}

// MetricsRecorder is an optional callback invoked once per finished session.
type MetricsRecorder func(s Snapshot)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMetricsRecorder sets the finished-session callback.
func WithMetricsRecorder(fn MetricsRecorder) Option {
	return func(p *Pipeline) { p.onFinish = fn }
}

// Input is one capture handed to the pipeline.
type Input struct {
	Source      io.Reader
	FileName    string
	ContentType string

	// Metadata carries device and location details; the pipeline fills in
	// file name, content type, size and capture time.
	Metadata *sealing.CaptureMetadata

	// AttemptID identifies the seal attempt across transport retries. One
	// is generated when empty.
	AttemptID string
}

// Pipeline runs capture sessions.
type Pipeline struct {
	cfg      Config
	deps     Deps
	clock    Clock
	tracker  *Tracker
	onFinish MetricsRecorder
	logger   *zap.Logger

	// background verification outlives the request that started it
	bg     context.Context
	stopBG context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		clock:  systemClock{},
		logger: logger,
	}
	for _, o := range opts {
		o(p)
	}
	if p.deps.Sealer == nil {
		p.deps.Sealer = sealing.NewSealer(nil)
	}
	p.tracker = NewTracker(p.cfg.Retention, p.clock.Now)
	p.bg, p.stopBG = context.WithCancel(context.Background())
	return p
}

// Tracker returns the session index.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// Lookup returns a snapshot of a tracked session.
func (p *Pipeline) Lookup(id uuid.UUID) (Snapshot, bool) {
	s, ok := p.tracker.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Begin opens an Idle session for creator.
func (p *Pipeline) Begin(creator string) *Session {
	s := newSession(creator, p.nowUTC)
	p.tracker.add(s)
	p.logger.Debug("capture session started",
		zap.String("session_id", s.ID().String()),
		zap.String("creator", creator),
	)
	return s
}

func (p *Pipeline) nowUTC() time.Time { return p.clock.Now().UTC() }

// Run drives a whole session synchronously and returns its final snapshot.
// The error is non-nil only when the session failed.
func (p *Pipeline) Run(ctx context.Context, creator string, in Input) (Snapshot, error) {
	s := p.Begin(creator)
	if err := p.Capture(ctx, s, in); err != nil {
		return s.Snapshot(), err
	}
	return p.Await(ctx, s), nil
}

// Submit captures and seals synchronously, then verifies in the background.
// The returned snapshot is in Verifying on success. Use Lookup to follow the
// session.
func (p *Pipeline) Submit(ctx context.Context, creator string, in Input) (Snapshot, error) {
	s := p.Begin(creator)
	if err := p.Capture(ctx, s, in); err != nil {
		return s.Snapshot(), err
	}
	snap := s.Snapshot()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Await(p.bg, s)
	}()
	return snap, nil
}

// Abandon stops a tracked session. Before sealing it fails the session as
// Abandoned; while verifying it stops polling and the session ends Sealed
// with analysis pending. It reports whether the session was found.
func (p *Pipeline) Abandon(id uuid.UUID) bool {
	s, ok := p.tracker.Get(id)
	if !ok {
		return false
	}
	if s.Phase() == Idle {
		p.fail(s, Abandoned, nil)
		return true
	}
	s.stop()
	return true
}

// Close stops background verification and waits for it to finish. Sessions
// still polling end Sealed with analysis pending.
func (p *Pipeline) Close() {
	p.stopBG()
	p.wg.Wait()
}

// Capture runs Capturing and Sealing for an Idle session. On success the
// session is Verifying; on failure it is Failed and the error wraps the
// cause (ledger.ErrAlreadySealed for a duplicate).
func (p *Pipeline) Capture(ctx context.Context, s *Session, in Input) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setCancel(cancel)

	if !s.advance(Capturing) {
		return fmt.Errorf("%w: cannot capture from %s", ErrWrongPhase, s.Phase())
	}

	path, key, size, err := p.stage(cctx, in.Source)
	if err != nil {
		if cctx.Err() != nil {
			p.fail(s, Abandoned, cctx.Err())
			return fmt.Errorf("capture abandoned: %w", cctx.Err())
		}
		p.fail(s, CaptureError, err)
		return fmt.Errorf("stage capture: %w", err)
	}
	s.setStaged(path, key, size)
	s.setDescription(in.FileName, in.ContentType)

	// Abandonment is honoured up to here. From Sealing on, the session runs
	// to completion whatever happens to the caller.
	if cctx.Err() != nil {
		p.fail(s, Abandoned, cctx.Err())
		return fmt.Errorf("capture abandoned: %w", cctx.Err())
	}
	if !s.advance(Sealing) {
		return fmt.Errorf("%w: cannot seal from %s", ErrWrongPhase, s.Phase())
	}
	sctx := context.WithoutCancel(ctx)

	meta := &sealing.CaptureMetadata{}
	if in.Metadata != nil {
		*meta = *in.Metadata
	}
	meta.FileName = in.FileName
	meta.ContentType = in.ContentType
	meta.Size = size
	if meta.CapturedAt.IsZero() {
		meta.CapturedAt = p.nowUTC()
	}
	sealedMeta, err := p.deps.Sealer.Seal(meta)
	if err != nil {
		p.fail(s, CaptureError, err)
		return fmt.Errorf("seal metadata: %w", err)
	}

	attempt := in.AttemptID
	if attempt == "" {
		attempt = uuid.NewString()
	}
	snap := s.Snapshot()
	rcpt, err := p.sealWithRetry(sctx, ledger.SealRequest{
		Key:       key,
		Creator:   snap.Creator,
		Metadata:  sealedMeta,
		AttemptID: attempt,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadySealed):
			p.fail(s, DuplicateCapture, err)
		case errors.Is(err, ledger.ErrInvalidRequest):
			p.fail(s, InvalidRequest, err)
		default:
			p.fail(s, LedgerUnavailable, err)
		}
		return fmt.Errorf("seal %s: %w", key, err)
	}
	s.setSealed(rcpt)

	// A replayed seal may already have its item. The session adopts it
	// instead of creating a second one over the same payload.
	existing := p.existingItem(sctx, s, rcpt, key)
	switch {
	case existing != nil && existing.Visibility == evidence.Destroyed:
		p.discardStaging(s, s.takeStaging())
		s.setAnalysis(sessionAnalysis(existing.Analysis))
	case existing != nil && existing.Analysis.State.Terminal():
		p.store(sctx, s, key)
		s.setAnalysis(sessionAnalysis(existing.Analysis))
	default:
		p.store(sctx, s, key)
		s.setAnalysis(p.submitWithRetry(sctx, key, in.ContentType, size))
	}
	s.advance(Verifying)

	p.logger.Info("capture sealed",
		zap.String("session_id", snap.ID.String()),
		zap.String("fingerprint", key.String()),
		zap.String("creator", snap.Creator),
		zap.Time("sealed_at", rcpt.Record.SealedAt),
		zap.Bool("replayed", rcpt.Replayed),
	)
	return nil
}

// Await runs Verifying to completion: it polls analysis within the
// configured bounds, creates the evidence item and ends the session Sealed.
// Cancelling ctx stops polling early. Await returns the final snapshot.
func (p *Pipeline) Await(ctx context.Context, s *Session) Snapshot {
	if s.Phase() != Verifying {
		return s.Snapshot()
	}
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setCancel(cancel)

	snap := s.Snapshot()
	st := *snap.Analysis
	if st.State == analysis.StatePending && st.JobID != "" {
		st = p.poll(pctx, st.JobID)
	}
	s.setAnalysis(st)

	// The item is created even if the caller went away.
	p.createItem(context.WithoutCancel(ctx), s)
	s.advance(Sealed)
	p.finish(s)
	return s.Snapshot()
}

// stage streams src into a staging file while hashing it.
func (p *Pipeline) stage(ctx context.Context, src io.Reader) (string, fingerprint.Key, int64, error) {
	if src == nil {
		return "", fingerprint.Key{}, 0, errors.New("no capture source")
	}
	f, err := os.CreateTemp(p.cfg.StagingDir, "capture-*")
	if err != nil {
		return "", fingerprint.Key{}, 0, fmt.Errorf("create staging file: %w", err)
	}

	h := fingerprint.NewHasher()
	_, err = io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: src})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name()) //nolint:errcheck
		return "", fingerprint.Key{}, 0, err
	}
	return f.Name(), h.Key(), h.Len(), nil
}

// sealWithRetry retries transport failures with exponential backoff under a
// per-attempt timeout, reusing the same request so a retry of a committed
// attempt replays instead of conflicting.
func (p *Pipeline) sealWithRetry(ctx context.Context, req ledger.SealRequest) (*ledger.Receipt, error) {
	backoff := p.cfg.SealBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.SealAttempts; attempt++ {
		if attempt > 1 {
			<-p.clock.After(backoff)
			backoff *= 2
		}

		actx, cancel := context.WithTimeout(ctx, p.cfg.SealTimeout)
		rcpt, err := p.deps.Ledger.Seal(actx, req)
		cancel()
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ledger.ErrUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("seal attempt failed",
			zap.String("fingerprint", req.Key.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	if !errors.Is(lastErr, ledger.ErrUnavailable) {
		lastErr = fmt.Errorf("%w: %w", ledger.ErrUnavailable, lastErr)
	}
	return nil, lastErr
}

// existingItem returns the item already recorded for a replayed seal, or nil.
func (p *Pipeline) existingItem(ctx context.Context, s *Session, rcpt *ledger.Receipt, key fingerprint.Key) *evidence.Item {
	if !rcpt.Replayed || p.deps.Evidence == nil {
		return nil
	}
	item, err := p.deps.Evidence.FindByKey(ctx, rcpt.Record.Creator, key)
	if err != nil {
		if !errors.Is(err, evidence.ErrNotFound) {
			p.logger.Warn("look up replayed item", zap.String("fingerprint", key.String()), zap.Error(err))
		}
		return nil
	}
	s.setItem(item.ID)
	return item
}

func (p *Pipeline) discardStaging(s *Session, path string) {
	if path != "" {
		os.Remove(path) //nolint:errcheck
	}
	p.logger.Info("replayed capture of destroyed item, payload not restored",
		zap.String("session_id", s.ID().String()),
	)
}

// store moves the staged bytes into the vault. A failure here is logged: the
// seal already exists and the session still ends Sealed.
func (p *Pipeline) store(ctx context.Context, s *Session, key fingerprint.Key) {
	path := s.takeStaging()
	if path == "" {
		return
	}
	defer os.Remove(path) //nolint:errcheck

	f, err := os.Open(path)
	if err != nil {
		p.logger.Error("open staged capture", zap.String("fingerprint", key.String()), zap.Error(err))
		return
	}
	defer f.Close()

	if err := p.deps.Vault.Put(ctx, key, f); err != nil {
		p.logger.Error("store sealed payload",
			zap.String("session_id", s.ID().String()),
			zap.String("fingerprint", key.String()),
			zap.Error(err),
		)
	}
}

// submitWithRetry hands the stored payload to the analysis service, retrying
// with the seal backoff. When every attempt fails the verdict stays Pending
// with the last error: a transient outage says nothing about the capture.
func (p *Pipeline) submitWithRetry(ctx context.Context, key fingerprint.Key, contentType string, size int64) AnalysisStatus {
	if p.deps.Analysis == nil {
		return AnalysisStatus{State: analysis.StatePending, Error: "analysis disabled"}
	}
	ref := analysis.FileRef{
		Key:         key,
		URI:         "vault:" + key.String(),
		ContentType: contentType,
		Size:        size,
	}

	backoff := p.cfg.SealBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.SealAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return AnalysisStatus{State: analysis.StatePending, Error: lastErr.Error()}
			case <-p.clock.After(backoff):
			}
			backoff *= 2
		}
		jobID, err := p.deps.Analysis.Submit(ctx, ref)
		if err == nil {
			return AnalysisStatus{State: analysis.StatePending, JobID: jobID}
		}
		lastErr = err
		p.logger.Warn("analysis submit failed",
			zap.String("fingerprint", key.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return AnalysisStatus{State: analysis.StatePending, Error: lastErr.Error()}
}

// poll waits for a terminal analysis verdict. Transport errors are logged
// and polling continues; running out of polls or ctx ending yields Pending.
func (p *Pipeline) poll(ctx context.Context, jobID string) AnalysisStatus {
	pending := AnalysisStatus{State: analysis.StatePending, JobID: jobID}
	interval := p.cfg.PollInterval

	for i := 1; i <= p.cfg.MaxPolls; i++ {
		if ctx.Err() != nil {
			return pending
		}
		select {
		case <-ctx.Done():
			return pending
		case <-p.clock.After(interval):
		}

		st, err := p.deps.Analysis.Status(ctx, jobID)
		switch {
		case errors.Is(err, analysis.ErrUnknownJob):
			return AnalysisStatus{State: analysis.StateFailed, JobID: jobID, Error: err.Error()}
		case err != nil:
			if ctx.Err() != nil {
				return pending
			}
			p.logger.Warn("analysis poll failed",
				zap.String("job_id", jobID),
				zap.Int("poll", i),
				zap.Error(err),
			)
		case st.State.Terminal():
			return AnalysisStatus{
				State:     st.State,
				JobID:     jobID,
				Score:     st.Score,
				Risk:      st.Risk,
				Artifacts: st.Artifacts,
				Error:     st.Error,
			}
		}

		interval *= 2
		if interval > p.cfg.MaxPollInterval {
			interval = p.cfg.MaxPollInterval
		}
	}

	pending.TimedOut = true
	return pending
}

// createItem records the session's evidence item. When the key already has
// one (a replay finishing first) that item is adopted, and a terminal verdict
// this session reached is copied onto it.
func (p *Pipeline) createItem(ctx context.Context, s *Session) {
	if p.deps.Evidence == nil {
		return
	}
	snap := s.Snapshot()
	a := evidence.Analysis{State: snap.Analysis.State, JobID: snap.Analysis.JobID}
	if snap.Analysis.State == analysis.StateCompleted {
		score := snap.Analysis.Score
		a.Score = &score
		a.Risk = snap.Analysis.Risk
	}

	fileName, contentType := s.describe()

	item, err := p.deps.Evidence.Create(ctx, evidence.NewItem{
		ID:          snap.ItemID,
		Owner:       snap.Creator,
		Key:         *snap.Key,
		FileName:    fileName,
		ContentType: contentType,
		Size:        snap.Size,
		Analysis:    a,
	})
	if err != nil {
		p.logger.Error("create evidence item",
			zap.String("session_id", snap.ID.String()),
			zap.String("item_id", snap.ItemID.String()),
			zap.Error(err),
		)
		return
	}
	s.setItem(item.ID)

	if item.ID != snap.ItemID && a.State.Terminal() && !item.Analysis.State.Terminal() {
		if err := p.deps.Evidence.RecordAnalysis(ctx, item.ID, a); err != nil {
			p.logger.Warn("record analysis on adopted item",
				zap.String("item_id", item.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// sessionAnalysis is the session view of a stored verdict.
func sessionAnalysis(a evidence.Analysis) AnalysisStatus {
	st := AnalysisStatus{State: a.State, JobID: a.JobID, Risk: a.Risk}
	if a.Score != nil {
		st.Score = *a.Score
	}
	return st
}

func (p *Pipeline) fail(s *Session, reason FailureReason, err error) {
	if !s.fail(reason, err) {
		return
	}
	if path := s.takeStaging(); path != "" {
		os.Remove(path) //nolint:errcheck
	}
	p.logger.Info("capture failed",
		zap.String("session_id", s.ID().String()),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)
	p.finish(s)
}

func (p *Pipeline) finish(s *Session) {
	p.tracker.retire(s.ID())
	if p.onFinish != nil {
		p.onFinish(s.Snapshot())
	}
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
