package analysis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// sniffLen is how many leading bytes content sniffing inspects.
const sniffLen = 512

// DefaultJobRetention is how long a finished job stays readable by Status.
const DefaultJobRetention = time.Hour

// PayloadOpener reads stored payloads.
type PayloadOpener interface {
	Open(ctx context.Context, key fingerprint.Key) (io.ReadCloser, error)
}

// sample is what the rules see of a payload.
type sample struct {
	ref      FileRef
	head     []byte
	size     int64
	sniffed  string
	declared string
}

// ruleFunc inspects a sample and returns zero or more findings.
type ruleFunc func(s *sample) []Finding

// LocalAnalyzer is an in-process Service that runs a fixed rule set over the
// stored payload. It does not detect synthetic media; it flags structural
// inconsistencies for deployments without a remote analyser.
type LocalAnalyzer struct {
	payloads PayloadOpener
	rules    []ruleFunc
	logger   *zap.Logger

	retention time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[string]*localJob
}

// localJob is a job and, once it finished, when it expires.
type localJob struct {
	status    *Status
	expiresAt time.Time // zero while running
}

var _ Service = (*LocalAnalyzer)(nil)

// LocalOption configures a LocalAnalyzer.
type LocalOption func(*LocalAnalyzer)

// WithJobRetention sets how long finished jobs are kept.
func WithJobRetention(d time.Duration) LocalOption {
	return func(a *LocalAnalyzer) {
		if d > 0 {
			a.retention = d
		}
	}
}

// WithLocalClock replaces time.Now for job expiry.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(a *LocalAnalyzer) { a.now = now }
}

// NewLocalAnalyzer returns a LocalAnalyzer loaded with the default rule set.
func NewLocalAnalyzer(payloads PayloadOpener, logger *zap.Logger, opts ...LocalOption) *LocalAnalyzer {
	a := &LocalAnalyzer{
		payloads: payloads,
		rules: []ruleFunc{
			ruleEmptyPayload,
			ruleSizeMismatch,
			ruleContentTypeMismatch,
			ruleNotMedia,
		},
		logger:    logger,
		retention: DefaultJobRetention,
		now:       time.Now,
		jobs:      make(map[string]*localJob),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Submit implements Service. Analysis runs in the background.
func (a *LocalAnalyzer) Submit(ctx context.Context, ref FileRef) (string, error) {
	id := uuid.NewString()
	a.mu.Lock()
	a.jobs[id] = &localJob{status: &Status{State: StatePending}}
	a.mu.Unlock()

	go a.run(context.WithoutCancel(ctx), id, ref)
	return id, nil
}

// Status implements Service. Jobs past their retention report ErrUnknownJob
// even before Evict removes them.
func (a *LocalAnalyzer) Status(_ context.Context, jobID string) (*Status, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	j, ok := a.jobs[jobID]
	if !ok || (!j.expiresAt.IsZero() && a.now().After(j.expiresAt)) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	c := *j.status
	return &c, nil
}

// Evict removes expired jobs and returns how many were removed.
func (a *LocalAnalyzer) Evict() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	n := 0
	for id, j := range a.jobs {
		if !j.expiresAt.IsZero() && now.After(j.expiresAt) {
			delete(a.jobs, id)
			n++
		}
	}
	return n
}

// Len returns the number of jobs held, including expired ones not yet
// evicted.
func (a *LocalAnalyzer) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.jobs)
}

// Run evicts expired jobs every interval until ctx is cancelled.
func (a *LocalAnalyzer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Evict(); n > 0 {
				a.logger.Debug("evicted finished analysis jobs", zap.Int("count", n))
			}
		}
	}
}

func (a *LocalAnalyzer) run(ctx context.Context, id string, ref FileRef) {
	st := a.analyse(ctx, ref)
	a.mu.Lock()
	a.jobs[id] = &localJob{status: st, expiresAt: a.now().Add(a.retention)}
	a.mu.Unlock()
	a.logger.Debug("local analysis finished",
		zap.String("job_id", id),
		zap.String("state", string(st.State)),
		zap.Int("score", st.Score),
	)
}

func (a *LocalAnalyzer) analyse(ctx context.Context, ref FileRef) *Status {
	rc, err := a.payloads.Open(ctx, ref.Key)
	if err != nil {
		return &Status{State: StateFailed, Error: err.Error()}
	}
	defer rc.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return &Status{State: StateFailed, Error: err.Error()}
	}
	rest, err := io.Copy(io.Discard, rc)
	if err != nil {
		return &Status{State: StateFailed, Error: err.Error()}
	}

	s := &sample{
		ref:      ref,
		head:     head[:n],
		size:     int64(n) + rest,
		declared: mediaType(ref.ContentType),
	}
	if n > 0 {
		s.sniffed = mediaType(http.DetectContentType(s.head))
	}

	findings := []Finding{}
	for _, r := range a.rules {
		findings = append(findings, r(s)...)
	}

	total := 0
	for _, f := range findings {
		total += int(f.Confidence * 25)
	}
	if total > 100 {
		total = 100
	}

	return &Status{
		State:    StateCompleted,
		Score:    total,
		Risk:     RiskLabel(total),
		Findings: findings,
		Artifacts: map[string]string{
			"sniffed_type": s.sniffed,
			"bytes":        fmt.Sprint(s.size),
		},
	}
}

// mediaType strips parameters and lowercases a MIME type.
func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func majorType(ct string) string {
	major, _, _ := strings.Cut(ct, "/")
	return major
}

func isMedia(ct string) bool {
	switch majorType(ct) {
	case "image", "video", "audio":
		return true
	}
	return false
}

// ── Rules ─────────────────────────────────────────────────────────────────────

func ruleEmptyPayload(s *sample) []Finding {
	if s.size > 0 {
		return nil
	}
	return []Finding{{
		Rule:        "empty_payload",
		Description: "payload contains no bytes",
		Confidence:  1.0,
	}}
}

func ruleSizeMismatch(s *sample) []Finding {
	if s.ref.Size <= 0 || s.ref.Size == s.size {
		return nil
	}
	return []Finding{{
		Rule:        "size_mismatch",
		Description: fmt.Sprintf("declared %d bytes, stored %d", s.ref.Size, s.size),
		Confidence:  0.8,
	}}
}

// ruleContentTypeMismatch flags media whose leading bytes identify a
// different kind of media than the one declared by the capture device.
func ruleContentTypeMismatch(s *sample) []Finding {
	if s.declared == "" || s.sniffed == "" || !isMedia(s.sniffed) {
		return nil
	}
	if majorType(s.declared) == majorType(s.sniffed) {
		return nil
	}
	return []Finding{{
		Rule:        "content_type_mismatch",
		Description: fmt.Sprintf("declared %s but content looks like %s", s.declared, s.sniffed),
		Confidence:  0.6,
	}}
}

func ruleNotMedia(s *sample) []Finding {
	if s.size == 0 || isMedia(s.sniffed) || isMedia(s.declared) {
		return nil
	}
	return []Finding{{
		Rule:        "not_media",
		Description: "payload is not recognisable image, video or audio",
		Confidence:  0.4,
	}}
}
