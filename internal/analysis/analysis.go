// Package analysis talks to the authenticity analysis service that scores
// captured media. The service is advisory: callers poll it, and nothing in
// the sealing path waits on or fails because of it.
package analysis

import (
	"context"
	"errors"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// ErrUnknownJob is returned by Status for a job id the service never issued.
var ErrUnknownJob = errors.New("unknown analysis job")

// State is the lifecycle of an analysis job.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Finding is one indicator reported by an analyser.
type Finding struct {
	Rule        string  `json:"rule"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Status is the current state of a job.
type Status struct {
	State State `json:"state"`

	// Score is the manipulation risk score (0–100). Only meaningful when
	// State is StateCompleted.
	Score int `json:"score"`

	// Risk is a label derived from Score:
	//   0–14   → "none"
	//   15–34  → "low"
	//   35–64  → "medium"
	//   65–84  → "high"
	//   85–100 → "critical"
	Risk string `json:"risk,omitempty"`

	Findings  []Finding         `json:"findings,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// FileRef points the service at a stored payload.
type FileRef struct {
	Key         fingerprint.Key `json:"fingerprint"`
	URI         string          `json:"uri,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Size        int64           `json:"size"`
}

// Service is the analysis service contract.
type Service interface {
	// Submit queues ref for analysis and returns a job id.
	Submit(ctx context.Context, ref FileRef) (string, error)

	// Status returns the current status of a job.
	Status(ctx context.Context, jobID string) (*Status, error)
}

// RiskLabel maps a 0–100 score to a risk label.
func RiskLabel(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 65:
		return "high"
	case score >= 35:
		return "medium"
	case score >= 15:
		return "low"
	default:
		return "none"
	}
}
