package evidence

import (
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// Visibility is the lifecycle state of an evidence item.
type Visibility string

const (
	Active    Visibility = "active"
	Binned    Visibility = "binned"
	Destroyed Visibility = "destroyed"
)

// ParseVisibility validates s as a Visibility.
func ParseVisibility(s string) (Visibility, bool) {
	switch v := Visibility(s); v {
	case Active, Binned, Destroyed:
		return v, true
	}
	return "", false
}

// Analysis is the advisory verdict attached to an item.
type Analysis struct {
	State analysis.State `json:"state"`
	Score *int           `json:"score,omitempty"`
	Risk  string         `json:"risk,omitempty"`
	JobID string         `json:"job_id,omitempty"`
}

// Item wraps a sealed ledger record with an owner and a visibility state.
type Item struct {
	ID          uuid.UUID       `json:"id"           db:"id"`
	Owner       string          `json:"owner"        db:"owner"`
	Key         fingerprint.Key `json:"fingerprint"  db:"key"`
	Visibility  Visibility      `json:"visibility"   db:"visibility"`
	FileName    string          `json:"file_name"    db:"file_name"`
	ContentType string          `json:"content_type" db:"content_type"`
	Size        int64           `json:"size"         db:"size"`
	SealedAt    time.Time       `json:"sealed_at"    db:"sealed_at"`
	Analysis    Analysis        `json:"analysis"`

	// PayloadPurged is set once the stored bytes of a destroyed item are gone.
	PayloadPurged bool `json:"payload_purged" db:"payload_purged"`

	CreatedAt   time.Time  `json:"created_at"             db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"             db:"updated_at"`
	BinnedAt    *time.Time `json:"binned_at,omitempty"    db:"binned_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty" db:"destroyed_at"`
}

func (it *Item) clone() *Item {
	c := *it
	if it.Analysis.Score != nil {
		s := *it.Analysis.Score
		c.Analysis.Score = &s
	}
	if it.BinnedAt != nil {
		t := *it.BinnedAt
		c.BinnedAt = &t
	}
	if it.DestroyedAt != nil {
		t := *it.DestroyedAt
		c.DestroyedAt = &t
	}
	return &c
}

// NewItem is the input to Manager.Create.
type NewItem struct {
	// ID may be preassigned by the caller; a zero ID is generated.
	ID          uuid.UUID
	Owner       string
	Key         fingerprint.Key
	FileName    string
	ContentType string
	Size        int64
	Analysis    Analysis
}
