package evidence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

var (
	// errStale is returned by Repository.Transition when the item exists but
	// is not in the expected state.
	errStale = errors.New("visibility changed")

	// errDuplicateKey is returned by Repository.Create when the fingerprint
	// already has an item.
	errDuplicateKey = errors.New("fingerprint already has an evidence item")
)

// Repository persists evidence items. Transition is a compare-and-set on
// visibility; every other state rule lives in Manager. A fingerprint has at
// most one item, since items of the same key would share one payload.
type Repository interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id uuid.UUID) (*Item, error)
	FindByKey(ctx context.Context, key fingerprint.Key) (*Item, error)
	List(ctx context.Context, owner string, vis Visibility) ([]*Item, error)

	// Transition moves the item owned by owner from one visibility to
	// another, stamping at. It returns ErrNotFound if no such item exists
	// and errStale if its visibility is not from.
	Transition(ctx context.Context, id uuid.UUID, owner string, from, to Visibility, at time.Time) (*Item, error)

	UpdateAnalysis(ctx context.Context, id uuid.UUID, a Analysis) error
	MarkPurged(ctx context.Context, id uuid.UUID) error

	// ListUnpurged returns destroyed items whose payload still exists.
	ListUnpurged(ctx context.Context, limit int) ([]*Item, error)

	// ListPendingAnalysis returns items that are not destroyed and still
	// wait on an analysis job.
	ListPendingAnalysis(ctx context.Context, limit int) ([]*Item, error)
}
