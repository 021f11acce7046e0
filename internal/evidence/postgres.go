package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

const itemColumns = `id, owner, key, visibility, file_name, content_type, size, sealed_at,
	analysis_state, analysis_score, analysis_risk, analysis_job_id, payload_purged,
	created_at, updated_at, binned_at, destroyed_at`

// PostgresRepository stores items in the evidence_items table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new item.
func (r *PostgresRepository) Create(ctx context.Context, it *Item) error {
	query := `
		INSERT INTO evidence_items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.Exec(ctx, query,
		it.ID, it.Owner, it.Key[:], string(it.Visibility), it.FileName, it.ContentType, it.Size, it.SealedAt,
		string(it.Analysis.State), it.Analysis.Score, it.Analysis.Risk, it.Analysis.JobID, it.PayloadPurged,
		it.CreatedAt, it.UpdatedAt, it.BinnedAt, it.DestroyedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "evidence_items_key_unique" {
			return errDuplicateKey
		}
		return fmt.Errorf("insert evidence item: %w", err)
	}
	return nil
}

// Get retrieves an item by ID.
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	row := r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM evidence_items WHERE id = $1`, id)
	return scanItem(row)
}

// FindByKey retrieves the item wrapping key.
func (r *PostgresRepository) FindByKey(ctx context.Context, key fingerprint.Key) (*Item, error) {
	row := r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM evidence_items WHERE key = $1`, key[:])
	return scanItem(row)
}

// List returns an owner's items, newest first, optionally filtered by visibility.
func (r *PostgresRepository) List(ctx context.Context, owner string, vis Visibility) ([]*Item, error) {
	query := `SELECT ` + itemColumns + `
	          FROM evidence_items
	          WHERE owner = $1 AND ($2 = '' OR visibility = $2)
	          ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, owner, string(vis))
	if err != nil {
		return nil, fmt.Errorf("list evidence items: %w", err)
	}
	return collectItems(rows)
}

// Transition implements Repository with a conditional UPDATE.
func (r *PostgresRepository) Transition(ctx context.Context, id uuid.UUID, owner string, from, to Visibility, at time.Time) (*Item, error) {
	query := `
		UPDATE evidence_items
		SET visibility   = $4::text,
		    updated_at   = $5,
		    binned_at    = CASE WHEN $4::text = 'binned'    THEN $5 ELSE binned_at END,
		    destroyed_at = CASE WHEN $4::text = 'destroyed' THEN $5 ELSE destroyed_at END
		WHERE id = $1 AND owner = $2 AND visibility = $3
		RETURNING ` + itemColumns

	it, err := scanItem(r.db.QueryRow(ctx, query, id, owner, string(from), string(to), at))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("transition evidence item: %w", err)
	}

	// Nothing updated: either the item is missing or its state moved on.
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Owner != owner {
		return nil, ErrNotFound
	}
	return cur, errStale
}

// UpdateAnalysis stores the latest analysis verdict.
func (r *PostgresRepository) UpdateAnalysis(ctx context.Context, id uuid.UUID, a Analysis) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE evidence_items
		SET analysis_state = $2, analysis_score = $3, analysis_risk = $4, analysis_job_id = $5, updated_at = NOW()
		WHERE id = $1`,
		id, string(a.State), a.Score, a.Risk, a.JobID,
	)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPurged records that the payload of a destroyed item is gone.
func (r *PostgresRepository) MarkPurged(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE evidence_items SET payload_purged = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnpurged returns destroyed items whose payload has not been deleted.
func (r *PostgresRepository) ListUnpurged(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+itemColumns+`
		FROM evidence_items
		WHERE visibility = 'destroyed' AND payload_purged = FALSE
		ORDER BY destroyed_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpurged: %w", err)
	}
	return collectItems(rows)
}

// ListPendingAnalysis returns live items still waiting on an analysis job.
func (r *PostgresRepository) ListPendingAnalysis(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+itemColumns+`
		FROM evidence_items
		WHERE visibility <> 'destroyed' AND analysis_state = 'pending' AND analysis_job_id <> ''
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending analysis: %w", err)
	}
	return collectItems(rows)
}

func collectItems(rows pgx.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// scanItem scans one row. pgx.Rows satisfies pgx.Row.
func scanItem(row pgx.Row) (*Item, error) {
	var (
		it         Item
		key        []byte
		visibility string
		state      string
	)
	err := row.Scan(
		&it.ID, &it.Owner, &key, &visibility, &it.FileName, &it.ContentType, &it.Size, &it.SealedAt,
		&state, &it.Analysis.Score, &it.Analysis.Risk, &it.Analysis.JobID, &it.PayloadPurged,
		&it.CreatedAt, &it.UpdatedAt, &it.BinnedAt, &it.DestroyedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan evidence item: %w", err)
	}
	k, err := fingerprint.FromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("scan evidence item: %w", err)
	}
	it.Key = k
	it.Visibility = Visibility(visibility)
	it.Analysis.State = analysis.State(state)
	return &it, nil
}
