package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// SQLiteRepository stores items in the evidence_items table of the SQLite
// ledger database. Timestamps are stored as Unix microseconds.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a SQLiteRepository on db, which must already
// carry the SQLite migrations (see ledger.OpenSQLite).
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Create(ctx context.Context, it *Item) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO evidence_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID.String(), it.Owner, it.Key[:], string(it.Visibility), it.FileName, it.ContentType, it.Size,
		it.SealedAt.UnixMicro(), string(it.Analysis.State), nullScore(it.Analysis.Score), it.Analysis.Risk,
		it.Analysis.JobID, it.PayloadPurged, it.CreatedAt.UnixMicro(), it.UpdatedAt.UnixMicro(),
		nullMicros(it.BinnedAt), nullMicros(it.DestroyedAt),
	)
	if err != nil {
		var sqErr sqlite3.Error
		if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return errDuplicateKey
		}
		return fmt.Errorf("insert evidence item: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanSQLiteItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM evidence_items WHERE id = ?`, id.String()))
}

func (r *SQLiteRepository) FindByKey(ctx context.Context, key fingerprint.Key) (*Item, error) {
	return scanSQLiteItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM evidence_items WHERE key = ?`, key[:]))
}

func (r *SQLiteRepository) List(ctx context.Context, owner string, vis Visibility) ([]*Item, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemColumns+`
		FROM evidence_items
		WHERE owner = ? AND (? = '' OR visibility = ?)
		ORDER BY created_at DESC`, owner, string(vis), string(vis))
	if err != nil {
		return nil, fmt.Errorf("list evidence items: %w", err)
	}
	return collectSQLiteItems(rows)
}

// Transition implements Repository with a conditional UPDATE.
func (r *SQLiteRepository) Transition(ctx context.Context, id uuid.UUID, owner string, from, to Visibility, at time.Time) (*Item, error) {
	stamp := at.UnixMicro()
	res, err := r.db.ExecContext(ctx, `
		UPDATE evidence_items
		SET visibility   = ?,
		    updated_at   = ?,
		    binned_at    = CASE WHEN ? = 'binned'    THEN ? ELSE binned_at END,
		    destroyed_at = CASE WHEN ? = 'destroyed' THEN ? ELSE destroyed_at END
		WHERE id = ? AND owner = ? AND visibility = ?`,
		string(to), stamp, string(to), stamp, string(to), stamp, id.String(), owner, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("transition evidence item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition evidence item: %w", err)
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Owner != owner {
		return nil, ErrNotFound
	}
	if n == 0 {
		return cur, errStale
	}
	return cur, nil
}

func (r *SQLiteRepository) UpdateAnalysis(ctx context.Context, id uuid.UUID, a Analysis) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE evidence_items
		SET analysis_state = ?, analysis_score = ?, analysis_risk = ?, analysis_job_id = ?, updated_at = ?
		WHERE id = ?`,
		string(a.State), nullScore(a.Score), a.Risk, a.JobID, time.Now().UnixMicro(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) MarkPurged(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE evidence_items SET payload_purged = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) ListUnpurged(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemColumns+`
		FROM evidence_items
		WHERE visibility = 'destroyed' AND payload_purged = 0
		ORDER BY destroyed_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpurged: %w", err)
	}
	return collectSQLiteItems(rows)
}

func (r *SQLiteRepository) ListPendingAnalysis(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemColumns+`
		FROM evidence_items
		WHERE visibility <> 'destroyed' AND analysis_state = 'pending' AND analysis_job_id <> ''
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending analysis: %w", err)
	}
	return collectSQLiteItems(rows)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullScore(score *int) sql.NullInt64 {
	if score == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*score), Valid: true}
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func collectSQLiteItems(rows *sql.Rows) ([]*Item, error) {
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row sqliteScanner) (*Item, error) {
	var (
		it                             Item
		id, visibility, state          string
		key                            []byte
		sealedAt, createdAt, updatedAt int64
		score, binnedAt, destroyedAt   sql.NullInt64
	)
	err := row.Scan(
		&id, &it.Owner, &key, &visibility, &it.FileName, &it.ContentType, &it.Size, &sealedAt,
		&state, &score, &it.Analysis.Risk, &it.Analysis.JobID, &it.PayloadPurged,
		&createdAt, &updatedAt, &binnedAt, &destroyedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan evidence item: %w", err)
	}

	if it.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("scan evidence item: %w", err)
	}
	if it.Key, err = fingerprint.FromBytes(key); err != nil {
		return nil, fmt.Errorf("scan evidence item: %w", err)
	}
	it.Visibility = Visibility(visibility)
	it.Analysis.State = analysis.State(state)
	if score.Valid {
		s := int(score.Int64)
		it.Analysis.Score = &s
	}
	it.SealedAt = time.UnixMicro(sealedAt).UTC()
	it.CreatedAt = time.UnixMicro(createdAt).UTC()
	it.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	it.BinnedAt = fromMicros(binnedAt)
	it.DestroyedAt = fromMicros(destroyedAt)
	return &it, nil
}
