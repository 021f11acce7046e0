package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

// advisoryLockKey serialises seals across every service instance sharing the
// database, which keeps seq and sealed_at in commit order.
const advisoryLockKey = int64(7_316_402_118)

// PostgresLedger stores records in the ledger_records table.
type PostgresLedger struct {
	observers

	pool   *pgxpool.Pool
	clock  Clock
	logger *zap.Logger
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a PostgresLedger backed by pool. The schema is
// created by the migrations package.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *PostgresLedger {
	o := buildOptions(append([]Option{WithLogger(logger)}, opts...))
	return &PostgresLedger{pool: pool, clock: o.clock, logger: o.logger}
}

// Seal implements Ledger. The existence check, timestamp assignment and
// insert run in one transaction under a transaction-scoped advisory lock.
func (l *PostgresLedger) Seal(ctx context.Context, req SealRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, unavailable("acquire advisory lock", err)
	}

	existing, err := scanRecord(tx.QueryRow(ctx, selectRecord+" WHERE key = $1", req.Key[:]))
	if err != nil {
		return nil, unavailable("read record", err)
	}
	if existing != nil {
		if req.replays(existing) {
			return &Receipt{Record: existing, Replayed: true}, nil
		}
		return nil, ErrAlreadySealed
	}

	var last time.Time
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(sealed_at), 'epoch'::timestamptz) FROM ledger_records",
	).Scan(&last); err != nil {
		return nil, unavailable("read ledger tail", err)
	}

	rec := &Record{
		Key:       req.Key,
		Creator:   req.Creator,
		SealedAt:  nextStamp(l.clock.Now(), last),
		Metadata:  req.Metadata,
		AttemptID: req.AttemptID,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_records (key, creator, sealed_at, metadata, attempt_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.Key[:], rec.Creator, rec.SealedAt, rec.Metadata, rec.AttemptID,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadySealed
		}
		return nil, unavailable("insert record", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit seal", err)
	}

	l.logger.Debug("fingerprint sealed",
		zap.String("key", rec.Key.String()),
		zap.String("creator", rec.Creator),
		zap.Time("sealed_at", rec.SealedAt),
	)
	l.notify(ctx, rec)
	return &Receipt{Record: rec.clone()}, nil
}

// Lookup implements Reader.
func (l *PostgresLedger) Lookup(ctx context.Context, key fingerprint.Key) (*Record, error) {
	rec, err := scanRecord(l.pool.QueryRow(ctx, selectRecord+" WHERE key = $1", key[:]))
	if err != nil {
		return nil, unavailable("lookup record", err)
	}
	return rec, nil
}

// RecordsFor implements Reader.
func (l *PostgresLedger) RecordsFor(ctx context.Context, creator string) ([]fingerprint.Key, error) {
	rows, err := l.pool.Query(ctx,
		"SELECT key FROM ledger_records WHERE creator = $1 ORDER BY seq", creator)
	if err != nil {
		return nil, unavailable("query creator index", err)
	}
	defer rows.Close()

	keys := []fingerprint.Key{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, unavailable("scan creator index", err)
		}
		k, err := fingerprint.FromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt key in creator index: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate creator index", err)
	}
	return keys, nil
}

const selectRecord = `SELECT key, creator, sealed_at, metadata, attempt_id FROM ledger_records`

// scanRecord returns (nil, nil) when the row does not exist.
func scanRecord(row pgx.Row) (*Record, error) {
	var (
		raw []byte
		rec Record
	)
	if err := row.Scan(&raw, &rec.Creator, &rec.SealedAt, &rec.Metadata, &rec.AttemptID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	k, err := fingerprint.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt record key: %w", err)
	}
	rec.Key = k
	rec.SealedAt = rec.SealedAt.UTC()
	return &rec, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
