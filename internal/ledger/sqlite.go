package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/migrations"
)

// SQLiteLedger stores records in a local SQLite file. Write transactions
// are opened with BEGIN IMMEDIATE so concurrent seals serialise on the
// database write lock.
type SQLiteLedger struct {
	observers

	db     *sql.DB
	clock  Clock
	logger *zap.Logger
}

var _ Ledger = (*SQLiteLedger)(nil)

// OpenSQLite opens (creating if needed) the ledger database at path and
// applies pending migrations.
func OpenSQLite(path string, logger *zap.Logger, opts ...Option) (*SQLiteLedger, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	if err := migrations.UpSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite ledger: %w", err)
	}

	o := buildOptions(append([]Option{WithLogger(logger)}, opts...))
	return &SQLiteLedger{db: db, clock: o.clock, logger: o.logger}, nil
}

// DB returns the underlying handle. The evidence repository shares it so
// that evidence_items can reference ledger_records.
func (l *SQLiteLedger) DB() *sql.DB { return l.db }

// Close releases the database handle.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Seal implements Ledger.
func (l *SQLiteLedger) Seal(ctx context.Context, req SealRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanSQLite(tx.QueryRowContext(ctx, sqliteSelect+" WHERE key = ?", req.Key[:]))
	if err != nil {
		return nil, unavailable("read record", err)
	}
	if existing != nil {
		if req.replays(existing) {
			return &Receipt{Record: existing, Replayed: true}, nil
		}
		return nil, ErrAlreadySealed
	}

	var lastMicros int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sealed_at), 0) FROM ledger_records",
	).Scan(&lastMicros); err != nil {
		return nil, unavailable("read ledger tail", err)
	}

	rec := &Record{
		Key:       req.Key,
		Creator:   req.Creator,
		SealedAt:  nextStamp(l.clock.Now(), time.UnixMicro(lastMicros)),
		Metadata:  req.Metadata,
		AttemptID: req.AttemptID,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_records (key, creator, sealed_at, metadata, attempt_id) VALUES (?, ?, ?, ?, ?)`,
		rec.Key[:], rec.Creator, rec.SealedAt.UnixMicro(), rec.Metadata, rec.AttemptID,
	); err != nil {
		return nil, unavailable("insert record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit seal", err)
	}

	l.logger.Debug("fingerprint sealed",
		zap.String("key", rec.Key.String()),
		zap.String("creator", rec.Creator),
	)
	l.notify(ctx, rec)
	return &Receipt{Record: rec.clone()}, nil
}

// Lookup implements Reader.
func (l *SQLiteLedger) Lookup(ctx context.Context, key fingerprint.Key) (*Record, error) {
	rec, err := scanSQLite(l.db.QueryRowContext(ctx, sqliteSelect+" WHERE key = ?", key[:]))
	if err != nil {
		return nil, unavailable("lookup record", err)
	}
	return rec, nil
}

// RecordsFor implements Reader.
func (l *SQLiteLedger) RecordsFor(ctx context.Context, creator string) ([]fingerprint.Key, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT key FROM ledger_records WHERE creator = ? ORDER BY seq", creator)
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

const sqliteSelect = `SELECT key, creator, sealed_at, metadata, attempt_id FROM ledger_records`

func scanSQLite(row *sql.Row) (*Record, error) {
	var (
		raw    []byte
		micros int64
		rec    Record
	)
	if err := row.Scan(&raw, &rec.Creator, &micros, &rec.Metadata, &rec.AttemptID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	k, err := fingerprint.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt record key: %w", err)
	}
	rec.Key = k
	rec.SealedAt = time.UnixMicro(micros).UTC()
	return &rec, nil
}
