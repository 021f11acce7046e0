package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/evidence"
	"github.com/jmerrifield20/trustedcapture/internal/health"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
	"github.com/jmerrifield20/trustedcapture/internal/sealing"
	"github.com/jmerrifield20/trustedcapture/internal/vault"
	"github.com/jmerrifield20/trustedcapture/migrations"
)

// stores holds the ledger and evidence repository chosen by configuration
// together with whatever connections they need.
type stores struct {
	ledger   ledger.Ledger
	evidence evidence.Repository
	closers  []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, checker *health.Checker, logger *zap.Logger) (*stores, error) {
	st := &stores{}
	ledgerDriver := viper.GetString("ledger.driver")
	evidenceDriver := viper.GetString("evidence.driver")

	if err := checkDrivers(ledgerDriver, evidenceDriver, viper.GetBool("evidence.allow_ephemeral")); err != nil {
		return nil, err
	}

	var (
		db   *pgxpool.Pool
		lite *ledger.SQLiteLedger
	)
	if ledgerDriver == "postgres" {
		url := viper.GetString("database.url")
		if viper.GetBool("database.auto_migrate") {
			if err := migrations.UpPostgres(url); err != nil {
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		st.closers = append(st.closers, pool.Close)
		checker.Register("postgres", func(ctx context.Context) error { return pool.Ping(ctx) })
		db = pool
		logger.Info("connected to postgres")
	}

	switch ledgerDriver {
	case "memory":
		st.ledger = ledger.New(ledger.WithLogger(logger))
		logger.Warn("using in-memory ledger; records are lost on restart")
	case "postgres":
		st.ledger = ledger.NewPostgresLedger(db, logger)
	case "sqlite":
		l, err := ledger.OpenSQLite(viper.GetString("ledger.sqlite_path"), logger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { l.Close() }) //nolint:errcheck
		checker.Register("sqlite", func(ctx context.Context) error { return l.DB().PingContext(ctx) })
		st.ledger = l
		lite = l
	case "redis":
		opts, err := redis.ParseURL(viper.GetString("ledger.redis_url"))
		if err != nil {
			return nil, fmt.Errorf("parse ledger.redis_url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		st.closers = append(st.closers, func() { rdb.Close() }) //nolint:errcheck
		checker.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		st.ledger = ledger.NewRedisLedger(rdb, logger)
	default:
		return nil, fmt.Errorf("unknown ledger.driver %q", ledgerDriver)
	}
	logger.Info("ledger ready", zap.String("driver", ledgerDriver))

	switch evidenceDriver {
	case "memory":
		st.evidence = evidence.NewMemoryRepository()
		if ledgerDriver != "memory" {
			logger.Warn("evidence items are kept in memory while the ledger is durable; items are lost on restart")
		}
	case "postgres":
		st.evidence = evidence.NewPostgresRepository(db)
	case "sqlite":
		st.evidence = evidence.NewSQLiteRepository(lite.DB())
	}
	logger.Info("evidence repository ready", zap.String("driver", evidenceDriver))
	return st, nil
}

// checkDrivers rejects store combinations that cannot work or that would
// silently lose evidence items on restart. evidence_items references
// ledger_records, so a SQL repository needs the ledger in the same database.
func checkDrivers(ledgerDriver, evidenceDriver string, allowEphemeral bool) error {
	switch evidenceDriver {
	case "postgres", "sqlite":
		if ledgerDriver != evidenceDriver {
			return fmt.Errorf("evidence.driver=%s requires ledger.driver=%s, got %q", evidenceDriver, evidenceDriver, ledgerDriver)
		}
	case "memory":
		if ledgerDriver != "memory" && !allowEphemeral {
			return fmt.Errorf("evidence.driver=memory loses items on restart while ledger.driver=%s keeps their records; "+
				"use evidence.driver=%s or set evidence.allow_ephemeral=true", ledgerDriver, durableEvidenceFor(ledgerDriver))
		}
	default:
		return fmt.Errorf("unknown evidence.driver %q", evidenceDriver)
	}
	return nil
}

// durableEvidenceFor names the evidence driver that pairs with a ledger.
func durableEvidenceFor(ledgerDriver string) string {
	switch ledgerDriver {
	case "postgres", "sqlite":
		return ledgerDriver
	default:
		return "postgres"
	}
}

func openVault(ctx context.Context, keyring *sealing.Keyring) (vault.Vault, error) {
	v, err := vault.NewFromConfig(ctx, vault.Config{
		Type: viper.GetString("vault.driver"),
		Root: viper.GetString("vault.root"),
		S3: vault.S3Config{
			Bucket:          viper.GetString("vault.s3.bucket"),
			Region:          viper.GetString("vault.s3.region"),
			Prefix:          viper.GetString("vault.s3.prefix"),
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			UsePathStyle:    viper.GetBool("vault.s3.use_path_style"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
		},
		Keyring: keyring,
	})
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return v, nil
}

// openAnalysis returns nil when analysis is disabled.
func openAnalysis(payloads vault.Vault, checker *health.Checker, logger *zap.Logger) (analysis.Service, error) {
	switch driver := viper.GetString("analysis.driver"); driver {
	case "none", "":
		logger.Warn("analysis disabled; items are recorded with analysis pending")
		return nil, nil
	case "local":
		return analysis.NewLocalAnalyzer(payloads, logger,
			analysis.WithJobRetention(viper.GetDuration("analysis.job_retention")),
		), nil
	case "http":
		base := strings.TrimRight(viper.GetString("analysis.url"), "/")
		if base == "" {
			return nil, fmt.Errorf("analysis.driver=http requires analysis.url")
		}
		hc := &http.Client{Timeout: 10 * time.Second}
		checker.Register("analysis", health.HTTPProbe(hc, base+"/healthz"))
		return analysis.NewHTTPService(base,
			analysis.WithHTTPClient(hc),
			analysis.WithToken(viper.GetString("analysis.token")),
		), nil
	default:
		return nil, fmt.Errorf("unknown analysis.driver %q", driver)
	}
}
