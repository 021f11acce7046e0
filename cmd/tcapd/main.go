package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/capture"
	"github.com/jmerrifield20/trustedcapture/internal/evidence"
	"github.com/jmerrifield20/trustedcapture/internal/health"
	"github.com/jmerrifield20/trustedcapture/internal/identity"
	"github.com/jmerrifield20/trustedcapture/internal/sealing"
	"github.com/jmerrifield20/trustedcapture/internal/server/handler"
	"github.com/jmerrifield20/trustedcapture/internal/webhooks"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("tcapd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	if err := loadConfig(logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker := health.New(health.Config{
		CheckInterval: viper.GetDuration("health.check_interval"),
	}, logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)

	// ── Storage ──────────────────────────────────────────────────────────────
	st, err := openStores(ctx, checker, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// ── Sealing keyring ──────────────────────────────────────────────────────
	var keyring *sealing.Keyring
	if path := viper.GetString("sealing.identity_file"); path != "" {
		keyring, err = sealing.LoadKeyring(path)
		if err != nil {
			return fmt.Errorf("load sealing identity: %w", err)
		}
		logger.Info("metadata and payload encryption enabled", zap.String("recipient", keyring.Recipient()))
	} else {
		logger.Warn("sealing.identity_file not set; metadata and payloads are stored in the clear")
	}

	payloads, err := openVault(ctx, keyring)
	if err != nil {
		return err
	}
	logger.Info("payload vault ready", zap.String("driver", viper.GetString("vault.driver")))

	// ── Identity ─────────────────────────────────────────────────────────────
	tokens, err := identity.NewTokenIssuer(
		viper.GetString("identity.token_secret"),
		viper.GetString("identity.issuer"),
		viper.GetDuration("identity.token_ttl"),
	)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	// ── Webhooks ─────────────────────────────────────────────────────────────
	var subs []webhooks.Subscription
	if err := viper.UnmarshalKey("webhooks.subscriptions", &subs); err != nil {
		return fmt.Errorf("parse webhooks.subscriptions: %w", err)
	}
	hookRegistry, err := webhooks.NewRegistry(subs)
	if err != nil {
		return err
	}
	hooks := webhooks.NewService(hookRegistry, logger)
	hooks.SetMetricsRecorder(handler.RecordWebhookDelivery)
	logger.Info("webhook subscriptions loaded", zap.Int("count", hookRegistry.Len()))

	// ── Wire up layers ───────────────────────────────────────────────────────
	st.ledger.Subscribe(handler.RecordSeal)
	st.ledger.Subscribe(hooks.RecordSealed)

	analyzer, err := openAnalysis(payloads, checker, logger)
	if err != nil {
		return err
	}

	var evidenceOpts []evidence.Option
	if analyzer != nil {
		evidenceOpts = append(evidenceOpts, evidence.WithAnalysis(analyzer))
	}
	evidenceMgr := evidence.NewManager(st.evidence, st.ledger, payloads, logger, evidenceOpts...)
	evidenceMgr.OnDestroy(hooks.EvidenceDestroyed)

	pipeline := capture.NewPipeline(capture.Config{
		StagingDir:      viper.GetString("capture.staging_dir"),
		SealTimeout:     viper.GetDuration("capture.seal_timeout"),
		SealAttempts:    viper.GetInt("capture.seal_attempts"),
		SealBackoff:     viper.GetDuration("capture.seal_backoff"),
		PollInterval:    viper.GetDuration("analysis.poll_interval"),
		MaxPollInterval: viper.GetDuration("analysis.max_poll_interval"),
		MaxPolls:        viper.GetInt("analysis.max_polls"),
		Retention:       viper.GetDuration("capture.session_retention"),
	}, capture.Deps{
		Ledger:   st.ledger,
		Vault:    payloads,
		Analysis: analyzer,
		Evidence: evidenceMgr,
		Sealer:   sealing.NewSealer(keyring),
	}, logger, capture.WithMetricsRecorder(handler.RecordCaptureSession))

	maxUpload := viper.GetInt64("server.max_upload_bytes")
	captureHandler := handler.NewCaptureHandler(pipeline, tokens, maxUpload, logger)
	verifyHandler := handler.NewVerifyHandler(st.ledger, maxUpload, logger)
	evidenceHandler := handler.NewEvidenceHandler(evidenceMgr, tokens, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-TCAP-Fingerprint"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, handler.RateLimitConfig{
			RPS:  rps,
			Idle: viper.GetDuration("server.rate_limit_idle"),
		}))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", handler.HealthHandler(checker))
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	captureHandler.Register(v1)
	verifyHandler.Register(v1)
	evidenceHandler.Register(v1)

	// ── Background jobs ──────────────────────────────────────────────────────
	go checker.Start(ctx)
	go pipeline.Tracker().Run(ctx, time.Minute)
	go purgeLoop(ctx, evidenceMgr, viper.GetDuration("evidence.purge_interval"), logger)
	go refreshLoop(ctx, evidenceMgr, viper.GetDuration("evidence.analysis_refresh_interval"), logger)
	if local, ok := analyzer.(*analysis.LocalAnalyzer); ok {
		go local.Run(ctx, time.Minute)
	}

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("tcapd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down tcapd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	pipeline.Close()
	hooks.Wait()

	logger.Info("tcapd stopped")
	return nil
}

// purgeLoop retries payload deletion for destroyed items whose purge failed.
func purgeLoop(ctx context.Context, m *evidence.Manager, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pctx, cancel := context.WithTimeout(ctx, interval)
		n, err := m.PurgePending(pctx)
		cancel()
		if err != nil {
			logger.Warn("payload purge sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			handler.RecordPayloadPurges(n)
			logger.Info("purged payloads of destroyed items", zap.Int("count", n))
		}
	}
}

// refreshLoop stores verdicts that arrived after their capture stopped
// polling.
func refreshLoop(ctx context.Context, m *evidence.Manager, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rctx, cancel := context.WithTimeout(ctx, interval)
		n, err := m.RefreshAnalysis(rctx)
		cancel()
		if err != nil {
			logger.Warn("analysis refresh sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			logger.Info("recorded late analysis verdicts", zap.Int("count", n))
		}
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
