package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/trustedcapture/internal/capture"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
	"github.com/jmerrifield20/trustedcapture/internal/verify"
)

var (
	tcapRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcap_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	tcapRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tcap_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	tcapSealsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcap_seals_total",
		Help: "Total fingerprints committed to the ledger.",
	})

	tcapCaptureSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcap_capture_sessions_total",
		Help: "Finished capture sessions by phase, failure reason and analysis state.",
	}, []string{"phase", "reason", "analysis"})

	tcapVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcap_verifications_total",
		Help: "Verification requests by outcome.",
	}, []string{"outcome"})

	tcapEvidenceTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcap_evidence_transitions_total",
		Help: "Evidence lifecycle transitions by target state.",
	}, []string{"to"})

	tcapPayloadPurgesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcap_payload_purges_total",
		Help: "Payloads deleted by the deferred purge sweep.",
	})

	tcapHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcap_health_checks_total",
		Help: "Total dependency health probes by component and result.",
	}, []string{"component", "result"})

	tcapWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcap_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		tcapRequestsTotal.WithLabelValues(method, path, status).Inc()
		tcapRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSeal is a ledger.Observer counting commits.
func RecordSeal(_ context.Context, _ ledger.Record) {
	tcapSealsTotal.Inc()
}

// RecordCaptureSession is a capture.MetricsRecorder.
func RecordCaptureSession(s capture.Snapshot) {
	state := "none"
	if s.Analysis != nil {
		state = string(s.Analysis.State)
		if s.Analysis.TimedOut {
			state = "timed_out"
		}
	}
	tcapCaptureSessionsTotal.WithLabelValues(string(s.Phase), string(s.Failure), state).Inc()
}

// RecordVerification records a verification outcome.
func RecordVerification(o verify.Outcome) {
	tcapVerificationsTotal.WithLabelValues(string(o)).Inc()
}

// RecordEvidenceTransition records an evidence state change.
func RecordEvidenceTransition(to string) {
	tcapEvidenceTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordPayloadPurges records payloads removed by the purge sweep.
func RecordPayloadPurges(n int) {
	tcapPayloadPurgesTotal.Add(float64(n))
}

// RecordHealthCheck records a dependency probe result.
func RecordHealthCheck(component string, success bool) {
	if success {
		tcapHealthChecksTotal.WithLabelValues(component, "success").Inc()
	} else {
		tcapHealthChecksTotal.WithLabelValues(component, "failure").Inc()
	}
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		tcapWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		tcapWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
