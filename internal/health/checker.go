// Package health tracks the availability of the service's dependencies
// (database, ledger backend, payload store, analysis service) for /healthz.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(component string, success bool)

// ComponentStatus is the last known state of one dependency.
type ComponentStatus struct {
	Status    string    `json:"status"` // "healthy" or "degraded"
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the aggregate health of all components.
type Report struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentStatus `json:"components"`
}

// Checker runs periodic dependency probes.
type Checker struct {
	mu        sync.Mutex
	probes    map[string]Probe
	status    map[string]*ComponentStatus
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		probes: make(map[string]Probe),
		status: make(map[string]*ComponentStatus),
		cfg:    cfg,
		logger: logger,
	}
}

// Register adds a named probe. Components start healthy.
func (h *Checker) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
	h.status[name] = &ComponentStatus{Status: "healthy"}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	h.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every component concurrently.
func (h *Checker) CheckAll(ctx context.Context) {
	h.mu.Lock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p(pctx)
			cancel()
			h.record(name, err)
		}(name, p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	st := h.status[name]
	prev := st.Failures
	st.CheckedAt = time.Now().UTC()
	if err == nil {
		st.Failures = 0
		st.LastError = ""
		st.Status = "healthy"
	} else {
		st.Failures++
		st.LastError = err.Error()
		if st.Failures >= h.cfg.FailThreshold {
			st.Status = "degraded"
		}
	}
	count := st.Failures
	h.mu.Unlock()

	switch {
	case err == nil && prev >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("component", name))
	case err != nil && count == h.cfg.FailThreshold:
		h.logger.Warn("health: degraded",
			zap.String("component", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

// Report returns the current health of all components.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := Report{Healthy: true, Components: make(map[string]ComponentStatus, len(h.status))}
	for name, st := range h.status {
		r.Components[name] = *st
		if st.Status != "healthy" {
			r.Healthy = false
		}
	}
	return r
}

// Components returns registered component names in order.
func (h *Checker) Components() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.probes))
	for n := range h.probes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HTTPProbe attempts HEAD then GET against endpoint and succeeds on any 2xx.
func HTTPProbe(client *http.Client, endpoint string) Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}

		// Fallback to GET.
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err = client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil
	}
}
