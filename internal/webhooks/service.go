package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/evidence"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-TCAP-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Service fans events out to subscribers.
type Service struct {
	registry   *Registry
	httpClient *http.Client
	onMetrics  MetricsRecorder
	sleep      func(time.Duration)
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewService creates a new webhook Service.
func NewService(registry *Registry, logger *zap.Logger) *Service {
	return &Service{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sleep:      time.Sleep,
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// SetSleep replaces the retry delay function.
func (s *Service) SetSleep(fn func(time.Duration)) {
	s.sleep = fn
}

// RecordSealed is a ledger.Observer that announces new seals.
func (s *Service) RecordSealed(ctx context.Context, rec ledger.Record) {
	s.Dispatch(ctx, EventRecordSealed, map[string]string{
		"fingerprint": rec.Key.String(),
		"creator":     rec.Creator,
		"sealed_at":   rec.SealedAt.Format(time.RFC3339Nano),
	})
}

// EvidenceDestroyed is an evidence.DestroyHook that announces destruction.
func (s *Service) EvidenceDestroyed(ctx context.Context, item *evidence.Item) {
	s.Dispatch(ctx, EventEvidenceDestroyed, map[string]string{
		"item_id":     item.ID.String(),
		"owner":       item.Owner,
		"fingerprint": item.Key.String(),
	})
}

// Dispatch fans out an event to all matching subscriptions. Deliveries run
// in the background and outlive ctx's cancellation.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	subs := s.registry.ListByEvent(eventType)
	if len(subs) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	dctx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		s.wg.Add(1)
		go func(sub Subscription) {
			defer s.wg.Done()
			s.deliver(dctx, sub, event)
		}(sub)
	}
}

// Wait blocks until in-flight deliveries finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// deliver sends the event to a single subscription with retries.
func (s *Service) deliver(ctx context.Context, sub Subscription, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	signature := signPayload(body, sub.Secret)

	// Retry with exponential backoff: 1s, 5s.
	delays := []time.Duration{0, 0, 1 * time.Second, 5 * time.Second}

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			s.sleep(delays[attempt])
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, body, signature)

		s.registry.RecordDelivery(Delivery{
			URL:          sub.URL,
			EventType:    event.Type,
			StatusCode:   statusCode,
			Attempt:      attempt,
			Success:      success,
			ErrorMessage: errMsg,
			DeliveredAt:  time.Now().UTC(),
		})

		if s.onMetrics != nil {
			s.onMetrics(success)
		}

		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value against body. Subscribers
// written in Go can use it directly.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}
