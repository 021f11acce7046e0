// Package client provides the Go SDK for the trusted capture service: sealing
// captures, verifying content against the ledger and managing evidence.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

var (
	// ErrAlreadySealed is returned by Seal when the content already has a
	// ledger record written by another capture.
	ErrAlreadySealed = errors.New("content already sealed")

	// ErrNotFound is returned for unknown records, sessions and items.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an evidence action is not valid in the
	// item's current state.
	ErrConflict = errors.New("action not valid in current state")
)

// Record is a sealed ledger entry.
type Record struct {
	Key      string          `json:"key"`
	Creator  string          `json:"creator"`
	SealedAt time.Time       `json:"sealed_at"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SealResult is returned by Seal once the ledger has committed. ItemID can
// only be fetched as evidence once ItemReady is true; WaitCapture waits for
// that.
type SealResult struct {
	SessionID   string    `json:"session_id"`
	ItemID      string    `json:"item_id"`
	ItemReady   bool      `json:"item_ready"`
	Fingerprint string    `json:"fingerprint"`
	SealedAt    time.Time `json:"sealed_at"`
	Phase       string    `json:"phase"`
	Replayed    bool      `json:"replayed"`
}

// CaptureStatus is a capture session snapshot.
type CaptureStatus struct {
	SessionID   string   `json:"session_id"`
	Creator     string   `json:"creator"`
	Phase       string   `json:"phase"`
	Failure     string   `json:"failure,omitempty"`
	Error       string   `json:"error,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	ItemID      string   `json:"item_id"`
	ItemReady   bool     `json:"item_ready"`
	History     []string `json:"history"`
	Analysis    *struct {
		State    string `json:"state"`
		JobID    string `json:"job_id,omitempty"`
		Score    int    `json:"score,omitempty"`
		Risk     string `json:"risk,omitempty"`
		TimedOut bool   `json:"timed_out,omitempty"`
		Error    string `json:"error,omitempty"`
	} `json:"analysis,omitempty"`
}

// Done reports whether the session has reached Sealed or Failed.
func (s *CaptureStatus) Done() bool { return s.Phase == "sealed" || s.Phase == "failed" }

// Verification is the verdict for a piece of content.
type Verification struct {
	Outcome     string  `json:"outcome"`
	Remediation string  `json:"remediation"`
	ClaimedKey  string  `json:"claimed_key"`
	ActualKey   string  `json:"actual_key"`
	Size        int64   `json:"size"`
	Record      *Record `json:"record,omitempty"`
}

// Verified reports whether the content matched a sealed record.
func (v *Verification) Verified() bool { return v.Outcome == "verified" }

// EvidenceItem is an account's view of one sealed capture.
type EvidenceItem struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Key         string     `json:"fingerprint"`
	Visibility  string     `json:"visibility"`
	FileName    string     `json:"file_name,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Size        int64      `json:"size"`
	SealedAt    time.Time  `json:"sealed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	BinnedAt    *time.Time `json:"binned_at,omitempty"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
	Analysis    struct {
		State string `json:"state"`
		Score *int   `json:"score,omitempty"`
		Risk  string `json:"risk,omitempty"`
	} `json:"analysis"`
}

// Report is the shareable account of one evidence item.
type Report struct {
	ReportID    string            `json:"report_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Item        EvidenceItem      `json:"item"`
	Record      Record            `json:"record"`
	Verdict     string            `json:"verdict"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Findings    []struct {
		Rule        string  `json:"rule"`
		Description string  `json:"description"`
		Confidence  float64 `json:"confidence"`
	} `json:"findings,omitempty"`
}

// SealOptions carries the optional parts of a capture upload.
type SealOptions struct {
	FileName string
	// Metadata is sent as the capture's metadata JSON.
	Metadata any
	// AttemptID makes retries of the same upload safe.
	AttemptID string
}

// Client is the SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *recordCache

	mu          sync.Mutex
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL enables in-memory caching of ledger records. Records never
// change once sealed, so only the TTL bounds staleness of misses.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newRecordCache(ttl)
		return nil
	}
}

// WithBearerToken attaches a principal token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the service at baseURL.
//
//	c, err := client.New("https://capture.example.com",
//	    client.WithBearerToken(token),
//	    client.WithCacheTTL(time.Minute),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SetBearerToken replaces the token used for authenticated calls.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	c.bearerToken = token
	c.mu.Unlock()
}

// Seal uploads content and returns once the ledger has sealed it. A
// duplicate returns an error wrapping ErrAlreadySealed.
func (c *Client) Seal(ctx context.Context, content io.Reader, opts SealOptions) (*SealResult, error) {
	fields := map[string]string{}
	if opts.AttemptID != "" {
		fields["attempt_id"] = opts.AttemptID
	}
	if opts.Metadata != nil {
		raw, err := json.Marshal(opts.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		fields["metadata"] = string(raw)
	}
	name := opts.FileName
	if name == "" {
		name = "capture"
	}

	var result SealResult
	if err := c.upload(ctx, "/api/v1/captures", name, content, fields, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CaptureStatus returns the current snapshot of a capture session.
func (c *Client) CaptureStatus(ctx context.Context, sessionID string) (*CaptureStatus, error) {
	var st CaptureStatus
	if err := c.getJSON(ctx, "/api/v1/captures/"+url.PathEscape(sessionID), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WaitCapture polls a session until it is done or ctx ends.
func (c *Client) WaitCapture(ctx context.Context, sessionID string, interval time.Duration) (*CaptureStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		st, err := c.CaptureStatus(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if st.Done() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Verify hashes content locally and checks the result against claimedKey
// using only the public record lookup. The content never leaves the caller.
func (c *Client) Verify(ctx context.Context, content io.Reader, claimedKey string) (*Verification, error) {
	claimed, err := fingerprint.Parse(claimedKey)
	if err != nil {
		return nil, err
	}
	actual, n, err := fingerprint.FromReader(content)
	if err != nil {
		return nil, err
	}

	v := &Verification{ClaimedKey: claimed.String(), ActualKey: actual.String(), Size: n}
	if actual != claimed {
		v.Outcome = "key_mismatch"
		v.Remediation = "content does not match the claimed fingerprint; check that you are verifying the right file against the right record"
		return v, nil
	}
	rec, err := c.Lookup(ctx, claimed.String())
	switch {
	case errors.Is(err, ErrNotFound):
		v.Outcome = "not_found"
		v.Remediation = "content was never sealed"
	case err != nil:
		return nil, err
	default:
		v.Outcome = "verified"
		v.Remediation = "content matches a sealed record"
		v.Record = rec
	}
	return v, nil
}

// VerifyRemote uploads content to the service's verify endpoint.
func (c *Client) VerifyRemote(ctx context.Context, content io.Reader, claimedKey string) (*Verification, error) {
	var v Verification
	if err := c.upload(ctx, "/api/v1/verify", "content", content, map[string]string{"key": claimedKey}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Lookup returns the ledger record for key. An unsealed key yields an error
// wrapping ErrNotFound.
func (c *Client) Lookup(ctx context.Context, key string) (*Record, error) {
	k, err := fingerprint.Parse(key)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if rec, ok := c.cache.get(k.String()); ok {
			return rec, nil
		}
	}

	var rec Record
	if err := c.getJSON(ctx, "/api/v1/records/"+k.String(), &rec); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(k.String(), &rec)
	}
	return &rec, nil
}

// SealedBefore reports whether key was sealed strictly before cutoff.
func (c *Client) SealedBefore(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	var out struct {
		SealedBefore bool `json:"sealed_before"`
	}
	path := "/api/v1/records/" + url.PathEscape(key) + "/sealed-before?cutoff=" + url.QueryEscape(cutoff.UTC().Format(time.RFC3339Nano))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return false, err
	}
	return out.SealedBefore, nil
}

// RecordsFor returns the keys creator has sealed, in commit order.
func (c *Client) RecordsFor(ctx context.Context, creator string) ([]string, error) {
	var out struct {
		Keys []string `json:"keys"`
	}
	if err := c.getJSON(ctx, "/api/v1/creators/"+url.PathEscape(creator)+"/records", &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// ListEvidence lists the caller's items in one state. An empty state lists
// every item.
func (c *Client) ListEvidence(ctx context.Context, state string) ([]EvidenceItem, error) {
	path := "/api/v1/evidence"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var out struct {
		Items []EvidenceItem `json:"items"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetEvidence fetches one of the caller's items.
func (c *Client) GetEvidence(ctx context.Context, id string) (*EvidenceItem, error) {
	var it EvidenceItem
	if err := c.getJSON(ctx, "/api/v1/evidence/"+url.PathEscape(id), &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// SoftDelete moves an Active item to the recycle bin.
func (c *Client) SoftDelete(ctx context.Context, id string) (*EvidenceItem, error) {
	return c.evidenceAction(ctx, http.MethodDelete, "/api/v1/evidence/"+url.PathEscape(id))
}

// Restore moves a binned item back to Active.
func (c *Client) Restore(ctx context.Context, id string) (*EvidenceItem, error) {
	return c.evidenceAction(ctx, http.MethodPost, "/api/v1/evidence/"+url.PathEscape(id)+"/restore")
}

// Destroy permanently removes a binned item's payload. The ledger record
// remains.
func (c *Client) Destroy(ctx context.Context, id string) (*EvidenceItem, error) {
	return c.evidenceAction(ctx, http.MethodDelete, "/api/v1/evidence/"+url.PathEscape(id)+"/permanent")
}

// Report fetches the report of one of the caller's items.
func (c *Client) Report(ctx context.Context, id string) (*Report, error) {
	var r Report
	if err := c.getJSON(ctx, "/api/v1/evidence/"+url.PathEscape(id)+"/report", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ExportReports streams a zip of the reports and stored payloads of the
// given items into w. Ids the caller does not own are left out; if none
// resolve the error wraps ErrNotFound.
func (c *Client) ExportReports(ctx context.Context, ids []string, w io.Writer) (int64, error) {
	payload, err := json.Marshal(map[string][]string{"ids": ids})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/reports/export", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/zip")

	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return 0, statusError(req, resp.StatusCode, body)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read export: %w", err)
	}
	return n, nil
}

func (c *Client) evidenceAction(ctx context.Context, method, path string) (*EvidenceItem, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var it EvidenceItem
	if err := json.Unmarshal(body, &it); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &it, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// upload streams content as the multipart "file" field alongside fields.
func (c *Client) upload(ctx context.Context, path, fileName string, content io.Reader, fields map[string]string, out any) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(fw, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request and returns the body of a successful response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(req, resp.StatusCode, body)
	}
	return body, nil
}

// send executes an HTTP request, attaching the Bearer token if present.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	token := c.bearerToken
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}

// statusError maps a non-2xx response onto the package's errors.
func statusError(req *http.Request, code int, body []byte) error {
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: %s", apiError(body))
	case http.StatusConflict:
		if bytes.Contains(body, []byte(`"already_sealed"`)) {
			return fmt.Errorf("%w: %s", ErrAlreadySealed, apiError(body))
		}
		return fmt.Errorf("%w: %s", ErrConflict, apiError(body))
	default:
		return fmt.Errorf("server error %d: %s", code, apiError(body))
	}
}

// apiError extracts the "error" field of a JSON error body.
func apiError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

// --- simple in-memory record cache ---

type cacheEntry struct {
	record    *Record
	expiresAt time.Time
}

type recordCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newRecordCache(ttl time.Duration) *recordCache {
	return &recordCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (rc *recordCache) get(key string) (*Record, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.record, true
}

func (rc *recordCache) set(key string, rec *Record) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[key] = &cacheEntry{record: rec, expiresAt: time.Now().Add(rc.ttl)}
}
