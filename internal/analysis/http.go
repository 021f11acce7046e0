package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPService is a Service backed by a remote analyser exposing
// POST /jobs and GET /jobs/{id}.
type HTTPService struct {
	base       string
	httpClient *http.Client
	token      string
}

var _ Service = (*HTTPService)(nil)

// HTTPOption configures an HTTPService.
type HTTPOption func(*HTTPService)

// WithHTTPClient overrides the default client (10s timeout).
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(s *HTTPService) { s.httpClient = hc }
}

// WithToken sends a bearer token with every request.
func WithToken(token string) HTTPOption {
	return func(s *HTTPService) { s.token = token }
}

// NewHTTPService creates a client for the analyser at baseURL.
func NewHTTPService(baseURL string, opts ...HTTPOption) *HTTPService {
	s := &HTTPService{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit implements Service.
func (s *HTTPService) Submit(ctx context.Context, ref FileRef) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := s.do(ctx, http.MethodPost, "/jobs", ref, &out); err != nil {
		return "", fmt.Errorf("submit analysis: %w", err)
	}
	if out.JobID == "" {
		return "", errors.New("submit analysis: response has no job_id")
	}
	return out.JobID, nil
}

// Status implements Service. A 404 for the job means the analyser no
// longer knows it and is reported as ErrUnknownJob.
func (s *HTTPService) Status(ctx context.Context, jobID string) (*Status, error) {
	var st Status
	if err := s.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &st); err != nil {
		var he *httpError
		if errors.As(err, &he) && he.code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return nil, fmt.Errorf("analysis status: %w", err)
	}
	switch st.State {
	case StatePending, StateCompleted, StateFailed:
	default:
		return nil, fmt.Errorf("analysis status: unknown state %q", st.State)
	}
	if st.State == StateCompleted && st.Risk == "" {
		st.Risk = RiskLabel(st.Score)
	}
	return &st, nil
}

func (s *HTTPService) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// httpError is a non-2xx response from the analyser.
type httpError struct {
	code int
	body string
}

func (e *httpError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.code, e.body) }
