package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/pkg/client"
)

var sealedContent = []byte("sealed clip bytes")

// ── Stub server ─────────────────────────────────────────────────────────

func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	key := fingerprint.Sum(sealedContent).String()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/captures", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, `{"error":"multipart field 'file' is required"}`, http.StatusBadRequest)
			return
		}
		k, _, _ := fingerprint.FromReader(f)
		if k.String() == key && r.FormValue("attempt_id") != "att-1" {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{"error": "content already sealed", "status": "already_sealed"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":  "7d3c1a80-0000-4000-8000-000000000001",
			"item_id":     "7d3c1a80-0000-4000-8000-000000000002",
			"fingerprint": k.String(),
			"sealed_at":   "2026-01-02T03:04:05Z",
			"phase":       "verifying",
			"replayed":    r.FormValue("attempt_id") == "att-1",
		})
	})

	mux.HandleFunc("/api/v1/captures/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": strings.TrimPrefix(r.URL.Path, "/api/v1/captures/"),
			"phase":      "sealed",
			"history":    []string{"idle", "capturing", "sealing", "verifying", "sealed"},
			"analysis":   map[string]any{"state": "completed", "score": 10, "risk": "none"},
		})
	})

	mux.HandleFunc("/api/v1/records/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/records/")
		if strings.HasSuffix(rest, "/sealed-before") {
			cutoff, _ := time.Parse(time.RFC3339Nano, r.URL.Query().Get("cutoff"))
			json.NewEncoder(w).Encode(map[string]any{"sealed_before": cutoff.After(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))})
			return
		}
		if rest != key {
			http.Error(w, `{"error":"fingerprint was never sealed"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"key":       key,
			"creator":   "alice",
			"sealed_at": "2026-01-02T03:04:05Z",
		})
	})

	mux.HandleFunc("/api/v1/creators/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"keys": []string{key}})
	})

	mux.HandleFunc("/api/v1/evidence", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "item-1", "visibility": r.URL.Query().Get("state")}},
			"count": 1,
		})
	})

	mux.HandleFunc("/api/v1/reports/export", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.IDs) == 0 || req.IDs[0] != "item-1" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("PK\x03\x04zip bytes"))
	})

	mux.HandleFunc("/api/v1/evidence/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/report"):
			json.NewEncoder(w).Encode(map[string]any{
				"report_id": "RPT-7D3C1A80",
				"verdict":   "likely_authentic",
				"item":      map[string]any{"id": "item-1", "fingerprint": key, "visibility": "active"},
				"record":    map[string]any{"key": key, "creator": "alice", "sealed_at": "2026-01-02T03:04:05Z"},
				"findings":  []map[string]any{{"rule": "not_media", "confidence": 0.4}},
			})
		case strings.HasSuffix(r.URL.Path, "/permanent"):
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{"error": "action not valid in current state"})
		case strings.HasSuffix(r.URL.Path, "/restore"):
			json.NewEncoder(w).Encode(map[string]any{"id": "item-1", "visibility": "active"})
		case r.Method == http.MethodDelete:
			json.NewEncoder(w).Encode(map[string]any{"id": "item-1", "visibility": "binned"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"id": "item-1", "visibility": "active"})
		}
	})

	return httptest.NewServer(mux)
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestSeal_success(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("test-token"))
	res, err := c.Seal(context.Background(), strings.NewReader("fresh bytes"), client.SealOptions{
		FileName: "clip.mp4",
		Metadata: map[string]any{"device": map[string]string{"platform": "ios"}},
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if res.Fingerprint != fingerprint.Sum([]byte("fresh bytes")).String() {
		t.Errorf("unexpected fingerprint: %s", res.Fingerprint)
	}
	if res.Phase != "verifying" {
		t.Errorf("unexpected phase: %s", res.Phase)
	}
}

func TestSeal_duplicate(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("test-token"))
	_, err := c.Seal(context.Background(), bytes.NewReader(sealedContent), client.SealOptions{})
	if !errors.Is(err, client.ErrAlreadySealed) {
		t.Errorf("expected ErrAlreadySealed, got %v", err)
	}

	res, err := c.Seal(context.Background(), bytes.NewReader(sealedContent), client.SealOptions{AttemptID: "att-1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Replayed {
		t.Error("expected replayed receipt")
	}
}

func TestSeal_unauthorized(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c := client.MustNew(srv.URL)
	_, err := c.Seal(context.Background(), strings.NewReader("x"), client.SealOptions{})
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("expected unauthorized error, got %v", err)
	}
}

func TestCaptureStatus(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c := client.MustNew(srv.URL)
	st, err := c.WaitCapture(context.Background(), "s-1", time.Millisecond)
	if err != nil {
		t.Fatalf("WaitCapture: %v", err)
	}
	if !st.Done() || st.Analysis == nil || st.Analysis.Risk != "none" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestVerify_local(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL)
	key := fingerprint.Sum(sealedContent).String()

	v, err := c.Verify(context.Background(), bytes.NewReader(sealedContent), key)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !v.Verified() || v.Record.Creator != "alice" {
		t.Errorf("expected verified by alice, got %+v", v)
	}

	mutated := append([]byte(nil), sealedContent...)
	mutated[0] ^= 1
	v, err = c.Verify(context.Background(), bytes.NewReader(mutated), key)
	if err != nil {
		t.Fatal(err)
	}
	if v.Outcome != "key_mismatch" {
		t.Errorf("expected key_mismatch, got %s", v.Outcome)
	}

	other := []byte("never sealed")
	v, err = c.Verify(context.Background(), bytes.NewReader(other), fingerprint.Sum(other).String())
	if err != nil {
		t.Fatal(err)
	}
	if v.Outcome != "not_found" {
		t.Errorf("expected not_found, got %s", v.Outcome)
	}

	if _, err := c.Verify(context.Background(), bytes.NewReader(other), "not-hex"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestLookup_cache(t *testing.T) {
	callCount := 0
	key := fingerprint.Sum(sealedContent).String()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		json.NewEncoder(w).Encode(map[string]any{"key": key, "creator": "alice"})
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithCacheTTL(5*time.Minute))
	c.Lookup(context.Background(), key)
	c.Lookup(context.Background(), key)

	if callCount != 1 {
		t.Errorf("expected 1 HTTP call (cached), got %d", callCount)
	}
}

func TestRecords(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL)
	key := fingerprint.Sum(sealedContent).String()

	keys, err := c.RecordsFor(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("unexpected keys: %v", keys)
	}

	before, err := c.SealedBefore(context.Background(), key, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !before {
		t.Error("expected sealed before 2027")
	}
}

func TestEvidenceActions(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL, client.WithBearerToken("test-token"))
	ctx := context.Background()

	items, err := c.ListEvidence(ctx, "binned")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Visibility != "binned" {
		t.Errorf("unexpected items: %+v", items)
	}

	it, err := c.SoftDelete(ctx, "item-1")
	if err != nil || it.Visibility != "binned" {
		t.Errorf("SoftDelete: %v %+v", err, it)
	}
	it, err = c.Restore(ctx, "item-1")
	if err != nil || it.Visibility != "active" {
		t.Errorf("Restore: %v %+v", err, it)
	}
	if _, err := c.Destroy(ctx, "item-1"); !errors.Is(err, client.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestReportAndExport(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()
	c := client.MustNew(srv.URL, client.WithBearerToken("test-token"))
	ctx := context.Background()
	key := fingerprint.Sum(sealedContent).String()

	r, err := c.Report(ctx, "item-1")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if r.ReportID != "RPT-7D3C1A80" || r.Verdict != "likely_authentic" {
		t.Errorf("unexpected report %+v", r)
	}
	if r.Item.Key != key || r.Record.Creator != "alice" {
		t.Errorf("expected item and record for %s, got %+v / %+v", key, r.Item, r.Record)
	}
	if len(r.Findings) != 1 || r.Findings[0].Rule != "not_media" {
		t.Errorf("unexpected findings %+v", r.Findings)
	}

	var buf bytes.Buffer
	n, err := c.ExportReports(ctx, []string{"item-1"}, &buf)
	if err != nil {
		t.Fatalf("ExportReports: %v", err)
	}
	if n != int64(buf.Len()) || !bytes.HasPrefix(buf.Bytes(), []byte("PK")) {
		t.Errorf("expected zip bytes, got %d %q", n, buf.String())
	}

	buf.Reset()
	if _, err := c.ExportReports(ctx, []string{"someone-elses"}, &buf); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if buf.Len() != 0 {
		t.Error("nothing should be written on error")
	}
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcap", "token")
	if err := client.SaveToken(path, "  abc.def.ghi \n"); err != nil {
		t.Fatal(err)
	}
	got, err := client.LoadToken(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc.def.ghi" {
		t.Errorf("unexpected token %q", got)
	}

	if _, err := client.New("http://x", client.WithTokenFile(filepath.Join(t.TempDir(), "missing"))); err != nil {
		t.Errorf("missing token file should be ignored: %v", err)
	}
}
