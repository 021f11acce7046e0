package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/capture"
	"github.com/jmerrifield20/trustedcapture/internal/evidence"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/identity"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
	"github.com/jmerrifield20/trustedcapture/internal/server/handler"
	"github.com/jmerrifield20/trustedcapture/internal/vault"
)

type testServer struct {
	router   *gin.Engine
	ledger   *ledger.MemoryLedger
	vault    *vault.MemoryVault
	evidence *evidence.Manager
	pipeline *capture.Pipeline
	tokens   *identity.TokenIssuer
}

func setupRouter(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := identity.NewTokenIssuer("handler-test-secret-value", "tcap-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New()
	v := vault.NewMemoryVault()
	m := evidence.NewManager(evidence.NewMemoryRepository(), l, v, zap.NewNop())
	p := capture.NewPipeline(capture.Config{
		StagingDir:   t.TempDir(),
		PollInterval: time.Millisecond,
		MaxPolls:     1,
	}, capture.Deps{Ledger: l, Vault: v, Evidence: m}, zap.NewNop())
	t.Cleanup(p.Close)

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewCaptureHandler(p, tokens, 1<<20, zap.NewNop()).Register(v1)
	handler.NewVerifyHandler(l, 1<<20, zap.NewNop()).Register(v1)
	handler.NewEvidenceHandler(m, tokens, zap.NewNop()).Register(v1)
	r.GET("/healthz", handler.HealthHandler(nil))

	return &testServer{router: r, ledger: l, vault: v, evidence: m, pipeline: p, tokens: tokens}
}

func (s *testServer) token(t *testing.T, principal string) string {
	t.Helper()
	tok, err := s.tokens.Issue(principal)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (s *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, path string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if data != nil {
		fw, err := mw.CreateFormFile("file", "clip.mp4")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data) //nolint:errcheck
	}
	for k, v := range fields {
		mw.WriteField(k, v) //nolint:errcheck
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

// waitSealed waits for the background verification of a session.
func (s *testServer) waitSealed(t *testing.T, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures/"+sessionID, nil)
		w := s.do(req, s.token(t, "u1"))
		if w.Code == http.StatusOK && decode(t, w)["phase"] == string(capture.Sealed) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never sealed", sessionID)
}

func TestCapture_requiresToken(t *testing.T) {
	s := setupRouter(t)
	w := s.do(multipartRequest(t, "/api/v1/captures", []byte("b1"), nil), "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestCapture_missingFile_400(t *testing.T) {
	s := setupRouter(t)
	w := s.do(multipartRequest(t, "/api/v1/captures", nil, map[string]string{"attempt_id": "x"}), s.token(t, "u1"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCapture_badMetadata_400(t *testing.T) {
	s := setupRouter(t)
	w := s.do(multipartRequest(t, "/api/v1/captures", []byte("b1"), map[string]string{"metadata": "{nope"}), s.token(t, "u1"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if s.ledger.Len() != 0 {
		t.Error("nothing should be sealed")
	}
}

// The end-to-end scenario: seal, duplicate, verify, tamper, lifecycle.
func TestScenario(t *testing.T) {
	s := setupRouter(t)
	b1 := []byte("the original bytes")
	key := fingerprint.Sum(b1)

	// Seal as u1.
	w := s.do(multipartRequest(t, "/api/v1/captures", b1, map[string]string{
		"metadata": `{"device":{"platform":"ios","model":"iPhone"}}`,
	}), s.token(t, "u1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	if created["fingerprint"] != key.String() {
		t.Errorf("expected fingerprint %s, got %v", key, created["fingerprint"])
	}
	if created["sealed_at"] == nil {
		t.Error("expected sealed_at")
	}
	itemID := created["item_id"].(string)
	s.waitSealed(t, created["session_id"].(string))

	// Seal the same bytes as u2.
	w = s.do(multipartRequest(t, "/api/v1/captures", b1, nil), s.token(t, "u2"))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["status"] != "already_sealed" {
		t.Errorf("expected already_sealed status")
	}

	// Verify the original.
	w = s.do(multipartRequest(t, "/api/v1/verify", b1, map[string]string{"key": key.String()}), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode(t, w)
	if res["outcome"] != "verified" {
		t.Errorf("expected verified, got %v", res["outcome"])
	}
	if rec := res["record"].(map[string]any); rec["creator"] != "u1" {
		t.Errorf("expected creator u1, got %v", rec["creator"])
	}

	// Verify mutated bytes against the original key.
	mutated := append([]byte(nil), b1...)
	mutated[0] ^= 0x01
	w = s.do(multipartRequest(t, "/api/v1/verify", mutated, map[string]string{"key": key.String()}), "")
	if decode(t, w)["outcome"] != "key_mismatch" {
		t.Errorf("expected key_mismatch, got %s", w.Body.String())
	}

	// Destroy straight from Active is rejected.
	tok := s.token(t, "u1")
	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/evidence/"+itemID+"/permanent", nil), tok)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Bin, then destroy.
	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/evidence/"+itemID, nil), tok)
	if w.Code != http.StatusOK || decode(t, w)["visibility"] != "binned" {
		t.Fatalf("expected binned, got %d: %s", w.Code, w.Body.String())
	}
	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/evidence/"+itemID+"/permanent", nil), tok)
	if w.Code != http.StatusOK || decode(t, w)["visibility"] != "destroyed" {
		t.Fatalf("expected destroyed, got %d: %s", w.Code, w.Body.String())
	}

	// The payload is gone but the record remains.
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+itemID+"/payload", nil), tok)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for destroyed payload, got %d", w.Code)
	}
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/records/"+key.String(), nil), "")
	if w.Code != http.StatusOK || decode(t, w)["creator"] != "u1" {
		t.Errorf("expected record to survive, got %d: %s", w.Code, w.Body.String())
	}
}

func TestVerify_notFoundDistinctFromMismatch(t *testing.T) {
	s := setupRouter(t)
	data := []byte("never sealed")
	key := fingerprint.Sum(data)

	w := s.do(multipartRequest(t, "/api/v1/verify", data, map[string]string{"key": key.String()}), "")
	res := decode(t, w)
	if res["outcome"] != "not_found" {
		t.Errorf("expected not_found, got %v", res["outcome"])
	}
	if res["remediation"] == "" {
		t.Error("expected remediation text")
	}

	w = s.do(multipartRequest(t, "/api/v1/verify", data, map[string]string{"key": "zz"}), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad key, got %d", w.Code)
	}
}

func TestRecords(t *testing.T) {
	s := setupRouter(t)
	keys := []fingerprint.Key{fingerprint.Sum([]byte("one")), fingerprint.Sum([]byte("two"))}
	for _, k := range keys {
		if _, err := s.ledger.Seal(context.Background(), ledger.SealRequest{Key: k, Creator: "alice"}); err != nil {
			t.Fatal(err)
		}
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/creators/alice/records", nil), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decode(t, w)["keys"].([]any)
	if len(got) != 2 || got[0] != keys[0].String() || got[1] != keys[1].String() {
		t.Errorf("expected keys in commit order, got %v", got)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/creators/bob/records", nil), "")
	if n := len(decode(t, w)["keys"].([]any)); n != 0 {
		t.Errorf("expected empty list, got %d", n)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/records/"+fingerprint.Sum([]byte("x")).String(), nil), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/records/"+keys[0].String()+"/sealed-before?cutoff="+future, nil), "")
	if w.Code != http.StatusOK || decode(t, w)["sealed_before"] != true {
		t.Errorf("expected sealed_before=true, got %d: %s", w.Code, w.Body.String())
	}
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/records/"+keys[0].String()+"/sealed-before?cutoff=yesterday", nil), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestEvidence_crossAccount_404(t *testing.T) {
	s := setupRouter(t)
	w := s.do(multipartRequest(t, "/api/v1/captures", []byte("private"), nil), s.token(t, "u1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	created := decode(t, w)
	s.waitSealed(t, created["session_id"].(string))
	itemID := created["item_id"].(string)

	intruder := s.token(t, "u2")
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+itemID, nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+itemID+"/payload", nil),
		httptest.NewRequest(http.MethodDelete, "/api/v1/evidence/"+itemID, nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/captures/"+created["session_id"].(string), nil),
	} {
		if w := s.do(req, intruder); w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", req.Method, req.URL.Path, w.Code)
		}
	}
}

func TestEvidence_listAndPayload(t *testing.T) {
	s := setupRouter(t)
	tok := s.token(t, "u1")

	w := s.do(multipartRequest(t, "/api/v1/captures", []byte("payload!"), nil), tok)
	created := decode(t, w)
	s.waitSealed(t, created["session_id"].(string))
	itemID := created["item_id"].(string)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence?state=active", nil), tok)
	if w.Code != http.StatusOK || decode(t, w)["count"] != float64(1) {
		t.Fatalf("expected one active item, got %d: %s", w.Code, w.Body.String())
	}
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence?state=binned", nil), tok)
	if decode(t, w)["count"] != float64(0) {
		t.Errorf("expected empty bin, got %s", w.Body.String())
	}
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence?state=gone", nil), tok)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+itemID+"/payload", nil), tok)
	if w.Code != http.StatusOK || w.Body.String() != "payload!" {
		t.Errorf("expected payload, got %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-TCAP-Fingerprint") != fingerprint.Sum([]byte("payload!")).String() {
		t.Errorf("unexpected fingerprint header %q", w.Header().Get("X-TCAP-Fingerprint"))
	}

	w = s.do(httptest.NewRequest(http.MethodPost, "/api/v1/evidence/"+itemID+"/restore", nil), tok)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 restoring an active item, got %d", w.Code)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence/not-a-uuid", nil), tok)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCapture_attemptReplay(t *testing.T) {
	s := setupRouter(t)
	tok := s.token(t, "u1")
	data := []byte("retried upload")

	w := s.do(multipartRequest(t, "/api/v1/captures", data, map[string]string{"attempt_id": "att-1"}), tok)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	first := decode(t, w)
	s.waitSealed(t, first["session_id"].(string))
	itemID := first["item_id"].(string)

	w = s.do(multipartRequest(t, "/api/v1/captures", data, map[string]string{"attempt_id": "att-1"}), tok)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d: %s", w.Code, w.Body.String())
	}
	replay := decode(t, w)
	if replay["replayed"] != true {
		t.Errorf("expected replayed, got %v", replay["replayed"])
	}
	if replay["item_id"] != itemID || replay["item_ready"] != true {
		t.Errorf("expected replay to report item %s as ready, got %v ready=%v", itemID, replay["item_id"], replay["item_ready"])
	}
	s.waitSealed(t, replay["session_id"].(string))

	w = s.do(multipartRequest(t, "/api/v1/captures", data, map[string]string{"attempt_id": "att-2"}), tok)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a new attempt, got %d", w.Code)
	}

	// The replay shares the first item rather than owning a second one.
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence", nil), tok)
	if w.Code != http.StatusOK || decode(t, w)["count"] != float64(1) {
		t.Fatalf("expected exactly one item, got %d: %s", w.Code, w.Body.String())
	}

	// Binning keeps the payload readable.
	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/evidence/"+itemID, nil), tok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected binned, got %d: %s", w.Code, w.Body.String())
	}
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+itemID+"/payload", nil), tok)
	if w.Code != http.StatusOK || w.Body.String() != string(data) {
		t.Errorf("expected payload to survive binning, got %d %q", w.Code, w.Body.String())
	}

	// No other item is left pointing at a payload a destroy removes.
	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/evidence/"+itemID+"/permanent", nil), tok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected destroyed, got %d: %s", w.Code, w.Body.String())
	}
	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence?state=active", nil), tok)
	if decode(t, w)["count"] != float64(0) {
		t.Errorf("expected no active items after destroy, got %s", w.Body.String())
	}
	if s.vault.Len() != 0 {
		t.Errorf("expected payload removed once, vault holds %d", s.vault.Len())
	}
}

func TestEvidence_reportAndExport(t *testing.T) {
	s := setupRouter(t)
	tok := s.token(t, "u1")
	data := []byte("exported bytes")

	w := s.do(multipartRequest(t, "/api/v1/captures", data, nil), tok)
	created := decode(t, w)
	s.waitSealed(t, created["session_id"].(string))
	itemID := created["item_id"].(string)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+itemID+"/report", nil), tok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	report := decode(t, w)
	reportID, _ := report["report_id"].(string)
	if !strings.HasPrefix(reportID, "RPT-") || len(reportID) != 12 {
		t.Errorf("unexpected report id %q", reportID)
	}
	if report["verdict"] != "pending" {
		t.Errorf("expected pending verdict without analysis, got %v", report["verdict"])
	}
	if rec := report["record"].(map[string]any); rec["creator"] != "u1" || rec["key"] != fingerprint.Sum(data).String() {
		t.Errorf("unexpected record %v", rec)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+itemID+"/report", nil), s.token(t, "u2"))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another account, got %d", w.Code)
	}

	body := `{"ids":["` + itemID + `","` + uuid.NewString() + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/export", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = s.do(req, tok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("expected application/zip, got %q", ct)
	}

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	entries := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		entries[f.Name] = string(b)
	}
	if len(entries) != 2 {
		t.Errorf("expected a report and a payload, got %v", keys(entries))
	}
	if _, ok := entries["reports/"+reportID+".json"]; !ok {
		t.Errorf("missing report entry, got %v", keys(entries))
	}
	if got := entries["media/"+itemID+"/clip.mp4"]; got != string(data) {
		t.Errorf("expected payload in export, got %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/reports/export", strings.NewReader(`{"ids":["`+uuid.NewString()+`"]}`))
	req.Header.Set("Content-Type", "application/json")
	if w := s.do(req, tok); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 when nothing resolves, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/reports/export", strings.NewReader(`{"ids":["nope"]}`))
	req.Header.Set("Content-Type", "application/json")
	if w := s.do(req, tok); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad id, got %d", w.Code)
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestHealthz(t *testing.T) {
	s := setupRouter(t)
	w := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
