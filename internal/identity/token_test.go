package identity_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/trustedcapture/internal/identity"
)

const testSecret = "correct horse battery staple"

func newTestTokenIssuer(t *testing.T) *identity.TokenIssuer {
	t.Helper()
	ti, err := identity.NewTokenIssuer(testSecret, "https://tcap.example.com", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return ti
}

func TestNewTokenIssuer_weakSecret(t *testing.T) {
	if _, err := identity.NewTokenIssuer("short", "iss", 0); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestTokenIssuer_roundTrip(t *testing.T) {
	ti := newTestTokenIssuer(t)

	token, err := ti.Issue("user-123")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Principal() != "user-123" {
		t.Errorf("Principal: got %q, want %q", claims.Principal(), "user-123")
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Sub(claims.IssuedAt.Time) != time.Hour {
		t.Errorf("expected 1h lifetime, got %v", claims.ExpiresAt)
	}
}

func TestTokenIssuer_rejects(t *testing.T) {
	ti := newTestTokenIssuer(t)
	token, _ := ti.Issue("user-123")

	other, _ := identity.NewTokenIssuer("a completely different secret", "https://tcap.example.com", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("expected error for token signed with another secret")
	}

	wrongIss, _ := identity.NewTokenIssuer(testSecret, "https://elsewhere.example.com", time.Hour)
	if _, err := wrongIss.Verify(token); err == nil {
		t.Error("expected error for wrong issuer")
	}

	expired, _ := ti.IssueFor("user-123", -time.Minute)
	if _, err := ti.Verify(expired); err == nil {
		t.Error("expected error for expired token")
	}

	if _, err := ti.Verify(token[:len(token)-2] + "xx"); err == nil {
		t.Error("expected error for tampered signature")
	}

	if _, err := ti.Issue(""); err == nil {
		t.Error("expected error for empty principal")
	}
}

func TestRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newTestTokenIssuer(t)

	r := gin.New()
	r.GET("/me", identity.RequireToken(ti), func(c *gin.Context) {
		c.String(http.StatusOK, identity.PrincipalFromCtx(c))
	})
	r.GET("/maybe", identity.OptionalToken(ti), func(c *gin.Context) {
		c.String(http.StatusOK, "anon:"+identity.PrincipalFromCtx(c))
	})

	token, _ := ti.Issue("user-9")

	cases := []struct {
		path   string
		header string
		code   int
		body   string
	}{
		{"/me", "", http.StatusUnauthorized, ""},
		{"/me", "Bearer garbage", http.StatusUnauthorized, ""},
		{"/me", "Bearer " + token, http.StatusOK, "user-9"},
		{"/maybe", "", http.StatusOK, "anon:"},
		{"/maybe", "Bearer garbage", http.StatusOK, "anon:"},
		{"/maybe", "Bearer " + token, http.StatusOK, "anon:user-9"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.code {
			t.Errorf("%s %q: expected %d, got %d", tc.path, tc.header, tc.code, w.Code)
		}
		if tc.body != "" && w.Body.String() != tc.body {
			t.Errorf("%s %q: expected body %q, got %q", tc.path, tc.header, tc.body, w.Body.String())
		}
	}
}
