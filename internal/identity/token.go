package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLen is the shortest token secret NewTokenIssuer accepts.
const MinSecretLen = 16

// hkdfInfo binds derived keys to their use.
var hkdfInfo = []byte("tcap principal token signing v1")

// ErrWeakSecret is returned for a secret shorter than MinSecretLen.
var ErrWeakSecret = errors.New("token secret too short")

// PrincipalClaims are the JWT claims for a principal token. The subject is
// the principal id.
type PrincipalClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type"` // always "principal"
}

// Principal returns the authenticated principal id.
func (c *PrincipalClaims) Principal() string { return c.Subject }

// TokenIssuer issues and verifies principal tokens signed with HS256. The
// signing key is derived from the configured secret with HKDF-SHA256 so the
// raw secret never signs anything directly.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
//
//	secret: shared secret, at least MinSecretLen bytes.
//	issuer: the "iss" claim value.
//	ttl: token lifetime (default: 24 hours).
func NewTokenIssuer(secret, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrWeakSecret, MinSecretLen)
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &TokenIssuer{key: key, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue creates a signed token for principal.
func (t *TokenIssuer) Issue(principal string) (string, error) {
	return t.IssueFor(principal, t.ttl)
}

// IssueFor creates a signed token for principal with an explicit lifetime.
func (t *TokenIssuer) IssueFor(principal string, ttl time.Duration) (string, error) {
	if principal == "" {
		return "", errors.New("principal required")
	}
	now := t.now().UTC()
	claims := PrincipalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		Type: "principal",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a principal token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*PrincipalClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&PrincipalClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.key, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*PrincipalClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Type != "principal" || claims.Subject == "" {
		return nil, fmt.Errorf("not a principal token")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
