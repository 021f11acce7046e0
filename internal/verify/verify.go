// Package verify re-derives a fingerprint from presented bytes and checks it
// against the ledger.
//
// Verification is stateless: it needs only the bytes and the key the holder
// claims they were sealed under, never the original capture session.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
)

// Outcome is the verdict of a verification.
type Outcome string

const (
	// Verified: the bytes hash to the claimed key and the key is sealed.
	Verified Outcome = "verified"
	// KeyMismatch: the bytes do not hash to the claimed key.
	KeyMismatch Outcome = "key_mismatch"
	// NotFound: the bytes match the claimed key but it was never sealed.
	NotFound Outcome = "not_found"
)

// Remediation returns a short user-facing explanation of o.
func (o Outcome) Remediation() string {
	switch o {
	case Verified:
		return "content matches a sealed record"
	case KeyMismatch:
		return "content does not match the claimed fingerprint; check that you are verifying the right file against the right record"
	case NotFound:
		return "content was never sealed"
	default:
		return ""
	}
}

// Result describes one verification.
type Result struct {
	Outcome    Outcome         `json:"outcome"`
	ClaimedKey fingerprint.Key `json:"claimed_key"`
	ActualKey  fingerprint.Key `json:"actual_key"`
	Size       int64           `json:"size"`
	Record     *ledger.Record  `json:"record,omitempty"`
}

// Verifier runs the verification protocol against a ledger.
type Verifier struct {
	ledger ledger.Reader
}

// New creates a Verifier reading from l.
func New(l ledger.Reader) *Verifier {
	return &Verifier{ledger: l}
}

// Verify hashes r and checks the result against claimed. The returned error
// is non-nil only when r fails or the ledger cannot be read; every outcome,
// including a mismatch, is reported through Result.
func (v *Verifier) Verify(ctx context.Context, r io.Reader, claimed fingerprint.Key) (*Result, error) {
	actual, n, err := fingerprint.FromReader(r)
	if err != nil {
		return nil, err
	}
	return v.check(ctx, actual, n, claimed)
}

// VerifyBytes is Verify over an in-memory payload.
func (v *Verifier) VerifyBytes(ctx context.Context, b []byte, claimed fingerprint.Key) (*Result, error) {
	return v.Verify(ctx, bytes.NewReader(b), claimed)
}

// VerifyKey checks an already computed fingerprint, for callers that hashed
// the content themselves.
func (v *Verifier) VerifyKey(ctx context.Context, actual, claimed fingerprint.Key) (*Result, error) {
	return v.check(ctx, actual, -1, claimed)
}

func (v *Verifier) check(ctx context.Context, actual fingerprint.Key, size int64, claimed fingerprint.Key) (*Result, error) {
	res := &Result{ClaimedKey: claimed, ActualKey: actual, Size: size}
	if actual != claimed {
		res.Outcome = KeyMismatch
		return res, nil
	}

	rec, err := v.ledger.Lookup(ctx, actual)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", actual, err)
	}
	if rec == nil {
		res.Outcome = NotFound
		return res, nil
	}
	res.Outcome = Verified
	res.Record = rec
	return res, nil
}
