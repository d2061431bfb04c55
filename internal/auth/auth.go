// Package auth guards the internal trigger API.
//
// Authentication model:
//   - /internal routes are called by the challenge subsystem and operators
//   - callers present a shared bearer token (INTERNAL_API_TOKEN)
//   - tokens are compared as SHA-256 digests in constant time
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Verifier checks presented tokens against the configured one.
type Verifier struct {
	digest [sha256.Size]byte
	open   bool
}

// NewVerifier creates a verifier for token. An empty token disables the
// check, which is only allowed outside production.
func NewVerifier(token string) *Verifier {
	if token == "" {
		return &Verifier{open: true}
	}
	return &Verifier{digest: sha256.Sum256([]byte(token))}
}

// Open reports whether the verifier accepts every request.
func (v *Verifier) Open() bool { return v.open }

// Verify checks a raw header value. Both "Bearer <token>" and a bare token
// are accepted.
func (v *Verifier) Verify(header string) error {
	if v.open {
		return nil
	}
	token := strings.TrimSpace(header)
	if after, ok := cutPrefixFold(token, "Bearer "); ok {
		token = strings.TrimSpace(after)
	}
	if token == "" {
		return ErrNoToken
	}
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], v.digest[:]) != 1 {
		return ErrInvalidToken
	}
	return nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
