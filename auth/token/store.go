// Package token holds the current access credential in memory and decodes
// its embedded expiry claim.
//
// The credential is never persisted and never verified client-side: the
// client only inspects the expiry claim to decide when to renew. Servers
// remain the sole authority on token validity.
package token

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// timeNow is overridable in tests.
var timeNow = time.Now

// Store is the single in-memory holder of the access credential. All writes
// go through the session controller and the transport's renewal gate; no
// other code path may mutate the credential.
type Store struct {
	mu    sync.RWMutex
	token string
}

// NewStore constructs an empty credential store.
func NewStore() *Store {
	return &Store{}
}

// SetToken replaces the held credential.
func (s *Store) SetToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

// ClearToken drops the held credential.
func (s *Store) ClearToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// Token returns the held credential ("" when none).
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// ExpiresAt decodes the token's expiry claim without verifying the
// signature. It fails on malformed tokens, unreadable claims, and a missing
// exp claim.
func ExpiresAt(raw string) (time.Time, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}

	exp, err := tok.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, jwt.ErrTokenRequiredClaimMissing
	}
	return exp.Time, nil
}

// UserID decodes the "uid" claim without verifying the signature. The value
// is used for identity adoption and cache scoping only, never for
// authorization decisions.
func UserID(raw string) (string, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", err
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	uid, ok := claims["uid"].(string)
	if !ok || uid == "" {
		return "", jwt.ErrTokenRequiredClaimMissing
	}
	return uid, nil
}

// IsExpired reports whether now + buffer has reached the token's expiry.
// Malformed tokens and tokens without an expiry claim count as expired
// (fail-closed).
func IsExpired(raw string, buffer time.Duration) bool {
	exp, err := ExpiresAt(raw)
	if err != nil {
		return true
	}
	if buffer < 0 {
		buffer = 0
	}
	return !timeNow().UTC().Add(buffer).Before(exp)
}
