package authapi

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConfig = errors.New("authapi: invalid config")

	// ErrUnauthorized marks a definitive credential rejection (HTTP 401).
	ErrUnauthorized = errors.New("authapi: unauthorized")
	// ErrForbidden marks a rejected-but-authenticated request (HTTP 403).
	ErrForbidden = errors.New("authapi: forbidden")
	// ErrRateLimited marks an HTTP 429. Safe to retry after a pause.
	ErrRateLimited = errors.New("authapi: rate limited")
)

// Server error codes the client branches on.
const (
	CodeInvalidCredentials   = "invalid_credentials"
	CodeSessionNotActive     = "session_not_active"
	CodeRefreshReuseDetected = "refresh_reuse_detected"
	CodeRefreshRateLimited   = "refresh_rate_limited"
	CodeCSRFMismatch         = "csrf_mismatch"
)

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authapi: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("authapi: unexpected status %d", e.StatusCode)
}

// Unwrap maps the status class onto the package sentinels so callers can
// use errors.Is without inspecting status codes themselves.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case 401:
		return ErrUnauthorized
	case 403:
		return ErrForbidden
	case 429:
		return ErrRateLimited
	default:
		return nil
	}
}

// IsDefinitiveRenewalFailure reports whether a refresh error means the
// session is gone for good: the server rejected the credential itself, not
// the attempt. Timeouts, 5xx and rate limits are all retryable and return
// false.
func IsDefinitiveRenewalFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}
