package transport

import "errors"

var (
	// ErrSessionExpired means renewal was rejected definitively. The session
	// is gone; only a fresh login recovers.
	ErrSessionExpired = errors.New("transport: session expired")

	// ErrRenewalFailed means renewal did not succeed but the rejection was
	// not definitive (network trouble, 5xx, rate limit). Session state is
	// preserved and a later attempt may succeed.
	ErrRenewalFailed = errors.New("transport: renewal failed")
)
