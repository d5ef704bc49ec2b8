package seal

import "errors"

// Public, stable errors for callers.
var (
	ErrPassphraseMissing = errors.New("seal passphrase missing")
	ErrInvalidBox        = errors.New("invalid sealed box")
	// ErrOpenFailed covers both a wrong passphrase and a tampered box;
	// the two are indistinguishable by construction.
	ErrOpenFailed = errors.New("sealed box open failed")
)
