// Package token provides credential hashing primitives for the Arc client.
//
// Raw credentials must never reach logs or error messages; callers log the
// short fingerprint instead. Stable hex output keeps fingerprints greppable
// across restarts.
package token

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintChars is the log fingerprint length. 12 hex chars (48 bits) is
// enough to correlate log lines without being useful to an attacker.
const fingerprintChars = 12

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// FingerprintSHA256Hex returns a short digest of a credential for log
// correlation. Empty input yields "".
func FingerprintSHA256Hex(credential string) string {
	if credential == "" {
		return ""
	}
	return HashSHA256Hex(credential)[:fingerprintChars]
}
