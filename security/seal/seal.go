// Package seal encrypts small state blobs with a passphrase-derived key.
//
// The daemon uses it to persist the cookie jar across restarts: the refresh
// credential inside never touches disk in the clear, and the session layer
// stays unaware of the jar's contents. Keys are derived with Argon2id; the
// box is sealed with XChaCha20-Poly1305.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	boxPrefix  = "arcseal"
	boxVersion = 1
)

// Argon2idParams controls key-derivation cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
}

// DefaultConfig returns a baseline suited to an interactive daemon start.
// Parallelism is clamped to [1..4] to keep resource usage predictable in
// containers.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024, // 64 MiB
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above; safe conversion.
			SaltLength:  16,
		},
	}
}

// Seal encrypts plaintext under a key derived from passphrase.
// Box format:
// $arcseal$v=1$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<nonce_b64>$<ct_b64>
func (c Config) Seal(plaintext []byte, passphrase string) (string, error) {
	if strings.TrimSpace(passphrase) == "" {
		return "", ErrPassphraseMissing
	}
	p := c.Params
	if p.SaltLength < 8 {
		p.SaltLength = 16
	}

	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	key := deriveKey(passphrase, salt, p)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, nil)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s$%s",
		boxPrefix,
		boxVersion,
		p.MemoryKiB,
		p.Iterations,
		p.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(nonce),
		b64.EncodeToString(ct),
	), nil
}

// Open decrypts a box produced by Seal. Derivation params come from the box
// itself and are bounds-checked so a tampered box cannot demand pathological
// resource usage.
func Open(box, passphrase string) ([]byte, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrPassphraseMissing
	}

	params, salt, nonce, ct, err := decode(box)
	if err != nil {
		return nil, err
	}
	if !withinReasonableBounds(params) {
		return nil, ErrInvalidBox
	}

	key := deriveKey(passphrase, salt, params)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidBox
	}

	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		p.Iterations,
		p.MemoryKiB,
		p.Parallelism,
		chacha20poly1305.KeySize,
	)
}

func withinReasonableBounds(p Argon2idParams) bool {
	if p.MemoryKiB < 8*1024 || p.MemoryKiB > 256*1024 {
		return false
	}
	if p.Iterations < 1 || p.Iterations > 16 {
		return false
	}
	if p.Parallelism < 1 || p.Parallelism > 8 {
		return false
	}
	if p.SaltLength < 8 || p.SaltLength > 64 {
		return false
	}
	return true
}

// decode parses the box and returns params, salt, nonce and ciphertext.
func decode(box string) (Argon2idParams, []byte, []byte, []byte, error) {
	parts := strings.Split(box, "$")
	if len(parts) != 7 || parts[0] != "" || parts[1] != boxPrefix {
		return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
	}

	if parts[2] != "v="+strconv.Itoa(boxVersion) {
		return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
	}

	var p Argon2idParams
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
		}
		switch k {
		case "m":
			p.MemoryKiB = uint32(n)
		case "t":
			p.Iterations = uint32(n)
		case "p":
			if n > 255 {
				return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
			}
			p.Parallelism = uint8(n)
		default:
			return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
		}
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
	}
	p.SaltLength = uint32(len(salt))

	nonce, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
	}
	ct, err := b64.DecodeString(parts[6])
	if err != nil {
		return Argon2idParams{}, nil, nil, nil, ErrInvalidBox
	}

	return p, salt, nonce, ct, nil
}
