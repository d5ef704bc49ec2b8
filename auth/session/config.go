package session

import (
	"os"
	"strings"
	"time"
)

// Config tunes the controller's background renewal behavior.
type Config struct {
	// ProactiveInterval is how often the background loop checks the
	// credential's remaining lifetime.
	ProactiveInterval time.Duration
	// RenewAhead renews the credential when its expiry falls within this
	// window. Must comfortably exceed ProactiveInterval or expiry can slip
	// between two checks.
	RenewAhead time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProactiveInterval: 5 * time.Minute,
		RenewAhead:        10 * time.Minute,
	}
}

// LoadConfigFromEnv reads overrides from the environment. Invalid values
// fall back to the defaults.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.ProactiveInterval = envDuration("ARC_CLIENT_RENEW_INTERVAL", cfg.ProactiveInterval)
	cfg.RenewAhead = envDuration("ARC_CLIENT_RENEW_AHEAD", cfg.RenewAhead)
	return cfg
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
