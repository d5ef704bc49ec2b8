package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultHandshakeTimeout  = 7 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	defaultReconnectBase = 1 * time.Second
	defaultReconnectCap  = 30 * time.Second

	// defaultCredentialBuffer forces a renewal before dialing when the
	// credential expires within the window. The channel authenticates only
	// at handshake time, so dialing with a nearly-dead token buys nothing.
	defaultCredentialBuffer = 30 * time.Second
)

// Config tunes the sync channel.
type Config struct {
	// URL is the sync endpoint, ws(s) or http(s) form.
	URL string

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	CredentialBuffer time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  defaultHandshakeTimeout,
		WriteTimeout:      defaultWriteTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		ReconnectBase:     defaultReconnectBase,
		ReconnectCap:      defaultReconnectCap,
		CredentialBuffer:  defaultCredentialBuffer,
	}
}

// applyDefaults fills unset tunables from DefaultConfig. URL has no
// default; validate rejects a missing one.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = def.ReconnectCap
	}
	if c.CredentialBuffer <= 0 {
		c.CredentialBuffer = def.CredentialBuffer
	}
}

// LoadConfigFromEnv loads sync config from the environment.
// ARC_CLIENT_SYNC_URL is required.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.URL = strings.TrimSpace(os.Getenv("ARC_CLIENT_SYNC_URL"))
	if cfg.URL == "" {
		return Config{}, errors.New("realtime: ARC_CLIENT_SYNC_URL is required")
	}

	cfg.HandshakeTimeout = envDuration("ARC_CLIENT_SYNC_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.WriteTimeout = envDuration("ARC_CLIENT_SYNC_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.HeartbeatInterval = envDuration("ARC_CLIENT_SYNC_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = envDuration("ARC_CLIENT_SYNC_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.CredentialBuffer = envDuration("ARC_CLIENT_SYNC_CREDENTIAL_BUFFER", cfg.CredentialBuffer)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("realtime: sync url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("realtime: unsupported sync url scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("realtime: sync url missing host")
	}
	return nil
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
