package authapi

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Cookie transport defaults. These mirror the server's web session cookie
// configuration and stay overridable for deployments that rename them.
const (
	DefaultRefreshCookieName = "arc_refresh_token"
	DefaultCSRFCookieName    = "arc_csrf_token"
	DefaultCSRFHeaderName    = "X-CSRF-Token"
)

// Config controls the auth API client.
type Config struct {
	// BaseURL is the server origin, e.g. "https://arc.example.com".
	BaseURL string

	// Platform is sent on login/refresh. "web" selects the HTTP-only
	// refresh-cookie transport; the client never sees the refresh credential.
	Platform   string
	RememberMe bool

	RefreshCookieName string
	CSRFCookieName    string
	CSRFHeaderName    string

	RequestTimeout time.Duration
	MaxBodyBytes   int64
	UserAgent      string
}

// DefaultConfig returns the client defaults (web cookie transport).
func DefaultConfig() Config {
	return Config{
		Platform:          "web",
		RefreshCookieName: DefaultRefreshCookieName,
		CSRFCookieName:    DefaultCSRFCookieName,
		CSRFHeaderName:    DefaultCSRFHeaderName,
		RequestTimeout:    15 * time.Second,
		MaxBodyBytes:      1 << 20, // 1 MiB
		UserAgent:         "arc-client/1",
	}
}

// LoadConfigFromEnv loads client config from environment variables.
// ARC_CLIENT_API_URL is required; everything else has safe defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.BaseURL = strings.TrimSpace(os.Getenv("ARC_CLIENT_API_URL"))
	if cfg.BaseURL == "" {
		return Config{}, fmt.Errorf("%w: ARC_CLIENT_API_URL is required", ErrConfig)
	}

	cfg.Platform = envString("ARC_CLIENT_PLATFORM", cfg.Platform)
	cfg.RememberMe = envBool("ARC_CLIENT_REMEMBER_ME", cfg.RememberMe)
	cfg.RefreshCookieName = envString("ARC_CLIENT_REFRESH_COOKIE", cfg.RefreshCookieName)
	cfg.CSRFCookieName = envString("ARC_CLIENT_CSRF_COOKIE", cfg.CSRFCookieName)
	cfg.CSRFHeaderName = envString("ARC_CLIENT_CSRF_HEADER", cfg.CSRFHeaderName)
	cfg.RequestTimeout = envDuration("ARC_CLIENT_HTTP_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxBodyBytes = envInt64("ARC_CLIENT_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.UserAgent = envString("ARC_CLIENT_USER_AGENT", cfg.UserAgent)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: base url: %v", ErrConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: base url scheme must be http/https, got %q", ErrConfig, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("%w: base url missing host", ErrConfig)
	}
	return nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
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
