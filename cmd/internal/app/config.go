package app

import "time"

// Config contains the daemon-level runtime configuration loaded from
// environment variables. Component configs (API client, session controller,
// sync channel) load their own ARC_CLIENT_* variables separately.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// DatabaseURL enables the Postgres-backed project selection store.
	// Empty keeps selection in memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// StateFile is where the sealed cookie jar is persisted across restarts.
	// Empty disables persistence; StateKey is the sealing passphrase and is
	// required whenever StateFile is set.
	StateFile string
	StateKey  string

	// CacheSnapshot is the optional persisted cache snapshot path.
	CacheSnapshot string

	// RecheckInterval is how often the clock-jump probe runs. A wall-clock
	// gap of more than twice this interval means the process was suspended
	// and the credential may have silently expired.
	RecheckInterval time.Duration

	ShutdownTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ARC_CLIENT_HTTP_ADDR", "127.0.0.1:8070"),
		LogLevel:  EnvString("ARC_CLIENT_LOG_LEVEL", "info"),
		LogFormat: EnvString("ARC_CLIENT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ARC_CLIENT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ARC_CLIENT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ARC_CLIENT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ARC_CLIENT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("ARC_CLIENT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("ARC_CLIENT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("ARC_CLIENT_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("ARC_CLIENT_DB_MIN_CONNS", 0),

		StateFile: EnvString("ARC_CLIENT_STATE_FILE", ""),
		StateKey:  EnvString("ARC_CLIENT_STATE_KEY", ""),

		CacheSnapshot: EnvString("ARC_CLIENT_CACHE_SNAPSHOT", ""),

		RecheckInterval: EnvDuration("ARC_CLIENT_RECHECK_INTERVAL", 30*time.Second),
		ShutdownTimeout: EnvDuration("ARC_CLIENT_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
