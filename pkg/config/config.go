package config

import "time"

// Config is the root configuration for the portcullis process.
type Config struct {
	// Storage selects and configures the quota store backend.
	Storage StorageConfig `yaml:"storage"`

	// Engine configures the admission engine.
	Engine EngineConfig `yaml:"engine"`

	// Renewal configures the grant renewal sweep.
	Renewal RenewalConfig `yaml:"renewal"`

	// Audit configures the audit event trail.
	Audit AuditConfig `yaml:"audit"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects the quota store backend.
type StorageConfig struct {
	// Backend is one of "memory", "sqlite", "redis".
	Backend string `yaml:"backend"`

	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// SQLiteConfig configures the sqlite quota store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// BusyTimeout is the duration to wait when the database is locked.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RedisConfig configures the redis quota store.
type RedisConfig struct {
	// Addr is the redis server address (host:port).
	Addr string `yaml:"addr"`

	// Password is the optional server password.
	Password string `yaml:"password"`

	// DB is the redis database number.
	DB int `yaml:"db"`

	// KeyPrefix namespaces all keys written by the store.
	KeyPrefix string `yaml:"key_prefix"`
}

// EngineConfig configures the admission engine.
type EngineConfig struct {
	// RetryBudget bounds retries of transient storage conflicts before
	// a decision fails closed.
	RetryBudget int `yaml:"retry_budget"`
}

// RenewalConfig configures the grant renewal sweep.
type RenewalConfig struct {
	// Enabled turns the sweep on.
	Enabled bool `yaml:"enabled"`

	// Schedule is the cron expression driving the sweep.
	Schedule string `yaml:"schedule"`

	// Lookahead is how far before expiry a grant becomes renewable.
	Lookahead time.Duration `yaml:"lookahead"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Enabled turns event recording on.
	Enabled bool `yaml:"enabled"`

	// Path is the audit database file.
	Path string `yaml:"path"`

	// Buffer is the async event channel size.
	Buffer int `yaml:"buffer"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the endpoint on.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the host:port for the metrics listener.
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path metrics are served on.
	Path string `yaml:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is one of "json", "text".
	Format string `yaml:"format"`
}
