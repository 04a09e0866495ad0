package config

import "time"

// Default values applied to unset configuration fields.
const (
	DefaultStorageBackend = "memory"
	DefaultSQLitePath     = "portcullis.db"
	DefaultBusyTimeout    = 5 * time.Second
	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "portcullis:"

	DefaultRetryBudget = 3

	DefaultRenewalSchedule  = "@every 5m"
	DefaultRenewalLookahead = 72 * time.Hour

	DefaultAuditPath   = "portcullis-audit.db"
	DefaultAuditBuffer = 1000

	DefaultMetricsListenAddress = "localhost:9090"
	DefaultMetricsPath          = "/metrics"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// ApplyDefaults fills in default values for any unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultSQLitePath
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	if cfg.Engine.RetryBudget == 0 {
		cfg.Engine.RetryBudget = DefaultRetryBudget
	}

	if cfg.Renewal.Schedule == "" {
		cfg.Renewal.Schedule = DefaultRenewalSchedule
	}
	if cfg.Renewal.Lookahead == 0 {
		cfg.Renewal.Lookahead = DefaultRenewalLookahead
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = DefaultAuditPath
	}
	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = DefaultAuditBuffer
	}

	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = DefaultMetricsListenAddress
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
}

// NewDefaultConfig returns a configuration with all defaults applied.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
