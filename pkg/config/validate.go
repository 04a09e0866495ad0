package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

var validBackends = map[string]bool{
	"memory": true,
	"sqlite": true,
	"redis":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// Validate checks the configuration for errors. It assumes defaults
// have already been applied.
func Validate(cfg *Config) error {
	if !validBackends[cfg.Storage.Backend] {
		return fmt.Errorf("storage.backend must be one of memory, sqlite, redis; got %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "sqlite" && cfg.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path cannot be empty")
	}
	if cfg.Storage.Backend == "redis" && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr cannot be empty")
	}

	if cfg.Engine.RetryBudget < 0 {
		return fmt.Errorf("engine.retry_budget cannot be negative")
	}

	if cfg.Renewal.Enabled {
		if _, err := cron.ParseStandard(cfg.Renewal.Schedule); err != nil {
			return fmt.Errorf("invalid renewal.schedule %q: %w", cfg.Renewal.Schedule, err)
		}
		if cfg.Renewal.Lookahead <= 0 {
			return fmt.Errorf("renewal.lookahead must be positive")
		}
	}

	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			return fmt.Errorf("audit.path cannot be empty")
		}
		if cfg.Audit.Buffer <= 0 {
			return fmt.Errorf("audit.buffer must be positive")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics.listen_address cannot be empty")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be one of json, text; got %q", cfg.Logging.Format)
	}

	return nil
}
