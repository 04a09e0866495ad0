package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file at the specified
// path, applies defaults and validates the result. Environment
// variables are not consulted; use LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. Variables follow the naming
// convention PORTCULLIS_SECTION_FIELD (e.g. PORTCULLIS_STORAGE_BACKEND)
// and always take precedence over file values.
//
// The loading sequence is:
//  1. Load YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate the final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies PORTCULLIS_* environment variables to the
// configuration.
func applyEnvOverrides(cfg *Config) {
	// Storage overrides
	if val := os.Getenv("PORTCULLIS_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("PORTCULLIS_STORAGE_SQLITE_PATH"); val != "" {
		cfg.Storage.SQLite.Path = val
	}
	if val := os.Getenv("PORTCULLIS_STORAGE_REDIS_ADDR"); val != "" {
		cfg.Storage.Redis.Addr = val
	}
	if val := os.Getenv("PORTCULLIS_STORAGE_REDIS_PASSWORD"); val != "" {
		cfg.Storage.Redis.Password = val
	}
	if val := os.Getenv("PORTCULLIS_STORAGE_REDIS_DB"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Storage.Redis.DB = i
		}
	}

	// Engine overrides
	if val := os.Getenv("PORTCULLIS_ENGINE_RETRY_BUDGET"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Engine.RetryBudget = i
		}
	}

	// Renewal overrides
	if val := os.Getenv("PORTCULLIS_RENEWAL_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Renewal.Enabled = b
		}
	}
	if val := os.Getenv("PORTCULLIS_RENEWAL_SCHEDULE"); val != "" {
		cfg.Renewal.Schedule = val
	}
	if val := os.Getenv("PORTCULLIS_RENEWAL_LOOKAHEAD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Renewal.Lookahead = d
		}
	}

	// Audit overrides
	if val := os.Getenv("PORTCULLIS_AUDIT_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Audit.Enabled = b
		}
	}
	if val := os.Getenv("PORTCULLIS_AUDIT_PATH"); val != "" {
		cfg.Audit.Path = val
	}

	// Metrics overrides
	if val := os.Getenv("PORTCULLIS_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if val := os.Getenv("PORTCULLIS_METRICS_LISTEN_ADDRESS"); val != "" {
		cfg.Metrics.ListenAddress = val
	}

	// Logging overrides
	if val := os.Getenv("PORTCULLIS_LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PORTCULLIS_LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}
