// Package config loads and validates safeabstract's runtime configuration:
// the Policy the Validation Pipeline enforces (C9, spec §6.3) plus the
// ambient logging and store settings. It mirrors the teacher's
// Load/Save/env-override shape, trimmed to this domain.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"safeabstract/internal/logging"
	"safeabstract/internal/types"
)

// Config holds all safeabstract configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Policy  Policy        `yaml:"policy"`
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
}

// StoreConfig configures the backing Store Contract implementation
// (internal/store).
type StoreConfig struct {
	DatabasePath    string `yaml:"database_path" json:"database_path"`
	QuarantineTTL   string `yaml:"quarantine_ttl" json:"quarantine_ttl"`
	MaintenanceTick string `yaml:"maintenance_tick" json:"maintenance_tick"`
}

// QuarantineTTLDuration parses StoreConfig.QuarantineTTL, falling back to 30
// days if unset or unparsable.
func (s StoreConfig) QuarantineTTLDuration() time.Duration {
	d, err := time.ParseDuration(s.QuarantineTTL)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

// DefaultConfig returns the default configuration, with the Policy defaults
// spec §6.3 names explicitly.
func DefaultConfig() *Config {
	return &Config{
		Name:    "safeabstract",
		Version: "0.1.0",

		Policy: DefaultPolicy(),

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			File:      "safeabstract.log",
			DebugMode: false,
		},

		Store: StoreConfig{
			DatabasePath:    "data/safeabstract.db",
			QuarantineTTL:   "720h",
			MaintenanceTick: "1h",
		},
	}
}

// Load loads configuration from a YAML file, returning defaults (with env
// overrides applied) if the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("config loaded: threshold_accept=%.2f threshold_quarantine=%.2f",
		cfg.Policy.ThresholdAccept, cfg.Policy.ThresholdQuarantine)

	return cfg, nil
}

// Save writes configuration to a YAML file, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides, in line with
// the teacher's env-override precedence pattern.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SAFEABSTRACT_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("SAFEABSTRACT_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("SAFEABSTRACT_THRESHOLD_ACCEPT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Policy.ThresholdAccept = f
		}
	}
	if v := os.Getenv("SAFEABSTRACT_THRESHOLD_QUARANTINE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Policy.ThresholdQuarantine = f
		}
	}
	if v := os.Getenv("SAFEABSTRACT_MAX_INPUT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Policy.MaxInputBytes = n
		}
	}
	if v := os.Getenv("SAFEABSTRACT_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Policy.MaxConcurrency = n
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	return c.Policy.Validate()
}

// ValidKinds lists every ReferenceKind the Rule Registry is allowed to
// enable, mirroring the teacher's ValidProviders closed-list idiom.
var ValidKinds = types.AllKinds
