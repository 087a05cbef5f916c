package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-taskpost/internal/otel"
)

// Config holds the daemon configuration loaded from config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath is the sqlite database file. Empty uses <home>/taskpost.db.
	DBPath string `yaml:"db_path"`

	LogLevel string `yaml:"log_level"`

	// SweepIntervalSeconds is the cadence of the TTL expiry sweep.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// PruneSchedule is a 5-field cron expression for the deep prune pass
	// (stale node rows past the retention horizon).
	PruneSchedule string `yaml:"prune_schedule"`

	// NodeRetentionDays keeps offline node rows this long before the prune
	// pass removes them. 0 keeps them forever (offline-ness stays derived).
	NodeRetentionDays int `yaml:"node_retention_days"`

	// MessageExpiresAfterSeconds bounds how old a submission's created_at
	// may be, and caps the TTL a producer can request.
	MessageExpiresAfterSeconds int `yaml:"message_expires_after_seconds"`

	// MaxPullLimit caps the batch size of a single instruction pull.
	MaxPullLimit int `yaml:"max_pull_limit"`

	Otel otel.Config `yaml:"otel"`
}

// HomeDir returns the taskpost data directory, honoring TASKPOST_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKPOST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskpost")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:                   "info",
		SweepIntervalSeconds:       int((30 * time.Second).Seconds()),
		PruneSchedule:              "0 3 * * *",
		NodeRetentionDays:          30,
		MessageExpiresAfterSeconds: int((1 * time.Hour).Seconds()),
		MaxPullLimit:               100,
	}
}

// Load reads config.yaml from the taskpost home directory, applying defaults,
// schema validation, and environment overrides. A missing file is not an
// error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskpost home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := ValidateSchema(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKPOST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKPOST_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TASKPOST_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepIntervalSeconds = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskpost.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 30
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "0 3 * * *"
	}
	if cfg.NodeRetentionDays < 0 {
		cfg.NodeRetentionDays = 0
	}
	if cfg.MessageExpiresAfterSeconds <= 0 {
		cfg.MessageExpiresAfterSeconds = int((1 * time.Hour).Seconds())
	}
	if cfg.MaxPullLimit <= 0 {
		cfg.MaxPullLimit = 100
	}
}

// SweepInterval returns the expiry sweep cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// MessageExpiresAfter returns the submission age bound as a duration.
func (c Config) MessageExpiresAfter() time.Duration {
	return time.Duration(c.MessageExpiresAfterSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a running daemon picked up.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|sweep=%d|prune=%s|retention=%d|expires=%d|pull=%d",
		c.DBPath, c.LogLevel, c.SweepIntervalSeconds, c.PruneSchedule,
		c.NodeRetentionDays, c.MessageExpiresAfterSeconds, c.MaxPullLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
