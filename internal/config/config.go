package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskherald/internal/otel"
)

// TelegramConfig holds the outbound Telegram channel settings.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// WorkerConfig holds the dispatcher and delivery retry settings.
type WorkerConfig struct {
	PollSeconds int `yaml:"poll_seconds"`
	BatchLimit  int `yaml:"batch_limit"`

	// MessageVersion is part of every delivery correlation key; bumping it
	// re-enables notifications that were already sent under the old version.
	MessageVersion int `yaml:"message_version"`

	DeliveryMaxAttempts        int `yaml:"delivery_max_attempts"`
	DeliveryMaxRetryWindowSecs int `yaml:"delivery_max_retry_window_seconds"`
	ClaimLeaseSeconds          int `yaml:"claim_lease_seconds"`

	// LegacySendToUser enables the SEND_TO_USER delivery path that writes the
	// task status back (SEND_TO_USER -> DONE|FAILED).
	LegacySendToUser *bool `yaml:"legacy_send_to_user"`
}

// RetentionConfig controls the nightly prune of old rows.
type RetentionConfig struct {
	Cron           string `yaml:"cron"`
	EventsDays     int    `yaml:"events_days"`
	DeliveriesDays int    `yaml:"deliveries_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Worker    WorkerConfig    `yaml:"worker"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      otel.Config     `yaml:"otel"`
}

// LegacySendToUserEnabled reports whether the SEND_TO_USER path is active.
// Nil (unset in config.yaml) means enabled.
func (c Config) LegacySendToUserEnabled() bool {
	return c.Worker.LegacySendToUser == nil || *c.Worker.LegacySendToUser
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a running worker picked up.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|poll=%d|batch=%d|ver=%d|attempts=%d|window=%d|lease=%d|legacy=%t|retention=%s",
		c.DBPath, c.LogLevel,
		c.Worker.PollSeconds, c.Worker.BatchLimit, c.Worker.MessageVersion,
		c.Worker.DeliveryMaxAttempts, c.Worker.DeliveryMaxRetryWindowSecs, c.Worker.ClaimLeaseSeconds,
		c.LegacySendToUserEnabled(), c.Retention.Cron)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Worker: WorkerConfig{
			PollSeconds:                5,
			BatchLimit:                 10,
			MessageVersion:             1,
			DeliveryMaxAttempts:        10,
			DeliveryMaxRetryWindowSecs: 86400,
			ClaimLeaseSeconds:          30,
		},
		Retention: RetentionConfig{
			Cron:           "17 3 * * *",
			EventsDays:     90,
			DeliveriesDays: 90,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKHERALD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskherald")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskherald home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskherald.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Worker.PollSeconds <= 0 {
		cfg.Worker.PollSeconds = 5
	}
	if cfg.Worker.BatchLimit <= 0 {
		cfg.Worker.BatchLimit = 10
	}
	if cfg.Worker.MessageVersion <= 0 {
		cfg.Worker.MessageVersion = 1
	}
	if cfg.Worker.DeliveryMaxAttempts < 1 {
		cfg.Worker.DeliveryMaxAttempts = 1
	}
	if cfg.Worker.DeliveryMaxRetryWindowSecs < 0 {
		cfg.Worker.DeliveryMaxRetryWindowSecs = 0
	}
	if cfg.Worker.ClaimLeaseSeconds <= 0 {
		cfg.Worker.ClaimLeaseSeconds = 30
	}
	if strings.TrimSpace(cfg.Retention.Cron) == "" {
		cfg.Retention.Cron = "17 3 * * *"
	}
	if cfg.Retention.EventsDays < 0 {
		cfg.Retention.EventsDays = 0
	}
	if cfg.Retention.DeliveriesDays < 0 {
		cfg.Retention.DeliveriesDays = 0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKHERALD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKHERALD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKHERALD_POLL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.PollSeconds = v
		}
	}
	if raw := os.Getenv("TASKHERALD_BATCH_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.BatchLimit = v
		}
	}
	if raw := os.Getenv("TASKHERALD_DELIVERY_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.DeliveryMaxAttempts = v
		}
	}
	if raw := os.Getenv("TASKHERALD_DELIVERY_MAX_RETRY_WINDOW_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.DeliveryMaxRetryWindowSecs = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}
