package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskherald/internal/config"
)

func TestLoad_FromTaskheraldHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".taskherald")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := "worker:\n  poll_seconds: 2\n  batch_limit: 3\ntelegram:\n  token: from-file\n"
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("TASKHERALD_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Worker.PollSeconds != 2 {
		t.Fatalf("expected poll_seconds=2 got %d", cfg.Worker.PollSeconds)
	}
	if cfg.Worker.BatchLimit != 3 {
		t.Fatalf("expected batch_limit=3 got %d", cfg.Worker.BatchLimit)
	}
	if cfg.Telegram.Token != "from-file" {
		t.Fatalf("expected token from file, got %q", cfg.Telegram.Token)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TASKHERALD_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Worker.PollSeconds != 5 {
		t.Fatalf("expected default poll_seconds=5, got %d", cfg.Worker.PollSeconds)
	}
	if cfg.Worker.BatchLimit != 10 {
		t.Fatalf("expected default batch_limit=10, got %d", cfg.Worker.BatchLimit)
	}
	if cfg.Worker.MessageVersion != 1 {
		t.Fatalf("expected default message_version=1, got %d", cfg.Worker.MessageVersion)
	}
	if cfg.Worker.DeliveryMaxAttempts != 10 {
		t.Fatalf("expected default delivery_max_attempts=10, got %d", cfg.Worker.DeliveryMaxAttempts)
	}
	if cfg.Worker.DeliveryMaxRetryWindowSecs != 86400 {
		t.Fatalf("expected default retry window=86400, got %d", cfg.Worker.DeliveryMaxRetryWindowSecs)
	}
	if !cfg.LegacySendToUserEnabled() {
		t.Fatal("expected legacy send_to_user path enabled by default")
	}
	if cfg.Retention.Cron != "17 3 * * *" {
		t.Fatalf("unexpected default retention cron: %q", cfg.Retention.Cron)
	}
	if cfg.DBPath == "" || filepath.Dir(cfg.DBPath) != cfg.HomeDir {
		t.Fatalf("expected db under home dir, got %q", cfg.DBPath)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKHERALD_HOME", t.TempDir())
	t.Setenv("TELEGRAM_TOKEN", "123:env-token")
	t.Setenv("TASKHERALD_POLL_SECONDS", "9")
	t.Setenv("TASKHERALD_DB_PATH", "/tmp/override.db")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Telegram.Token != "123:env-token" {
		t.Fatalf("expected TELEGRAM_TOKEN override, got %q", cfg.Telegram.Token)
	}
	if cfg.Worker.PollSeconds != 9 {
		t.Fatalf("expected poll override=9, got %d", cfg.Worker.PollSeconds)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Fatalf("expected db path override, got %q", cfg.DBPath)
	}
}

func TestLoad_NormalizesBadValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKHERALD_HOME", home)
	body := "worker:\n  poll_seconds: -1\n  batch_limit: 0\n  delivery_max_attempts: 0\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Worker.PollSeconds != 5 || cfg.Worker.BatchLimit != 10 {
		t.Fatalf("expected normalized worker settings, got %+v", cfg.Worker)
	}
	if cfg.Worker.DeliveryMaxAttempts != 1 {
		t.Fatalf("expected delivery_max_attempts clamped to 1, got %d", cfg.Worker.DeliveryMaxAttempts)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	t.Setenv("TASKHERALD_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	fp := cfg.Fingerprint()
	if !strings.HasPrefix(fp, "cfg-") {
		t.Fatalf("unexpected fingerprint shape: %q", fp)
	}
	if fp != cfg.Fingerprint() {
		t.Fatal("fingerprint not stable across calls")
	}

	cfg.Worker.PollSeconds = 42
	if fp == cfg.Fingerprint() {
		t.Fatal("fingerprint unchanged after config change")
	}
}
