package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveConfigPathDefault(t *testing.T) {
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("get cwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(orig)
	})

	path := filepath.Join(dir, "aurea.yaml")
	if err := os.WriteFile(path, []byte("dsn: postgres://example"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	got, err := ResolveConfigPath([]string{})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if got != "aurea.yaml" {
		t.Fatalf("expected aurea.yaml, got %q", got)
	}
}

func TestResolveConfigPathFlag(t *testing.T) {
	got, err := ResolveConfigPath([]string{"--config", "custom.toml"})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if got != "custom.toml" {
		t.Fatalf("expected custom.toml, got %q", got)
	}

	got, err = ResolveConfigPath([]string{"--config=inline.yaml"})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if got != "inline.yaml" {
		t.Fatalf("expected inline.yaml, got %q", got)
	}

	if _, err := ResolveConfigPath([]string{"--config"}); err == nil {
		t.Fatal("expected error for missing --config value")
	}
}

func TestLoadFileConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aurea.yaml")
	body := `
dsn: postgres://file
redis_url: redis://file:6379/1
worker:
  worker_id: from-file
  concurrency: 9
  lease_seconds: 120
  poll_max_backoff: 10s
budget:
  daily_usd: 3.25
breaker:
  threshold: 0.25
  timeout_seconds: 30
security:
  webhook_secret: filesecret
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load file config: %v", err)
	}

	cfg := &Config{PollMinBackoff: time.Second, PollMaxBackoff: 5 * time.Second}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("apply file config: %v", err)
	}

	if cfg.DatabaseURL != "postgres://file" {
		t.Fatalf("expected file DSN, got %q", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://file:6379/1" {
		t.Fatalf("expected file redis url, got %q", cfg.RedisURL)
	}
	if cfg.WorkerID != "from-file" {
		t.Fatalf("expected worker id from file, got %q", cfg.WorkerID)
	}
	if cfg.MaxConcurrency != 9 {
		t.Fatalf("expected concurrency 9, got %d", cfg.MaxConcurrency)
	}
	if cfg.LeaseSeconds != 120 {
		t.Fatalf("expected lease 120, got %d", cfg.LeaseSeconds)
	}
	if cfg.PollMaxBackoff != 10*time.Second {
		t.Fatalf("expected poll max 10s, got %v", cfg.PollMaxBackoff)
	}
	if cfg.DailyBudgetUSD != 3.25 {
		t.Fatalf("expected budget 3.25, got %v", cfg.DailyBudgetUSD)
	}
	if cfg.BreakerThreshold != 0.25 {
		t.Fatalf("expected threshold 0.25, got %v", cfg.BreakerThreshold)
	}
	if cfg.BreakerTimeout != 30*time.Second {
		t.Fatalf("expected breaker timeout 30s, got %v", cfg.BreakerTimeout)
	}
	if cfg.WebhookSecret != "filesecret" {
		t.Fatalf("expected webhook secret from file, got %q", cfg.WebhookSecret)
	}
}

func TestLoadFileConfigTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aurea.toml")
	body := `
dsn = "postgres://toml"

[worker]
max_retries = 4
backoff_max_sec = 90
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load file config: %v", err)
	}

	cfg := &Config{}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("apply file config: %v", err)
	}
	if cfg.DatabaseURL != "postgres://toml" {
		t.Fatalf("expected toml DSN, got %q", cfg.DatabaseURL)
	}
	if cfg.MaxRetries != 4 {
		t.Fatalf("expected 4 retries, got %d", cfg.MaxRetries)
	}
	if cfg.BackoffMaxSec != 90 {
		t.Fatalf("expected backoff cap 90, got %d", cfg.BackoffMaxSec)
	}
}

func TestLoadFileConfigUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aurea.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFileConfig(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestApplyFileConfigRejectsInvalidDuration(t *testing.T) {
	cfg := &Config{}
	fileCfg := &FileConfig{Worker: WorkerFileConfig{ShutdownTimeout: "soon"}}
	if err := ApplyFileConfig(cfg, fileCfg); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
