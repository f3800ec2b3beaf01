package config

import (
	"testing"
	"time"
)

func TestValidateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error from Load, got %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when no database URL is configured")
	}

	cfg.DatabaseURL = "postgres://example"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error once database URL is set, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("REDIS_URL", "")
	t.Setenv("MAX_CONCURRENCY", "")
	t.Setenv("TASK_LEASE_SECONDS", "")
	t.Setenv("CIRCUIT_BREAKER_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.MaxConcurrency != 5 {
		t.Fatalf("expected default concurrency 5, got %d", cfg.MaxConcurrency)
	}
	if cfg.LeaseSeconds != 900 {
		t.Fatalf("expected default lease 900s, got %d", cfg.LeaseSeconds)
	}
	if cfg.BreakerTimeout != 600*time.Second {
		t.Fatalf("expected default breaker timeout 600s, got %v", cfg.BreakerTimeout)
	}
	if cfg.BreakerThreshold != 0.1 {
		t.Fatalf("expected default breaker threshold 0.1, got %v", cfg.BreakerThreshold)
	}
	if cfg.MaxQueueDepth != 10000 {
		t.Fatalf("expected default queue depth 10000, got %d", cfg.MaxQueueDepth)
	}
	if cfg.WorkerID == "" {
		t.Fatal("expected a generated worker id")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("TASK_MAX_RETRIES", "7")
	t.Setenv("MODEL_DAILY_BUDGET_USD", "1.5")
	t.Setenv("TASK_BACKOFF_MAX_SEC", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.MaxRetries != 7 {
		t.Fatalf("expected 7 retries, got %d", cfg.MaxRetries)
	}
	if cfg.DailyBudgetUSD != 1.5 {
		t.Fatalf("expected budget 1.5, got %v", cfg.DailyBudgetUSD)
	}
	if cfg.BackoffMaxSec != 120 {
		t.Fatalf("expected backoff cap 120, got %d", cfg.BackoffMaxSec)
	}
}

func TestLoadRejectsInvertedPollBackoff(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("POLL_MIN_BACKOFF", "10s")
	t.Setenv("POLL_MAX_BACKOFF", "1s")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for max < min poll backoff")
	}
}
