package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	WorkerID    string
	Version     string

	APIAddr     string
	MetricsAddr string

	MaxConcurrency  int
	WorkerReplicas  int
	LeaseSeconds    int
	MaxRetries      int
	BackoffMaxSec   int
	MaxQueueDepth   int
	PollMinBackoff  time.Duration
	PollMaxBackoff  time.Duration
	ShutdownTimeout time.Duration
	HandlerTimeout  time.Duration

	DailyBudgetUSD   float64
	BreakerThreshold float64
	BreakerTimeout   time.Duration

	APIKeySalt    string
	WebhookSecret string

	TaskCommand     string
	ActionAllowlist string
	WebhookSinkURL  string
	Providers       string

	MetricsAllowlist string
	MetricsInterval  time.Duration
	TLSCertFile      string
	TLSKeyFile       string
	TLSClientCAFile  string

	OutboxPollInterval time.Duration
	OutboxMaxRetries   int
	OutboxRetainDays   int

	BeatReclaimSpec     string
	BeatPurgeSpec       string
	BeatBudgetSpec      string
	BeatMaintenanceSpec string
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	// --config is consumed by ResolveConfigPath before flag parsing;
	// registering it here keeps flag.Parse and the usage text honest.
	fs.String("config", "", "Path to a YAML or TOML config file")
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.RedisURL, "redis", c.RedisURL, "Redis connection URL")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.StringVar(&c.APIAddr, "api-addr", c.APIAddr, "HTTP listen address for the API")
	fs.IntVar(&c.MaxConcurrency, "concurrency", c.MaxConcurrency, "Concurrent task slots per worker process")
	fs.IntVar(&c.LeaseSeconds, "lease-seconds", c.LeaseSeconds, "Task lease TTL in seconds")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for in-flight tasks on shutdown")
}

// Load builds a Config from the environment. A missing database URL is
// not an error here; a config file or flag may still provide it, so the
// check lives in Validate.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("worker-%s-%d", hostname, time.Now().Unix())
	}

	cfg := &Config{
		DatabaseURL: dbURL,
		RedisURL:    redisURL,
		WorkerID:    workerID,
		Version:     version(),

		APIAddr:     envString("API_ADDR", ":8000"),
		MetricsAddr: envString("METRICS_ADDR", ""),

		MaxConcurrency:  envInt("MAX_CONCURRENCY", 5),
		WorkerReplicas:  envInt("WORKER_REPLICAS", 1),
		LeaseSeconds:    envInt("TASK_LEASE_SECONDS", 900),
		MaxRetries:      envInt("TASK_MAX_RETRIES", 3),
		BackoffMaxSec:   envInt("TASK_BACKOFF_MAX_SEC", 60),
		MaxQueueDepth:   envInt("MAX_QUEUE_DEPTH", 10000),
		PollMinBackoff:  envDuration("POLL_MIN_BACKOFF", 250*time.Millisecond),
		PollMaxBackoff:  envDuration("POLL_MAX_BACKOFF", 5*time.Second),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		HandlerTimeout:  envDuration("HANDLER_TIMEOUT", 10*time.Minute),

		DailyBudgetUSD:   envFloat("MODEL_DAILY_BUDGET_USD", 25.0),
		BreakerThreshold: envFloat("CIRCUIT_BREAKER_THRESHOLD", 0.1),
		BreakerTimeout:   time.Duration(envInt("CIRCUIT_BREAKER_TIMEOUT", 600)) * time.Second,

		APIKeySalt:    os.Getenv("API_KEY_SALT"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		TaskCommand:     envString("TASK_COMMAND", "python -m aurea.tasks"),
		ActionAllowlist: os.Getenv("ACTION_ALLOWLIST"),
		WebhookSinkURL:  os.Getenv("WEBHOOK_SINK_URL"),
		Providers:       envString("BUDGET_PROVIDERS", "anthropic,openai"),

		MetricsAllowlist: os.Getenv("METRICS_ALLOWLIST"),
		MetricsInterval:  envDuration("METRICS_INTERVAL", 2*time.Second),
		TLSCertFile:      os.Getenv("API_TLS_CERT"),
		TLSKeyFile:       os.Getenv("API_TLS_KEY"),
		TLSClientCAFile:  os.Getenv("API_TLS_CLIENT_CA"),

		OutboxPollInterval: envDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxMaxRetries:   envInt("OUTBOX_MAX_RETRIES", 5),
		OutboxRetainDays:   envInt("OUTBOX_RETAIN_DAYS", 7),

		BeatReclaimSpec:     envString("BEAT_RECLAIM_SPEC", "@every 30s"),
		BeatPurgeSpec:       envString("BEAT_PURGE_SPEC", "17 3 * * *"),
		BeatBudgetSpec:      envString("BEAT_BUDGET_SPEC", "1 0 * * *"),
		BeatMaintenanceSpec: envString("BEAT_MAINTENANCE_SPEC", "45 2 * * *"),
	}

	if cfg.PollMaxBackoff < cfg.PollMinBackoff {
		return nil, fmt.Errorf("POLL_MAX_BACKOFF must be >= POLL_MIN_BACKOFF")
	}

	return cfg, nil
}

// Validate runs after every source (env, config file, flags) has been
// applied.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database URL is required: set DATABASE_URL, dsn in the config file, or -dsn")
	}
	if c.PollMaxBackoff < c.PollMinBackoff {
		return fmt.Errorf("poll max backoff must be >= poll min backoff")
	}
	return nil
}

func version() string {
	if v := os.Getenv("AUREA_VERSION"); v != "" {
		return v
	}
	return "dev"
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
