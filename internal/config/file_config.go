package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"aurea.yaml",
	"aurea.yml",
	"aurea.toml",
	".aurea.yaml",
	".aurea.yml",
	".aurea.toml",
}

type FileConfig struct {
	DSN      string             `yaml:"dsn" toml:"dsn"`
	RedisURL string             `yaml:"redis_url" toml:"redis_url"`
	API      APIFileConfig      `yaml:"api" toml:"api"`
	Worker   WorkerFileConfig   `yaml:"worker" toml:"worker"`
	Budget   BudgetFileConfig   `yaml:"budget" toml:"budget"`
	Breaker  BreakerFileConfig  `yaml:"breaker" toml:"breaker"`
	Outbox   OutboxFileConfig   `yaml:"outbox" toml:"outbox"`
	Security SecurityFileConfig `yaml:"security" toml:"security"`
}

type APIFileConfig struct {
	Addr        string `yaml:"addr" toml:"addr"`
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
}

type WorkerFileConfig struct {
	WorkerID        string `yaml:"worker_id" toml:"worker_id"`
	Concurrency     *int   `yaml:"concurrency" toml:"concurrency"`
	Replicas        *int   `yaml:"replicas" toml:"replicas"`
	LeaseSeconds    *int   `yaml:"lease_seconds" toml:"lease_seconds"`
	MaxRetries      *int   `yaml:"max_retries" toml:"max_retries"`
	BackoffMaxSec   *int   `yaml:"backoff_max_sec" toml:"backoff_max_sec"`
	MaxQueueDepth   *int   `yaml:"max_queue_depth" toml:"max_queue_depth"`
	PollMinBackoff  string `yaml:"poll_min_backoff" toml:"poll_min_backoff"`
	PollMaxBackoff  string `yaml:"poll_max_backoff" toml:"poll_max_backoff"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	HandlerTimeout  string `yaml:"handler_timeout" toml:"handler_timeout"`
}

type BudgetFileConfig struct {
	DailyUSD *float64 `yaml:"daily_usd" toml:"daily_usd"`
}

type BreakerFileConfig struct {
	Threshold      *float64 `yaml:"threshold" toml:"threshold"`
	TimeoutSeconds *int     `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

type OutboxFileConfig struct {
	PollInterval string `yaml:"poll_interval" toml:"poll_interval"`
	MaxRetries   *int   `yaml:"max_retries" toml:"max_retries"`
	RetainDays   *int   `yaml:"retain_days" toml:"retain_days"`
}

type SecurityFileConfig struct {
	APIKeySalt    string `yaml:"api_key_salt" toml:"api_key_salt"`
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
}

// LoadFull resolves the whole configuration chain: environment, then an
// optional config file, then command-line flags. Later sources win.
func LoadFull(args []string, fs *flag.FlagSet) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	path, err := ResolveConfigPath(args)
	if err != nil {
		return nil, err
	}
	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, err
	}
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("AUREA_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.RedisURL != "" {
		cfg.RedisURL = fileCfg.RedisURL
	}
	if fileCfg.API.Addr != "" {
		cfg.APIAddr = fileCfg.API.Addr
	}
	if fileCfg.API.MetricsAddr != "" {
		cfg.MetricsAddr = fileCfg.API.MetricsAddr
	}

	if fileCfg.Worker.WorkerID != "" {
		cfg.WorkerID = fileCfg.Worker.WorkerID
	}
	if fileCfg.Worker.Concurrency != nil {
		cfg.MaxConcurrency = *fileCfg.Worker.Concurrency
	}
	if fileCfg.Worker.Replicas != nil {
		cfg.WorkerReplicas = *fileCfg.Worker.Replicas
	}
	if fileCfg.Worker.LeaseSeconds != nil {
		cfg.LeaseSeconds = *fileCfg.Worker.LeaseSeconds
	}
	if fileCfg.Worker.MaxRetries != nil {
		cfg.MaxRetries = *fileCfg.Worker.MaxRetries
	}
	if fileCfg.Worker.BackoffMaxSec != nil {
		cfg.BackoffMaxSec = *fileCfg.Worker.BackoffMaxSec
	}
	if fileCfg.Worker.MaxQueueDepth != nil {
		cfg.MaxQueueDepth = *fileCfg.Worker.MaxQueueDepth
	}
	if fileCfg.Worker.PollMinBackoff != "" {
		parsed, err := parseDurationField("worker.poll_min_backoff", fileCfg.Worker.PollMinBackoff)
		if err != nil {
			return err
		}
		cfg.PollMinBackoff = parsed
	}
	if fileCfg.Worker.PollMaxBackoff != "" {
		parsed, err := parseDurationField("worker.poll_max_backoff", fileCfg.Worker.PollMaxBackoff)
		if err != nil {
			return err
		}
		cfg.PollMaxBackoff = parsed
	}
	if cfg.PollMaxBackoff < cfg.PollMinBackoff {
		return fmt.Errorf("worker.poll_max_backoff must be >= worker.poll_min_backoff")
	}
	if fileCfg.Worker.ShutdownTimeout != "" {
		parsed, err := parseDurationField("worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = parsed
	}
	if fileCfg.Worker.HandlerTimeout != "" {
		parsed, err := parseDurationField("worker.handler_timeout", fileCfg.Worker.HandlerTimeout)
		if err != nil {
			return err
		}
		cfg.HandlerTimeout = parsed
	}

	if fileCfg.Budget.DailyUSD != nil {
		cfg.DailyBudgetUSD = *fileCfg.Budget.DailyUSD
	}
	if fileCfg.Breaker.Threshold != nil {
		cfg.BreakerThreshold = *fileCfg.Breaker.Threshold
	}
	if fileCfg.Breaker.TimeoutSeconds != nil {
		cfg.BreakerTimeout = time.Duration(*fileCfg.Breaker.TimeoutSeconds) * time.Second
	}

	if fileCfg.Outbox.PollInterval != "" {
		parsed, err := parseDurationField("outbox.poll_interval", fileCfg.Outbox.PollInterval)
		if err != nil {
			return err
		}
		cfg.OutboxPollInterval = parsed
	}
	if fileCfg.Outbox.MaxRetries != nil {
		cfg.OutboxMaxRetries = *fileCfg.Outbox.MaxRetries
	}
	if fileCfg.Outbox.RetainDays != nil {
		cfg.OutboxRetainDays = *fileCfg.Outbox.RetainDays
	}

	if fileCfg.Security.APIKeySalt != "" {
		cfg.APIKeySalt = fileCfg.Security.APIKeySalt
	}
	if fileCfg.Security.WebhookSecret != "" {
		cfg.WebhookSecret = fileCfg.Security.WebhookSecret
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
