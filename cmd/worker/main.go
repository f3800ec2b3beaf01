// The worker leases tasks from the queue and runs them to completion.
// It hosts the handler registry, the outbox relay, and the metrics
// collector; the HTTP surface lives in cmd/api.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwwoodworth/aurea-orchestrator/internal/broker"
	"github.com/mwwoodworth/aurea-orchestrator/internal/budget"
	"github.com/mwwoodworth/aurea-orchestrator/internal/circuit"
	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/dispatch"
	"github.com/mwwoodworth/aurea-orchestrator/internal/executor"
	"github.com/mwwoodworth/aurea-orchestrator/internal/handler"
	"github.com/mwwoodworth/aurea-orchestrator/internal/logging"
	"github.com/mwwoodworth/aurea-orchestrator/internal/metrics"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/outbox"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

func main() {
	cfg, err := config.LoadFull(os.Args[1:], flag.CommandLine)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Init("worker", cfg.WorkerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.New(pool)

	rdb, err := broker.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	qb := broker.New(rdb)

	circuits := circuit.New(st, cfg.BreakerThreshold, cfg.BreakerTimeout)
	accountant := budget.New(st, cfg.DailyBudgetUSD)

	exec := executor.New(strings.Fields(cfg.TaskCommand))
	validator := executor.NewValidator(splitList(cfg.ActionAllowlist))

	registry := handler.NewRegistry()
	subprocess := handler.Subprocess(exec)
	registry.Register(models.TypeCodePR, subprocess)
	registry.Register(models.TypeCenterpointSync, subprocess)
	registry.Register(models.TypeMRGDeploy, subprocess)
	registry.Register(models.TypeGenContent, subprocess)
	registry.Register(models.TypeAureaAction, handler.AureaAction(validator, exec))
	registry.Register(models.TypeWebhookProcess, handler.WebhookProcess(cfg.WebhookSinkURL, cfg.OutboxMaxRetries))
	registry.Register(models.TypeMaintenance, handler.Maintenance(st, time.Now))

	relay := outbox.New(outbox.Options{
		PollInterval: cfg.OutboxPollInterval,
	}, st, logger)
	relay.RegisterSink("webhook_event", outbox.NewWebhookSink(cfg.WebhookSecret, 30*time.Second))
	relay.RegisterSink("notify", outbox.NewWebhookSink(cfg.WebhookSecret, 30*time.Second))
	go func() {
		if err := relay.Run(ctx); err != nil {
			logger.Error("outbox relay stopped", "error", err)
		}
	}()

	metrics.StartCollector(ctx, pool, cfg.MetricsInterval, logger)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	d := dispatch.New(dispatch.Options{
		WorkerID:        cfg.WorkerID,
		Version:         cfg.Version,
		Concurrency:     cfg.MaxConcurrency,
		LeaseTTL:        time.Duration(cfg.LeaseSeconds) * time.Second,
		PollWait:        cfg.PollMaxBackoff,
		HandlerTimeout:  cfg.HandlerTimeout,
		BackoffBase:     time.Second,
		BackoffCap:      time.Duration(cfg.BackoffMaxSec) * time.Second,
		ShutdownTimeout: cfg.ShutdownTimeout,
		OutboxRetries:   cfg.OutboxMaxRetries,
	}, st, qb, registry, circuits, accountant, nil, logger)

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("dispatcher exited", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped cleanly")
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", "error", err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
