// The API server is the public edge of the orchestrator. It admits
// tasks and webhooks, streams task progress, and serves the admin
// surface; all execution happens in cmd/worker.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mwwoodworth/aurea-orchestrator/internal/admission"
	"github.com/mwwoodworth/aurea-orchestrator/internal/api"
	"github.com/mwwoodworth/aurea-orchestrator/internal/broker"
	"github.com/mwwoodworth/aurea-orchestrator/internal/budget"
	"github.com/mwwoodworth/aurea-orchestrator/internal/circuit"
	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/events"
	"github.com/mwwoodworth/aurea-orchestrator/internal/gate"
	"github.com/mwwoodworth/aurea-orchestrator/internal/logging"
	"github.com/mwwoodworth/aurea-orchestrator/internal/metrics"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

func main() {
	cfg, err := config.LoadFull(os.Args[1:], flag.CommandLine)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Init("api", cfg.WorkerID)

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
	admit := admission.New(qb, accountant, circuits, int64(cfg.MaxQueueDepth))
	gw := gate.New(st, qb, admit, cfg.WebhookSecret, cfg.MaxRetries)

	allowlist, err := api.ParseCIDRAllowlist(cfg.MetricsAllowlist)
	if err != nil {
		logger.Error("parse metrics allowlist", "error", err)
		os.Exit(1)
	}
	tlsConfig, err := api.BuildTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSClientCAFile)
	if err != nil {
		logger.Error("build TLS config", "error", err)
		os.Exit(1)
	}

	metrics.StartCollector(ctx, pool, cfg.MetricsInterval, logger)

	srv := api.NewServer(api.Options{
		Addr:      cfg.APIAddr,
		KeySalt:   cfg.APIKeySalt,
		Allowlist: allowlist,
		TLS:       tlsConfig,
	}, st, qb, gw, events.NewBroker(0), logger)

	if err := srv.Start(ctx); err != nil {
		logger.Error("api server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("api server stopped cleanly")
}
