// Beat is the scheduler. It reclaims expired leases, promotes delayed
// tasks, purges old rows, seeds the daily budget ledger, and enqueues
// the nightly maintenance task. Exactly one beat instance should run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mwwoodworth/aurea-orchestrator/internal/admission"
	"github.com/mwwoodworth/aurea-orchestrator/internal/broker"
	"github.com/mwwoodworth/aurea-orchestrator/internal/budget"
	"github.com/mwwoodworth/aurea-orchestrator/internal/circuit"
	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/gate"
	"github.com/mwwoodworth/aurea-orchestrator/internal/logging"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

const (
	jobTimeout   = 5 * time.Minute
	promoteBatch = 500
)

func main() {
	cfg, err := config.LoadFull(os.Args[1:], flag.CommandLine)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Init("beat", cfg.WorkerID)

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

	b := &beat{
		st:         st,
		qb:         qb,
		gw:         gw,
		accountant: accountant,
		providers:  splitList(cfg.Providers),
		retainDays: cfg.OutboxRetainDays,
		logger:     logger,
	}

	c := cron.New()
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"reclaim", cfg.BeatReclaimSpec, b.reclaim},
		{"purge", cfg.BeatPurgeSpec, b.purge},
		{"budget_seed", cfg.BeatBudgetSpec, b.seedBudgets},
		{"maintenance", cfg.BeatMaintenanceSpec, b.enqueueMaintenance},
	}
	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.spec, func() {
			jctx, jcancel := context.WithTimeout(ctx, jobTimeout)
			defer jcancel()
			if err := job.run(jctx); err != nil {
				logger.Error("beat job failed", "job", job.name, "error", err)
			}
		})
		if err != nil {
			logger.Error("invalid cron spec", "job", job.name, "spec", job.spec, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("beat started",
		"reclaim", cfg.BeatReclaimSpec,
		"purge", cfg.BeatPurgeSpec,
		"budget", cfg.BeatBudgetSpec,
		"maintenance", cfg.BeatMaintenanceSpec)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("beat stopped cleanly")
}

type beat struct {
	st         *store.Store
	qb         *broker.Broker
	gw         *gate.Gate
	accountant *budget.Accountant
	providers  []string
	retainDays int
	logger     *slog.Logger
}

// reclaim puts expired-lease tasks back on the queue and promotes any
// delayed tasks whose backoff has elapsed.
func (b *beat) reclaim(ctx context.Context) error {
	tasks, err := b.st.ReclaimExpired(ctx)
	if err != nil {
		return fmt.Errorf("reclaim expired: %w", err)
	}
	for _, t := range tasks {
		if err := b.qb.Enqueue(ctx, t.ID, t.Priority); err != nil {
			return fmt.Errorf("re-enqueue %s: %w", t.ID, err)
		}
		b.logger.Warn("reclaimed expired lease", "task_id", t.ID, "retry_count", t.RetryCount)
	}

	promoted, err := b.qb.PromoteDue(ctx, time.Now(), promoteBatch)
	if err != nil {
		return fmt.Errorf("promote due: %w", err)
	}
	if promoted > 0 {
		b.logger.Info("promoted delayed tasks", "count", promoted)
	}
	return nil
}

func (b *beat) purge(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -b.retainDays)
	outboxPurged, err := b.st.PurgeDeliveredOutbox(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge outbox: %w", err)
	}
	tasksPurged, err := b.st.PurgeDoneTasks(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge done tasks: %w", err)
	}
	b.logger.Info("purge complete", "outbox", outboxPurged, "tasks", tasksPurged)
	return nil
}

func (b *beat) seedBudgets(ctx context.Context) error {
	if err := b.accountant.Seed(ctx, b.providers); err != nil {
		return fmt.Errorf("seed budgets: %w", err)
	}
	b.logger.Info("budget rows seeded", "providers", b.providers)
	return nil
}

// enqueueMaintenance submits the nightly maintenance task. The
// idempotency key pins it to the calendar day so a beat restart cannot
// double-schedule it.
func (b *beat) enqueueMaintenance(ctx context.Context) error {
	key := "maintenance-" + time.Now().UTC().Format("2006-01-02")
	task, created, err := b.gw.SubmitTask(ctx, gate.SubmitRequest{
		Type:           models.TypeMaintenance,
		Priority:       models.PriorityLow,
		IdempotencyKey: key,
	})
	if err != nil {
		return fmt.Errorf("submit maintenance task: %w", err)
	}
	b.logger.Info("maintenance task scheduled", "task_id", task.ID, "created", created)
	return nil
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
