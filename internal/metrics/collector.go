package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultInterval = 2 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurea_queue_depth",
		Help: "Number of queued tasks.",
	})
	tasksRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurea_tasks_running",
		Help: "Number of running tasks.",
	})
	workerCountGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurea_workers",
		Help: "Number of registered workers with a fresh heartbeat.",
	})
	concurrencyLimitGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurea_concurrency_limit",
		Help: "Total concurrency capacity across live workers.",
	})
	outboxPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurea_outbox_pending",
		Help: "Number of undelivered outbox entries.",
	})
	budgetSpentGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aurea_budget_spent_usd",
		Help: "USD spent today per provider.",
	}, []string{"provider"})
	budgetLimitGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aurea_budget_limit_usd",
		Help: "Daily USD budget per provider.",
	}, []string{"provider"})
	circuitStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aurea_circuit_state",
		Help: "Circuit breaker state per service (0 closed, 1 half_open, 2 open).",
	}, []string{"service"})
)

// Workers whose heartbeat is older than this are treated as gone.
const workerLiveness = 2 * time.Minute

func StartCollector(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collectTaskMetrics(ctx, pool); err != nil {
				logWarn(logger, "queue metrics collection failed", err)
			}
			if err := collectWorkerMetrics(ctx, pool); err != nil {
				logWarn(logger, "worker metrics collection failed", err)
			}
			if err := collectBudgetMetrics(ctx, pool); err != nil {
				logWarn(logger, "budget metrics collection failed", err)
			}
			if err := collectCircuitMetrics(ctx, pool); err != nil {
				logWarn(logger, "circuit metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collectTaskMetrics(ctx context.Context, pool *pgxpool.Pool) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(queryCtx, `
		SELECT status, COUNT(*)
		FROM tasks
		WHERE status IN ('queued', 'running')
		GROUP BY status
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var queued int64
	var running int64

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		switch status {
		case "queued":
			queued = count
		case "running":
			running = count
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	queueDepthGauge.Set(float64(queued))
	tasksRunningGauge.Set(float64(running))

	queryCtx2, cancel2 := context.WithTimeout(ctx, queryTimeout)
	defer cancel2()

	var outboxPending int64
	if err := pool.QueryRow(queryCtx2, `
		SELECT COUNT(*) FROM outbox WHERE status = 'pending'
	`).Scan(&outboxPending); err != nil {
		return err
	}
	outboxPendingGauge.Set(float64(outboxPending))
	return nil
}

func collectWorkerMetrics(ctx context.Context, pool *pgxpool.Pool) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var workers int64
	var concurrency int64
	if err := pool.QueryRow(queryCtx, `
		SELECT COUNT(*), COALESCE(SUM(concurrency), 0)
		FROM workers
		WHERE last_heartbeat > NOW() - $1::interval
	`, workerLiveness.String()).Scan(&workers, &concurrency); err != nil {
		return err
	}

	workerCountGauge.Set(float64(workers))
	concurrencyLimitGauge.Set(float64(concurrency))
	return nil
}

func collectBudgetMetrics(ctx context.Context, pool *pgxpool.Pool) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(queryCtx, `
		SELECT provider, budget_usd, spent_usd
		FROM budgets
		WHERE date = to_char(NOW() AT TIME ZONE 'UTC', 'YYYY-MM-DD')
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var provider string
		var budget, spent float64
		if err := rows.Scan(&provider, &budget, &spent); err != nil {
			return err
		}
		budgetLimitGauge.WithLabelValues(provider).Set(budget)
		budgetSpentGauge.WithLabelValues(provider).Set(spent)
	}
	return rows.Err()
}

func collectCircuitMetrics(ctx context.Context, pool *pgxpool.Pool) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(queryCtx, `
		SELECT service, state FROM circuit_breakers
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var service, state string
		if err := rows.Scan(&service, &state); err != nil {
			return err
		}
		var v float64
		switch state {
		case "half_open":
			v = 1
		case "open":
			v = 2
		}
		circuitStateGauge.WithLabelValues(service).Set(v)
	}
	return rows.Err()
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
