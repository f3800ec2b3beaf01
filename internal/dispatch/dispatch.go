// Package dispatch runs the worker loop: lease a task, mark it running,
// invoke its handler under a heartbeat, and apply the retry, dead-letter
// and budget rules to the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/broker"
	"github.com/mwwoodworth/aurea-orchestrator/internal/circuit"
	"github.com/mwwoodworth/aurea-orchestrator/internal/handler"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ids"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errLeaseLost       = errors.New("lease lost")
)

// Store is the slice of the durable store the dispatcher needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	MarkRunning(ctx context.Context, taskID, workerID string, leaseDeadline time.Time) (*models.Task, *models.Run, error)
	FinalizeSuccess(ctx context.Context, taskID, runID string, result store.RunResult, effects []models.OutboxEntry) error
	FinalizeRetry(ctx context.Context, taskID, runID, errMsg string, runStatus models.RunStatus) error
	FinalizeTerminal(ctx context.Context, taskID, runID, errMsg string, taskStatus models.TaskStatus, runStatus models.RunStatus) error
	ExtendLease(ctx context.Context, taskID string, deadline time.Time) (bool, error)
	RegisterWorker(ctx context.Context, id, hostname string, concurrency int, version string) error
	UpdateWorkerHeartbeat(ctx context.Context, id string) error
}

// Broker is the queue surface the dispatcher needs.
type Broker interface {
	LeaseNext(ctx context.Context, consumerID string, maxWait, leaseTTL time.Duration) (string, string, error)
	ExtendLease(ctx context.Context, taskID, token string, ttl time.Duration) error
	Release(ctx context.Context, taskID, token string) error
	EnqueueDelayed(ctx context.Context, taskID string, priority int, readyAt time.Time) error
	DLQAdd(ctx context.Context, taskType, taskID, lastError string, retryCount, priority int) error
	IncrTypeCounter(ctx context.Context, taskType, outcome string) error
}

// Circuits gates handler calls per provider.
type Circuits interface {
	Allow(ctx context.Context, service string) error
	RecordSuccess(ctx context.Context, service string) error
	RecordFailure(ctx context.Context, service string) error
}

// Accountant debits actual spend after a run completes.
type Accountant interface {
	Commit(ctx context.Context, provider string, costUSD float64, tokens int64) error
}

// Notifier receives task status changes for live streaming. May be nil.
type Notifier interface {
	TaskStatus(taskID string, status models.TaskStatus, message string)
}

type Options struct {
	WorkerID        string
	Version         string
	Concurrency     int
	LeaseTTL        time.Duration
	PollWait        time.Duration
	HandlerTimeout  time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ShutdownTimeout time.Duration
	OutboxRetries   int
}

type Dispatcher struct {
	opts     Options
	st       Store
	qb       Broker
	handlers *handler.Registry
	circuits Circuits
	budget   Accountant
	notify   Notifier
	logger   *slog.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

func New(opts Options, st Store, qb Broker, handlers *handler.Registry, circuits Circuits, budget Accountant, notify Notifier, logger *slog.Logger) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 900 * time.Second
	}
	if opts.PollWait <= 0 {
		opts.PollWait = 5 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 60 * time.Second
	}
	if opts.OutboxRetries <= 0 {
		opts.OutboxRetries = 5
	}
	return &Dispatcher{
		opts:     opts,
		st:       st,
		qb:       qb,
		handlers: handlers,
		circuits: circuits,
		budget:   budget,
		notify:   notify,
		logger:   logger,
		now:      time.Now,
	}
}

// Run leases and executes tasks until ctx is canceled, then drains
// in-flight handlers up to the shutdown timeout before forcing them down.
func (d *Dispatcher) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	if err := d.st.RegisterWorker(ctx, d.opts.WorkerID, hostname, d.opts.Concurrency, d.opts.Version); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	d.logger.Info("dispatcher started",
		"worker_id", d.opts.WorkerID,
		"concurrency", d.opts.Concurrency,
		"lease_ttl", d.opts.LeaseTTL)

	go d.workerHeartbeat(ctx)

	// handlers outlive the lease loop so shutdown can grant them grace
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()

	slots := make(chan struct{}, d.opts.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return d.drain(drainCancel)
		case slots <- struct{}{}:
		}

		taskID, token, err := d.qb.LeaseNext(ctx, d.opts.WorkerID, d.opts.PollWait, d.opts.LeaseTTL)
		if err != nil {
			<-slots
			if errors.Is(err, broker.ErrNoTasks) || errors.Is(err, context.Canceled) {
				continue
			}
			d.logger.Error("lease failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return d.drain(drainCancel)
			case <-time.After(d.opts.PollWait):
			}
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-slots }()
			d.runTask(drainCtx, taskID, token)
		}()
	}
}

func (d *Dispatcher) drain(force context.CancelFunc) error {
	d.logger.Info("shutdown requested, draining in-flight tasks")
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	grace := d.opts.ShutdownTimeout
	if grace <= 0 {
		grace = d.opts.LeaseTTL
	}
	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("shutdown grace exceeded, canceling handlers")
		force()
		<-done
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) workerHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.st.UpdateWorkerHeartbeat(ctx, d.opts.WorkerID); err != nil {
				d.logger.Error("worker heartbeat failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) runTask(ctx context.Context, taskID, token string) {
	logger := d.logger.With("task_id", taskID)

	// lock release happens on every exit path, off the handler context
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.qb.Release(releaseCtx, taskID, token); err != nil && !errors.Is(err, broker.ErrLeaseLost) {
			logger.Error("release lock failed", "error", err)
		}
	}()

	task, err := d.st.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("load task failed", "error", err)
		}
		return
	}

	// an open breaker parks the task without burning a retry; no run
	// row is opened for a call that never happens
	if task.Provider != nil {
		if err := d.circuits.Allow(ctx, *task.Provider); err != nil {
			var oe *circuit.OpenError
			if errors.As(err, &oe) {
				readyAt := oe.RetryAt
				if readyAt.IsZero() || readyAt.Before(d.now()) {
					readyAt = d.now().Add(d.opts.BackoffCap)
				}
				logger.Info("circuit open, parking task", "provider", *task.Provider, "ready_at", readyAt)
				if err := d.qb.EnqueueDelayed(ctx, taskID, task.Priority, readyAt); err != nil {
					logger.Error("park task failed", "error", err)
				}
				return
			}
			logger.Error("circuit check failed", "error", err)
			return
		}
	}

	leaseDeadline := d.now().Add(d.opts.LeaseTTL)
	task, run, err := d.st.MarkRunning(ctx, taskID, d.opts.WorkerID, leaseDeadline)
	if err != nil {
		if errors.Is(err, store.ErrFencingFailure) {
			// canceled or claimed elsewhere between lease and mark
			return
		}
		logger.Error("mark running failed", "error", err)
		return
	}
	logger = logger.With("run_id", run.ID, "attempt", run.Attempt, "type", task.Type)
	logger.Info("task started")
	d.publish(taskID, models.StatusRunning, "")

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		d.heartbeat(runCtx, taskID, token, cancelRun)
	}()

	handlerCtx := runCtx
	var cancelTimeout context.CancelFunc
	if d.opts.HandlerTimeout > 0 {
		handlerCtx, cancelTimeout = context.WithTimeout(runCtx, d.opts.HandlerTimeout)
		defer cancelTimeout()
	}

	result, handlerErr := d.handlers.Handle(handlerCtx, task)
	cancelRun(nil)
	<-hbDone

	// finalization must not die with the handler context
	finCtx, cancelFin := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFin()

	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, errCancelRequested):
		d.finishCanceled(finCtx, logger, task, run)
	case errors.Is(cause, errLeaseLost):
		// another worker may already own the task; leave the row alone
		logger.Warn("lease lost mid-run")
	case handlerErr == nil:
		d.finishSuccess(finCtx, logger, task, run, result)
	default:
		d.finishFailure(finCtx, logger, task, run, handlerErr)
	}
}

// heartbeat extends both the broker lock and the durable lease every
// third of the TTL, and propagates cancel requests into the handler.
func (d *Dispatcher) heartbeat(ctx context.Context, taskID, token string, cancelRun context.CancelCauseFunc) {
	interval := d.opts.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.qb.ExtendLease(ctx, taskID, token, d.opts.LeaseTTL); err != nil {
				if errors.Is(err, broker.ErrLeaseLost) {
					cancelRun(errLeaseLost)
					return
				}
				d.logger.Error("lock extension failed", "task_id", taskID, "error", err)
				continue
			}
			cancelRequested, err := d.st.ExtendLease(ctx, taskID, d.now().Add(d.opts.LeaseTTL))
			if err != nil {
				if errors.Is(err, store.ErrFencingFailure) {
					cancelRun(errLeaseLost)
					return
				}
				d.logger.Error("lease extension failed", "task_id", taskID, "error", err)
				continue
			}
			if cancelRequested {
				cancelRun(errCancelRequested)
				return
			}
		}
	}
}

func (d *Dispatcher) finishSuccess(ctx context.Context, logger *slog.Logger, task *models.Task, run *models.Run, result *handler.Result) {
	if result == nil {
		result = &handler.Result{}
	}

	provider := result.Provider
	if provider == "" && task.Provider != nil {
		provider = *task.Provider
	}
	if provider != "" {
		if err := d.circuits.RecordSuccess(ctx, provider); err != nil {
			logger.Error("circuit record success failed", "error", err)
		}
		if result.CostUSD > 0 || result.Tokens > 0 {
			if err := d.budget.Commit(ctx, provider, result.CostUSD, result.Tokens); err != nil {
				logger.Error("budget commit failed", "error", err)
			}
		}
	}

	runResult := store.RunResult{
		Tokens:      result.Tokens,
		CostUSD:     result.CostUSD,
		MetricsJSON: result.MetricsJSON,
	}
	if result.ModelUsed != "" {
		model := result.ModelUsed
		runResult.ModelUsed = &model
	}

	effects := make([]models.OutboxEntry, 0, len(result.Effects))
	for _, e := range result.Effects {
		maxRetries := e.MaxRetries
		if maxRetries <= 0 {
			maxRetries = d.opts.OutboxRetries
		}
		effects = append(effects, models.OutboxEntry{
			ID:          ids.New(),
			TaskID:      task.ID,
			EffectType:  e.Type,
			Target:      e.Target,
			PayloadJSON: e.Payload,
			Status:      models.OutboxPending,
			MaxRetries:  maxRetries,
		})
	}

	if err := d.st.FinalizeSuccess(ctx, task.ID, run.ID, runResult, effects); err != nil {
		// leave the row for the reclaim sweep; never double-finalize
		logger.Error("finalize success failed", "error", err)
		return
	}
	d.counter(ctx, task.Type, "success")
	d.publish(task.ID, models.StatusDone, "")
	logger.Info("task done", "cost_usd", result.CostUSD, "effects", len(effects))
}

func (d *Dispatcher) finishFailure(ctx context.Context, logger *slog.Logger, task *models.Task, run *models.Run, handlerErr error) {
	if task.Provider != nil {
		if err := d.circuits.RecordFailure(ctx, *task.Provider); err != nil {
			logger.Error("circuit record failure failed", "error", err)
		}
	}

	errMsg := handlerErr.Error()
	runStatus := models.RunFailed
	if errors.Is(handlerErr, context.DeadlineExceeded) {
		runStatus = models.RunTimeout
	}

	if handler.Retryable(handlerErr) && task.RetryCount < task.MaxRetries {
		if err := d.st.FinalizeRetry(ctx, task.ID, run.ID, errMsg, runStatus); err != nil {
			logger.Error("finalize retry failed", "error", err)
			return
		}
		delay := d.backoff(task.RetryCount)
		readyAt := d.now().Add(delay)
		if err := d.qb.EnqueueDelayed(ctx, task.ID, task.Priority, readyAt); err != nil {
			logger.Error("re-enqueue failed", "error", err)
			return
		}
		d.counter(ctx, task.Type, "retry")
		d.publish(task.ID, models.StatusQueued, errMsg)
		logger.Warn("task failed, retrying", "error", errMsg, "delay", delay, "retry_count", task.RetryCount+1)
		return
	}

	if err := d.st.FinalizeTerminal(ctx, task.ID, run.ID, errMsg, models.StatusFailed, runStatus); err != nil {
		logger.Error("finalize terminal failed", "error", err)
		return
	}
	if handler.Retryable(handlerErr) {
		// exhausted retries: make the corpse visible to operators
		if err := d.qb.DLQAdd(ctx, string(task.Type), task.ID, errMsg, task.RetryCount, task.Priority); err != nil {
			logger.Error("dlq add failed", "error", err)
		}
	}
	d.counter(ctx, task.Type, "failure")
	d.publish(task.ID, models.StatusFailed, errMsg)
	logger.Error("task failed terminally", "error", errMsg, "retry_count", task.RetryCount)
}

func (d *Dispatcher) finishCanceled(ctx context.Context, logger *slog.Logger, task *models.Task, run *models.Run) {
	if err := d.st.FinalizeTerminal(ctx, task.ID, run.ID, "canceled by operator", models.StatusCanceled, models.RunCanceled); err != nil {
		logger.Error("finalize cancel failed", "error", err)
		return
	}
	d.counter(ctx, task.Type, "canceled")
	d.publish(task.ID, models.StatusCanceled, "")
	logger.Info("task canceled")
}

// backoff computes min(cap, base * 2^retryCount) with 0.5x..1.5x jitter.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	if retryCount > 30 {
		retryCount = 30
	}
	delay := d.opts.BackoffBase << uint(retryCount)
	if delay > d.opts.BackoffCap || delay <= 0 {
		delay = d.opts.BackoffCap
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (d *Dispatcher) counter(ctx context.Context, taskType models.TaskType, outcome string) {
	if err := d.qb.IncrTypeCounter(ctx, string(taskType), outcome); err != nil {
		d.logger.Error("counter increment failed", "task_type", taskType, "error", err)
	}
}

func (d *Dispatcher) publish(taskID string, status models.TaskStatus, message string) {
	if d.notify != nil {
		d.notify.TaskStatus(taskID, status, message)
	}
}
