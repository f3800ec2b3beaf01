package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwwoodworth/aurea-orchestrator/internal/broker"
	"github.com/mwwoodworth/aurea-orchestrator/internal/circuit"
	"github.com/mwwoodworth/aurea-orchestrator/internal/handler"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	task *models.Task

	markRunningCalls int
	successCalls     []store.RunResult
	successEffects   [][]models.OutboxEntry
	retryCalls       []string
	terminalStatus   []models.TaskStatus
	extendCancel     bool
	extendErr        error
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.task == nil || f.task.ID != id {
		return nil, store.ErrNotFound
	}
	snapshot := *f.task
	return &snapshot, nil
}

func (f *fakeStore) MarkRunning(_ context.Context, taskID, workerID string, _ time.Time) (*models.Task, *models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRunningCalls++
	if f.task == nil || f.task.Status != models.StatusQueued {
		return nil, nil, store.ErrFencingFailure
	}
	f.task.Status = models.StatusRunning
	task := *f.task
	run := &models.Run{ID: "run-1", TaskID: taskID, Attempt: f.task.RetryCount + 1, Status: models.RunStarted, WorkerID: &workerID}
	return &task, run, nil
}

func (f *fakeStore) FinalizeSuccess(_ context.Context, _, _ string, result store.RunResult, effects []models.OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task.Status = models.StatusDone
	f.successCalls = append(f.successCalls, result)
	f.successEffects = append(f.successEffects, effects)
	return nil
}

func (f *fakeStore) FinalizeRetry(_ context.Context, _, _ string, errMsg string, _ models.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task.Status = models.StatusQueued
	f.task.RetryCount++
	f.retryCalls = append(f.retryCalls, errMsg)
	return nil
}

func (f *fakeStore) FinalizeTerminal(_ context.Context, _, _ string, _ string, taskStatus models.TaskStatus, _ models.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task.Status = taskStatus
	f.terminalStatus = append(f.terminalStatus, taskStatus)
	return nil
}

func (f *fakeStore) ExtendLease(_ context.Context, _ string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extendCancel, f.extendErr
}

func (f *fakeStore) RegisterWorker(context.Context, string, string, int, string) error { return nil }
func (f *fakeStore) UpdateWorkerHeartbeat(context.Context, string) error               { return nil }

type fakeBroker struct {
	mu sync.Mutex

	leases    []string
	released  []string
	delayed   map[string]time.Time
	dlq       []string
	counters  map[string]int
	extendErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{delayed: make(map[string]time.Time), counters: make(map[string]int)}
}

func (f *fakeBroker) LeaseNext(_ context.Context, _ string, _, _ time.Duration) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.leases) == 0 {
		return "", "", broker.ErrNoTasks
	}
	id := f.leases[0]
	f.leases = f.leases[1:]
	return id, "token-" + id, nil
}

func (f *fakeBroker) ExtendLease(_ context.Context, _, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extendErr
}

func (f *fakeBroker) Release(_ context.Context, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, taskID)
	return nil
}

func (f *fakeBroker) EnqueueDelayed(_ context.Context, taskID string, _ int, readyAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayed[taskID] = readyAt
	return nil
}

func (f *fakeBroker) DLQAdd(_ context.Context, taskType, taskID, _ string, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, taskType+"/"+taskID)
	return nil
}

func (f *fakeBroker) IncrTypeCounter(_ context.Context, taskType, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[taskType+":"+outcome]++
	return nil
}

type fakeCircuits struct {
	mu        sync.Mutex
	allowErr  error
	successes []string
	failures  []string
}

func (f *fakeCircuits) Allow(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowErr
}

func (f *fakeCircuits) RecordSuccess(_ context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, service)
	return nil
}

func (f *fakeCircuits) RecordFailure(_ context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, service)
	return nil
}

type fakeAccountant struct {
	mu      sync.Mutex
	commits []float64
}

func (f *fakeAccountant) Commit(_ context.Context, _ string, costUSD float64, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, costUSD)
	return nil
}

type fixture struct {
	d        *Dispatcher
	st       *fakeStore
	qb       *fakeBroker
	circuits *fakeCircuits
	budget   *fakeAccountant
	handlers *handler.Registry
}

func newFixture(t *testing.T, task *models.Task) *fixture {
	t.Helper()
	f := &fixture{
		st:       &fakeStore{task: task},
		qb:       newFakeBroker(),
		circuits: &fakeCircuits{},
		budget:   &fakeAccountant{},
		handlers: handler.NewRegistry(),
	}
	opts := Options{
		WorkerID:        "w-test",
		Concurrency:     2,
		LeaseTTL:        time.Minute,
		PollWait:        10 * time.Millisecond,
		BackoffBase:     time.Second,
		BackoffCap:      60 * time.Second,
		ShutdownTimeout: time.Second,
	}
	f.d = New(opts, f.st, f.qb, f.handlers, f.circuits, f.budget, nil, slog.Default())
	return f
}

func queuedTask(provider string) *models.Task {
	task := &models.Task{
		ID:         "t-1",
		Type:       models.TypeGenContent,
		Priority:   models.PriorityNormal,
		Status:     models.StatusQueued,
		MaxRetries: 3,
	}
	if provider != "" {
		task.Provider = &provider
	}
	return task
}

func TestRunTaskSuccess(t *testing.T) {
	f := newFixture(t, queuedTask("anthropic"))
	f.handlers.Register(models.TypeGenContent, func(_ context.Context, _ *models.Task) (*handler.Result, error) {
		return &handler.Result{
			Provider: "anthropic",
			CostUSD:  0.05,
			Tokens:   800,
			Effects:  []handler.Effect{{Type: "notify", Target: "https://hooks.internal/done"}},
		}, nil
	})

	f.d.runTask(context.Background(), "t-1", "tok")

	require.Len(t, f.st.successCalls, 1)
	assert.Equal(t, 0.05, f.st.successCalls[0].CostUSD)
	require.Len(t, f.st.successEffects[0], 1)
	assert.Equal(t, "notify", f.st.successEffects[0][0].EffectType)
	assert.NotEmpty(t, f.st.successEffects[0][0].ID)

	assert.Equal(t, []string{"anthropic"}, f.circuits.successes)
	assert.Equal(t, []float64{0.05}, f.budget.commits)
	assert.Equal(t, 1, f.qb.counters["gen_content:success"])
	assert.Equal(t, []string{"t-1"}, f.qb.released)
}

func TestRunTaskRetryableFailure(t *testing.T) {
	f := newFixture(t, queuedTask("anthropic"))
	f.handlers.Register(models.TypeGenContent, func(_ context.Context, _ *models.Task) (*handler.Result, error) {
		return nil, &handler.HTTPError{StatusCode: 503, Err: errors.New("upstream flaking")}
	})

	before := time.Now()
	f.d.runTask(context.Background(), "t-1", "tok")

	require.Len(t, f.st.retryCalls, 1)
	assert.Empty(t, f.st.terminalStatus)
	assert.Equal(t, []string{"anthropic"}, f.circuits.failures)
	assert.Equal(t, 1, f.qb.counters["gen_content:retry"])

	readyAt, ok := f.qb.delayed["t-1"]
	require.True(t, ok, "retryable failure must re-enqueue with delay")
	delay := readyAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 400*time.Millisecond, "first retry delay floor is ~0.5s")
	assert.LessOrEqual(t, delay, 1700*time.Millisecond, "first retry delay ceiling is ~1.5s")
	assert.Empty(t, f.qb.dlq)
}

func TestRunTaskExhaustedRetriesGoesToDLQ(t *testing.T) {
	task := queuedTask("")
	task.RetryCount = 3
	f := newFixture(t, task)
	f.handlers.Register(models.TypeGenContent, func(_ context.Context, _ *models.Task) (*handler.Result, error) {
		return nil, errors.New("connection reset")
	})

	f.d.runTask(context.Background(), "t-1", "tok")

	require.Equal(t, []models.TaskStatus{models.StatusFailed}, f.st.terminalStatus)
	assert.Equal(t, []string{"gen_content/t-1"}, f.qb.dlq)
	assert.Equal(t, 1, f.qb.counters["gen_content:failure"])
	assert.Empty(t, f.qb.delayed)
}

func TestRunTaskTerminalFailureSkipsDLQ(t *testing.T) {
	f := newFixture(t, queuedTask(""))
	f.handlers.Register(models.TypeGenContent, func(_ context.Context, _ *models.Task) (*handler.Result, error) {
		return nil, handler.Terminal(errors.New("payload rejected"))
	})

	f.d.runTask(context.Background(), "t-1", "tok")

	require.Equal(t, []models.TaskStatus{models.StatusFailed}, f.st.terminalStatus)
	assert.Empty(t, f.qb.dlq, "terminal failures are not dead-lettered")
	assert.Empty(t, f.st.retryCalls)
}

func TestRunTaskCircuitOpenParksWithoutRun(t *testing.T) {
	f := newFixture(t, queuedTask("anthropic"))
	retryAt := time.Now().Add(10 * time.Minute)
	f.circuits.allowErr = &circuit.OpenError{Service: "anthropic", RetryAt: retryAt}

	f.d.runTask(context.Background(), "t-1", "tok")

	assert.Zero(t, f.st.markRunningCalls, "no run row for a call that never happens")
	got, ok := f.qb.delayed["t-1"]
	require.True(t, ok)
	assert.WithinDuration(t, retryAt, got, time.Second)
	assert.Equal(t, []string{"t-1"}, f.qb.released)
}

func TestCancelRequestFinalizesCanceled(t *testing.T) {
	f := newFixture(t, queuedTask(""))
	f.d.opts.LeaseTTL = 90 * time.Millisecond
	f.st.extendCancel = true

	f.handlers.Register(models.TypeGenContent, func(ctx context.Context, _ *models.Task) (*handler.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	f.d.runTask(context.Background(), "t-1", "tok")

	require.Equal(t, []models.TaskStatus{models.StatusCanceled}, f.st.terminalStatus)
	assert.Equal(t, 1, f.qb.counters["gen_content:canceled"])
	assert.Empty(t, f.st.retryCalls)
}

func TestLeaseLostAbandonsWithoutFinalize(t *testing.T) {
	f := newFixture(t, queuedTask(""))
	f.d.opts.LeaseTTL = 90 * time.Millisecond
	f.qb.extendErr = broker.ErrLeaseLost

	f.handlers.Register(models.TypeGenContent, func(ctx context.Context, _ *models.Task) (*handler.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	f.d.runTask(context.Background(), "t-1", "tok")

	assert.Empty(t, f.st.terminalStatus, "a lost lease must not touch the task row")
	assert.Empty(t, f.st.retryCalls)
	assert.Empty(t, f.st.successCalls)
}

func TestBackoffBounds(t *testing.T) {
	f := newFixture(t, queuedTask(""))
	for retry, base := range map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		3: 8 * time.Second,
		9: 60 * time.Second, // capped
	} {
		for i := 0; i < 20; i++ {
			got := f.d.backoff(retry)
			assert.GreaterOrEqual(t, got, time.Duration(float64(base)*0.5), "retry %d", retry)
			assert.LessOrEqual(t, got, time.Duration(float64(base)*1.5), "retry %d", retry)
		}
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	f := newFixture(t, queuedTask(""))
	f.qb.leases = []string{"t-1"}
	f.handlers.Register(models.TypeGenContent, func(_ context.Context, _ *models.Task) (*handler.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return &handler.Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Len(t, f.st.successCalls, 1, "in-flight task finishes during drain")
}
