package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ids"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

var testSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload_json JSONB NOT NULL DEFAULT '{}',
	priority INT NOT NULL DEFAULT 100,
	status TEXT NOT NULL DEFAULT 'queued',
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 3,
	idempotency_key TEXT,
	trace_id TEXT,
	provider TEXT,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	last_error TEXT,
	lease_deadline TIMESTAMPTZ,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS tasks_idempotency_key_uq ON tasks (idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks (id),
	attempt INT NOT NULL,
	status TEXT NOT NULL DEFAULT 'started',
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	ended_at TIMESTAMPTZ,
	worker_id TEXT,
	error_details TEXT,
	model_used TEXT,
	tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	metrics_json JSONB
);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	effect_type TEXT NOT NULL,
	target TEXT NOT NULL,
	payload_json JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 5,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	delivered_at TIMESTAMPTZ,
	last_error TEXT
);

CREATE TABLE IF NOT EXISTS inbox (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	signature_hash TEXT NOT NULL DEFAULT '',
	payload_json JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'received',
	task_id TEXT,
	rejection_reason TEXT,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ,
	UNIQUE (source, external_id)
);

CREATE TABLE IF NOT EXISTS budgets (
	provider TEXT NOT NULL,
	date TEXT NOT NULL,
	budget_usd DOUBLE PRECISION NOT NULL,
	spent_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	tokens BIGINT NOT NULL DEFAULT 0,
	requests BIGINT NOT NULL DEFAULT 0,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (provider, date)
);

CREATE TABLE IF NOT EXISTS circuit_breakers (
	service TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT 'closed',
	failure_count INT NOT NULL DEFAULT 0,
	success_count INT NOT NULL DEFAULT 0,
	error_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	timeout_sec INT NOT NULL DEFAULT 600,
	last_failure_at TIMESTAMPTZ,
	last_success_at TIMESTAMPTZ,
	opened_at TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL,
	concurrency INT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, testSchema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	for _, table := range []string{"runs", "outbox", "inbox", "tasks", "budgets", "circuit_breakers", "api_keys", "workers"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to clean %s: %v", table, err)
		}
	}
	return New(pool)
}

func newQueuedTask(t *testing.T, s *Store, taskType models.TaskType) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:          ids.New(),
		Type:        taskType,
		PayloadJSON: json.RawMessage(`{"k":"v"}`),
		Priority:    models.PriorityNormal,
		MaxRetries:  3,
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newQueuedTask(t, s, models.TypeGenContent)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}

	running, run, err := s.MarkRunning(ctx, task.ID, "worker-1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if running.Status != models.StatusRunning {
		t.Fatalf("expected running, got %s", running.Status)
	}
	if run.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", run.Attempt)
	}

	// second claim must hit the status guard
	if _, _, err := s.MarkRunning(ctx, task.ID, "worker-2", time.Now().Add(time.Minute)); !errors.Is(err, ErrFencingFailure) {
		t.Fatalf("expected fencing failure, got %v", err)
	}

	effect := models.OutboxEntry{
		ID:          ids.New(),
		TaskID:      task.ID,
		EffectType:  "notify",
		Target:      "slack",
		PayloadJSON: json.RawMessage(`{"msg":"done"}`),
		MaxRetries:  5,
	}
	model := "claude"
	err = s.FinalizeSuccess(ctx, task.ID, run.ID, RunResult{ModelUsed: &model, Tokens: 100, CostUSD: 0.05}, []models.OutboxEntry{effect})
	if err != nil {
		t.Fatalf("finalize success: %v", err)
	}

	got, err = s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	runs, err := s.ListRuns(ctx, task.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != models.RunSuccess {
		t.Fatalf("expected one successful run, got %+v", runs)
	}

	pending, err := s.ClaimDueOutbox(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	if len(pending) != 1 || pending[0].EffectType != "notify" {
		t.Fatalf("expected one pending outbox entry, got %+v", pending)
	}

	// double finalize must fail the fencing guard
	err = s.FinalizeSuccess(ctx, task.ID, run.ID, RunResult{}, nil)
	if !errors.Is(err, ErrFencingFailure) {
		t.Fatalf("expected fencing failure, got %v", err)
	}
}

func TestRetryAndTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newQueuedTask(t, s, models.TypeCodePR)

	_, run, err := s.MarkRunning(ctx, task.ID, "worker-1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := s.FinalizeRetry(ctx, task.ID, run.ID, "upstream 503", models.RunFailed); err != nil {
		t.Fatalf("finalize retry: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusQueued || got.RetryCount != 1 {
		t.Fatalf("expected queued with retry_count=1, got %s/%d", got.Status, got.RetryCount)
	}

	_, run2, err := s.MarkRunning(ctx, task.ID, "worker-1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("mark running again: %v", err)
	}
	if run2.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", run2.Attempt)
	}

	if err := s.FinalizeTerminal(ctx, task.ID, run2.ID, "validation failed", models.StatusFailed, models.RunFailed); err != nil {
		t.Fatalf("finalize terminal: %v", err)
	}

	got, err = s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "validation failed" {
		t.Fatalf("expected last_error preserved, got %v", got.LastError)
	}
}

func TestIdempotencyKeyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := "k1"
	first := &models.Task{
		ID:             ids.New(),
		Type:           models.TypeGenContent,
		PayloadJSON:    json.RawMessage(`{}`),
		Priority:       models.PriorityNormal,
		MaxRetries:     3,
		IdempotencyKey: &key,
	}
	if err := s.CreateTask(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}

	dup := &models.Task{
		ID:             ids.New(),
		Type:           models.TypeGenContent,
		PayloadJSON:    json.RawMessage(`{}`),
		Priority:       models.PriorityNormal,
		MaxRetries:     3,
		IdempotencyKey: &key,
	}
	if err := s.CreateTask(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}

	found, err := s.GetTaskByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("lookup by idempotency key: %v", err)
	}
	if found.ID != first.ID {
		t.Fatalf("expected first task id, got %s", found.ID)
	}
}

func TestReclaimExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newQueuedTask(t, s, models.TypeAureaAction)
	if _, _, err := s.MarkRunning(ctx, task.ID, "worker-1", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	requeued, err := s.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(requeued) != 1 || requeued[0].ID != task.ID {
		t.Fatalf("expected task to be requeued, got %+v", requeued)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusQueued || got.RetryCount != 1 {
		t.Fatalf("expected queued retry_count=1, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestInboxReplayBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &models.InboxEntry{
		ID:            ids.New(),
		Source:        "github",
		ExternalID:    "evt-1",
		SignatureHash: "abc",
		PayloadJSON:   json.RawMessage(`{"action":"push"}`),
	}
	task := &models.Task{
		ID:          ids.New(),
		Type:        models.TypeWebhookProcess,
		PayloadJSON: json.RawMessage(`{"action":"push"}`),
		Priority:    models.PriorityNormal,
		MaxRetries:  3,
	}
	if err := s.CreateInboxWithTask(ctx, entry, task); err != nil {
		t.Fatalf("accept webhook: %v", err)
	}

	replay := &models.InboxEntry{
		ID:          ids.New(),
		Source:      "github",
		ExternalID:  "evt-1",
		PayloadJSON: json.RawMessage(`{"action":"push"}`),
	}
	dupTask := &models.Task{ID: ids.New(), Type: models.TypeWebhookProcess, PayloadJSON: json.RawMessage(`{}`), Priority: models.PriorityNormal, MaxRetries: 3}
	if err := s.CreateInboxWithTask(ctx, replay, dupTask); !errors.Is(err, ErrReplayBlocked) {
		t.Fatalf("expected replay blocked, got %v", err)
	}

	// replay must not have created a second task
	if _, err := s.GetTask(ctx, dupTask.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected replay task to be absent, got %v", err)
	}
}

func TestBudgetReserveAndCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.ReserveBudget(ctx, "anthropic", now, 0.40, 1.00); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := s.CommitSpend(ctx, "anthropic", now, 0.40, 1000, 1.00); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := s.ReserveBudget(ctx, "anthropic", now, 0.40, 1.00); err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if err := s.CommitSpend(ctx, "anthropic", now, 0.40, 1000, 1.00); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	// 0.20 remaining, estimate 0.40 does not fit
	if err := s.ReserveBudget(ctx, "anthropic", now, 0.40, 1.00); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}

	b, err := s.GetBudget(ctx, "anthropic", now)
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if b.SpentUSD != 0.80 || b.Requests != 2 {
		t.Fatalf("expected spent 0.80 over 2 requests, got %+v", b)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := &models.APIKey{
		ID:      ids.New(),
		KeyHash: ids.HashAPIKey("raw-key", "salt"),
		Name:    "ops",
		Role:    models.RoleAdmin,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("create key: %v", err)
	}

	found, err := s.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		t.Fatalf("lookup key: %v", err)
	}
	if !found.Usable(time.Now()) {
		t.Fatal("expected key to be usable")
	}

	replacement := &models.APIKey{
		ID:      ids.New(),
		KeyHash: ids.HashAPIKey("raw-key-2", "salt"),
		Name:    "ops",
		Role:    models.RoleAdmin,
	}
	if err := s.RotateAPIKey(ctx, key.ID, replacement, time.Hour); err != nil {
		t.Fatalf("rotate key: %v", err)
	}

	old, err := s.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		t.Fatalf("lookup old key: %v", err)
	}
	if old.ExpiresAt == nil {
		t.Fatal("expected overlap expiry on the rotated key")
	}
	if !old.Usable(time.Now()) {
		t.Fatal("expected old key to stay usable through the overlap window")
	}

	if err := s.RevokeAPIKey(ctx, old.ID); err != nil {
		t.Fatalf("revoke key: %v", err)
	}
	revoked, err := s.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		t.Fatalf("lookup revoked key: %v", err)
	}
	if revoked.Usable(time.Now()) {
		t.Fatal("expected revoked key to be unusable")
	}
}
