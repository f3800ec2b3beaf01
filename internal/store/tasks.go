package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ids"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

const taskColumns = `
	id, type, payload_json, priority, status, retry_count, max_retries,
	idempotency_key, trace_id, provider, enqueued_at, started_at, completed_at,
	last_error, lease_deadline, cancel_requested, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.ID, &t.Type, &t.PayloadJSON, &t.Priority, &t.Status, &t.RetryCount, &t.MaxRetries,
		&t.IdempotencyKey, &t.TraceID, &t.Provider, &t.EnqueuedAt, &t.StartedAt, &t.CompletedAt,
		&t.LastError, &t.LeaseDeadline, &t.CancelRequest, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a new queued task. A unique-index collision on
// idempotency_key surfaces as ErrDuplicateKey so callers can fall back
// to a lookup.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	query := `
		INSERT INTO tasks (id, type, payload_json, priority, status, retry_count, max_retries,
			idempotency_key, trace_id, provider, enqueued_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8, NOW(), NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Type, t.PayloadJSON, t.Priority, t.MaxRetries,
		t.IdempotencyKey, t.TraceID, t.Provider)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) GetTaskByIdempotencyKey(ctx context.Context, key string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE idempotency_key = $1`
	return scanTask(s.pool.QueryRow(ctx, query, key))
}

// MarkRunning transitions a queued task to running and opens its Run row
// in the same transaction. The attempt number is retry_count + 1.
func (s *Store) MarkRunning(ctx context.Context, taskID, workerID string, leaseDeadline time.Time) (*models.Task, *models.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE tasks
		SET status = 'running',
		    started_at = COALESCE(started_at, NOW()),
		    lease_deadline = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING ` + taskColumns
	task, err := scanTask(tx.QueryRow(ctx, query, taskID, leaseDeadline))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrFencingFailure
		}
		return nil, nil, err
	}

	run := &models.Run{
		ID:        ids.New(),
		TaskID:    taskID,
		Attempt:   task.RetryCount + 1,
		Status:    models.RunStarted,
		StartedAt: time.Now().UTC(),
		WorkerID:  &workerID,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, task_id, attempt, status, started_at, worker_id)
		VALUES ($1, $2, $3, 'started', NOW(), $4)
	`, run.ID, run.TaskID, run.Attempt, workerID)
	if err != nil {
		return nil, nil, fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return task, run, nil
}

type RunResult struct {
	ErrorDetails *string
	ModelUsed    *string
	Tokens       int64
	CostUSD      float64
	MetricsJSON  []byte
}

// FinalizeSuccess closes the run, marks the task done and writes any
// declared outbox entries atomically. Linked inbox rows flip to processed.
func (s *Store) FinalizeSuccess(ctx context.Context, taskID, runID string, result RunResult, effects []models.OutboxEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'done',
		    completed_at = NOW(),
		    last_error = NULL,
		    lease_deadline = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, taskID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrFencingFailure
	}

	_, err = tx.Exec(ctx, `
		UPDATE runs
		SET status = 'success',
		    ended_at = NOW(),
		    model_used = $2,
		    tokens = $3,
		    cost_usd = $4,
		    metrics_json = COALESCE($5, metrics_json)
		WHERE id = $1 AND status = 'started'
	`, runID, result.ModelUsed, result.Tokens, result.CostUSD, result.MetricsJSON)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}

	for _, effect := range effects {
		if err := insertOutboxTx(ctx, tx, &effect); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE inbox
		SET status = 'processed', processed_at = NOW()
		WHERE task_id = $1 AND status IN ('received', 'processing')
	`, taskID)
	if err != nil {
		return fmt.Errorf("mark inbox processed: %w", err)
	}

	return tx.Commit(ctx)
}

// FinalizeRetry records the failed run and returns the task to queued
// with retry_count incremented. The caller re-enqueues with backoff.
func (s *Store) FinalizeRetry(ctx context.Context, taskID, runID, errMsg string, runStatus models.RunStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'queued',
		    retry_count = retry_count + 1,
		    last_error = $2,
		    lease_deadline = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, taskID, errMsg)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrFencingFailure
	}

	if err := closeRunTx(ctx, tx, runID, runStatus, errMsg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FinalizeTerminal closes the run and parks the task in a terminal status.
func (s *Store) FinalizeTerminal(ctx context.Context, taskID, runID, errMsg string, taskStatus models.TaskStatus, runStatus models.RunStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $2,
		    completed_at = NOW(),
		    last_error = $3,
		    lease_deadline = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, taskID, taskStatus, errMsg)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrFencingFailure
	}

	if err := closeRunTx(ctx, tx, runID, runStatus, errMsg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func closeRunTx(ctx context.Context, tx pgx.Tx, runID string, status models.RunStatus, errMsg string) error {
	_, err := tx.Exec(ctx, `
		UPDATE runs
		SET status = $2, ended_at = NOW(), error_details = $3
		WHERE id = $1 AND status = 'started'
	`, runID, status, errMsg)
	if err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	return nil
}

// ExtendLease renews the durable lease deadline and reports whether a
// cancel was requested for the task.
func (s *Store) ExtendLease(ctx context.Context, taskID string, deadline time.Time) (bool, error) {
	var cancelRequested bool
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET lease_deadline = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING cancel_requested
	`, taskID, deadline).Scan(&cancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrFencingFailure
		}
		return false, err
	}
	return cancelRequested, nil
}

// RequestCancel flags a queued or running task for cancellation. Running
// tasks are cancelled by their worker on the next heartbeat.
func (s *Store) RequestCancel(ctx context.Context, taskID string) (models.TaskStatus, error) {
	var status models.TaskStatus
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET cancel_requested = TRUE,
		    status = CASE WHEN status = 'queued' THEN 'canceled' ELSE status END,
		    completed_at = CASE WHEN status = 'queued' THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING status
	`, taskID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// ReclaimExpired recovers running tasks whose durable lease deadline has
// passed, for workers that died without releasing. Recovered tasks go
// back to queued when retries remain, else failed. The re-queued tasks
// are returned so the caller can put them back on the broker.
func (s *Store) ReclaimExpired(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		WITH expired AS (
			SELECT id FROM tasks
			WHERE status = 'running' AND lease_deadline < NOW()
			FOR UPDATE SKIP LOCKED
		),
		closed AS (
			UPDATE runs
			SET status = 'timeout', ended_at = NOW(),
			    error_details = 'lease expired: worker heartbeat lost or process crashed'
			WHERE task_id IN (SELECT id FROM expired) AND status = 'started'
		)
		UPDATE tasks
		SET status = CASE WHEN retry_count < max_retries THEN 'queued' ELSE 'failed' END,
		    retry_count = retry_count + 1,
		    completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE NOW() END,
		    last_error = 'lease expired: worker heartbeat lost or process crashed',
		    lease_deadline = NULL,
		    updated_at = NOW()
		FROM expired
		WHERE tasks.id = expired.id
		RETURNING `+qualifiedTaskColumns("tasks"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requeued []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if t.Status == models.StatusQueued {
			requeued = append(requeued, t)
		}
	}
	return requeued, rows.Err()
}

func qualifiedTaskColumns(table string) string {
	return table + `.id, type, payload_json, priority, status, retry_count, max_retries,
		idempotency_key, trace_id, provider, enqueued_at, started_at, completed_at,
		last_error, lease_deadline, cancel_requested, created_at, updated_at`
}

func (s *Store) ListRuns(ctx context.Context, taskID string) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, attempt, status, started_at, ended_at, worker_id,
		       error_details, model_used, tokens, cost_usd, metrics_json
		FROM runs
		WHERE task_id = $1
		ORDER BY attempt ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Attempt, &r.Status, &r.StartedAt, &r.EndedAt,
			&r.WorkerID, &r.ErrorDetails, &r.ModelUsed, &r.Tokens, &r.CostUSD, &r.MetricsJSON); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ReviveTask puts a failed task back in play with a fresh retry budget.
// last_error is kept so the failure history stays visible on the row.
func (s *Store) ReviveTask(ctx context.Context, taskID string, priority int) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'queued',
		    retry_count = 0,
		    priority = $2,
		    cancel_requested = FALSE,
		    completed_at = NULL,
		    lease_deadline = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+taskColumns, taskID, priority)
	return scanTask(row)
}

func (s *Store) ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.TaskStatus]int64{}
	for rows.Next() {
		var status models.TaskStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// PurgeDoneTasks removes done tasks older than the cutoff, with their runs.
func (s *Store) PurgeDoneTasks(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM runs
		WHERE task_id IN (SELECT id FROM tasks WHERE status = 'done' AND completed_at < $1)
	`, olderThan)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE status = 'done' AND completed_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
