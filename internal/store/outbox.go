package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

func insertOutboxTx(ctx context.Context, tx pgx.Tx, entry *models.OutboxEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, task_id, effect_type, target, payload_json, status,
			retry_count, max_retries, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, NOW(), NOW())
	`, entry.ID, entry.TaskID, entry.EffectType, entry.Target, entry.PayloadJSON, entry.MaxRetries)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ClaimDueOutbox picks pending entries whose next attempt is due and
// pushes their next_attempt_at forward by the claim window, so concurrent
// relays never deliver the same entry twice.
func (s *Store) ClaimDueOutbox(ctx context.Context, limit int, claimWindow time.Duration) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if claimWindow <= 0 {
		claimWindow = time.Minute
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox
		SET next_attempt_at = NOW() + make_interval(secs => $2)
		FROM due
		WHERE outbox.id = due.id
		RETURNING outbox.id, task_id, effect_type, target, payload_json, status,
		          retry_count, max_retries, created_at, next_attempt_at, delivered_at, last_error
	`, limit, claimWindow.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EffectType, &e.Target, &e.PayloadJSON, &e.Status,
			&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.NextAttempt, &e.DeliveredAt, &e.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) MarkOutboxDelivered(ctx context.Context, id string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'delivered', delivered_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOutboxFailure bumps the retry count and either schedules the next
// attempt or parks the entry as failed once retries are exhausted.
func (s *Store) MarkOutboxFailure(ctx context.Context, id, lastError string, nextAttempt time.Time) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    next_attempt_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, lastError, nextAttempt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) PurgeDeliveredOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox WHERE status = 'delivered' AND delivered_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListOutboxByStatus(ctx context.Context, status models.OutboxStatus, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, effect_type, target, payload_json, status,
		       retry_count, max_retries, created_at, next_attempt_at, delivered_at, last_error
		FROM outbox
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EffectType, &e.Target, &e.PayloadJSON, &e.Status,
			&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.NextAttempt, &e.DeliveredAt, &e.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
