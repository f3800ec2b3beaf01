package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

var ErrReplayBlocked = errors.New("replay blocked")

// CreateInboxWithTask records an accepted webhook and its task in one
// transaction. A (source, external_id) collision surfaces as
// ErrReplayBlocked and nothing is written.
func (s *Store) CreateInboxWithTask(ctx context.Context, entry *models.InboxEntry, task *models.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO inbox (id, source, external_id, signature_hash, payload_json, status, task_id, received_at)
		VALUES ($1, $2, $3, $4, $5, 'processing', $6, NOW())
	`, entry.ID, entry.Source, entry.ExternalID, entry.SignatureHash, entry.PayloadJSON, task.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrReplayBlocked
		}
		return fmt.Errorf("insert inbox entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, type, payload_json, priority, status, retry_count, max_retries,
			idempotency_key, trace_id, provider, enqueued_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8, NOW(), NOW(), NOW())
	`, task.ID, task.Type, task.PayloadJSON, task.Priority, task.MaxRetries,
		task.IdempotencyKey, task.TraceID, task.Provider)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert webhook task: %w", err)
	}

	return tx.Commit(ctx)
}

// RecordRejectedWebhook keeps an audit row for a webhook that failed
// verification. Duplicate (source, external_id) rows are not recorded.
func (s *Store) RecordRejectedWebhook(ctx context.Context, entry *models.InboxEntry, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbox (id, source, external_id, signature_hash, payload_json, status, rejection_reason, received_at)
		VALUES ($1, $2, $3, $4, $5, 'rejected', $6, NOW())
		ON CONFLICT (source, external_id) DO NOTHING
	`, entry.ID, entry.Source, entry.ExternalID, entry.SignatureHash, entry.PayloadJSON, reason)
	return err
}

func (s *Store) GetInboxEntry(ctx context.Context, source, externalID string) (*models.InboxEntry, error) {
	var e models.InboxEntry
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, external_id, signature_hash, payload_json, status,
		       task_id, rejection_reason, received_at, processed_at
		FROM inbox
		WHERE source = $1 AND external_id = $2
	`, source, externalID).Scan(&e.ID, &e.Source, &e.ExternalID, &e.SignatureHash, &e.PayloadJSON,
		&e.Status, &e.TaskID, &e.RejectionReason, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}
