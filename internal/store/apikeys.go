package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

const apiKeyColumns = `id, key_hash, name, role, expires_at, is_active, last_used_at, created_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.Name, &k.Role, &k.ExpiresAt, &k.IsActive, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, key_hash, name, role, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
	`, key.ID, key.KeyHash, key.Name, key.Role, key.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`
	return scanAPIKey(s.pool.QueryRow(ctx, query, keyHash))
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateAPIKey inserts a replacement inheriting the old key's name and
// role, and schedules the old key's expiry after an overlap window, in
// one transaction. The old key stays usable during the overlap so
// clients can switch over.
func (s *Store) RotateAPIKey(ctx context.Context, oldID string, replacement *models.APIKey, overlap time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		UPDATE api_keys
		SET expires_at = LEAST(COALESCE(expires_at, NOW() + make_interval(secs => $2)), NOW() + make_interval(secs => $2))
		WHERE id = $1 AND is_active
	`, oldID, overlap.Seconds())
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO api_keys (id, key_hash, name, role, is_active, created_at)
		SELECT $1, $2, name, role, TRUE, NOW() FROM api_keys WHERE id = $3
		RETURNING name, role
	`, replacement.ID, replacement.KeyHash, oldID).Scan(&replacement.Name, &replacement.Role)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// TouchAPIKey updates last_used_at. Callers fire it on a background
// goroutine; failures are ignorable.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}
