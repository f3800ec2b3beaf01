package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

const circuitColumns = `
	service, state, failure_count, success_count, error_rate, timeout_sec,
	last_failure_at, last_success_at, opened_at, next_retry_at, updated_at`

func scanCircuit(row pgx.Row) (*models.CircuitState, error) {
	var c models.CircuitState
	err := row.Scan(&c.Service, &c.State, &c.FailureCount, &c.SuccessCount, &c.ErrorRate, &c.TimeoutSec,
		&c.LastFailureAt, &c.LastSuccessAt, &c.OpenedAt, &c.NextRetryAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCircuit(ctx context.Context, service string) (*models.CircuitState, error) {
	query := `SELECT ` + circuitColumns + ` FROM circuit_breakers WHERE service = $1`
	return scanCircuit(s.pool.QueryRow(ctx, query, service))
}

func (s *Store) ListCircuits(ctx context.Context) ([]models.CircuitState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+circuitColumns+` FROM circuit_breakers ORDER BY service`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var circuits []models.CircuitState
	for rows.Next() {
		c, err := scanCircuit(rows)
		if err != nil {
			return nil, err
		}
		circuits = append(circuits, *c)
	}
	return circuits, rows.Err()
}

// UpdateCircuit applies fn to the circuit row under a row lock so state
// transitions are serialized per service. The row is created on first use
// with the given defaults.
func (s *Store) UpdateCircuit(ctx context.Context, service string, defaultTimeoutSec int, fn func(*models.CircuitState) error) (*models.CircuitState, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_breakers (service, state, failure_count, success_count, error_rate, timeout_sec, updated_at)
		VALUES ($1, 'closed', 0, 0, 0, $2, NOW())
		ON CONFLICT (service) DO NOTHING
	`, service, defaultTimeoutSec)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	state, err := scanCircuit(tx.QueryRow(ctx, `
		SELECT `+circuitColumns+` FROM circuit_breakers WHERE service = $1 FOR UPDATE
	`, service))
	if err != nil {
		return nil, err
	}

	if err := fn(state); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE circuit_breakers
		SET state = $2,
		    failure_count = $3,
		    success_count = $4,
		    error_rate = $5,
		    timeout_sec = $6,
		    last_failure_at = $7,
		    last_success_at = $8,
		    opened_at = $9,
		    next_retry_at = $10,
		    updated_at = NOW()
		WHERE service = $1
	`, service, state.State, state.FailureCount, state.SuccessCount, state.ErrorRate, state.TimeoutSec,
		state.LastFailureAt, state.LastSuccessAt, state.OpenedAt, state.NextRetryAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return state, nil
}
