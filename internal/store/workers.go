package store

import (
	"context"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

func (s *Store) RegisterWorker(ctx context.Context, id, hostname string, concurrency int, version string) error {
	query := `
		INSERT INTO workers (id, hostname, concurrency, version, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET hostname = EXCLUDED.hostname,
		    concurrency = EXCLUDED.concurrency,
		    version = EXCLUDED.version,
		    last_heartbeat = NOW()
	`
	_, err := s.pool.Exec(ctx, query, id, hostname, concurrency, version)
	return err
}

func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET last_heartbeat = NOW() WHERE id = $1`, id)
	return err
}

func (s *Store) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, concurrency, version, started_at, last_heartbeat
		FROM workers
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []models.Worker
	for rows.Next() {
		var w models.Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.Concurrency, &w.Version, &w.StartedAt, &w.LastHeartbeat); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
