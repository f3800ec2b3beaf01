package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

var ErrBudgetExceeded = errors.New("budget exceeded")

func budgetDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// EnsureBudgetRow creates the (provider, date) ledger row on first touch.
func (s *Store) EnsureBudgetRow(ctx context.Context, provider string, now time.Time, budgetUSD float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budgets (provider, date, budget_usd, spent_usd, tokens, requests, last_updated)
		VALUES ($1, $2, $3, 0, 0, 0, NOW())
		ON CONFLICT (provider, date) DO NOTHING
	`, provider, budgetDate(now), budgetUSD)
	return err
}

// ReserveBudget checks remaining budget under a row lock. It never
// debits; it only rejects when the estimated cost does not fit.
func (s *Store) ReserveBudget(ctx context.Context, provider string, now time.Time, estCost, budgetUSD float64) error {
	if err := s.EnsureBudgetRow(ctx, provider, now, budgetUSD); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var budget, spent float64
	err = tx.QueryRow(ctx, `
		SELECT budget_usd, spent_usd FROM budgets
		WHERE provider = $1 AND date = $2
		FOR UPDATE
	`, provider, budgetDate(now)).Scan(&budget, &spent)
	if err != nil {
		return err
	}

	if budget-spent <= estCost {
		return ErrBudgetExceeded
	}
	return tx.Commit(ctx)
}

// CommitSpend debits actual cost after a run completes. Spend is always
// recorded, even past the budget; admission handles the cutoff.
func (s *Store) CommitSpend(ctx context.Context, provider string, now time.Time, costUSD float64, tokens int64, budgetUSD float64) error {
	if err := s.EnsureBudgetRow(ctx, provider, now, budgetUSD); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE budgets
		SET spent_usd = spent_usd + $3,
		    tokens = tokens + $4,
		    requests = requests + 1,
		    last_updated = NOW()
		WHERE provider = $1 AND date = $2
	`, provider, budgetDate(now), costUSD, tokens)
	return err
}

func (s *Store) GetBudget(ctx context.Context, provider string, now time.Time) (*models.BudgetDay, error) {
	var b models.BudgetDay
	err := s.pool.QueryRow(ctx, `
		SELECT provider, date, budget_usd, spent_usd, tokens, requests, last_updated
		FROM budgets
		WHERE provider = $1 AND date = $2
	`, provider, budgetDate(now)).Scan(&b.Provider, &b.Date, &b.BudgetUSD, &b.SpentUSD, &b.Tokens, &b.Requests, &b.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBudgets(ctx context.Context, now time.Time) ([]models.BudgetDay, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, date, budget_usd, spent_usd, tokens, requests, last_updated
		FROM budgets
		WHERE date = $1
		ORDER BY provider
	`, budgetDate(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var budgets []models.BudgetDay
	for rows.Next() {
		var b models.BudgetDay
		if err := rows.Scan(&b.Provider, &b.Date, &b.BudgetUSD, &b.SpentUSD, &b.Tokens, &b.Requests, &b.LastUpdated); err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// SeedBudgetRows pre-creates today's ledger rows for known providers so
// the first request of the day never races row creation.
func (s *Store) SeedBudgetRows(ctx context.Context, providers []string, now time.Time, budgetUSD float64) error {
	for _, provider := range providers {
		if err := s.EnsureBudgetRow(ctx, provider, now, budgetUSD); err != nil {
			return err
		}
	}
	return nil
}
