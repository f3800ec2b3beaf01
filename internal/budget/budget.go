// Package budget enforces the per-provider daily spend cap. Reservation
// happens during admission, the debit after the run completes; in-flight
// work between the two may overshoot the cap, which is why commits are
// never rejected.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

// ErrExceeded is returned by Reserve when the estimated cost does not
// fit the remaining budget.
var ErrExceeded = store.ErrBudgetExceeded

// overCommitTolerance bounds how far past the cap in-flight work may
// push the ledger before the accountant starts complaining in the logs.
const overCommitTolerance = 0.10

// Ledger is the slice of the durable store the accountant needs.
type Ledger interface {
	ReserveBudget(ctx context.Context, provider string, now time.Time, estCost, budgetUSD float64) error
	CommitSpend(ctx context.Context, provider string, now time.Time, costUSD float64, tokens int64, budgetUSD float64) error
	GetBudget(ctx context.Context, provider string, now time.Time) (*models.BudgetDay, error)
	ListBudgets(ctx context.Context, now time.Time) ([]models.BudgetDay, error)
	SeedBudgetRows(ctx context.Context, providers []string, now time.Time, budgetUSD float64) error
}

type Accountant struct {
	ledger   Ledger
	dailyUSD float64
	now      func() time.Time
}

func New(ledger Ledger, dailyUSD float64) *Accountant {
	return &Accountant{ledger: ledger, dailyUSD: dailyUSD, now: time.Now}
}

// Reserve rejects with ErrExceeded when estCost does not fit what is
// left of today's budget. It never debits; the ledger row is created on
// first touch, so UTC rollover needs no scheduled job.
func (a *Accountant) Reserve(ctx context.Context, provider string, estCost float64) error {
	if err := a.ledger.ReserveBudget(ctx, provider, a.now(), estCost, a.dailyUSD); err != nil {
		if err == store.ErrBudgetExceeded {
			return ErrExceeded
		}
		return fmt.Errorf("reserve budget %s: %w", provider, err)
	}
	return nil
}

// Commit debits the actual cost of a completed run. Spend is always
// recorded even past the cap; admission is where the cutoff lives.
func (a *Accountant) Commit(ctx context.Context, provider string, costUSD float64, tokens int64) error {
	now := a.now()
	if err := a.ledger.CommitSpend(ctx, provider, now, costUSD, tokens, a.dailyUSD); err != nil {
		return fmt.Errorf("commit spend %s: %w", provider, err)
	}

	day, err := a.ledger.GetBudget(ctx, provider, now)
	if err != nil {
		return nil
	}
	if day.BudgetUSD > 0 && day.SpentUSD > day.BudgetUSD*(1+overCommitTolerance) {
		slog.Warn("daily budget overshot past tolerance",
			"provider", provider,
			"date", day.Date,
			"budget_usd", day.BudgetUSD,
			"spent_usd", day.SpentUSD)
	}
	return nil
}

// Remaining reports today's headroom for provider. A provider with no
// ledger row yet has the full daily budget remaining.
func (a *Accountant) Remaining(ctx context.Context, provider string) (float64, error) {
	day, err := a.ledger.GetBudget(ctx, provider, a.now())
	if err != nil {
		if err == store.ErrNotFound {
			return a.dailyUSD, nil
		}
		return 0, fmt.Errorf("remaining budget %s: %w", provider, err)
	}
	return day.Remaining(), nil
}

// Today returns all of today's ledger rows.
func (a *Accountant) Today(ctx context.Context) ([]models.BudgetDay, error) {
	return a.ledger.ListBudgets(ctx, a.now())
}

// Seed pre-creates today's rows for the known providers so the first
// request of the day never races row creation.
func (a *Accountant) Seed(ctx context.Context, providers []string) error {
	return a.ledger.SeedBudgetRows(ctx, providers, a.now(), a.dailyUSD)
}
