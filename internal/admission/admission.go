// Package admission decides whether a task may enter the queue. A
// rejected task is never enqueued and never gets a run row.
package admission

import (
	"context"
	"errors"
	"fmt"
)

// ErrQueueFull is returned when the queue depth cap is hit.
var ErrQueueFull = errors.New("queue full")

// DepthReader reports current queue depth, ready plus scheduled.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// BudgetReserver rejects reservations that exceed the daily cap.
type BudgetReserver interface {
	Reserve(ctx context.Context, provider string, estCost float64) error
}

// CircuitChecker rejects services whose breaker is open.
type CircuitChecker interface {
	Healthy(ctx context.Context, service string) error
}

type Controller struct {
	depth    DepthReader
	budget   BudgetReserver
	circuits CircuitChecker
	maxDepth int64
}

func New(depth DepthReader, budget BudgetReserver, circuits CircuitChecker, maxDepth int64) *Controller {
	return &Controller{depth: depth, budget: budget, circuits: circuits, maxDepth: maxDepth}
}

// Admit runs the pre-enqueue checks in order: depth cap, daily budget,
// circuit state. Budget and circuit checks apply only to tasks that
// declare a provider.
func (c *Controller) Admit(ctx context.Context, provider string, estCost float64) error {
	depth, err := c.depth.Depth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	if c.maxDepth > 0 && depth >= c.maxDepth {
		return ErrQueueFull
	}

	if provider == "" {
		return nil
	}
	if err := c.budget.Reserve(ctx, provider, estCost); err != nil {
		return err
	}
	return c.circuits.Healthy(ctx, provider)
}
