package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwwoodworth/aurea-orchestrator/internal/budget"
	"github.com/mwwoodworth/aurea-orchestrator/internal/circuit"
)

type stubDepth struct{ depth int64 }

func (s stubDepth) Depth(context.Context) (int64, error) { return s.depth, nil }

type stubReserver struct{ err error }

func (s stubReserver) Reserve(context.Context, string, float64) error { return s.err }

type stubCircuits struct{ err error }

func (s stubCircuits) Healthy(context.Context, string) error { return s.err }

func TestAdmitUnderCap(t *testing.T) {
	c := New(stubDepth{depth: 99}, stubReserver{}, stubCircuits{}, 100)
	require.NoError(t, c.Admit(context.Background(), "", 0))
}

func TestAdmitQueueFull(t *testing.T) {
	c := New(stubDepth{depth: 100}, stubReserver{}, stubCircuits{}, 100)
	assert.ErrorIs(t, c.Admit(context.Background(), "", 0), ErrQueueFull)
}

func TestAdmitSkipsProviderChecksWithoutProvider(t *testing.T) {
	c := New(stubDepth{}, stubReserver{err: budget.ErrExceeded}, stubCircuits{err: circuit.ErrOpen}, 100)
	require.NoError(t, c.Admit(context.Background(), "", 0.50))
}

func TestAdmitBudgetExceeded(t *testing.T) {
	c := New(stubDepth{}, stubReserver{err: budget.ErrExceeded}, stubCircuits{}, 100)
	assert.ErrorIs(t, c.Admit(context.Background(), "anthropic", 0.50), budget.ErrExceeded)
}

func TestAdmitCircuitOpen(t *testing.T) {
	c := New(stubDepth{}, stubReserver{}, stubCircuits{err: &circuit.OpenError{Service: "anthropic"}}, 100)
	assert.ErrorIs(t, c.Admit(context.Background(), "anthropic", 0), circuit.ErrOpen)
}

func TestAdmitUnboundedDepthWhenCapUnset(t *testing.T) {
	c := New(stubDepth{depth: 1 << 20}, stubReserver{}, stubCircuits{}, 0)
	require.NoError(t, c.Admit(context.Background(), "", 0))
}
