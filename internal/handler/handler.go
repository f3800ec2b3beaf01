// Package handler routes tasks to their typed implementations and
// classifies their failures. The dispatcher only ever sees this
// package's vocabulary: a Result on success, a retryable or terminal
// error otherwise.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

// Effect is an external side-effect a handler wants delivered. Effects
// are written to the outbox in the same transaction that finalizes the
// run, never sent inline.
type Effect struct {
	Type       string
	Target     string
	Payload    json.RawMessage
	MaxRetries int
}

// Result is a successful handler outcome.
type Result struct {
	Output      json.RawMessage
	Provider    string
	ModelUsed   string
	CostUSD     float64
	Tokens      int64
	MetricsJSON json.RawMessage
	Effects     []Effect
}

// Func executes one task attempt. The context is canceled when the lease
// is lost or the worker shuts down. It carries no trace id; the trace id
// is on task.TraceID.
type Func func(ctx context.Context, task *models.Task) (*Result, error)

type Registry struct {
	mu       sync.RWMutex
	handlers map[models.TaskType]Func
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.TaskType]Func)}
}

func (r *Registry) Register(t models.TaskType, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = fn
}

func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Handle invokes the handler registered for the task's type. A type
// with no handler is a terminal failure; retrying cannot fix it.
func (r *Registry) Handle(ctx context.Context, task *models.Task) (*Result, error) {
	r.mu.RLock()
	fn, ok := r.handlers[task.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, Terminal(fmt.Errorf("no handler registered for type %q", task.Type))
	}
	return fn(ctx, task)
}
