// Package circuit tracks per-dependency health and gates calls to
// services that are failing. State lives in the durable store so every
// worker process sees the same breaker; transitions run under a row
// lock per service.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

const (
	windowSize = 20
	minSamples = 5
	maxTimeout = time.Hour
)

// ErrOpen is returned by Allow when the breaker rejects the call.
var ErrOpen = errors.New("circuit open")

// OpenError carries the service name and the earliest probe time.
type OpenError struct {
	Service string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit open for %s", e.Service)
	}
	return fmt.Sprintf("circuit open for %s until %s", e.Service, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Store is the slice of the durable store the registry needs.
type Store interface {
	UpdateCircuit(ctx context.Context, service string, defaultTimeoutSec int, fn func(*models.CircuitState) error) (*models.CircuitState, error)
	GetCircuit(ctx context.Context, service string) (*models.CircuitState, error)
	ListCircuits(ctx context.Context) ([]models.CircuitState, error)
}

type Registry struct {
	st        Store
	threshold float64
	timeout   time.Duration
	now       func() time.Time
}

func New(st Store, threshold float64, timeout time.Duration) *Registry {
	if threshold <= 0 {
		threshold = 0.1
	}
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &Registry{st: st, threshold: threshold, timeout: timeout, now: time.Now}
}

// Allow reports whether a call to service may proceed. An open breaker
// whose retry time has passed moves to half_open and admits exactly the
// caller that performed the transition as the probe; everyone else is
// rejected until the probe's outcome is recorded.
func (r *Registry) Allow(ctx context.Context, service string) error {
	allowed := false
	state, err := r.st.UpdateCircuit(ctx, service, int(r.timeout.Seconds()), func(c *models.CircuitState) error {
		allowed = tryAllow(c, r.now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("circuit allow %s: %w", service, err)
	}
	if allowed {
		return nil
	}
	oe := &OpenError{Service: service}
	if state.NextRetryAt != nil {
		oe.RetryAt = *state.NextRetryAt
	}
	return oe
}

// RecordSuccess feeds a successful call into the window. A success in
// half_open closes the breaker and resets its timeout.
func (r *Registry) RecordSuccess(ctx context.Context, service string) error {
	_, err := r.st.UpdateCircuit(ctx, service, int(r.timeout.Seconds()), func(c *models.CircuitState) error {
		recordSuccess(c, r.now(), r.timeout)
		return nil
	})
	if err != nil {
		return fmt.Errorf("circuit record success %s: %w", service, err)
	}
	return nil
}

// RecordFailure feeds a failed call into the window. Enough failures
// trip the breaker; a failed probe re-opens it with a doubled timeout.
func (r *Registry) RecordFailure(ctx context.Context, service string) error {
	_, err := r.st.UpdateCircuit(ctx, service, int(r.timeout.Seconds()), func(c *models.CircuitState) error {
		recordFailure(c, r.now(), r.threshold)
		return nil
	})
	if err != nil {
		return fmt.Errorf("circuit record failure %s: %w", service, err)
	}
	return nil
}

// Healthy is the read-only admission check. It rejects only while the
// breaker is open and its retry time has not passed; it never consumes
// the half_open probe, which belongs to the dispatcher's Allow call.
func (r *Registry) Healthy(ctx context.Context, service string) error {
	c, err := r.st.GetCircuit(ctx, service)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("circuit healthy %s: %w", service, err)
	}
	if c.State == models.CircuitOpen && c.NextRetryAt != nil && r.now().Before(*c.NextRetryAt) {
		return &OpenError{Service: service, RetryAt: *c.NextRetryAt}
	}
	return nil
}

func (r *Registry) State(ctx context.Context, service string) (*models.CircuitState, error) {
	return r.st.GetCircuit(ctx, service)
}

func (r *Registry) States(ctx context.Context) ([]models.CircuitState, error) {
	return r.st.ListCircuits(ctx)
}

// tryAllow decides admission and performs the open -> half_open
// transition when the retry time has passed. Returns true iff the call
// may proceed.
func tryAllow(c *models.CircuitState, now time.Time) bool {
	switch c.State {
	case models.CircuitClosed:
		return true
	case models.CircuitOpen:
		if c.NextRetryAt != nil && !now.Before(*c.NextRetryAt) {
			c.State = models.CircuitHalfOpen
			c.UpdatedAt = now
			return true
		}
		return false
	case models.CircuitHalfOpen:
		// probe already in flight
		return false
	default:
		return true
	}
}

func recordSuccess(c *models.CircuitState, now time.Time, defaultTimeout time.Duration) {
	c.LastSuccessAt = &now
	c.UpdatedAt = now

	if c.State == models.CircuitHalfOpen {
		c.State = models.CircuitClosed
		c.FailureCount = 0
		c.SuccessCount = 0
		c.ErrorRate = 0
		c.TimeoutSec = int(defaultTimeout.Seconds())
		c.OpenedAt = nil
		c.NextRetryAt = nil
		return
	}

	trimWindow(c)
	c.SuccessCount++
	c.ErrorRate = errorRate(c)
}

func recordFailure(c *models.CircuitState, now time.Time, threshold float64) {
	c.LastFailureAt = &now
	c.UpdatedAt = now

	if c.State == models.CircuitHalfOpen {
		// failed probe: re-open with doubled timeout
		timeout := time.Duration(c.TimeoutSec) * time.Second * 2
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
		c.TimeoutSec = int(timeout.Seconds())
		open(c, now)
		return
	}

	trimWindow(c)
	c.FailureCount++
	c.ErrorRate = errorRate(c)

	if c.State == models.CircuitClosed && c.FailureCount+c.SuccessCount >= minSamples && c.ErrorRate > threshold {
		open(c, now)
	}
}

func open(c *models.CircuitState, now time.Time) {
	c.State = models.CircuitOpen
	c.OpenedAt = &now
	retryAt := now.Add(time.Duration(c.TimeoutSec) * time.Second)
	c.NextRetryAt = &retryAt
}

// trimWindow decays the counters so they approximate the last
// windowSize calls without storing individual samples.
func trimWindow(c *models.CircuitState) {
	if c.FailureCount+c.SuccessCount < windowSize {
		return
	}
	c.FailureCount = c.FailureCount * (windowSize - 1) / windowSize
	c.SuccessCount = c.SuccessCount * (windowSize - 1) / windowSize
}

func errorRate(c *models.CircuitState) float64 {
	total := c.FailureCount + c.SuccessCount
	if total == 0 {
		return 0
	}
	return float64(c.FailureCount) / float64(total)
}
