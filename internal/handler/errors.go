package handler

import (
	"errors"

	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

// ErrRetry is returned by handlers that want another attempt without a
// specific cause, e.g. an upstream said "come back later".
var ErrRetry = errors.New("retry requested")

// TerminalError marks a failure that retrying cannot fix: validation
// problems, bad payloads, client-class upstream responses.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the dispatcher fails the task without retries.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// HTTPError classifies an upstream HTTP failure by status code.
type HTTPError struct {
	StatusCode int
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "upstream http error"
}

func (e *HTTPError) Unwrap() error { return e.Err }

// Retryable reports whether err warrants another attempt. 5xx, 429,
// transport failures, deadline hits, and explicit retry requests are
// retryable. Terminal wraps, budget exhaustion, and other 4xx are not.
// Unclassified errors default to retryable so a transient blip never
// kills a task permanently.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return false
	}
	if errors.Is(err, store.ErrBudgetExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}

	// transport failures, deadline hits, explicit retry requests
	return true
}
