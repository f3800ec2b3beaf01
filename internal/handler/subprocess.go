package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mwwoodworth/aurea-orchestrator/internal/executor"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

// exitTerminal is the exit code a task process uses to say "do not
// retry me". Anything else non-zero is treated as transient.
const exitTerminal = 2

const maxErrExcerpt = 512

// envelope is the JSON contract a task process prints on stdout. A
// process that exits 0 must print one; everything else is judged by
// exit code alone.
type envelope struct {
	OK        bool             `json:"ok"`
	Output    json.RawMessage  `json:"output"`
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
	CostUSD   float64          `json:"cost_usd"`
	Tokens    int64            `json:"tokens"`
	Error     string           `json:"error"`
	Retryable *bool            `json:"retryable"`
	Effects   []envelopeEffect `json:"effects"`
}

type envelopeEffect struct {
	Type       string          `json:"type"`
	Target     string          `json:"target"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries int             `json:"max_retries"`
}

// Subprocess adapts an external process into a handler. The task
// payload goes in as --payload, the outcome comes back as an exit code
// plus an envelope on stdout.
func Subprocess(exec *executor.Executor) Func {
	return func(ctx context.Context, task *models.Task) (*Result, error) {
		return runSubprocess(ctx, exec, task.PayloadJSON)
	}
}

// AureaAction is Subprocess gated by an action allowlist. The payload
// must name the action it wants; unlisted actions fail terminally
// before any process is spawned.
func AureaAction(v *executor.Validator, exec *executor.Executor) Func {
	return func(ctx context.Context, task *models.Task) (*Result, error) {
		var body struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(task.PayloadJSON, &body); err != nil {
			return nil, Terminal(fmt.Errorf("decode action payload: %w", err))
		}
		if body.Action == "" {
			return nil, Terminal(fmt.Errorf("action payload has no action"))
		}
		if err := v.Validate(body.Action); err != nil {
			return nil, Terminal(err)
		}
		return runSubprocess(ctx, exec, task.PayloadJSON)
	}
}

func runSubprocess(ctx context.Context, exec *executor.Executor, payload json.RawMessage) (*Result, error) {
	res, err := exec.Run(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("spawn task process: %w", err)
	}
	if res.TimedOut {
		return nil, fmt.Errorf("task process timed out: %s", excerpt(res.Stderr))
	}

	switch res.ExitCode {
	case 0:
		return parseEnvelope(res.Stdout)
	case exitTerminal:
		return nil, Terminal(fmt.Errorf("task process failed terminally: %s", excerpt(res.Stderr)))
	default:
		return nil, fmt.Errorf("task process exited %d: %s", res.ExitCode, excerpt(res.Stderr))
	}
}

func parseEnvelope(stdout []byte) (*Result, error) {
	var env envelope
	if err := json.Unmarshal(stdout, &env); err != nil {
		// Exit 0 with garbage on stdout means the process contract is
		// broken; a retry would print the same garbage.
		return nil, Terminal(fmt.Errorf("decode result envelope: %w", err))
	}
	if !env.OK {
		err := fmt.Errorf("task process reported failure: %s", env.Error)
		if env.Retryable != nil && !*env.Retryable {
			return nil, Terminal(err)
		}
		return nil, err
	}

	result := &Result{
		Output:    env.Output,
		Provider:  env.Provider,
		ModelUsed: env.Model,
		CostUSD:   env.CostUSD,
		Tokens:    env.Tokens,
	}
	for _, e := range env.Effects {
		result.Effects = append(result.Effects, Effect{
			Type:       e.Type,
			Target:     e.Target,
			Payload:    e.Payload,
			MaxRetries: e.MaxRetries,
		})
	}
	return result, nil
}

func excerpt(s string) string {
	if len(s) > maxErrExcerpt {
		return s[:maxErrExcerpt]
	}
	return s
}
