// Package executor runs task work in external processes. The process
// receives the task payload as an argument and reports back through an
// exit code and a JSON envelope on stdout.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
)

const defaultMaxCapture = 1 << 20

// Result is the raw process outcome. Interpreting the envelope is the
// caller's job; the executor only runs and captures.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	TimedOut bool
}

// limitedBuffer caps captured output. Overflow is dropped silently so a
// chatty process cannot balloon memory.
type limitedBuffer struct {
	buf bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	left := l.cap - l.buf.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		l.buf.Write(p[:left])
		return len(p), nil
	}
	return l.buf.Write(p)
}

type Executor struct {
	baseCommand []string
	maxCapture  int
}

// New builds an executor around a base command, e.g.
// ["python", "-m", "aurea.tasks"]. The task payload is appended as
// --payload <json>.
func New(baseCommand []string) *Executor {
	return &Executor{
		baseCommand: baseCommand,
		maxCapture:  defaultMaxCapture,
	}
}

// Run executes the command with the payload. The process group is
// killed when ctx is canceled so grandchildren cannot outlive the
// lease. A non-zero exit is reported in the Result, not as an error;
// err is reserved for failures to run at all.
func (e *Executor) Run(ctx context.Context, payload json.RawMessage) (*Result, error) {
	if len(e.baseCommand) == 0 {
		return nil, errors.New("executor has no base command")
	}

	args := append([]string{}, e.baseCommand...)
	args = append(args, "--payload", string(payload))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		terminateProcessGroup(cmd)
		return nil
	}

	stdout := &limitedBuffer{cap: e.maxCapture}
	stderr := &limitedBuffer{cap: e.maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	result := &Result{
		Stdout:   stdout.buf.Bytes(),
		Stderr:   stderr.buf.String(),
		TimedOut: errors.Is(context.Cause(ctx), context.DeadlineExceeded),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if result.TimedOut {
			result.ExitCode = -1
			return result, nil
		}
		return nil, runErr
	}
	return result, nil
}
