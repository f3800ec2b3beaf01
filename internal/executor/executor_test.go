package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesEnvelope(t *testing.T) {
	e := New([]string{"sh", "-c", `echo '{"ok":true}'`, "--"})

	res, err := e.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.JSONEq(t, `{"ok":true}`, string(res.Stdout))
}

func TestRunReportsExitCode(t *testing.T) {
	e := New([]string{"sh", "-c", "echo boom >&2; exit 3", "--"})

	res, err := e.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
}

func TestRunTimesOut(t *testing.T) {
	e := New([]string{"sh", "-c", "sleep 5", "--"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := e.Run(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.NotZero(t, res.ExitCode)
}

func TestRunMissingCommand(t *testing.T) {
	e := New(nil)
	_, err := e.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestRunCapAppliesToOutput(t *testing.T) {
	e := New([]string{"sh", "-c", "yes x | head -c 100000", "--"})
	e.maxCapture = 1024

	res, err := e.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 1024)
}
