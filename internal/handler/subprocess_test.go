package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwwoodworth/aurea-orchestrator/internal/executor"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

func shellHandler(script string) Func {
	return Subprocess(executor.New([]string{"sh", "-c", script, "--"}))
}

func subprocessTask(payload string) *models.Task {
	return &models.Task{Type: models.TypeGenContent, PayloadJSON: json.RawMessage(payload)}
}

func TestSubprocessSuccess(t *testing.T) {
	fn := shellHandler(`echo '{"ok":true,"output":{"n":1},"provider":"anthropic","model":"m","cost_usd":0.5,"tokens":42,"effects":[{"type":"notify","target":"slack","payload":{"msg":"hi"}}]}'`)

	res, err := fn(context.Background(), subprocessTask(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res.Output))
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, "m", res.ModelUsed)
	assert.Equal(t, 0.5, res.CostUSD)
	assert.Equal(t, int64(42), res.Tokens)
	require.Len(t, res.Effects, 1)
	assert.Equal(t, "slack", res.Effects[0].Target)
}

func TestSubprocessEnvelopeFailure(t *testing.T) {
	fn := shellHandler(`echo '{"ok":false,"error":"upstream flaked"}'`)
	_, err := fn(context.Background(), subprocessTask(`{}`))
	require.Error(t, err)
	assert.True(t, Retryable(err))

	fn = shellHandler(`echo '{"ok":false,"error":"bad input","retryable":false}'`)
	_, err = fn(context.Background(), subprocessTask(`{}`))
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestSubprocessExitCodes(t *testing.T) {
	_, err := shellHandler("exit 1")(context.Background(), subprocessTask(`{}`))
	require.Error(t, err)
	assert.True(t, Retryable(err))

	_, err = shellHandler("exit 2")(context.Background(), subprocessTask(`{}`))
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestSubprocessGarbageEnvelope(t *testing.T) {
	_, err := shellHandler("echo not-json")(context.Background(), subprocessTask(`{}`))
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestAureaActionAllowlist(t *testing.T) {
	v := executor.NewValidator([]string{"aurea."})
	fn := AureaAction(v, executor.New([]string{"sh", "-c", `echo '{"ok":true}'`, "--"}))

	_, err := fn(context.Background(), subprocessTask(`{"action":"aurea.cleanup"}`))
	require.NoError(t, err)

	_, err = fn(context.Background(), subprocessTask(`{"action":"rm -rf /"}`))
	require.Error(t, err)
	assert.False(t, Retryable(err))

	_, err = fn(context.Background(), subprocessTask(`{}`))
	require.Error(t, err)
	assert.False(t, Retryable(err))
}
