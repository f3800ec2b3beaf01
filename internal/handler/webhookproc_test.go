package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

func TestWebhookProcessEmitsEffect(t *testing.T) {
	fn := WebhookProcess("https://hooks.internal/aurea", 5)
	body := json.RawMessage(`{"event":"deploy.finished","data":{"env":"prod"}}`)

	res, err := fn(context.Background(), &models.Task{
		Type:        models.TypeWebhookProcess,
		PayloadJSON: body,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"deploy.finished"}`, string(res.Output))
	require.Len(t, res.Effects, 1)
	assert.Equal(t, "webhook_event", res.Effects[0].Type)
	assert.Equal(t, "https://hooks.internal/aurea", res.Effects[0].Target)
	assert.Equal(t, 5, res.Effects[0].MaxRetries)
	assert.JSONEq(t, string(body), string(res.Effects[0].Payload))
}

func TestWebhookProcessRejectsEventlessBody(t *testing.T) {
	fn := WebhookProcess("https://hooks.internal/aurea", 5)
	_, err := fn(context.Background(), &models.Task{
		Type:        models.TypeWebhookProcess,
		PayloadJSON: json.RawMessage(`{"data":1}`),
	})
	require.Error(t, err)
	assert.False(t, Retryable(err))
}
