package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ids"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

// WebhookSink POSTs the effect payload to its target, signed the same
// way inbound webhooks are verified. The delivery id header carries the
// outbox entry id so receivers can deduplicate replays.
type WebhookSink struct {
	client *http.Client
	secret string
}

func NewWebhookSink(secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		client: &http.Client{Timeout: timeout},
		secret: secret,
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, entry *models.OutboxEntry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.Target, bytes.NewReader(entry.PayloadJSON))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aurea-Timestamp", timestamp)
	req.Header.Set("X-Aurea-Signature", ids.SignPayload(s.secret, timestamp, entry.PayloadJSON))
	req.Header.Set("X-Aurea-Delivery", entry.ID)
	req.Header.Set("X-Aurea-Effect", entry.EffectType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook target %s returned %d", entry.Target, resp.StatusCode)
	}
	return nil
}
