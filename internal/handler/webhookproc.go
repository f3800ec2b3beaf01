package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

// WebhookProcess normalizes an accepted webhook body and hands it to
// downstream consumers as an outbox effect. The heavy lifting happens
// at delivery time; this handler only decides where the event goes.
func WebhookProcess(target string, effectMaxRetries int) Func {
	return func(ctx context.Context, task *models.Task) (*Result, error) {
		var body struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(task.PayloadJSON, &body); err != nil {
			return nil, Terminal(fmt.Errorf("decode webhook payload: %w", err))
		}
		if body.Event == "" {
			return nil, Terminal(fmt.Errorf("webhook payload has no event"))
		}

		output, err := json.Marshal(map[string]string{"event": body.Event})
		if err != nil {
			return nil, err
		}
		return &Result{
			Output: output,
			Effects: []Effect{{
				Type:       "webhook_event",
				Target:     target,
				Payload:    task.PayloadJSON,
				MaxRetries: effectMaxRetries,
			}},
		}, nil
	}
}
