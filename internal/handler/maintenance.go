package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

const defaultRetainDays = 7

// MaintenanceStore is the slice of storage a maintenance run touches.
type MaintenanceStore interface {
	PurgeDeliveredOutbox(ctx context.Context, olderThan time.Time) (int64, error)
	PurgeDoneTasks(ctx context.Context, olderThan time.Time) (int64, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int64, error)
}

// Maintenance purges delivered outbox rows and old done tasks, then
// reports the remaining task counts. The payload may override the
// retention window with retain_days.
func Maintenance(st MaintenanceStore, now func() time.Time) Func {
	return func(ctx context.Context, task *models.Task) (*Result, error) {
		var body struct {
			RetainDays int `json:"retain_days"`
		}
		if len(task.PayloadJSON) > 0 {
			if err := json.Unmarshal(task.PayloadJSON, &body); err != nil {
				return nil, Terminal(fmt.Errorf("decode maintenance payload: %w", err))
			}
		}
		if body.RetainDays <= 0 {
			body.RetainDays = defaultRetainDays
		}
		cutoff := now().AddDate(0, 0, -body.RetainDays)

		outboxPurged, err := st.PurgeDeliveredOutbox(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("purge outbox: %w", err)
		}
		tasksPurged, err := st.PurgeDoneTasks(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("purge done tasks: %w", err)
		}
		counts, err := st.CountTasksByStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("count tasks: %w", err)
		}

		output, err := json.Marshal(map[string]any{
			"retain_days":   body.RetainDays,
			"outbox_purged": outboxPurged,
			"tasks_purged":  tasksPurged,
			"task_counts":   counts,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Output: output}, nil
	}
}
