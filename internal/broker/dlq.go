package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type DLQEntry struct {
	StreamID   string
	TaskID     string
	TaskType   string
	LastError  string
	RetryCount int
	Priority   int
	DeadAt     time.Time
}

// DLQAdd records an exhausted task on the dead-letter stream for its type.
func (b *Broker) DLQAdd(ctx context.Context, taskType, taskID, lastError string, retryCount, priority int) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqPrefix + taskType,
		Values: map[string]interface{}{
			"task_id":     taskID,
			"task_type":   taskType,
			"last_error":  lastError,
			"retry_count": retryCount,
			"priority":    priority,
			"dead_at":     time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("dlq add: %w", err)
	}
	return nil
}

func (b *Broker) DLQList(ctx context.Context, taskType string, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	messages, err := b.rdb.XRangeN(ctx, dlqPrefix+taskType, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq list: %w", err)
	}
	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, decodeDLQ(msg))
	}
	return entries, nil
}

func (b *Broker) DLQLen(ctx context.Context, taskType string) (int64, error) {
	n, err := b.rdb.XLen(ctx, dlqPrefix+taskType).Result()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DLQDrain pops up to limit entries off the dead-letter stream and
// returns them. Callers reset retry state in the durable store and
// re-enqueue at demoted priority.
func (b *Broker) DLQDrain(ctx context.Context, taskType string, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	stream := dlqPrefix + taskType
	messages, err := b.rdb.XRangeN(ctx, stream, "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq drain: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	streamIDs := make([]string, 0, len(messages))
	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		streamIDs = append(streamIDs, msg.ID)
		entries = append(entries, decodeDLQ(msg))
	}
	if err := b.rdb.XDel(ctx, stream, streamIDs...).Err(); err != nil {
		return nil, fmt.Errorf("dlq delete drained: %w", err)
	}
	return entries, nil
}

func decodeDLQ(msg redis.XMessage) DLQEntry {
	entry := DLQEntry{StreamID: msg.ID}
	if v, ok := msg.Values["task_id"].(string); ok {
		entry.TaskID = v
	}
	if v, ok := msg.Values["task_type"].(string); ok {
		entry.TaskType = v
	}
	if v, ok := msg.Values["last_error"].(string); ok {
		entry.LastError = v
	}
	if v, ok := msg.Values["retry_count"].(string); ok {
		entry.RetryCount, _ = strconv.Atoi(v)
	}
	if v, ok := msg.Values["priority"].(string); ok {
		entry.Priority, _ = strconv.Atoi(v)
	}
	if v, ok := msg.Values["dead_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			entry.DeadAt = ts
		}
	}
	return entry
}
