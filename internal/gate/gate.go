// Package gate is the front door for task submissions and inbound
// webhooks. It deduplicates idempotency keys, verifies webhook
// signatures, blocks replays, and runs admission before anything is
// enqueued.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/admission"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ids"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("replay window exceeded")

	// ErrReplayBlocked mirrors the store sentinel so callers only need
	// this package's vocabulary.
	ErrReplayBlocked = store.ErrReplayBlocked
)

const replayWindow = 5 * time.Minute

// Store is the slice of the durable store the gate needs.
type Store interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTaskByIdempotencyKey(ctx context.Context, key string) (*models.Task, error)
	CreateInboxWithTask(ctx context.Context, entry *models.InboxEntry, task *models.Task) error
	RecordRejectedWebhook(ctx context.Context, entry *models.InboxEntry, reason string) error
}

// Broker makes accepted tasks leasable.
type Broker interface {
	Enqueue(ctx context.Context, taskID string, priority int) error
}

type SubmitRequest struct {
	Type           models.TaskType
	Payload        json.RawMessage
	Priority       int
	IdempotencyKey string
	Provider       string
	MaxRetries     int
	EstCostUSD     float64
}

type Gate struct {
	st            Store
	qb            Broker
	admit         *admission.Controller
	webhookSecret string
	maxRetries    int
	now           func() time.Time
}

func New(st Store, qb Broker, admit *admission.Controller, webhookSecret string, defaultMaxRetries int) *Gate {
	return &Gate{
		st:            st,
		qb:            qb,
		admit:         admit,
		webhookSecret: webhookSecret,
		maxRetries:    defaultMaxRetries,
		now:           time.Now,
	}
}

// SubmitTask accepts a client submission. When an idempotency key
// matches an existing task the existing task is returned with created
// false and no side effect. A concurrent duplicate insert loses the
// unique index race and falls back to the lookup.
func (g *Gate) SubmitTask(ctx context.Context, req SubmitRequest) (*models.Task, bool, error) {
	task, err := g.buildTask(req)
	if err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != "" {
		existing, err := g.st.GetTaskByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	if err := g.admit.Admit(ctx, req.Provider, req.EstCostUSD); err != nil {
		return nil, false, err
	}

	if err := g.st.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) && req.IdempotencyKey != "" {
			existing, lookupErr := g.st.GetTaskByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("idempotency fallback: %w", lookupErr)
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := g.qb.Enqueue(ctx, task.ID, task.Priority); err != nil {
		return nil, false, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return task, true, nil
}

// AcceptWebhook verifies signature and timestamp, blocks replays on
// (source, external_id), and turns the body into a webhook_process task
// created atomically with the inbox row. The timestamp is unix seconds.
func (g *Gate) AcceptWebhook(ctx context.Context, source, externalID string, body []byte, signature, timestamp string) (*models.Task, error) {
	if source == "" || externalID == "" {
		return nil, ErrInvalidRequest
	}
	entry := &models.InboxEntry{
		ID:            ids.New(),
		Source:        source,
		ExternalID:    externalID,
		SignatureHash: signature,
		PayloadJSON:   body,
	}

	if !ids.VerifySignature(g.webhookSecret, timestamp, body, signature) {
		g.recordRejection(ctx, entry, "invalid_signature")
		return nil, ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		g.recordRejection(ctx, entry, "invalid_timestamp")
		return nil, ErrInvalidRequest
	}
	if age := g.now().Sub(time.Unix(ts, 0)); age > replayWindow || age < -replayWindow {
		g.recordRejection(ctx, entry, "replay_window_exceeded")
		return nil, ErrStaleTimestamp
	}

	if len(body) == 0 || !json.Valid(body) {
		g.recordRejection(ctx, entry, "invalid_body")
		return nil, ErrInvalidRequest
	}

	if err := g.admit.Admit(ctx, "", 0); err != nil {
		return nil, err
	}

	traceID := ids.NewTraceID()
	task := &models.Task{
		ID:          ids.New(),
		Type:        models.TypeWebhookProcess,
		PayloadJSON: body,
		Priority:    models.PriorityHigh,
		Status:      models.StatusQueued,
		MaxRetries:  g.maxRetries,
		TraceID:     &traceID,
	}
	if err := g.st.CreateInboxWithTask(ctx, entry, task); err != nil {
		return nil, err
	}

	if err := g.qb.Enqueue(ctx, task.ID, task.Priority); err != nil {
		return nil, fmt.Errorf("enqueue webhook task %s: %w", task.ID, err)
	}
	return task, nil
}

func (g *Gate) buildTask(req SubmitRequest) (*models.Task, error) {
	if !models.ValidTaskType(req.Type) {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidRequest, req.Type)
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	priority := req.Priority
	if priority <= 0 {
		priority = models.PriorityNormal
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = g.maxRetries
	}

	traceID := ids.NewTraceID()
	task := &models.Task{
		ID:          ids.New(),
		Type:        req.Type,
		PayloadJSON: payload,
		Priority:    priority,
		Status:      models.StatusQueued,
		MaxRetries:  maxRetries,
		TraceID:     &traceID,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		task.IdempotencyKey = &key
	}
	if req.Provider != "" {
		provider := req.Provider
		task.Provider = &provider
	}
	return task, nil
}

// recordRejection is best effort; verification failures must not hide
// behind audit write errors.
func (g *Gate) recordRejection(ctx context.Context, entry *models.InboxEntry, reason string) {
	_ = g.st.RecordRejectedWebhook(ctx, entry, reason)
}
