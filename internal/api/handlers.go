package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/admission"
	"github.com/mwwoodworth/aurea-orchestrator/internal/circuit"
	"github.com/mwwoodworth/aurea-orchestrator/internal/events"
	"github.com/mwwoodworth/aurea-orchestrator/internal/gate"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

const maxBodyBytes = 1 << 20

type submitBody struct {
	Type           models.TaskType `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	IdempotencyKey string          `json:"idempotency_key"`
	Provider       string          `json:"provider"`
	MaxRetries     int             `json:"max_retries"`
	EstCostUSD     float64         `json:"est_cost_usd"`
}

type taskView struct {
	ID          string            `json:"id"`
	Type        models.TaskType   `json:"type"`
	Status      models.TaskStatus `json:"status"`
	Priority    int               `json:"priority"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	Provider    *string           `json:"provider,omitempty"`
	TraceID     *string           `json:"trace_id,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	LastError   *string           `json:"last_error,omitempty"`
}

func viewOf(t *models.Task) taskView {
	return taskView{
		ID:          t.ID,
		Type:        t.Type,
		Status:      t.Status,
		Priority:    t.Priority,
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		Provider:    t.Provider,
		TraceID:     t.TraceID,
		EnqueuedAt:  t.EnqueuedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		LastError:   t.LastError,
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, created, err := s.gw.SubmitTask(r.Context(), gate.SubmitRequest{
		Type:           body.Type,
		Payload:        body.Payload,
		Priority:       body.Priority,
		IdempotencyKey: body.IdempotencyKey,
		Provider:       body.Provider,
		MaxRetries:     body.MaxRetries,
		EstCostUSD:     body.EstCostUSD,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var oe *circuit.OpenError
	switch {
	case errors.Is(err, gate.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue full")
	case errors.Is(err, store.ErrBudgetExceeded):
		writeError(w, http.StatusTooManyRequests, "daily budget exceeded")
	case errors.As(err, &oe):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(oe.RetryAt).Seconds())+1))
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("circuit open for %s", oe.Service))
	case errors.Is(err, circuit.ErrOpen):
		writeError(w, http.StatusServiceUnavailable, "circuit open")
	default:
		s.logger.Error("task submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.st.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("task lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	task, err := s.gw.AcceptWebhook(r.Context(), source,
		r.Header.Get("X-Aurea-Delivery"),
		body,
		r.Header.Get("X-Aurea-Signature"),
		r.Header.Get("X-Aurea-Timestamp"))
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, gate.ErrStaleTimestamp):
			writeError(w, http.StatusRequestTimeout, "stale timestamp")
		case errors.Is(err, gate.ErrReplayBlocked):
			writeError(w, http.StatusConflict, "replay_blocked")
		case errors.Is(err, gate.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeSubmitError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

// handleStream tails a task's lifecycle over SSE. The stream opens with
// the current status and closes itself after a terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.st.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("task lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel, snapshot := s.events.Subscribe()
	defer cancel()

	initial := events.Event{
		Timestamp: s.now(),
		Type:      events.TypeStatus,
		TaskID:    taskID,
		Status:    string(task.Status),
	}
	switch task.Status {
	case models.StatusDone:
		initial.Type = events.TypeDone
	case models.StatusFailed:
		initial.Type = events.TypeError
	}
	if err := writeEvent(w, initial); err != nil {
		return
	}
	flusher.Flush()
	if terminalEvent(initial) {
		return
	}

	for _, event := range snapshot {
		if event.TaskID != taskID {
			continue
		}
		if err := writeEvent(w, event); err != nil {
			return
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if event.TaskID != taskID {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
			if terminalEvent(event) {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func terminalEvent(e events.Event) bool {
	return e.Type == events.TypeDone || e.Type == events.TypeError ||
		e.Status == string(models.StatusCanceled)
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}
