package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ids"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	counts, err := s.st.CountTasksByStatus(r.Context())
	if err != nil {
		s.logger.Error("task counts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	depth, err := s.qb.Depth(r.Context())
	if err != nil {
		s.logger.Error("queue depth failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	counters, err := s.qb.TypeCounters(r.Context())
	if err != nil {
		s.logger.Error("type counters failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_counts": counts,
		"queue_depth": depth,
		"counters":    counters,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusFailed
	}
	tasks, err := s.st.ListTasksByStatus(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("task list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.st.ListRuns(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("run list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	status, err := s.st.RequestCancel(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusConflict, "task not found or already finished")
			return
		}
		s.logger.Error("cancel request failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if status == models.StatusCanceled && s.events != nil {
		s.events.TaskStatus(taskID, models.StatusCanceled, "canceled before start")
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"status":  status,
	})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	taskType := r.URL.Query().Get("type")
	if taskType == "" {
		writeError(w, http.StatusBadRequest, "type query parameter is required")
		return
	}
	entries, err := s.qb.DLQList(r.Context(), taskType, queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("dlq list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type dlqDrainBody struct {
	Type  string `json:"type"`
	Limit int    `json:"limit"`
}

// handleDLQDrain moves dead tasks back onto the queue with a fresh
// retry budget. Revived tasks run at a demoted priority so they cannot
// starve live traffic.
func (s *Server) handleDLQDrain(w http.ResponseWriter, r *http.Request) {
	var body dlqDrainBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if body.Limit <= 0 {
		body.Limit = 50
	}

	entries, err := s.qb.DLQDrain(r.Context(), body.Type, body.Limit)
	if err != nil {
		s.logger.Error("dlq drain failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	revived := make([]string, 0, len(entries))
	for _, e := range entries {
		priority := demotePriority(e.Priority)
		task, err := s.st.ReviveTask(r.Context(), e.TaskID, priority)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Already purged or revived through another path.
				continue
			}
			s.logger.Error("revive failed", "task_id", e.TaskID, "error", err)
			continue
		}
		if err := s.qb.Enqueue(r.Context(), task.ID, task.Priority); err != nil {
			s.logger.Error("revived enqueue failed", "task_id", task.ID, "error", err)
			continue
		}
		revived = append(revived, task.ID)
	}

	s.logger.Info("dlq drained", "type", body.Type, "drained", len(entries), "revived", len(revived))
	writeJSON(w, http.StatusOK, map[string]any{
		"drained": len(entries),
		"revived": revived,
	})
}

func demotePriority(p int) int {
	switch {
	case p <= models.PriorityCritical:
		return models.PriorityHigh
	case p <= models.PriorityHigh:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := s.st.ListBudgets(r.Context(), s.now())
	if err != nil {
		s.logger.Error("budget list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (s *Server) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.st.ListCircuits(r.Context())
	if err != nil {
		s.logger.Error("circuit list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": circuits})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.st.ListWorkers(r.Context())
	if err != nil {
		s.logger.Error("worker list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

type createKeyBody struct {
	Name      string            `json:"name"`
	Role      models.APIKeyRole `json:"role"`
	ExpiresIn string            `json:"expires_in"`
}

// handleCreateAPIKey mints a key and returns the raw secret exactly
// once; only the salted hash is stored.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, raw, err := s.buildAPIKey(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.st.CreateAPIKey(r.Context(), key); err != nil {
		s.logger.Error("api key create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("api key created", "key_id", key.ID, "name", key.Name, "role", key.Role)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         key.ID,
		"name":       key.Name,
		"role":       key.Role,
		"expires_at": key.ExpiresAt,
		"key":        raw,
	})
}

func (s *Server) buildAPIKey(body createKeyBody) (*models.APIKey, string, error) {
	if body.Name == "" {
		return nil, "", errors.New("name is required")
	}
	role := body.Role
	if role == "" {
		role = models.RoleReadonly
	}
	if !role.Allows(models.RoleReadonly) {
		return nil, "", errors.New("unknown role")
	}

	var expiresAt *time.Time
	if body.ExpiresIn != "" {
		d, err := time.ParseDuration(body.ExpiresIn)
		if err != nil || d <= 0 {
			return nil, "", errors.New("invalid expires_in")
		}
		t := s.now().Add(d)
		expiresAt = &t
	}

	raw, err := ids.NewAPIKey()
	if err != nil {
		return nil, "", err
	}
	return &models.APIKey{
		ID:        ids.New(),
		KeyHash:   ids.HashAPIKey(raw, s.opts.KeySalt),
		Name:      body.Name,
		Role:      role,
		ExpiresAt: expiresAt,
		IsActive:  true,
	}, raw, nil
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.st.ListAPIKeys(r.Context())
	if err != nil {
		s.logger.Error("api key list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		s.logger.Error("api key revoke failed", "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("api key revoked", "key_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type rotateKeyBody struct {
	Overlap string `json:"overlap"`
}

// handleRotateAPIKey issues a replacement with the same name and role.
// The old key stays usable for the overlap window so callers can swap
// credentials without an outage.
func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body rotateKeyBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	overlap := 24 * time.Hour
	if body.Overlap != "" {
		d, err := time.ParseDuration(body.Overlap)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid overlap")
			return
		}
		overlap = d
	}

	raw, err := ids.NewAPIKey()
	if err != nil {
		s.logger.Error("api key generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	replacement := &models.APIKey{
		ID:       ids.New(),
		KeyHash:  ids.HashAPIKey(raw, s.opts.KeySalt),
		IsActive: true,
	}
	if err := s.st.RotateAPIKey(r.Context(), id, replacement, overlap); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		s.logger.Error("api key rotate failed", "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("api key rotated", "old_id", id, "new_id", replacement.ID, "overlap", overlap)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      replacement.ID,
		"name":    replacement.Name,
		"role":    replacement.Role,
		"key":     raw,
		"overlap": overlap.String(),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
