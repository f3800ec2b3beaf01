// Package api exposes the orchestrator over HTTP: task submission,
// status reads, SSE streams, signed webhooks, Prometheus metrics, and
// the admin surface. Auth is API-key based with role tiers.
package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwwoodworth/aurea-orchestrator/internal/broker"
	"github.com/mwwoodworth/aurea-orchestrator/internal/events"
	"github.com/mwwoodworth/aurea-orchestrator/internal/gate"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

// Store is the slice of the durable store the API needs.
type Store interface {
	Ping(ctx context.Context) error

	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListRuns(ctx context.Context, taskID string) ([]models.Run, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int64, error)
	RequestCancel(ctx context.Context, taskID string) (models.TaskStatus, error)
	ReviveTask(ctx context.Context, taskID string, priority int) (*models.Task, error)

	ListBudgets(ctx context.Context, now time.Time) ([]models.BudgetDay, error)
	ListCircuits(ctx context.Context) ([]models.CircuitState, error)
	ListWorkers(ctx context.Context) ([]models.Worker, error)

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
	RotateAPIKey(ctx context.Context, oldID string, replacement *models.APIKey, overlap time.Duration) error
	TouchAPIKey(ctx context.Context, id string) error
}

// Broker is the queue surface the API needs for health, depth, and DLQ
// administration.
type Broker interface {
	Ping(ctx context.Context) error
	Depth(ctx context.Context) (int64, error)
	Enqueue(ctx context.Context, taskID string, priority int) error
	DLQList(ctx context.Context, taskType string, limit int) ([]broker.DLQEntry, error)
	DLQDrain(ctx context.Context, taskType string, limit int) ([]broker.DLQEntry, error)
	TypeCounters(ctx context.Context) (map[string]int64, error)
}

// Gate accepts submissions and webhooks.
type Gate interface {
	SubmitTask(ctx context.Context, req gate.SubmitRequest) (*models.Task, bool, error)
	AcceptWebhook(ctx context.Context, source, externalID string, body []byte, signature, timestamp string) (*models.Task, error)
}

type Options struct {
	Addr       string
	KeySalt    string
	AuthLimit  int
	AuthWindow time.Duration
	Allowlist  *CIDRAllowlist
	TLS        *tls.Config
}

type Server struct {
	opts    Options
	st      Store
	qb      Broker
	gw      Gate
	events  *events.Broker
	limiter *authLimiter
	logger  *slog.Logger
	now     func() time.Time
}

func NewServer(opts Options, st Store, qb Broker, gw Gate, evts *events.Broker, logger *slog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.AuthLimit <= 0 {
		opts.AuthLimit = DefaultAuthLimit
	}
	if opts.AuthWindow <= 0 {
		opts.AuthWindow = DefaultAuthWindow
	}
	return &Server{
		opts:    opts,
		st:      st,
		qb:      qb,
		gw:      gw,
		events:  evts,
		limiter: newAuthLimiter(opts.AuthLimit, opts.AuthWindow, DefaultAuthMaxEntries),
		logger:  logger,
		now:     time.Now,
	}
}

// Handler builds the route table. Split from Start so tests can drive
// the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /tasks", s.requireRole(models.RoleService, s.handleSubmitTask))
	mux.HandleFunc("GET /tasks/{id}", s.requireRole(models.RoleReadonly, s.handleGetTask))
	mux.HandleFunc("GET /stream/{id}", s.requireRole(models.RoleReadonly, s.handleStream))
	mux.HandleFunc("POST /webhooks/{source}", s.handleWebhook)

	mux.HandleFunc("GET /admin/overview", s.requireRole(models.RoleAdmin, s.handleOverview))
	mux.HandleFunc("GET /admin/tasks", s.requireRole(models.RoleAdmin, s.handleListTasks))
	mux.HandleFunc("GET /admin/tasks/{id}/runs", s.requireRole(models.RoleAdmin, s.handleListRuns))
	mux.HandleFunc("POST /admin/tasks/{id}/cancel", s.requireRole(models.RoleAdmin, s.handleCancelTask))
	mux.HandleFunc("GET /admin/dlq", s.requireRole(models.RoleAdmin, s.handleDLQList))
	mux.HandleFunc("POST /admin/dlq/drain", s.requireRole(models.RoleAdmin, s.handleDLQDrain))
	mux.HandleFunc("GET /admin/budgets", s.requireRole(models.RoleAdmin, s.handleListBudgets))
	mux.HandleFunc("GET /admin/circuits", s.requireRole(models.RoleAdmin, s.handleListCircuits))
	mux.HandleFunc("GET /admin/workers", s.requireRole(models.RoleAdmin, s.handleListWorkers))
	mux.HandleFunc("POST /admin/apikeys", s.requireRole(models.RoleAdmin, s.handleCreateAPIKey))
	mux.HandleFunc("GET /admin/apikeys", s.requireRole(models.RoleAdmin, s.handleListAPIKeys))
	mux.HandleFunc("DELETE /admin/apikeys/{id}", s.requireRole(models.RoleAdmin, s.handleRevokeAPIKey))
	mux.HandleFunc("POST /admin/apikeys/{id}/rotate", s.requireRole(models.RoleAdmin, s.handleRotateAPIKey))

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if s.opts.TLS != nil {
		server.TLSConfig = s.opts.TLS
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api server shutdown error", "error", err)
		}
	}()

	s.logger.Info("api server listening", "addr", s.opts.Addr, "tls", s.opts.TLS != nil)
	var err error
	if s.opts.TLS != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "component", "store", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	if err := s.qb.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "component", "broker", "error", err)
		writeError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.allowHost(w, r) {
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}

// allowHost applies the CIDR allowlist used for the scrape endpoint.
func (s *Server) allowHost(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.opts.Allowlist != nil && !s.opts.Allowlist.Allows(host) {
		s.logger.Warn("denied request",
			"path", r.URL.Path,
			"remote_host", host,
			"reason", "allowlist")
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}
