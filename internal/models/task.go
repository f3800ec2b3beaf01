package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusQueued   TaskStatus = "queued"
	StatusRunning  TaskStatus = "running"
	StatusDone     TaskStatus = "done"
	StatusFailed   TaskStatus = "failed"
	StatusCanceled TaskStatus = "canceled"
)

type TaskType string

const (
	TypeCodePR          TaskType = "code_pr"
	TypeCenterpointSync TaskType = "centerpoint_sync"
	TypeMRGDeploy       TaskType = "mrg_deploy"
	TypeGenContent      TaskType = "gen_content"
	TypeAureaAction     TaskType = "aurea_action"
	TypeWebhookProcess  TaskType = "webhook_process"
	TypeMaintenance     TaskType = "maintenance"
)

var taskTypes = map[TaskType]struct{}{
	TypeCodePR:          {},
	TypeCenterpointSync: {},
	TypeMRGDeploy:       {},
	TypeGenContent:      {},
	TypeAureaAction:     {},
	TypeWebhookProcess:  {},
	TypeMaintenance:     {},
}

func ValidTaskType(t TaskType) bool {
	_, ok := taskTypes[t]
	return ok
}

// Priority buckets; lower value dequeues first.
const (
	PriorityCritical = 1
	PriorityHigh     = 10
	PriorityNormal   = 100
	PriorityLow      = 1000
)

type Task struct {
	ID             string          `db:"id"`
	Type           TaskType        `db:"type"`
	PayloadJSON    json.RawMessage `db:"payload_json"`
	Priority       int             `db:"priority"`
	Status         TaskStatus      `db:"status"`
	RetryCount     int             `db:"retry_count"`
	MaxRetries     int             `db:"max_retries"`
	IdempotencyKey *string         `db:"idempotency_key"`
	TraceID        *string         `db:"trace_id"`
	Provider       *string         `db:"provider"`
	EnqueuedAt     time.Time       `db:"enqueued_at"`
	StartedAt      *time.Time      `db:"started_at"`
	CompletedAt    *time.Time      `db:"completed_at"`
	LastError      *string         `db:"last_error"`
	LeaseDeadline  *time.Time      `db:"lease_deadline"`
	CancelRequest  bool            `db:"cancel_requested"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

type RunStatus string

const (
	RunStarted  RunStatus = "started"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunTimeout  RunStatus = "timeout"
	RunCanceled RunStatus = "canceled"
)

type Run struct {
	ID           string          `db:"id"`
	TaskID       string          `db:"task_id"`
	Attempt      int             `db:"attempt"`
	Status       RunStatus       `db:"status"`
	StartedAt    time.Time       `db:"started_at"`
	EndedAt      *time.Time      `db:"ended_at"`
	WorkerID     *string         `db:"worker_id"`
	ErrorDetails *string         `db:"error_details"`
	ModelUsed    *string         `db:"model_used"`
	Tokens       int64           `db:"tokens"`
	CostUSD      float64         `db:"cost_usd"`
	MetricsJSON  json.RawMessage `db:"metrics_json"`
}

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

type OutboxEntry struct {
	ID          string          `db:"id"`
	TaskID      string          `db:"task_id"`
	EffectType  string          `db:"effect_type"`
	Target      string          `db:"target"`
	PayloadJSON json.RawMessage `db:"payload_json"`
	Status      OutboxStatus    `db:"status"`
	RetryCount  int             `db:"retry_count"`
	MaxRetries  int             `db:"max_retries"`
	CreatedAt   time.Time       `db:"created_at"`
	NextAttempt time.Time       `db:"next_attempt_at"`
	DeliveredAt *time.Time      `db:"delivered_at"`
	LastError   *string         `db:"last_error"`
}

type InboxStatus string

const (
	InboxReceived   InboxStatus = "received"
	InboxProcessing InboxStatus = "processing"
	InboxProcessed  InboxStatus = "processed"
	InboxRejected   InboxStatus = "rejected"
)

type InboxEntry struct {
	ID              string          `db:"id"`
	Source          string          `db:"source"`
	ExternalID      string          `db:"external_id"`
	SignatureHash   string          `db:"signature_hash"`
	PayloadJSON     json.RawMessage `db:"payload_json"`
	Status          InboxStatus     `db:"status"`
	TaskID          *string         `db:"task_id"`
	RejectionReason *string         `db:"rejection_reason"`
	ReceivedAt      time.Time       `db:"received_at"`
	ProcessedAt     *time.Time      `db:"processed_at"`
}

type BudgetDay struct {
	Provider    string    `db:"provider"`
	Date        string    `db:"date"`
	BudgetUSD   float64   `db:"budget_usd"`
	SpentUSD    float64   `db:"spent_usd"`
	Tokens      int64     `db:"tokens"`
	Requests    int64     `db:"requests"`
	LastUpdated time.Time `db:"last_updated"`
}

func (b BudgetDay) Remaining() float64 {
	return b.BudgetUSD - b.SpentUSD
}

type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

type CircuitState struct {
	Service       string        `db:"service"`
	State         CircuitStatus `db:"state"`
	FailureCount  int           `db:"failure_count"`
	SuccessCount  int           `db:"success_count"`
	ErrorRate     float64       `db:"error_rate"`
	TimeoutSec    int           `db:"timeout_sec"`
	LastFailureAt *time.Time    `db:"last_failure_at"`
	LastSuccessAt *time.Time    `db:"last_success_at"`
	OpenedAt      *time.Time    `db:"opened_at"`
	NextRetryAt   *time.Time    `db:"next_retry_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

type APIKeyRole string

const (
	RoleAdmin    APIKeyRole = "admin"
	RoleService  APIKeyRole = "service"
	RoleReadonly APIKeyRole = "readonly"
)

type APIKey struct {
	ID         string     `db:"id"`
	KeyHash    string     `db:"key_hash"`
	Name       string     `db:"name"`
	Role       APIKeyRole `db:"role"`
	ExpiresAt  *time.Time `db:"expires_at"`
	IsActive   bool       `db:"is_active"`
	LastUsedAt *time.Time `db:"last_used_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (k *APIKey) Usable(now time.Time) bool {
	if k == nil || !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// Allows reports whether the role satisfies the required role.
// admin implies service implies readonly.
func (r APIKeyRole) Allows(required APIKeyRole) bool {
	rank := map[APIKeyRole]int{RoleReadonly: 1, RoleService: 2, RoleAdmin: 3}
	return rank[r] >= rank[required]
}

type Worker struct {
	ID            string    `db:"id"`
	Hostname      string    `db:"hostname"`
	Concurrency   int       `db:"concurrency"`
	Version       string    `db:"version"`
	StartedAt     time.Time `db:"started_at"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
}

func ValidateTransition(from, to TaskStatus) error {
	allowed := map[TaskStatus][]TaskStatus{
		StatusQueued:  {StatusRunning, StatusCanceled, StatusFailed},
		StatusRunning: {StatusQueued, StatusDone, StatusFailed, StatusCanceled},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid task transition %s -> %s", from, to)
}
