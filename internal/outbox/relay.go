// Package outbox drains pending external side-effects. Entries are
// written inside the run-finalizing transaction; the relay delivers them
// at least once to sinks that deduplicate on the entry id.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
)

// Sink delivers one effect. Implementations must be idempotent on
// entry.ID since a crash between delivery and the delivered mark
// replays the entry.
type Sink interface {
	Deliver(ctx context.Context, entry *models.OutboxEntry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, entry *models.OutboxEntry) error

func (f SinkFunc) Deliver(ctx context.Context, entry *models.OutboxEntry) error {
	return f(ctx, entry)
}

// Store is the slice of the durable store the relay needs.
type Store interface {
	ClaimDueOutbox(ctx context.Context, limit int, claimWindow time.Duration) ([]models.OutboxEntry, error)
	MarkOutboxDelivered(ctx context.Context, id string) error
	MarkOutboxFailure(ctx context.Context, id, lastError string, nextAttempt time.Time) error
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	ClaimWindow  time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

type Relay struct {
	opts   Options
	st     Store
	sinks  map[string]Sink
	logger *slog.Logger
	now    func() time.Time
}

func New(opts Options, st Store, logger *slog.Logger) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ClaimWindow <= 0 {
		opts.ClaimWindow = time.Minute
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Minute
	}
	return &Relay{
		opts:   opts,
		st:     st,
		sinks:  make(map[string]Sink),
		logger: logger,
		now:    time.Now,
	}
}

// RegisterSink binds an effect type to its delivery sink.
func (r *Relay) RegisterSink(effectType string, sink Sink) {
	r.sinks[effectType] = sink
}

// Run polls for due entries until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "poll_interval", r.opts.PollInterval)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				r.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce claims one batch of due entries and delivers them. Returns
// the number of entries delivered.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	entries, err := r.st.ClaimDueOutbox(ctx, r.opts.BatchSize, r.opts.ClaimWindow)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}

	delivered := 0
	for i := range entries {
		entry := &entries[i]
		if err := r.deliver(ctx, entry); err != nil {
			r.recordFailure(ctx, entry, err)
			continue
		}
		if err := r.st.MarkOutboxDelivered(ctx, entry.ID); err != nil {
			r.logger.Error("mark delivered failed", "outbox_id", entry.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.logger.Info("outbox entries delivered", "count", delivered)
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, entry *models.OutboxEntry) error {
	sink, ok := r.sinks[entry.EffectType]
	if !ok {
		return fmt.Errorf("no sink for effect type %q", entry.EffectType)
	}
	return sink.Deliver(ctx, entry)
}

func (r *Relay) recordFailure(ctx context.Context, entry *models.OutboxEntry, cause error) {
	delay := r.opts.BackoffBase << uint(min(entry.RetryCount, 20))
	if delay > r.opts.BackoffCap || delay <= 0 {
		delay = r.opts.BackoffCap
	}
	nextAttempt := r.now().Add(delay)

	if err := r.st.MarkOutboxFailure(ctx, entry.ID, cause.Error(), nextAttempt); err != nil {
		r.logger.Error("mark outbox failure failed", "outbox_id", entry.ID, "error", err)
		return
	}
	r.logger.Warn("outbox delivery failed",
		"outbox_id", entry.ID,
		"effect_type", entry.EffectType,
		"retry_count", entry.RetryCount+1,
		"next_attempt", nextAttempt,
		"error", cause)
}
