package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ids"
)

var (
	ErrNoTasks   = errors.New("no tasks available")
	ErrLeaseLost = errors.New("lease lost")
)

const (
	readyKey     = "queue:ready"
	scheduledKey = "queue:scheduled"
	schedPrioKey = "queue:scheduled:priority"
	seqKey       = "queue:seq"
	lockPrefix   = "lock:"
	dlqPrefix    = "dlq:"
	counterKey   = "counters:tasks"

	popPollInterval = 200 * time.Millisecond
)

// Score layout: priority*1e9 + sequence. Strict priority across buckets,
// FIFO within a bucket. Safe in a float64 up to priorities well past 1000.
const priorityStride = 1_000_000_000

// extendScript renews the lock TTL iff the fencing token still matches.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return -1
`)

// releaseScript deletes the lock iff the fencing token still matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return -1
`)

// promoteScript moves due scheduled tasks into the ready set, assigning
// each a fresh sequence so they land behind live tasks of equal priority.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(due) do
	local prio = redis.call("HGET", KEYS[2], id)
	if not prio then prio = "100" end
	local seq = redis.call("INCR", KEYS[3])
	redis.call("ZADD", KEYS[4], tonumber(prio) * 1000000000 + seq, id)
	redis.call("ZREM", KEYS[1], id)
	redis.call("HDEL", KEYS[2], id)
end
return #due
`)

type Broker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Enqueue makes a task leasable immediately.
func (b *Broker) Enqueue(ctx context.Context, taskID string, priority int) error {
	seq, err := b.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	score := float64(priority)*priorityStride + float64(seq)
	if err := b.rdb.ZAdd(ctx, readyKey, redis.Z{Score: score, Member: taskID}).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// EnqueueDelayed parks a task until readyAt, preserving its priority for
// promotion time.
func (b *Broker) EnqueueDelayed(ctx context.Context, taskID string, priority int, readyAt time.Time) error {
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, schedPrioKey, taskID, priority)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue delayed: %w", err)
	}
	return nil
}

// PromoteDue moves scheduled tasks whose ready time has passed into the
// ready set. Returns the number promoted.
func (b *Broker) PromoteDue(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, b.rdb,
		[]string{scheduledKey, schedPrioKey, seqKey, readyKey},
		now.UnixMilli(), limit).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote due: %w", err)
	}
	return n, nil
}

// LeaseNext pops the highest-priority ready task and acquires its lock in
// one sweep. A task whose lock is still held (its previous lease has not
// expired) is pushed back and the next one is tried. Blocks up to maxWait.
func (b *Broker) LeaseNext(ctx context.Context, consumerID string, maxWait, leaseTTL time.Duration) (string, string, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if _, err := b.PromoteDue(ctx, time.Now(), 100); err != nil {
			return "", "", err
		}

		popped, err := b.rdb.ZPopMin(ctx, readyKey, 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", "", fmt.Errorf("pop ready: %w", err)
		}
		if len(popped) > 0 {
			taskID, _ := popped[0].Member.(string)
			token := ids.New()
			ok, err := b.rdb.SetNX(ctx, lockPrefix+taskID, token, leaseTTL).Result()
			if err != nil {
				return "", "", fmt.Errorf("acquire lock: %w", err)
			}
			if ok {
				return taskID, token, nil
			}
			// lock still held elsewhere, put the task back at its old position
			if err := b.rdb.ZAdd(ctx, readyKey, redis.Z{Score: popped[0].Score, Member: taskID}).Err(); err != nil {
				return "", "", fmt.Errorf("reinsert task: %w", err)
			}
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", "", ErrNoTasks
		}
		wait := popPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ExtendLease renews the lock TTL iff the token matches.
func (b *Broker) ExtendLease(ctx context.Context, taskID, token string, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, b.rdb, []string{lockPrefix + taskID}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release deletes the lock iff the token matches.
func (b *Broker) Release(ctx context.Context, taskID, token string) error {
	res, err := releaseScript.Run(ctx, b.rdb, []string{lockPrefix + taskID}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

// Depth counts queued tasks, ready plus scheduled.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	pipe := b.rdb.Pipeline()
	ready := pipe.ZCard(ctx, readyKey)
	scheduled := pipe.ZCard(ctx, scheduledKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return ready.Val() + scheduled.Val(), nil
}

// IncrTypeCounter bumps the per-type throughput counter for an outcome
// ("success", "failure", "retry" or "canceled"). Metric only, eventually
// consistent.
func (b *Broker) IncrTypeCounter(ctx context.Context, taskType, outcome string) error {
	return b.rdb.HIncrBy(ctx, counterKey, taskType+":"+outcome, 1).Err()
}

func (b *Broker) TypeCounters(ctx context.Context) (map[string]int64, error) {
	raw, err := b.rdb.HGetAll(ctx, counterKey).Result()
	if err != nil {
		return nil, err
	}
	counters := make(map[string]int64, len(raw))
	for field, value := range raw {
		var n int64
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			counters[field] = n
		}
	}
	return counters, nil
}
