package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
)

const (
	// promoteBatchSize bounds how many due retry-wait jobs one Dequeue
	// promotes before popping.
	promoteBatchSize = 100
	// purgeScanBatch is the COUNT hint for purge scans.
	purgeScanBatch = 100
)

// RedisBrokerConfig configures the Redis-backed broker.
type RedisBrokerConfig struct {
	// MaxSize caps pending jobs per queue; Enqueue beyond it fails.
	MaxSize int
	// VisibilityTimeout is the worker lease; jobs unacked past it are
	// returned to pending by ReclaimExpired.
	VisibilityTimeout time.Duration
	// CompletedRetention is how long completed job records are kept.
	CompletedRetention time.Duration
	// FailedRetention is how long failed-terminal job records are kept.
	FailedRetention time.Duration
}

// DefaultRedisBrokerConfig returns production defaults.
func DefaultRedisBrokerConfig() RedisBrokerConfig {
	return RedisBrokerConfig{
		MaxSize:            10000,
		VisibilityTimeout:  5 * time.Minute,
		CompletedRetention: time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	}
}

// RedisBroker implements Broker on Redis lists and sorted sets.
//
// Per queue: a pending list and a high-priority list feed workers; a delayed
// sorted set holds retry-wait jobs scored by ready time; a processing sorted
// set holds leases scored by expiry. The job record itself is a JSON value
// keyed by job id, which doubles as the dedup key.
type RedisBroker struct {
	client redis.UniversalClient
	config RedisBrokerConfig
	logger logger.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewRedisBroker creates a broker on an existing Redis client.
func NewRedisBroker(client redis.UniversalClient, cfg RedisBrokerConfig, log logger.Logger) *RedisBroker {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultRedisBrokerConfig().MaxSize
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultRedisBrokerConfig().VisibilityTimeout
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = DefaultRedisBrokerConfig().CompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = DefaultRedisBrokerConfig().FailedRetention
	}

	return &RedisBroker{
		client: client,
		config: cfg,
		logger: log,
		now:    time.Now,
	}
}

func jobKey(queue, id string) string {
	return fmt.Sprintf("queue:%s:job:%s", queue, id)
}

func pendingKey(queue string) string {
	return fmt.Sprintf("queue:%s:pending", queue)
}

func priorityKey(queue string) string {
	return fmt.Sprintf("queue:%s:priority", queue)
}

func delayedKey(queue string) string {
	return fmt.Sprintf("queue:%s:delayed", queue)
}

func processingKey(queue string) string {
	return fmt.Sprintf("queue:%s:processing", queue)
}

func pausedKey(queue string) string {
	return fmt.Sprintf("queue:%s:paused", queue)
}

func counterKey(queue string, state State) string {
	return fmt.Sprintf("queue:%s:count:%s", queue, state)
}

func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	pendingLen, err := b.client.LLen(ctx, pendingKey(job.Queue)).Result()
	if err != nil {
		return fmt.Errorf("check queue size: %w", err)
	}
	priorityLen, err := b.client.LLen(ctx, priorityKey(job.Queue)).Result()
	if err != nil {
		return fmt.Errorf("check priority lane size: %w", err)
	}
	if pendingLen+priorityLen >= int64(b.config.MaxSize) {
		return fmt.Errorf("%w: %s at %d jobs", ErrQueueFull, job.Queue, b.config.MaxSize)
	}

	job.State = StateQueued
	job.UpdatedAt = b.now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	// The job record is the dedup key: SETNX loses against an existing id.
	// It carries a TTL until the lane push lands, so a crash between the
	// two writes cannot leave a permanent orphan record that swallows every
	// later submission of the id as a duplicate.
	created, err := b.client.SetNX(ctx, jobKey(job.Queue, job.ID), data, b.config.VisibilityTimeout).Result()
	if err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	if !created {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateJob, job.ID, job.Queue)
	}

	lane := pendingKey(job.Queue)
	if job.Priority {
		lane = priorityKey(job.Queue)
	}
	if err := b.client.LPush(ctx, lane, job.ID).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if err := b.client.Persist(ctx, jobKey(job.Queue, job.ID)).Err(); err != nil {
		return fmt.Errorf("retain job %s: %w", job.ID, err)
	}

	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	if err := b.promoteDelayed(ctx, queue); err != nil {
		b.logger.Warn("failed to promote delayed jobs",
			logger.String("queue", queue),
			logger.Error(err),
		)
	}

	paused, err := b.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	id, err := b.popNext(ctx, queue)
	if err != nil || id == "" {
		return nil, err
	}

	lease := float64(b.now().Add(b.config.VisibilityTimeout).Unix())
	if err := b.client.ZAdd(ctx, processingKey(queue), redis.Z{Score: lease, Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("lease job %s: %w", id, err)
	}

	job, err := b.GetJob(ctx, queue, id)
	if errors.Is(err, ErrJobNotFound) {
		// The record was purged while the id sat in the list; drop the lease.
		b.client.ZRem(ctx, processingKey(queue), id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Attempt++
	job.State = StateActive
	job.UpdatedAt = b.now()
	if err := b.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}

	return job, nil
}

// popNext takes the next id, preferring the high-priority lane.
func (b *RedisBroker) popNext(ctx context.Context, queue string) (string, error) {
	for _, lane := range []string{priorityKey(queue), pendingKey(queue)} {
		id, err := b.client.RPop(ctx, lane).Result()
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("pop from %s: %w", lane, err)
		}
	}
	return "", nil
}

// promoteDelayed moves due retry-wait jobs back to the pending list.
func (b *RedisBroker) promoteDelayed(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", b.now().Unix())
	ids, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		// ZRem returning 0 means another instance promoted it first.
		removed, err := b.client.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}

		job, err := b.GetJob(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		job.State = StateQueued
		job.UpdatedAt = b.now()
		if err := b.saveJob(ctx, job, 0); err != nil {
			return err
		}
		if err := b.client.LPush(ctx, pendingKey(queue), id).Err(); err != nil {
			return err
		}
	}

	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, job *Job) error {
	if err := b.client.ZRem(ctx, processingKey(job.Queue), job.ID).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", job.ID, err)
	}

	job.State = StateCompleted
	job.UpdatedAt = b.now()
	if err := b.saveJob(ctx, job, b.config.CompletedRetention); err != nil {
		return err
	}

	if err := b.client.Incr(ctx, counterKey(job.Queue, StateCompleted)).Err(); err != nil {
		return fmt.Errorf("count completion %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, job *Job, cause error, backoff time.Duration) (State, error) {
	if err := b.client.ZRem(ctx, processingKey(job.Queue), job.ID).Err(); err != nil {
		return "", fmt.Errorf("release lease %s: %w", job.ID, err)
	}

	if cause != nil {
		job.LastError = cause.Error()
	}
	job.UpdatedAt = b.now()

	if job.Attempt < job.AttemptsAllowed {
		job.State = StateRetryWait
		if err := b.saveJob(ctx, job, 0); err != nil {
			return "", err
		}

		readyAt := float64(b.now().Add(backoff).Unix())
		err := b.client.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: readyAt, Member: job.ID}).Err()
		if err != nil {
			return "", fmt.Errorf("schedule retry %s: %w", job.ID, err)
		}
		return StateRetryWait, nil
	}

	job.State = StateFailed
	if err := b.saveJob(ctx, job, b.config.FailedRetention); err != nil {
		return "", err
	}
	if err := b.client.Incr(ctx, counterKey(job.Queue, StateFailed)).Err(); err != nil {
		return "", fmt.Errorf("count failure %s: %w", job.ID, err)
	}
	return StateFailed, nil
}

func (b *RedisBroker) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := b.client.Get(ctx, jobKey(queue, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s on %s", ErrJobNotFound, id, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (b *RedisBroker) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := b.client.Set(ctx, jobKey(job.Queue, job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBroker) Counts(ctx context.Context, queue string) (Counts, error) {
	pipe := b.client.Pipeline()
	pending := pipe.LLen(ctx, pendingKey(queue))
	priority := pipe.LLen(ctx, priorityKey(queue))
	active := pipe.ZCard(ctx, processingKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	completed := pipe.Get(ctx, counterKey(queue, StateCompleted))
	failed := pipe.Get(ctx, counterKey(queue, StateFailed))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("read counts for %s: %w", queue, err)
	}

	counts := Counts{
		Pending: pending.Val() + priority.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}
	if v, err := completed.Int64(); err == nil {
		counts.Completed = v
	}
	if v, err := failed.Int64(); err == nil {
		counts.Failed = v
	}
	return counts, nil
}

func (b *RedisBroker) Pause(ctx context.Context, queue string) error {
	if err := b.client.Set(ctx, pausedKey(queue), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause %s: %w", queue, err)
	}
	return nil
}

func (b *RedisBroker) Resume(ctx context.Context, queue string) error {
	if err := b.client.Del(ctx, pausedKey(queue)).Err(); err != nil {
		return fmt.Errorf("resume %s: %w", queue, err)
	}
	return nil
}

func (b *RedisBroker) IsPaused(ctx context.Context, queue string) (bool, error) {
	exists, err := b.client.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return false, fmt.Errorf("check pause %s: %w", queue, err)
	}
	return exists == 1, nil
}

func (b *RedisBroker) ReclaimExpired(ctx context.Context, queue string) (int, error) {
	now := fmt.Sprintf("%d", b.now().Unix())
	ids, err := b.client.ZRangeByScore(ctx, processingKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, processingKey(queue), id).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		job, err := b.GetJob(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		job.State = StateQueued
		job.UpdatedAt = b.now()
		if err := b.saveJob(ctx, job, 0); err != nil {
			return reclaimed, err
		}
		if err := b.client.LPush(ctx, pendingKey(queue), id).Err(); err != nil {
			return reclaimed, err
		}
		reclaimed++

		b.logger.Warn("reclaimed job with expired lease",
			logger.String("queue", queue),
			logger.String("job_id", id),
			logger.Int("attempt", job.Attempt),
		)
	}

	return reclaimed, nil
}

func (b *RedisBroker) Purge(ctx context.Context, queue string, olderThan time.Duration, state State) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("purge requires a terminal state, got %q", state)
	}

	pattern := fmt.Sprintf("queue:%s:job:*", queue)
	cutoff := b.now().Add(-olderThan)

	var cursor uint64
	removed := 0
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, purgeScanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan jobs: %w", err)
		}

		for _, k := range keys {
			raw, err := b.client.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				continue
			}
			if job.State == state && job.UpdatedAt.Before(cutoff) {
				if err := b.client.Del(ctx, k).Err(); err == nil {
					removed++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	// The Redis client is shared with the store; the owner closes it.
	return nil
}
