package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateJob is returned when a job id already exists on the queue.
	ErrDuplicateJob = errors.New("queue: duplicate job id")
	// ErrQueueFull is returned when a queue is at its size cap.
	ErrQueueFull = errors.New("queue: queue is full")
	// ErrJobNotFound is returned when a job id is unknown to the broker.
	ErrJobNotFound = errors.New("queue: job not found")
)

// Broker is the durable multi-consumer queue collaborator. Delivery is
// at-least-once: a job leased by a crashed worker reappears as pending once
// its visibility timeout elapses, so processors must be idempotent per job id.
type Broker interface {
	// Enqueue persists the job and makes it available on its queue.
	// Returns ErrDuplicateJob when the id is already present and ErrQueueFull
	// when the queue is at capacity.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue leases the next ready job from the queue, promoting any due
	// retry-wait jobs first. Returns (nil, nil) when the queue is empty or
	// paused.
	Dequeue(ctx context.Context, queue string) (*Job, error)
	// Ack marks a leased job completed. The record is retained briefly.
	Ack(ctx context.Context, job *Job) error
	// Nack records a failed attempt. With attempts remaining the job moves
	// to retry-wait with the given backoff; otherwise it becomes
	// failed-terminal and is retained under the (longer) failure retention.
	// Returns the resulting state.
	Nack(ctx context.Context, job *Job, cause error, backoff time.Duration) (State, error)
	// GetJob returns the stored job record, or ErrJobNotFound.
	GetJob(ctx context.Context, queue, id string) (*Job, error)
	// Counts returns the per-state census for the queue.
	Counts(ctx context.Context, queue string) (Counts, error)
	// Pause stops Dequeue from returning jobs for the queue.
	Pause(ctx context.Context, queue string) error
	// Resume re-enables delivery for the queue.
	Resume(ctx context.Context, queue string) error
	// IsPaused reports whether the queue is paused.
	IsPaused(ctx context.Context, queue string) (bool, error)
	// ReclaimExpired returns jobs with expired leases to the pending queue.
	ReclaimExpired(ctx context.Context, queue string) (int, error)
	// Purge removes terminal job records older than olderThan in the given
	// state and returns the number removed.
	Purge(ctx context.Context, queue string, olderThan time.Duration, state State) (int, error)
	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error
	// Close releases broker resources.
	Close() error
}
