// Package queue manages named durable job queues: submission with dedup by
// job id, bounded-concurrency dispatch to registered processors, retry with
// exponential backoff, pause/resume and terminal retention.
package queue

import (
	"encoding/json"
	"time"
)

// State is the delivery state of a job.
type State string

const (
	// StateQueued means the job is waiting for a worker.
	StateQueued State = "queued"
	// StateActive means a worker holds a lease on the job.
	StateActive State = "active"
	// StateRetryWait means a failed attempt is waiting out its backoff.
	StateRetryWait State = "retry_wait"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted all delivery attempts.
	StateFailed State = "failed"
)

// Terminal reports whether the state is terminal.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one unit of work submitted to a named queue. The payload is opaque
// to the queue manager. The id doubles as the idempotency key: resubmitting
// the same id to the same queue does not create a second logical job.
type Job struct {
	ID              string          `json:"id"`
	Queue           string          `json:"queue"`
	Payload         json.RawMessage `json:"payload"`
	Priority        bool            `json:"priority,omitempty"`
	AttemptsAllowed int             `json:"attempts_allowed"`
	Attempt         int             `json:"attempt"`
	State           State           `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	LastError       string          `json:"last_error,omitempty"`
}

// EnqueueOptions customizes a single submission.
type EnqueueOptions struct {
	// ID is the caller-supplied idempotency key. Generated when empty.
	ID string
	// Priority routes the job through the high-priority lane.
	Priority bool
	// Attempts overrides the queue's default delivery attempts.
	Attempts int
}

// Counts is the per-queue state census.
type Counts struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Metrics is the caller-visible view of one queue.
type Metrics struct {
	Queue    string `json:"queue"`
	Counts   Counts `json:"counts"`
	IsPaused bool   `json:"is_paused"`
}
