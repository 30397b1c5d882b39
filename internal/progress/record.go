// Package progress tracks percent-complete and step history for named
// operations in the shared store.
package progress

import "time"

// Status is the lifecycle status of a tracked operation.
type Status string

const (
	// StatusStarted means the operation was created but has reported no work.
	StatusStarted Status = "started"
	// StatusInProgress means the operation has reported partial progress.
	StatusInProgress Status = "in_progress"
	// StatusCompleted means the operation finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the operation failed.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step is one progress update in an operation's history.
type Step struct {
	Timestamp   time.Time      `json:"timestamp"`
	Progress    int            `json:"progress"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Record is the tracked state of one operation, keyed by operation id
// (typically the job id).
type Record struct {
	OperationID  string    `json:"operation_id"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Progress     int       `json:"progress"`
	TotalSteps   int       `json:"total_steps"`
	CurrentStep  int       `json:"current_step"`
	StartTime    time.Time `json:"start_time"`
	LastUpdate   time.Time `json:"last_update"`
	EndTime      time.Time `json:"end_time,omitzero"`
	Steps        []Step    `json:"steps"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
