package scheduler

import (
	"encoding/json"
	"time"
)

const (
	keyPrefixOnce  = "sched:once:"
	keyPrefixRecur = "sched:recur:"

	// onceGrace keeps one-time entries around past their due time so a
	// fleet-wide outage at the due instant does not silently drop them.
	onceGrace = time.Hour
	// recurTTL is the rolling expiry for recurring entries, refreshed on
	// every firing. An entry untouched this long was orphaned.
	recurTTL = 30 * 24 * time.Hour
)

// Entry is one schedule: either a one-time task with a due instant or a
// recurring task with a recurrence rule.
type Entry struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// RunAt is the due instant for one-time entries.
	RunAt time.Time `json:"run_at,omitzero"`

	// Rule is set for recurring entries.
	Rule *RecurrenceRule `json:"rule,omitempty"`
	// LastRun is the last period this entry fired in.
	LastRun time.Time `json:"last_run,omitzero"`
	// StartAt delays a recurring entry's first firing when set.
	StartAt time.Time `json:"start_at,omitzero"`
	// EndAt retires a recurring entry after it passes when set.
	EndAt time.Time `json:"end_at,omitzero"`
}

// Window bounds a recurring entry's active lifetime. Zero fields mean
// unbounded on that side.
type Window struct {
	StartAt time.Time
	EndAt   time.Time
}

// Recurring reports whether the entry repeats.
func (e *Entry) Recurring() bool { return e.Rule != nil }

func onceKey(id string) string  { return keyPrefixOnce + id }
func recurKey(id string) string { return keyPrefixRecur + id }
