// Package scheduler runs one-time and recurring task dispatch on top of the
// shared store. Every instance ticks independently; dispatch stays
// exactly-once per period because the task id doubles as the queue's
// idempotency key.
package scheduler

import (
	"fmt"
	"time"
)

// RuleKind names a recurrence pattern. The set is closed: arbitrary cron
// expressions are out of scope.
type RuleKind string

const (
	// KindDaily fires once per UTC day.
	KindDaily RuleKind = "daily"
	// KindHourly fires once per hour.
	KindHourly RuleKind = "hourly"
	// KindEveryMinutes fires every N minutes on the N-minute grid.
	KindEveryMinutes RuleKind = "every_n_minutes"
)

// RecurrenceRule describes when a recurring entry fires.
type RecurrenceRule struct {
	Kind RuleKind `json:"kind"`
	// N is the minute interval for KindEveryMinutes; ignored otherwise.
	N int `json:"n,omitempty"`
}

// Daily returns a rule that fires at every UTC midnight.
func Daily() RecurrenceRule { return RecurrenceRule{Kind: KindDaily} }

// Hourly returns a rule that fires at every hour rollover.
func Hourly() RecurrenceRule { return RecurrenceRule{Kind: KindHourly} }

// EveryMinutes returns a rule that fires every n minutes. n below 1 is
// treated as 1.
func EveryMinutes(n int) RecurrenceRule {
	if n < 1 {
		n = 1
	}
	return RecurrenceRule{Kind: KindEveryMinutes, N: n}
}

// Validate checks that the rule is one of the supported kinds.
func (r RecurrenceRule) Validate() error {
	switch r.Kind {
	case KindDaily, KindHourly:
		return nil
	case KindEveryMinutes:
		if r.N < 1 {
			return fmt.Errorf("every_n_minutes requires n >= 1, got %d", r.N)
		}
		return nil
	default:
		return fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}
}

// Interval returns the rule's period length.
func (r RecurrenceRule) Interval() time.Duration {
	switch r.Kind {
	case KindDaily:
		return 24 * time.Hour
	case KindHourly:
		return time.Hour
	default:
		return time.Duration(r.N) * time.Minute
	}
}

// PeriodStart truncates t to the start of its period. Two instances
// evaluating the same rule in the same period compute the same value, which
// keeps the derived task id stable across the fleet.
func (r RecurrenceRule) PeriodStart(t time.Time) time.Time {
	return t.UTC().Truncate(r.Interval())
}

// Due reports whether the rule should fire at now given the last firing.
// Two conditions must hold: a period boundary was crossed since lastRun,
// and at least one full interval has elapsed. The second keeps firings from
// bunching up around a boundary: a fire late in one period must not be
// followed by another seconds into the next. New entries record their
// creation time as lastRun, so they never fire immediately.
func (r RecurrenceRule) Due(lastRun, now time.Time) bool {
	if !r.PeriodStart(now).After(r.PeriodStart(lastRun)) {
		return false
	}
	return now.Sub(lastRun) >= r.Interval()
}

// String renders the rule for logs.
func (r RecurrenceRule) String() string {
	if r.Kind == KindEveryMinutes {
		return fmt.Sprintf("every %dm", r.N)
	}
	return string(r.Kind)
}
