package breaker

import "time"

// EventType identifies the kind of breaker event.
type EventType int

const (
	// EventStateChange is emitted on every state transition.
	EventStateChange EventType = iota
	// EventRejected is emitted when an open circuit rejects a call.
	EventRejected
	// EventFailure is emitted when a protected call fails.
	EventFailure
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "state_change"
	case EventRejected:
		return "rejected"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is a structured breaker event suitable for logging or metrics
// without coupling the breaker to a specific sink.
type Event struct {
	Type EventType
	// Name is the protected dependency name.
	Name string
	// State is the breaker state after the event.
	State State
	// PrevState is set for state-change events.
	PrevState State
	// Err is set for failure events.
	Err error
	At  time.Time
}
