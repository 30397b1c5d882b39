// Package breaker provides a circuit breaker for calls to external
// dependencies, with a named registry so call sites share fault state
// per dependency.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCallTimeout is returned when the protected call exceeds its timeout.
	ErrCallTimeout = errors.New("circuit breaker call timed out")
)

// State represents the state of the circuit breaker.
type State int

const (
	// StateClosed means calls are allowed.
	StateClosed State = iota
	// StateOpen means calls are rejected until the reset timeout elapses.
	StateOpen
	// StateHalfOpen means a single probe call is allowed through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// CallTimeout bounds each protected call; a timeout counts as a failure.
	CallTimeout time.Duration
	// ResetTimeout is how long the circuit stays open before allowing a probe.
	ResetTimeout time.Duration
	// Fallback is invoked instead of the protected call when the breaker
	// rejects it. When nil, rejected calls fail with ErrCircuitOpen.
	Fallback func(ctx context.Context) error
	// OnEvent receives structured breaker events. Optional.
	OnEvent func(Event)
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CallTimeout:      30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// Counters accumulates call outcomes over the breaker's lifetime.
type Counters struct {
	Total    uint64 `json:"total"`
	Success  uint64 `json:"success"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
	Timeouts uint64 `json:"timeouts"`
}

// Breaker implements the circuit breaker state machine for one dependency.
type Breaker struct {
	name   string
	config Config

	mu            sync.Mutex
	state         State
	probing       bool
	failureCount  int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	counters      Counters

	// now is swappable for tests.
	now func() time.Time
}

// New creates a circuit breaker for the named dependency.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the dependency name this breaker protects.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn under circuit breaker protection.
//
// When the circuit is open and the reset timeout has not elapsed, fn is never
// invoked: the fallback runs instead (or ErrCircuitOpen is returned). When
// the reset timeout has elapsed the breaker transitions to half-open and fn
// runs as a single probe. fn is run under the configured call timeout; a
// timeout counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if allowed := b.beforeCall(); !allowed {
		if b.config.Fallback != nil {
			return b.config.Fallback(ctx)
		}
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}

	err := b.callWithTimeout(ctx, fn)
	b.afterCall(err)
	return err
}

// callWithTimeout runs fn bounded by the configured call timeout.
func (b *Breaker) callWithTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return fmt.Errorf("%w: %s after %v", ErrCallTimeout, b.name, b.config.CallTimeout)
	}
}

// beforeCall decides whether the call may proceed, transitioning
// open -> half-open when the reset timeout has elapsed.
func (b *Breaker) beforeCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counters.Total++

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			b.reject()
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.probing = true

	case StateHalfOpen:
		// Only a single in-flight probe is allowed.
		if b.probing {
			b.reject()
			return false
		}
		b.probing = true

	case StateClosed:
	}

	return true
}

// reject records a rejected call. Callers must hold b.mu.
func (b *Breaker) reject() {
	b.counters.Rejected++
	b.emit(Event{
		Type:  EventRejected,
		Name:  b.name,
		State: b.state,
		At:    b.now(),
	})
}

// afterCall records the outcome of the call.
func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	if err == nil {
		b.recordSuccess()
		return
	}
	b.recordFailure(err)
}

func (b *Breaker) recordSuccess() {
	b.counters.Success++
	b.failureCount = 0

	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

func (b *Breaker) recordFailure(err error) {
	b.counters.Failed++
	if errors.Is(err, ErrCallTimeout) {
		b.counters.Timeouts++
	}
	b.failureCount++
	b.lastFailureAt = b.now()

	b.emit(Event{
		Type:  EventFailure,
		Name:  b.name,
		State: b.state,
		Err:   err,
		At:    b.lastFailureAt,
	})

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// A failed probe re-opens the circuit regardless of the threshold.
		b.trip()
	case StateOpen:
	}
}

// trip opens the circuit and arms the next attempt time.
func (b *Breaker) trip() {
	b.nextAttemptAt = b.now().Add(b.config.ResetTimeout)
	b.transitionTo(StateOpen)
}

// transitionTo changes state and emits a state-change event.
// Callers must hold b.mu.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState

	if newState == StateClosed {
		b.failureCount = 0
	}

	b.emit(Event{
		Type:      EventStateChange,
		Name:      b.name,
		State:     newState,
		PrevState: oldState,
		At:        b.now(),
	})
}

func (b *Breaker) emit(e Event) {
	if b.config.OnEvent != nil {
		b.config.OnEvent(e)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed with a clean failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.probing = false
}

// Stats is a point-in-time snapshot of breaker state.
type Stats struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
	Counters      Counters  `json:"counters"`
}

// GetStats returns current statistics.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:          b.name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		NextAttemptAt: b.nextAttemptAt,
		Counters:      b.counters,
	}
}
