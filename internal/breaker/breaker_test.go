package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing(_ context.Context) error { return errBoom }

func succeeding(_ context.Context) error { return nil }

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *time.Time) {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := New("test-dep", cfg)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))

	assert.Equal(t, StateClosed, b.State())
}

func TestOpensAtThresholdAndRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, failing))
	}
	require.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Execute(ctx, func(_ context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked, "fn must not run while the circuit is open")

	stats := b.GetStats()
	assert.Equal(t, uint64(1), stats.Counters.Rejected)
	assert.False(t, stats.NextAttemptAt.IsZero())
}

func TestFallbackRunsOnRejection(t *testing.T) {
	errFallback := errors.New("fallback result")
	b, _ := newTestBreaker(t, Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Fallback:         func(_ context.Context) error { return errFallback },
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, failing)
	assert.ErrorIs(t, err, errFallback)
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(t, Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, b.Execute(ctx, failing))
	}
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())

	stats := b.GetStats()
	assert.Zero(t, stats.FailureCount, "failure count resets on success")
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t, Config{FailureThreshold: 5, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Error(t, b.Execute(ctx, failing))
	}
	require.Equal(t, StateOpen, b.State())

	firstNextAttempt := b.GetStats().NextAttemptAt

	// Single probe failure reopens even though a fresh failure count would
	// be below the threshold.
	*now = now.Add(61 * time.Second)
	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.GetStats().NextAttemptAt.After(firstNextAttempt),
		"next attempt must be re-armed")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.NoError(t, b.Execute(ctx, succeeding))
	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))

	// Two failures after the reset: still under the threshold.
	assert.Equal(t, StateClosed, b.State())
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	b := New("slow-dep", Config{
		FailureThreshold: 1,
		CallTimeout:      20 * time.Millisecond,
		ResetTimeout:     time.Minute,
	})
	ctx := context.Background()

	err := b.Execute(ctx, func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, uint64(1), b.GetStats().Counters.Timeouts)
}

func TestEventsEmitted(t *testing.T) {
	var events []Event
	b, _ := newTestBreaker(t, Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnEvent:          func(e Event) { events = append(events, e) },
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing)) // rejected

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{EventFailure, EventStateChange, EventRejected}, types)
	assert.Equal(t, "test-dep", events[0].Name)
}

func TestResetClosesCircuit(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(ctx, succeeding))
}
