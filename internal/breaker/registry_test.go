package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReturnsSameInstancePerName(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, ResetTimeout: time.Minute}, nil)

	a := r.Get("verification-api")
	b := r.Get("verification-api")
	c := r.Get("reputation-api")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestRegistrySharesFaultStateAcrossCallSites(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)
	ctx := context.Background()

	require.Error(t, r.Get("dep").Execute(ctx, failing))

	// A different call site sees the tripped breaker.
	err := r.Get("dep").Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestRegistryStatsAndResetAll(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)
	ctx := context.Background()

	require.Error(t, r.Get("a").Execute(ctx, failing))
	r.Get("b")

	stats := r.Stats()
	assert.Len(t, stats, 2)

	r.ResetAll()
	assert.Equal(t, StateClosed, r.Get("a").State())
}

func TestRegistryAttachesEventSink(t *testing.T) {
	var got []Event
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Minute},
		func(e Event) { got = append(got, e) })

	require.Error(t, r.Get("dep").Execute(context.Background(), failing))
	assert.NotEmpty(t, got)
}
