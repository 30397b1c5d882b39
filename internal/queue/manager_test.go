package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/metrics"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/store"
)

type managerFixture struct {
	manager    *Manager
	aggregator *metrics.Aggregator
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logger.NewNopLogger()
	broker := NewRedisBroker(client, RedisBrokerConfig{}, log)
	aggregator := metrics.NewAggregator(store.NewRedisStore(client), log)

	mgr := NewManager(broker, ManagerConfig{
		DefaultAttempts: 3,
		Concurrency:     2,
		BackoffBase:     10 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		ReclaimInterval: 50 * time.Millisecond,
	}, log, WithMetrics(aggregator))

	return &managerFixture{manager: mgr, aggregator: aggregator}
}

func (f *managerFixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	val, err := f.aggregator.Counter(context.Background(), name)
	require.NoError(t, err)
	return val
}

func TestManagerProcessesJob(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	done := make(chan string, 1)
	require.NoError(t, f.manager.RegisterProcessor("verification", func(_ context.Context, job *Job) error {
		done <- job.ID
		return nil
	}))

	require.NoError(t, f.manager.Start(ctx))
	t.Cleanup(f.manager.Stop)

	job, err := f.manager.Enqueue(ctx, "verification", map[string]string{"content_id": "c-1"}, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID, "an idempotency key is generated when the caller omits one")

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was never delivered")
	}

	require.Eventually(t, func() bool {
		stored, err := f.manager.GetJob(ctx, "verification", job.ID)
		return err == nil && stored.State == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), f.counter(t, metrics.CounterJobsSubmitted))
	assert.Equal(t, int64(1), f.counter(t, metrics.CounterJobsProcessed))
	assert.Zero(t, f.counter(t, metrics.CounterJobsPending))
}

func TestManagerDuplicateSubmissionIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first, err := f.manager.Enqueue(ctx, "verification", nil, EnqueueOptions{ID: "op-1"})
	require.NoError(t, err)

	second, err := f.manager.Enqueue(ctx, "verification", nil, EnqueueOptions{ID: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Only one logical job was created and counted.
	m, err := f.manager.Metrics(ctx, "verification")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Counts.Pending)
	assert.Equal(t, int64(1), f.counter(t, metrics.CounterJobsSubmitted))
}

func TestManagerRetriesThenFailsTerminally(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	var attempts atomic.Int32
	require.NoError(t, f.manager.RegisterProcessor("verification", func(context.Context, *Job) error {
		attempts.Add(1)
		return errors.New("upstream model unavailable")
	}))

	require.NoError(t, f.manager.Start(ctx))
	t.Cleanup(f.manager.Stop)

	job, err := f.manager.Enqueue(ctx, "verification", nil, EnqueueOptions{Attempts: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := f.manager.GetJob(ctx, "verification", job.ID)
		return err == nil && stored.State == StateFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())

	stored, err := f.manager.GetJob(ctx, "verification", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "upstream model unavailable", stored.LastError)

	// Exhausting attempts counts one failure, not one per attempt.
	assert.Equal(t, int64(1), f.counter(t, metrics.CounterJobsFailed))
	assert.Equal(t, int64(2), f.counter(t, metrics.CounterJobsRetried))
	assert.Zero(t, f.counter(t, metrics.CounterJobsPending))
}

func TestManagerRecoversFromProcessorPanic(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	done := make(chan struct{})
	require.NoError(t, f.manager.RegisterProcessor("verification", func(_ context.Context, job *Job) error {
		if job.ID == "poison" {
			panic("malformed payload")
		}
		close(done)
		return nil
	}))

	require.NoError(t, f.manager.Start(ctx))
	t.Cleanup(f.manager.Stop)

	_, err := f.manager.Enqueue(ctx, "verification", nil, EnqueueOptions{ID: "poison", Attempts: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := f.manager.GetJob(ctx, "verification", "poison")
		return err == nil && stored.State == StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := f.manager.GetJob(ctx, "verification", "poison")
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "panic")

	// The pool survived the panic and keeps delivering.
	_, err = f.manager.Enqueue(ctx, "verification", nil, EnqueueOptions{ID: "healthy"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not survive the panic")
	}
}

func TestManagerPauseStopsDelivery(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	var delivered atomic.Int32
	require.NoError(t, f.manager.RegisterProcessor("verification", func(context.Context, *Job) error {
		delivered.Add(1)
		return nil
	}))

	require.NoError(t, f.manager.Pause(ctx, "verification"))
	require.NoError(t, f.manager.Start(ctx))
	t.Cleanup(f.manager.Stop)

	_, err := f.manager.Enqueue(ctx, "verification", nil, EnqueueOptions{ID: "held"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, delivered.Load(), "paused queue must not deliver")

	require.NoError(t, f.manager.Resume(ctx, "verification"))
	require.Eventually(t, func() bool {
		return delivered.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManagerRejectsRegistrationAfterStart(t *testing.T) {
	f := newManagerFixture(t)

	require.NoError(t, f.manager.RegisterProcessor("verification", func(context.Context, *Job) error {
		return nil
	}))
	require.NoError(t, f.manager.Start(context.Background()))
	t.Cleanup(f.manager.Stop)

	assert.Error(t, f.manager.RegisterProcessor("late", func(context.Context, *Job) error {
		return nil
	}))
}
