package store

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore spins up a miniredis instance and returns a store backed by it.
func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client), mr
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetWithTTLAndGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWithTTL(ctx, "k", "v", time.Minute))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingKeyIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)

	assert.NoError(t, s.Delete(context.Background(), "missing"))
}

func TestScanPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetWithTTL(ctx, "sched:once:a", "1", 0))
	require.NoError(t, s.SetWithTTL(ctx, "sched:once:b", "2", 0))
	require.NoError(t, s.SetWithTTL(ctx, "sched:recur:c", "3", 0))

	keys, err := s.ScanPrefix(ctx, "sched:once:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sched:once:a", "sched:once:b"}, keys)
}

func TestIncrByIsAtomicUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const callers = 10
	const perCaller = 50

	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; p < perCaller; p++ {
				_, err := s.IncrBy(ctx, "counter", 1, time.Hour)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	val, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(callers*perCaller), val)
}

func TestPushTrimKeepsMostRecent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.PushTrim(ctx, "lst", strconv.Itoa(i), 3, time.Hour))
	}

	vals, err := s.Range(ctx, "lst", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"9", "8", "7"}, vals)
}

func TestRangeMissingListIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	vals, err := s.Range(context.Background(), "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, vals)
}
