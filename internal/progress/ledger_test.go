package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLedger(store.NewRedisStore(client), time.Hour, logger.NewNopLogger()), mr
}

func TestCreateInitializesRecord(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec, err := l.Create(ctx, "job-1", "verify content", 4)
	require.NoError(t, err)

	assert.Equal(t, "job-1", rec.OperationID)
	assert.Equal(t, StatusStarted, rec.Status)
	assert.Zero(t, rec.Progress)
	assert.Equal(t, 4, rec.TotalSteps)
	assert.Len(t, rec.Steps, 1)
}

func TestUpdateUnknownIDReturnsNil(t *testing.T) {
	l, _ := newTestLedger(t)

	rec, err := l.Update(context.Background(), "ghost", 50, "step", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFailUnknownIDReturnsNil(t *testing.T) {
	l, _ := newTestLedger(t)

	rec, err := l.Fail(context.Background(), "ghost", "broke", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpdateClampsProgress(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "job-1", "verify", 10)
	require.NoError(t, err)

	rec, err := l.Update(ctx, "job-1", 150, "overshoot", nil)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.False(t, rec.EndTime.IsZero())

	_, err = l.Create(ctx, "job-2", "verify", 10)
	require.NoError(t, err)

	rec, err = l.Update(ctx, "job-2", -10, "undershoot", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Progress)
}

func TestUpdateDerivesCurrentStepAndStatus(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "job-1", "verify", 4)
	require.NoError(t, err)

	rec, err := l.Update(ctx, "job-1", 55, "halfway", map[string]any{"stage": "text"})
	require.NoError(t, err)

	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, 2, rec.CurrentStep) // floor(55/100 * 4)
	assert.Len(t, rec.Steps, 2)
	assert.Equal(t, "halfway", rec.Steps[1].Description)
}

func TestProgressNeverRegresses(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "job-1", "verify", 10)
	require.NoError(t, err)

	_, err = l.Update(ctx, "job-1", 60, "ahead", nil)
	require.NoError(t, err)

	rec, err := l.Update(ctx, "job-1", 40, "stale update", nil)
	require.NoError(t, err)
	assert.Equal(t, 60, rec.Progress, "lower progress must not overwrite higher")
	assert.Len(t, rec.Steps, 3, "the step is still recorded")
}

func TestFailMarksTerminal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "job-1", "verify", 10)
	require.NoError(t, err)

	rec, err := l.Fail(ctx, "job-1", "downstream unavailable", map[string]any{"code": 503})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "downstream unavailable", rec.ErrorMessage)
	assert.False(t, rec.EndTime.IsZero())
}

func TestListActiveExcludesTerminal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "active-1", "verify", 10)
	require.NoError(t, err)
	_, err = l.Create(ctx, "done-1", "verify", 10)
	require.NoError(t, err)
	_, err = l.Update(ctx, "done-1", 100, "done", nil)
	require.NoError(t, err)

	active, err := l.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "active-1", active[0].OperationID)
}

func TestSweepRemovesOnlyOldTerminalRecords(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	_, err := l.Create(ctx, "old-done", "verify", 10)
	require.NoError(t, err)
	_, err = l.Update(ctx, "old-done", 100, "done", nil)
	require.NoError(t, err)

	_, err = l.Create(ctx, "old-active", "verify", 10)
	require.NoError(t, err)

	// Two hours later: sweep with a 1h threshold.
	l.now = func() time.Time { return base.Add(2 * time.Hour) }

	removed, err := l.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rec, err := l.Get(ctx, "old-active")
	require.NoError(t, err)
	assert.NotNil(t, rec, "active records are never swept by age alone")

	rec, err = l.Get(ctx, "old-done")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMutationRefreshesTTL(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "job-1", "verify", 10)
	require.NoError(t, err)

	mr.FastForward(45 * time.Minute)
	_, err = l.Update(ctx, "job-1", 10, "still going", nil)
	require.NoError(t, err)

	// 45 more minutes: past the original expiry, within the refreshed one.
	mr.FastForward(45 * time.Minute)
	rec, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestCompletedRecordIgnoresFurtherUpdates(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "job-1", "verify", 10)
	require.NoError(t, err)
	_, err = l.Update(ctx, "job-1", 100, "done", nil)
	require.NoError(t, err)

	rec, err := l.Update(ctx, "job-1", 50, "late", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
}
