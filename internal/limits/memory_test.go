package limits

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
)

var testKey = Key{
	Counter:           CounterShortSell,
	ClientID:          "CLIENT-1",
	AggregationUnitID: "AU-US-1",
	SecurityID:        "SEC-1",
}

func newTestService() *Memory {
	return NewMemory(config.LimitsConfig{
		CASRetries:        5,
		IdempotencyWindow: time.Minute,
		DefaultHoldTTL:    time.Hour,
	})
}

func TestTryDecrementConsumesAndRejects(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, testKey, 100))

	res, err := svc.TryDecrement(ctx, testKey, 60, 0, "op-1")
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, int64(40), res.NewAvailable)

	res, err = svc.TryDecrement(ctx, testKey, 50, 0, "op-2")
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, RejectInsufficient, res.Reason)
	assert.Equal(t, int64(40), res.CurrentAvailable)
}

func TestConcurrentDecrementsNeverGoNegative(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, testKey, 1000))

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := int64(0)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := svc.TryDecrement(ctx, testKey, 60, 0, "")
			if !assert.NoError(t, err) {
				return
			}
			if res.Committed {
				assert.GreaterOrEqual(t, res.NewAvailable, int64(0))
				mu.Lock()
				committed += 60
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	snap, err := svc.Snapshot(ctx, testKey)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Available, int64(0))
	assert.Equal(t, int64(1000)-committed, snap.Available)
}

func TestIdempotentReplayReturnsOriginalResult(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, testKey, 100))

	first, err := svc.TryDecrement(ctx, testKey, 30, 0, "dup-1")
	require.NoError(t, err)
	require.True(t, first.Committed)

	replay, err := svc.TryDecrement(ctx, testKey, 30, 0, "dup-1")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.NewAvailable, replay.NewAvailable)

	snap, err := svc.Snapshot(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(70), snap.Available, "replay must not consume again")
}

func TestExpiredHoldReplenishes(t *testing.T) {
	svc := newTestService()
	now := time.Now()
	svc.clock = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, testKey, 100))

	res, err := svc.TryDecrement(ctx, testKey, 40, 30*time.Minute, "hold-1")
	require.NoError(t, err)
	require.True(t, res.Committed)

	snap, _ := svc.Snapshot(ctx, testKey)
	assert.Equal(t, int64(60), snap.Available)
	assert.Equal(t, int64(40), snap.Held)

	released, err := svc.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Zero(t, released, "hold not yet expired")

	now = now.Add(31 * time.Minute)
	released, err = svc.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	snap, _ = svc.Snapshot(ctx, testKey)
	assert.Equal(t, int64(100), snap.Available)
	assert.Zero(t, snap.Held)
}

func TestRollbackCreditsOnceAndTombstones(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, testKey, 100))

	res, err := svc.TryDecrement(ctx, testKey, 25, 0, "rb-1")
	require.NoError(t, err)
	require.True(t, res.Committed)

	credited, err := svc.Rollback(ctx, testKey, "rb-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), credited)
	snap, _ := svc.Snapshot(ctx, testKey)
	assert.Equal(t, int64(100), snap.Available)

	// second rollback is a no-op against the tombstone
	credited, err = svc.Rollback(ctx, testKey, "rb-1")
	require.NoError(t, err)
	assert.Zero(t, credited)
	snap, _ = svc.Snapshot(ctx, testKey)
	assert.Equal(t, int64(100), snap.Available)
}

func TestRollbackOfRejectedDecrementIsNoOp(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, testKey, 10))

	res, err := svc.TryDecrement(ctx, testKey, 50, 0, "rb-2")
	require.NoError(t, err)
	require.False(t, res.Committed)

	credited, err := svc.Rollback(ctx, testKey, "rb-2")
	require.NoError(t, err)
	assert.Zero(t, credited)
	snap, _ := svc.Snapshot(ctx, testKey)
	assert.Equal(t, int64(10), snap.Available)
}

func TestRollbackAfterExpiredHoldSweepIsNoOp(t *testing.T) {
	svc := newTestService()
	now := time.Now()
	svc.clock = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, testKey, 100))

	res, err := svc.TryDecrement(ctx, testKey, 40, 30*time.Minute, "hold-rb")
	require.NoError(t, err)
	require.True(t, res.Committed)

	now = now.Add(31 * time.Minute)
	released, err := svc.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	// the sweep already credited the hold; a late cancel must not again
	credited, err := svc.Rollback(ctx, testKey, "hold-rb")
	require.NoError(t, err)
	assert.Zero(t, credited)

	snap, _ := svc.Snapshot(ctx, testKey)
	assert.Equal(t, int64(100), snap.Available, "availability never exceeds what was set")
	assert.Zero(t, snap.Held)
}

func TestHeldDecrementRequiresIdempotencyKey(t *testing.T) {
	svc := newTestService()
	_, err := svc.TryDecrement(context.Background(), testKey, 10, time.Hour, "")
	require.Error(t, err)
}
