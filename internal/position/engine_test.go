package position

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

const (
	tradeDate  = domain.BusinessDate("2026-08-24")
	settleDate = domain.BusinessDate("2026-08-26") // T+2
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	var store *SnapshotStore
	if dir != "" {
		var err error
		store, err = NewSnapshotStore(dir)
		require.NoError(t, err)
	}
	return NewEngine(config.PositionConfig{Shards: 4, SnapshotEveryN: 0}, store, nil)
}

func sod(eventID string, qty int64) *domain.SODSnapshot {
	return &domain.SODSnapshot{
		EventID:      eventID,
		Book:         "B1",
		SecurityID:   "SEC-VOD",
		BusinessDate: tradeDate,
		Quantity:     qty,
		Source:       "sod-feed",
		EventTime:    time.Now(),
	}
}

func trade(eventID string, side domain.TradeSide, qty int64) *domain.Trade {
	return &domain.Trade{
		EventID:        eventID,
		Book:           "B1",
		SecurityID:     "SEC-VOD",
		Side:           side,
		Quantity:       qty,
		TradeDate:      tradeDate,
		SettlementDate: settleDate,
		EventTime:      time.Now(),
		Source:         "trades-feed",
	}
}

func TestSettlementLadderAfterIntradayActivity(t *testing.T) {
	e := newTestEngine(t, "")
	ctx := context.Background()

	require.NoError(t, e.ApplySOD(ctx, sod("evt-sod", 100000)))
	require.NoError(t, e.ApplyTrade(ctx, trade("evt-buy", domain.SideBuy, 40000)))
	require.NoError(t, e.ApplyTrade(ctx, trade("evt-sell", domain.SideSell, 25000)))

	pos, ok := e.Get(domain.PositionKey{Book: "B1", SecurityID: "SEC-VOD"})
	require.True(t, ok)
	assert.Equal(t, int64(115000), pos.Current)
	assert.Equal(t, int64(115000), pos.Projected)
	assert.Equal(t, int64(15000), pos.Ladder[settleDate], "net T+2 activity")
	assert.Equal(t, int64(100000), pos.Ladder[tradeDate])
	assert.NoError(t, pos.CheckInvariants())
}

func TestDuplicateTradeAppliesOnce(t *testing.T) {
	e := newTestEngine(t, "")
	ctx := context.Background()

	require.NoError(t, e.ApplySOD(ctx, sod("evt-sod", 100000)))
	require.NoError(t, e.ApplyTrade(ctx, trade("evt-1", domain.SideBuy, 40000)))

	err := e.ApplyTrade(ctx, trade("evt-1", domain.SideBuy, 40000))
	require.Error(t, err)
	assert.Equal(t, errs.Duplicate, errs.ClassOf(err))

	pos, _ := e.Get(domain.PositionKey{Book: "B1", SecurityID: "SEC-VOD"})
	assert.Equal(t, int64(140000), pos.Current, "counters unchanged on the duplicate")
	assert.Equal(t, int64(40000), pos.IntradayBuy)
}

func TestInvalidTradeIsValidationError(t *testing.T) {
	e := newTestEngine(t, "")
	bad := trade("evt-1", domain.SideBuy, 40000)
	bad.Quantity = -5
	err := e.ApplyTrade(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.ClassOf(err))
}

func TestAppliedHookReceivesUpdatedPosition(t *testing.T) {
	e := newTestEngine(t, "")
	var got []domain.Position
	e.OnApplied(func(_ context.Context, pos domain.Position, _ string) {
		got = append(got, pos)
	})

	ctx := context.Background()
	require.NoError(t, e.ApplySOD(ctx, sod("evt-sod", 1000)))
	require.NoError(t, e.ApplyTrade(ctx, trade("evt-1", domain.SideSell, 200)))

	require.Len(t, got, 2)
	assert.Equal(t, int64(800), got[1].Current)
}

func TestSnapshotAndRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := newTestEngine(t, dir)
	require.NoError(t, e.ApplySOD(ctx, sod("evt-sod", 100000)))
	require.NoError(t, e.ApplyTrade(ctx, trade("evt-1", domain.SideBuy, 40000)))
	require.NoError(t, e.SnapshotAll())

	restored := newTestEngine(t, dir)
	_, err := restored.Recover()
	require.NoError(t, err)

	pos, ok := restored.Get(domain.PositionKey{Book: "B1", SecurityID: "SEC-VOD"})
	require.True(t, ok)
	assert.Equal(t, int64(140000), pos.Current)
	assert.Equal(t, "evt-1", pos.LastEventID)
	assert.NoError(t, pos.CheckInvariants())

	// the duplicate guard survives recovery
	err = restored.ApplyTrade(ctx, trade("evt-1", domain.SideBuy, 40000))
	require.Error(t, err)
	assert.Equal(t, errs.Duplicate, errs.ClassOf(err))
}

func tradeMessage(t *testing.T, eventID string, qty, offset int64, partition int) *bus.Message {
	t.Helper()
	tr := trade(eventID, domain.SideBuy, qty)
	payload, err := json.Marshal(tr)
	require.NoError(t, err)
	evt := domain.CanonicalEvent{
		EventID:   eventID,
		Type:      domain.EventTrade,
		Key:       "B1|SEC-VOD",
		Source:    "trades-feed",
		EventTime: time.Now(),
		Payload:   payload,
	}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return &bus.Message{
		ID:        eventID,
		Topic:     domain.TopicTrades,
		Key:       "B1|SEC-VOD",
		Partition: partition,
		Offset:    offset,
		Payload:   raw,
		Headers:   map[string]string{bus.HeaderEventID: eventID},
	}
}

func TestRecoveryResumesWithMoreShardsThanPartitions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := config.PositionConfig{Shards: 16, SnapshotEveryN: 1}

	store, err := NewSnapshotStore(dir)
	require.NoError(t, err)
	e := NewEngine(cfg, store, nil)

	const part = 3
	require.NoError(t, e.HandleEvent(ctx, tradeMessage(t, "evt-1", 50, 0, part)))
	require.NoError(t, e.HandleEvent(ctx, tradeMessage(t, "evt-2", 50, 1, part)))

	store, err = NewSnapshotStore(dir)
	require.NoError(t, err)
	restored := NewEngine(cfg, store, nil)
	resume, err := restored.Recover()
	require.NoError(t, err)
	require.Contains(t, resume, domain.TopicTrades, "resume offsets survive regardless of the shard layout")
	assert.Equal(t, int64(2), resume[domain.TopicTrades][part])

	pos, ok := restored.Get(domain.PositionKey{Book: "B1", SecurityID: "SEC-VOD"})
	require.True(t, ok)
	assert.Equal(t, int64(100), pos.Current)

	// a record below the recovered watermark is dropped, not re-applied
	err = restored.HandleEvent(ctx, tradeMessage(t, "evt-1", 50, 0, part))
	require.Error(t, err)
	assert.Equal(t, errs.Duplicate, errs.ClassOf(err))

	pos, _ = restored.Get(domain.PositionKey{Book: "B1", SecurityID: "SEC-VOD"})
	assert.Equal(t, int64(100), pos.Current, "replayed trades must not double-apply")
}

func TestCorruptSnapshotIsFatal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := newTestEngine(t, dir)
	require.NoError(t, e.ApplySOD(ctx, sod("evt-sod", 1000)))
	require.NoError(t, e.SnapshotAll())

	// flip bytes in one snapshot file
	files, err := filepath.Glob(filepath.Join(dir, "shard-*.json"))
	require.NoError(t, err)
	var victim string
	for _, f := range files {
		data, readErr := os.ReadFile(f)
		require.NoError(t, readErr)
		if len(data) > 200 {
			data[len(data)-20] ^= 0xFF
			require.NoError(t, os.WriteFile(f, data, 0o644))
			victim = f
			break
		}
	}
	require.NotEmpty(t, victim, "expected a populated snapshot file")

	restored := newTestEngine(t, dir)
	_, err = restored.Recover()
	require.Error(t, err)
	assert.Equal(t, errs.Fatal, errs.ClassOf(err))
}
