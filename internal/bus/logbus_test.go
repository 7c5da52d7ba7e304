package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

func newTestBus(t *testing.T) *LogBus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Partitions = 4
	cfg.Backoff = errs.BackoffConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2, JitterPct: 0}
	b := NewLogBus(cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

type collector struct {
	mu   sync.Mutex
	msgs []*Message
	ch   chan *Message
}

func newCollector(size int) *collector {
	return &collector{ch: make(chan *Message, size)}
}

func (c *collector) handle(_ context.Context, msg *Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- msg
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) waitFor(t *testing.T, n int) []*Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, i)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestPublishSubscribePerKeyOrdering(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	col := newCollector(64)
	require.NoError(t, b.Subscribe(ctx, "trades", "position-engine", col.handle))

	for i := 0; i < 10; i++ {
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		require.NoError(t, b.Publish(ctx, "trades", "B1|SEC-1", payload, map[string]string{HeaderEventID: fmt.Sprintf("ev-%d", i)}))
	}

	msgs := col.waitFor(t, 10)
	// Same key -> same partition -> strictly increasing offsets in arrival order.
	var lastOffset int64 = -1
	for _, m := range msgs {
		assert.Equal(t, "B1|SEC-1", m.Key)
		assert.Greater(t, m.Offset, lastOffset)
		lastOffset = m.Offset
	}
}

func TestCommitAndResume(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "contracts", "C-1", []byte(fmt.Sprintf("%d", i)), nil))
	}

	subCtx, cancel := context.WithCancel(ctx)
	col := newCollector(16)
	require.NoError(t, b.Subscribe(subCtx, "contracts", "calc", col.handle))
	col.waitFor(t, 5)
	cancel()

	// Committed offsets advanced past everything consumed.
	p := b.PartitionFor("C-1")
	offsets := b.CommittedOffsets("contracts", "calc")
	assert.Equal(t, int64(5), offsets[p])

	// New records after resume are delivered exactly where we left off.
	col2 := newCollector(16)
	require.NoError(t, b.Subscribe(ctx, "contracts", "calc", col2.handle))
	require.NoError(t, b.Publish(ctx, "contracts", "C-1", []byte("5"), nil))
	msgs := col2.waitFor(t, 1)
	assert.Equal(t, int64(5), msgs[0].Offset)
}

func TestReplayFromZero(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "market-data", "SEC-9", []byte("tick"), nil))
	}

	col := newCollector(16)
	require.NoError(t, b.Subscribe(ctx, "market-data", "replayer", col.handle))
	col.waitFor(t, 3)

	require.NoError(t, b.ReplayFrom(ctx, "market-data", "replayer", 0))
	msgs := col.waitFor(t, 3)
	assert.Len(t, msgs, 6)
}

func TestValidationErrorGoesToDeadLetter(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	dlq := newCollector(4)
	require.NoError(t, b.Subscribe(ctx, "dead-letter", "ops", dlq.handle))

	attempts := 0
	handler := func(_ context.Context, msg *Message) error {
		attempts++
		return errs.New(errs.Validation, "serialization", "garbage record")
	}
	require.NoError(t, b.Subscribe(ctx, "trades", "position-engine", handler))
	require.NoError(t, b.Publish(ctx, "trades", "B1|SEC-2", []byte("not-json"), map[string]string{HeaderEventID: "ev-x", HeaderSource: "reuters"}))

	msgs := dlq.waitFor(t, 1)
	assert.Equal(t, 1, attempts, "validation errors must not be retried")
	assert.Equal(t, "trades", msgs[0].Headers[HeaderDLQTopic])
	assert.Equal(t, "ev-x", msgs[0].Headers[HeaderEventID], "original headers preserved")
	assert.NotEmpty(t, msgs[0].Headers[HeaderDLQReason])
}

func TestRetryableErrorRetriesThenDeadLetters(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	dlq := newCollector(4)
	require.NoError(t, b.Subscribe(ctx, "dead-letter", "ops", dlq.handle))

	var mu sync.Mutex
	attempts := 0
	handler := func(_ context.Context, msg *Message) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errs.New(errs.Dependency, "store_down", "reference store unavailable")
	}
	require.NoError(t, b.Subscribe(ctx, "reference-data", "refstore", handler))
	require.NoError(t, b.Publish(ctx, "reference-data", "SEC-1", []byte("{}"), nil))

	dlq.waitFor(t, 1)
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2, "dependency errors retried before dead-lettering")
}

func TestDuplicateClassIsSwallowed(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	dlq := newCollector(4)
	require.NoError(t, b.Subscribe(ctx, "dead-letter", "ops", dlq.handle))

	done := make(chan struct{}, 1)
	handler := func(_ context.Context, msg *Message) error {
		done <- struct{}{}
		return errs.New(errs.Duplicate, "replay", "already applied")
	}
	require.NoError(t, b.Subscribe(ctx, "trades", "position-engine", handler))
	require.NoError(t, b.Publish(ctx, "trades", "B1|SEC-3", []byte("{}"), nil))

	<-done
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, dlq.count(), "duplicates are not failures")

	// The offset is committed so the record is never redelivered.
	p := b.PartitionFor("B1|SEC-3")
	waitUntil(t, func() bool {
		return b.CommittedOffsets("trades", "position-engine")[p] == 1
	})
}

func TestConsumerLag(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, b.Publish(ctx, "trades", fmt.Sprintf("key-%d", i), []byte("{}"), nil))
	}
	lag := b.ConsumerLag("trades", "fresh-group")
	assert.Equal(t, int64(7), lag.TotalLag)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
