package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// LogBus is the in-process event log implementation: an append-only,
// partitioned log per topic with consumer groups and explicit offsets.
// It backs both production single-process deployments and tests; the
// EventBus interface keeps a broker-backed implementation swappable.
type LogBus struct {
	partitions int
	backoff    errs.BackoffConfig
	dlqTopic   string

	mu      sync.RWMutex
	started bool
	topics  map[string]*topicLog
	groups  map[string]*groupState

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

type topicLog struct {
	mu         sync.Mutex
	cond       *sync.Cond
	partitions [][]*Message
}

type groupState struct {
	mu      sync.Mutex
	offsets GroupOffsets // next offset to consume per partition
}

// Config controls the LogBus.
type Config struct {
	Partitions int
	Backoff    errs.BackoffConfig
	DLQTopic   string
}

// DefaultConfig returns a LogBus configuration suitable for tests and
// single-node runs.
func DefaultConfig() Config {
	return Config{
		Partitions: 8,
		Backoff:    errs.DefaultBackoffConfig(),
		DLQTopic:   "dead-letter",
	}
}

// NewLogBus creates a LogBus with the given partition count.
func NewLogBus(cfg Config) *LogBus {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = "dead-letter"
	}
	return &LogBus{
		partitions: cfg.Partitions,
		backoff:    cfg.Backoff,
		dlqTopic:   cfg.DLQTopic,
		topics:     make(map[string]*topicLog),
		groups:     make(map[string]*groupState),
	}
}

// Start makes the bus accept publishes and subscriptions.
func (b *LogBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.runCtx, b.runCancel = context.WithCancel(context.Background())
	b.started = true
	log.Info().Int("partitions", b.partitions).Msg("event bus started")
	return nil
}

// Stop halts all consumer loops and waits for them to drain.
func (b *LogBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.runCancel()
	topics := make([]*topicLog, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	// Wake consumers blocked on empty partitions so they observe shutdown.
	for _, t := range topics {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	b.wg.Wait()
	log.Info().Msg("event bus stopped")
	return nil
}

// Healthy reports whether the bus accepts traffic.
func (b *LogBus) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

// PartitionFor exposes the consistent-hash partition assignment for a key.
func (b *LogBus) PartitionFor(key string) int {
	return partitionOf(key, b.partitions)
}

func partitionOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (b *LogBus) topic(name string) *topicLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{partitions: make([][]*Message, b.partitions)}
		t.cond = sync.NewCond(&t.mu)
		b.topics[name] = t
	}
	return t
}

func (b *LogBus) group(topic, group string) *groupState {
	key := topic + "|" + group
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[key]
	if !ok {
		g = &groupState{offsets: make(GroupOffsets)}
		b.groups[key] = g
	}
	return g
}

// Publish appends one record, assigning partition and offset.
func (b *LogBus) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	if !b.Healthy() {
		return ErrBusNotStarted
	}
	t := b.topic(topic)
	p := partitionOf(key, b.partitions)

	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}

	t.mu.Lock()
	msg := &Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Partition: p,
		Offset:    int64(len(t.partitions[p])),
		Payload:   payload,
		Headers:   hdrs,
		Timestamp: time.Now().UTC(),
	}
	t.partitions[p] = append(t.partitions[p], msg)
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// PublishBatch appends records in order; per-key ordering is preserved
// because partition assignment is deterministic.
func (b *LogBus) PublishBatch(ctx context.Context, messages []Message) error {
	for i := range messages {
		m := &messages[i]
		if err := b.Publish(ctx, m.Topic, m.Key, m.Payload, m.Headers); err != nil {
			return fmt.Errorf("publish batch record %d: %w", i, err)
		}
	}
	return nil
}

// Commit records consumption through offset on partition.
func (b *LogBus) Commit(ctx context.Context, topic, group string, partition int, offset int64) error {
	g := b.group(topic, group)
	g.mu.Lock()
	defer g.mu.Unlock()
	if next := offset + 1; next > g.offsets[partition] {
		g.offsets[partition] = next
	}
	return nil
}

// CommittedOffsets returns a copy of the group's next-to-consume offsets.
func (b *LogBus) CommittedOffsets(topic, group string) GroupOffsets {
	g := b.group(topic, group)
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(GroupOffsets, len(g.offsets))
	for p, o := range g.offsets {
		out[p] = o
	}
	return out
}

// ReplayFrom rewinds the group to offset on every partition. Running
// consumers pick the rewound offset up on their next iteration.
func (b *LogBus) ReplayFrom(ctx context.Context, topic, group string, offset int64) error {
	if offset < 0 {
		return errs.New(errs.Validation, "bad_offset", "replay offset %d is negative", offset)
	}
	g := b.group(topic, group)
	g.mu.Lock()
	for p := 0; p < b.partitions; p++ {
		g.offsets[p] = offset
	}
	g.mu.Unlock()

	t := b.topic(topic)
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
	log.Info().Str("topic", topic).Str("group", group).Int64("offset", offset).Msg("consumer group rewound")
	return nil
}

// ConsumerLag reports the group's total lag on topic.
func (b *LogBus) ConsumerLag(topic, group string) Lag {
	t := b.topic(topic)
	g := b.group(topic, group)

	t.mu.Lock()
	heads := make([]int64, b.partitions)
	for p := range t.partitions {
		heads[p] = int64(len(t.partitions[p]))
	}
	t.mu.Unlock()

	g.mu.Lock()
	var total int64
	for p, head := range heads {
		if lag := head - g.offsets[p]; lag > 0 {
			total += lag
		}
	}
	g.mu.Unlock()

	return Lag{Topic: topic, Group: group, TotalLag: total, Partitions: b.partitions}
}

// Subscribe starts one consumer goroutine per partition for the group,
// resuming from committed offsets. Handler failures are retried with
// backoff; records that exhaust retries, and records failing with a
// Validation-class error, are moved to the dead-letter topic with their
// original headers preserved.
func (b *LogBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	b.mu.RLock()
	if !b.started {
		b.mu.RUnlock()
		return ErrBusNotStarted
	}
	runCtx := b.runCtx
	b.mu.RUnlock()

	t := b.topic(topic)
	g := b.group(topic, group)

	for p := 0; p < b.partitions; p++ {
		b.wg.Add(1)
		go b.consumePartition(runCtx, ctx, t, g, topic, group, p, handler)
	}
	return nil
}

func (b *LogBus) consumePartition(runCtx, subCtx context.Context, t *topicLog, g *groupState, topic, group string, partition int, handler Handler) {
	defer b.wg.Done()
	for {
		if runCtx.Err() != nil || subCtx.Err() != nil {
			return
		}

		g.mu.Lock()
		next := g.offsets[partition]
		g.mu.Unlock()

		t.mu.Lock()
		for int64(len(t.partitions[partition])) <= next {
			if runCtx.Err() != nil || subCtx.Err() != nil {
				t.mu.Unlock()
				return
			}
			t.cond.Wait()
			// Offsets may have been rewound while waiting.
			g.mu.Lock()
			if rewound := g.offsets[partition]; rewound < next {
				next = rewound
			}
			g.mu.Unlock()
		}
		msg := t.partitions[partition][next]
		t.mu.Unlock()

		b.handleWithRetry(subCtx, topic, group, msg, handler)
		_ = b.Commit(subCtx, topic, group, partition, msg.Offset)
	}
}

func (b *LogBus) handleWithRetry(ctx context.Context, topic, group string, msg *Message, handler Handler) {
	err := handler(ctx, msg)
	if err == nil {
		return
	}
	if errs.Retryable(err) {
		err = errs.Retry(ctx, b.backoff, func() error { return handler(ctx, msg) })
		if err == nil {
			return
		}
	}
	if errs.ClassOf(err) == errs.Duplicate {
		// Idempotency replay, not a failure.
		log.Debug().Str("topic", topic).Str("event_id", msg.EventID()).Msg("duplicate event skipped")
		return
	}
	b.deadLetter(ctx, topic, group, msg, err)
}

func (b *LogBus) deadLetter(ctx context.Context, topic, group string, msg *Message, cause error) {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderDLQReason] = cause.Error()
	headers[HeaderDLQTopic] = topic

	if err := b.Publish(ctx, b.dlqTopic, msg.Key, msg.Payload, headers); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("event_id", msg.EventID()).
			Msg("failed to dead-letter record")
		return
	}
	log.Warn().Str("topic", topic).Str("group", group).Str("event_id", msg.EventID()).
		Str("reason", errs.CodeOf(cause)).Msg("record dead-lettered")
}
