// Package position maintains settlement-ladder-aware position state keyed
// by (book, security). State is sharded by consistent hash; within a shard
// writes are serialized, which combined with per-key bus partitioning gives
// per-key serializability without coarse locks.
package position

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
)

// AppliedFunc is notified after every applied event, with the updated
// position. The inventory calculator hangs off this hook.
type AppliedFunc func(ctx context.Context, pos domain.Position, eventID string)

// Engine is the position engine.
type Engine struct {
	cfg       config.PositionConfig
	logger    zerolog.Logger
	metrics   *metrics.Registry
	snapshots *SnapshotStore
	shards    []*shard
	onApplied AppliedFunc
}

// NewEngine builds the engine with empty shards. Call Recover before
// consuming to load the last snapshots.
func NewEngine(cfg config.PositionConfig, snapshots *SnapshotStore, reg *metrics.Registry) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	e := &Engine{
		cfg:       cfg,
		logger:    log.Component("position"),
		metrics:   reg,
		snapshots: snapshots,
		shards:    make([]*shard, cfg.Shards),
	}
	for i := range e.shards {
		e.shards[i] = newShard(i)
	}
	return e
}

// OnApplied registers the applied-event hook. Must be set before consuming.
func (e *Engine) OnApplied(fn AppliedFunc) { e.onApplied = fn }

// shardForKey hashes the bus key. Trade and SOD messages are keyed by
// PositionKey.String(), so the message and its position land on the same
// shard, and so do the offsets noted for it.
func (e *Engine) shardForKey(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return e.shards[int(h.Sum32())%len(e.shards)]
}

func (e *Engine) shardFor(key domain.PositionKey) *shard {
	return e.shardForKey(key.String())
}

// HandleEvent is the bus handler for the position-snapshots and trades
// topics. Validation failures surface as Validation errors (routed to the
// DLQ by the bus); duplicates surface as Duplicate (swallowed).
func (e *Engine) HandleEvent(ctx context.Context, msg *bus.Message) error {
	var evt domain.CanonicalEvent
	if err := msg.Decode(&evt); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_event", "undecodable event on %s", msg.Topic)
	}
	if e.offsetCovered(msg) {
		return errs.New(errs.Duplicate, "duplicate_event",
			"offset %d on %s[%d] already inside the recovered watermark", msg.Offset, msg.Topic, msg.Partition)
	}

	var sh *shard
	var due bool
	var err error
	switch evt.Type {
	case domain.EventPositionSOD:
		var snap domain.SODSnapshot
		if err = evt.DecodePayload(&snap); err != nil {
			return errs.Wrap(err, errs.Validation, "bad_payload", "sod payload rejected")
		}
		snap.EventID = evt.EventID
		sh, due, err = e.applySOD(ctx, &snap)
	case domain.EventTrade:
		var trade domain.Trade
		if err = evt.DecodePayload(&trade); err != nil {
			return errs.Wrap(err, errs.Validation, "bad_payload", "trade payload rejected")
		}
		trade.EventID = evt.EventID
		sh, due, err = e.applyTrade(ctx, &trade)
	default:
		return errs.New(errs.Validation, "wrong_topic", "event type %q not handled by position engine", evt.Type)
	}
	if err != nil {
		return err
	}

	// note the offset before a due snapshot captures the shard, so the
	// persisted watermark covers this event
	e.noteOffset(msg)
	if due {
		e.snapshotShard(sh)
	}
	if e.metrics != nil {
		e.metrics.EventsProcessed.WithLabelValues("position", msg.Topic).Inc()
	}
	return nil
}

// noteOffset records the applied offset on the shard the message key hashes
// to, the same shard that holds its position.
func (e *Engine) noteOffset(msg *bus.Message) {
	sh := e.shardForKey(msg.Key)
	sh.mu.Lock()
	sh.noteOffsetLocked(msg.Topic, msg.Partition, msg.Offset)
	sh.mu.Unlock()
}

// offsetCovered reports whether a record sits below the shard's recovered
// watermark for its partition. Such records were applied before the last
// snapshot and arrive again only through replay.
func (e *Engine) offsetCovered(msg *bus.Message) bool {
	sh := e.shardForKey(msg.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	parts, ok := sh.offsets[msg.Topic]
	if !ok {
		return false
	}
	return msg.Offset < parts[msg.Partition]
}

// ApplySOD loads a start-of-day snapshot for a key, resetting intraday
// state. Duplicate event ids are no-ops.
func (e *Engine) ApplySOD(ctx context.Context, snap *domain.SODSnapshot) error {
	sh, due, err := e.applySOD(ctx, snap)
	if err != nil {
		return err
	}
	if due {
		e.snapshotShard(sh)
	}
	return nil
}

func (e *Engine) applySOD(ctx context.Context, snap *domain.SODSnapshot) (*shard, bool, error) {
	if snap.EventID == "" || snap.Book == "" || snap.SecurityID == "" {
		return nil, false, errs.New(errs.Validation, "bad_sod", "sod snapshot missing event id, book or security")
	}
	key := domain.PositionKey{Book: snap.Book, SecurityID: snap.SecurityID}
	sh := e.shardFor(key)

	sh.mu.Lock()
	pos, ok := sh.positions[key]
	if ok && pos.LastEventID == snap.EventID {
		sh.mu.Unlock()
		return nil, false, errs.New(errs.Duplicate, "duplicate_event", "sod %s already applied to %s", snap.EventID, key)
	}
	next := &domain.Position{
		Book:         snap.Book,
		SecurityID:   snap.SecurityID,
		BusinessDate: snap.BusinessDate,
		SODQty:       snap.Quantity,
		Current:      snap.Quantity,
		Projected:    snap.Quantity,
		Ladder:       map[domain.BusinessDate]int64{snap.BusinessDate: snap.Quantity},
		LastEventID:  snap.EventID,
		UpdatedAt:    time.Now().UTC(),
	}
	if ok {
		next.Version = pos.Version + 1
		next.Hypothecatable = pos.Hypothecatable
	}
	if err := next.CheckInvariants(); err != nil {
		sh.mu.Unlock()
		return nil, false, errs.Wrap(err, errs.Fatal, "invariant_violated", "sod application broke invariants")
	}
	sh.positions[key] = next
	applied := *next
	sh.sinceSnapshot++
	due := e.snapshotDueLocked(sh)
	sh.mu.Unlock()

	e.notify(ctx, applied, snap.EventID)
	return sh, due, nil
}

// ApplyTrade runs the trade state machine: received, validated, then
// applied, rejected-duplicate or error.
func (e *Engine) ApplyTrade(ctx context.Context, trade *domain.Trade) error {
	sh, due, err := e.applyTrade(ctx, trade)
	if err != nil {
		return err
	}
	if due {
		e.snapshotShard(sh)
	}
	return nil
}

func (e *Engine) applyTrade(ctx context.Context, trade *domain.Trade) (*shard, bool, error) {
	if err := trade.Validate(); err != nil {
		return nil, false, errs.Wrap(err, errs.Validation, "bad_trade", "trade rejected")
	}
	key := domain.PositionKey{Book: trade.Book, SecurityID: trade.SecurityID}
	sh := e.shardFor(key)

	sh.mu.Lock()
	pos, ok := sh.positions[key]
	if !ok {
		pos = &domain.Position{
			Book:         trade.Book,
			SecurityID:   trade.SecurityID,
			BusinessDate: trade.TradeDate,
			Ladder:       map[domain.BusinessDate]int64{},
		}
		sh.positions[key] = pos
	}
	if pos.LastEventID == trade.EventID {
		sh.mu.Unlock()
		return nil, false, errs.New(errs.Duplicate, "duplicate_event", "trade %s already applied to %s", trade.EventID, key)
	}

	qty := trade.SignedQty()
	if trade.Side == domain.SideBuy {
		pos.IntradayBuy += trade.Quantity
	} else {
		pos.IntradaySell += trade.Quantity
	}
	pos.Current += qty
	pos.Ladder[trade.SettlementDate] += qty
	pos.Projected += qty
	pos.LastEventID = trade.EventID
	pos.UpdatedAt = time.Now().UTC()
	pos.Version++

	if err := pos.CheckInvariants(); err != nil {
		// the shard state is no longer trustworthy; recovery replays from
		// the last good snapshot
		sh.mu.Unlock()
		return nil, false, errs.Wrap(err, errs.Fatal, "invariant_violated", "trade application broke invariants")
	}
	applied := *pos
	sh.sinceSnapshot++
	due := e.snapshotDueLocked(sh)
	sh.mu.Unlock()

	e.notify(ctx, applied, trade.EventID)
	return sh, due, nil
}

func (e *Engine) notify(ctx context.Context, pos domain.Position, eventID string) {
	if e.onApplied != nil {
		e.onApplied(ctx, pos, eventID)
	}
}

// Get returns a copy of the position for a key.
func (e *Engine) Get(key domain.PositionKey) (domain.Position, bool) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	pos, ok := sh.positions[key]
	if !ok {
		return domain.Position{}, false
	}
	cp := *pos
	cp.Ladder = make(map[domain.BusinessDate]int64, len(pos.Ladder))
	for d, q := range pos.Ladder {
		cp.Ladder[d] = q
	}
	return cp, true
}

func (e *Engine) snapshotDueLocked(sh *shard) bool {
	return e.snapshots != nil && e.cfg.SnapshotEveryN > 0 && sh.sinceSnapshot >= e.cfg.SnapshotEveryN
}

// snapshotShard persists one shard. Failures are logged, not fatal; the
// previous snapshot plus replay still recovers the shard.
func (e *Engine) snapshotShard(sh *shard) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.Write(sh.capture()); err != nil {
		e.logger.Error().Err(err).Int("shard", sh.id).Msg("shard snapshot failed")
		return
	}
	sh.mu.Lock()
	sh.sinceSnapshot = 0
	sh.mu.Unlock()
}

// SnapshotAll persists every shard, used by the periodic job and the
// snapshot-now operator command.
func (e *Engine) SnapshotAll() error {
	if e.snapshots == nil {
		return nil
	}
	for _, sh := range e.shards {
		if err := e.snapshots.Write(sh.capture()); err != nil {
			return err
		}
		sh.mu.Lock()
		sh.sinceSnapshot = 0
		sh.mu.Unlock()
	}
	e.logger.Info().Int("shards", len(e.shards)).Msg("position snapshots written")
	return nil
}

// Recover loads the persisted shard snapshots and returns the lowest
// committed offset per (topic, partition) to replay the log from. An empty
// map means replay from zero.
func (e *Engine) Recover() (map[string]bus.GroupOffsets, error) {
	if e.snapshots == nil {
		return nil, nil
	}
	resume := make(map[string]bus.GroupOffsets)
	for _, sh := range e.shards {
		shot, ok, err := e.snapshots.Load(sh.id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		sh.restore(shot)
		for topic, parts := range shot.Offsets {
			if resume[topic] == nil {
				resume[topic] = bus.GroupOffsets{}
			}
			for part, off := range parts {
				cur, seen := resume[topic][part]
				if !seen || off < cur {
					resume[topic][part] = off
				}
			}
		}
	}
	e.logger.Info().Int("shards", len(e.shards)).Msg("position state recovered from snapshots")
	return resume, nil
}
