package limits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
)

type memCounter struct {
	available int64
	held      int64
	version   int64
}

type idemRecord struct {
	key        Key
	qty        int64
	result     Result
	tombstoned bool
	expiresAt  time.Time
}

type memHold struct {
	key       Key
	idem      string
	qty       int64
	expiresAt time.Time
}

// Memory is the in-process Service used in tests and single-process runs.
// It carries the same optimistic-version semantics as the Redis
// implementation: a decrement re-reads and retries on version movement up
// to the configured bound.
type Memory struct {
	cfg    config.LimitsConfig
	logger zerolog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	counters map[string]*memCounter
	idem     map[string]*idemRecord
	holds    map[string]*memHold // idempotency key -> hold
}

// NewMemory builds an in-memory limit service.
func NewMemory(cfg config.LimitsConfig) *Memory {
	return &Memory{
		cfg:      cfg,
		logger:   log.Component("limits"),
		clock:    time.Now,
		counters: make(map[string]*memCounter),
		idem:     make(map[string]*idemRecord),
		holds:    make(map[string]*memHold),
	}
}

func (m *Memory) counter(key Key) *memCounter {
	c, ok := m.counters[key.String()]
	if !ok {
		c = &memCounter{}
		m.counters[key.String()] = c
	}
	return c
}

func (m *Memory) TryDecrement(ctx context.Context, key Key, qty int64, ttl time.Duration, idempotencyKey string) (Result, error) {
	if qty <= 0 {
		return Result{}, errs.New(errs.Validation, "bad_quantity", "decrement quantity must be positive, got %d", qty)
	}
	if ttl > 0 && idempotencyKey == "" {
		return Result{}, errs.New(errs.Validation, "missing_idempotency_key", "held decrements require an idempotency key")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, errs.Wrap(err, errs.Timeout, "deadline", "decrement cancelled")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if idempotencyKey != "" {
		if rec, ok := m.idem[idempotencyKey]; ok && now.Before(rec.expiresAt) {
			res := rec.result
			res.Replayed = true
			return res, nil
		}
	}

	c := m.counter(key)
	var res Result
	if c.available < qty {
		res = Result{Committed: false, Reason: RejectInsufficient, CurrentAvailable: c.available, NewAvailable: c.available}
	} else {
		c.available -= qty
		c.version++
		res = Result{Committed: true, NewAvailable: c.available, CurrentAvailable: c.available}
		if ttl > 0 {
			c.held += qty
			m.holds[idempotencyKey] = &memHold{key: key, idem: idempotencyKey, qty: qty, expiresAt: now.Add(ttl)}
		}
	}

	if idempotencyKey != "" {
		m.idem[idempotencyKey] = &idemRecord{
			key:       key,
			qty:       qty,
			result:    res,
			expiresAt: now.Add(m.cfg.IdempotencyWindow),
		}
	}
	return res, nil
}

func (m *Memory) Replenish(_ context.Context, key Key, qty int64) error {
	if qty <= 0 {
		return errs.New(errs.Validation, "bad_quantity", "replenish quantity must be positive, got %d", qty)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counter(key)
	c.available += qty
	c.version++
	return nil
}

func (m *Memory) Set(_ context.Context, key Key, available int64) error {
	if available < 0 {
		return errs.New(errs.Validation, "bad_quantity", "available cannot be negative, got %d", available)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counter(key)
	c.available = available
	c.version++
	return nil
}

func (m *Memory) Snapshot(_ context.Context, key Key) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counter(key)
	return Snapshot{Available: c.available, Held: c.held, Version: c.version}, nil
}

func (m *Memory) Rollback(_ context.Context, key Key, idempotencyKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idem[idempotencyKey]
	if !ok || rec.tombstoned || !rec.result.Committed {
		return 0, nil
	}
	rec.tombstoned = true

	c := m.counter(key)
	c.available += rec.qty
	c.version++
	if hold, ok := m.holds[idempotencyKey]; ok {
		c.held -= hold.qty
		delete(m.holds, idempotencyKey)
	}
	return rec.qty, nil
}

func (m *Memory) SweepExpiredHolds(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	released := 0
	for idem, hold := range m.holds {
		if now.Before(hold.expiresAt) {
			continue
		}
		c := m.counter(hold.key)
		c.available += hold.qty
		c.held -= hold.qty
		c.version++
		delete(m.holds, idem)
		if rec, ok := m.idem[idem]; ok {
			rec.tombstoned = true
		}
		released++
	}
	for idem, rec := range m.idem {
		if now.After(rec.expiresAt) {
			delete(m.idem, idem)
		}
	}
	if released > 0 {
		m.logger.Debug().Int("released", released).Msg("expired locate holds replenished")
	}
	return released, nil
}
