// Package limits holds the consumable availability counters behind the
// synchronous decision paths: short-sell-available and locate-available per
// (client, aggregation unit, security). Decrements are atomic
// compare-and-swap with bounded retries, remembered by idempotency key,
// and optionally held under a TTL that replenishes on expiry.
package limits

import (
	"context"
	"fmt"
	"time"
)

// CounterKind selects which counter of a key tuple is consumed.
type CounterKind string

const (
	CounterShortSell CounterKind = "shortsell"
	CounterLocate    CounterKind = "locate"
)

// Key identifies one counter.
type Key struct {
	Counter           CounterKind
	ClientID          string
	AggregationUnitID string
	SecurityID        string
}

// String renders the storage key.
func (k Key) String() string {
	return fmt.Sprintf("limit:%s:%s:%s:%s", k.Counter, k.ClientID, k.AggregationUnitID, k.SecurityID)
}

// PoolKey addresses the firm-wide availability pool for a unit and
// security. Client-scoped limits layer on top with a real client id.
func PoolKey(counter CounterKind, unitID, securityID string) Key {
	return Key{Counter: counter, ClientID: "*", AggregationUnitID: unitID, SecurityID: securityID}
}

// RejectCode explains a rejected decrement.
type RejectCode string

const (
	RejectInsufficient RejectCode = "insufficient"
	RejectContended    RejectCode = "contended"
)

// Result is the outcome of TryDecrement. Replayed is set when the
// idempotency window returned a remembered result instead of consuming.
type Result struct {
	Committed        bool       `json:"committed"`
	Reason           RejectCode `json:"reason,omitempty"`
	NewAvailable     int64      `json:"new_available"`
	CurrentAvailable int64      `json:"current_available"`
	Replayed         bool       `json:"replayed,omitempty"`
}

// Snapshot is a point-in-time read of one counter.
type Snapshot struct {
	Available int64 `json:"available"`
	Held      int64 `json:"held"`
	Version   int64 `json:"version"`
}

// Service is the limit counter contract. Both implementations (in-memory
// and Redis) carry identical semantics.
type Service interface {
	// TryDecrement consumes qty from the counter. ttl > 0 records a hold
	// that replenishes when it expires (locate holds). A repeated
	// idempotencyKey within the window replays the original result.
	TryDecrement(ctx context.Context, key Key, qty int64, ttl time.Duration, idempotencyKey string) (Result, error)

	// Replenish credits the counter, used when availability rises.
	Replenish(ctx context.Context, key Key, qty int64) error

	// Set forces the counter to an absolute value (calculator rebuilds).
	Set(ctx context.Context, key Key, available int64) error

	// Snapshot reads the counter without consuming.
	Snapshot(ctx context.Context, key Key) (Snapshot, error)

	// Rollback credits back a committed decrement identified by its
	// idempotency key, tombstoning it so a second rollback is a no-op.
	// It returns the quantity credited, zero when nothing was.
	Rollback(ctx context.Context, key Key, idempotencyKey string) (int64, error)

	// SweepExpiredHolds credits back all holds whose TTL has passed and
	// returns how many were released.
	SweepExpiredHolds(ctx context.Context) (int, error)
}
