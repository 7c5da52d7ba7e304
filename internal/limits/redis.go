package limits

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
)

const holdIndexKey = "limit-holds"

// idemEntry is what the idempotency window remembers per key.
type idemEntry struct {
	Key        Key    `json:"key"`
	Qty        int64  `json:"qty"`
	Result     Result `json:"result"`
	Tombstoned bool   `json:"tombstoned"`
}

// holdEntry records a TTL'd decrement pending expiry.
type holdEntry struct {
	Key Key   `json:"key"`
	Qty int64 `json:"qty"`
}

// Redis implements Service on a shared Redis, WATCH/MULTI for the CAS
// decrement with bounded retries. Holds live in a ZSET scored by expiry so
// the sweep can credit them back without scanning.
type Redis struct {
	cfg    config.LimitsConfig
	client *redis.Client
	logger zerolog.Logger
	clock  func() time.Time
}

// NewRedis builds the Redis-backed limit service.
func NewRedis(cfg config.LimitsConfig, client *redis.Client) *Redis {
	return &Redis{
		cfg:    cfg,
		client: client,
		logger: log.Component("limits"),
		clock:  time.Now,
	}
}

// Connect opens and pings the counter store.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "redis_unreachable", "redis ping failed")
	}
	return client, nil
}

func idemKeyOf(idempotencyKey string) string { return "limit-idem:" + idempotencyKey }
func holdKeyOf(idempotencyKey string) string { return "limit-hold:" + idempotencyKey }
func heldKeyOf(key Key) string               { return key.String() + ":held" }
func versionKeyOf(key Key) string            { return key.String() + ":ver" }

func (r *Redis) TryDecrement(ctx context.Context, key Key, qty int64, ttl time.Duration, idempotencyKey string) (Result, error) {
	if qty <= 0 {
		return Result{}, errs.New(errs.Validation, "bad_quantity", "decrement quantity must be positive, got %d", qty)
	}
	if ttl > 0 && idempotencyKey == "" {
		return Result{}, errs.New(errs.Validation, "missing_idempotency_key", "held decrements require an idempotency key")
	}

	if idempotencyKey != "" {
		raw, err := r.client.Get(ctx, idemKeyOf(idempotencyKey)).Result()
		if err == nil {
			var entry idemEntry
			if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr != nil {
				return Result{}, errs.Wrap(jsonErr, errs.Fatal, "idem_corrupt", "idempotency record unreadable")
			}
			res := entry.Result
			res.Replayed = true
			return res, nil
		}
		if !errors.Is(err, redis.Nil) {
			return Result{}, errs.Wrap(err, errs.Dependency, "redis_read", "idempotency lookup failed")
		}
	}

	var res Result
	storageKey := key.String()
	txf := func(tx *redis.Tx) error {
		avail, err := tx.Get(ctx, storageKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if avail < qty {
			res = Result{Committed: false, Reason: RejectInsufficient, CurrentAvailable: avail, NewAvailable: avail}
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.DecrBy(ctx, storageKey, qty)
			pipe.Incr(ctx, versionKeyOf(key))
			if ttl > 0 {
				hold, _ := json.Marshal(holdEntry{Key: key, Qty: qty})
				pipe.IncrBy(ctx, heldKeyOf(key), qty)
				pipe.Set(ctx, holdKeyOf(idempotencyKey), hold, 0)
				pipe.ZAdd(ctx, holdIndexKey, redis.Z{
					Score:  float64(r.clock().Add(ttl).UnixMilli()),
					Member: idempotencyKey,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
		res = Result{Committed: true, NewAvailable: avail - qty, CurrentAvailable: avail - qty}
		return nil
	}

	committedOrDecided := false
	for attempt := 0; attempt <= r.cfg.CASRetries; attempt++ {
		err := r.client.Watch(ctx, txf, storageKey)
		if err == nil {
			committedOrDecided = true
			break
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Result{}, errs.Wrap(err, errs.Dependency, "redis_cas", "decrement transaction failed")
	}
	if !committedOrDecided {
		snap, err := r.Snapshot(ctx, key)
		if err != nil {
			return Result{}, err
		}
		res = Result{Committed: false, Reason: RejectContended, CurrentAvailable: snap.Available, NewAvailable: snap.Available}
	}

	if idempotencyKey != "" {
		entry, _ := json.Marshal(idemEntry{Key: key, Qty: qty, Result: res})
		if err := r.client.Set(ctx, idemKeyOf(idempotencyKey), entry, r.cfg.IdempotencyWindow).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", storageKey).Msg("failed to record idempotency entry")
		}
	}
	return res, nil
}

func (r *Redis) Replenish(ctx context.Context, key Key, qty int64) error {
	if qty <= 0 {
		return errs.New(errs.Validation, "bad_quantity", "replenish quantity must be positive, got %d", qty)
	}
	pipe := r.client.TxPipeline()
	pipe.IncrBy(ctx, key.String(), qty)
	pipe.Incr(ctx, versionKeyOf(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(err, errs.Dependency, "redis_write", "replenish failed")
	}
	return nil
}

func (r *Redis) Set(ctx context.Context, key Key, available int64) error {
	if available < 0 {
		return errs.New(errs.Validation, "bad_quantity", "available cannot be negative, got %d", available)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key.String(), available, 0)
	pipe.Incr(ctx, versionKeyOf(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(err, errs.Dependency, "redis_write", "set failed")
	}
	return nil
}

func (r *Redis) Snapshot(ctx context.Context, key Key) (Snapshot, error) {
	vals, err := r.client.MGet(ctx, key.String(), heldKeyOf(key), versionKeyOf(key)).Result()
	if err != nil {
		return Snapshot{}, errs.Wrap(err, errs.Dependency, "redis_read", "snapshot failed")
	}
	return Snapshot{
		Available: parseInt(vals[0]),
		Held:      parseInt(vals[1]),
		Version:   parseInt(vals[2]),
	}, nil
}

func parseInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (r *Redis) Rollback(ctx context.Context, key Key, idempotencyKey string) (int64, error) {
	idemKey := idemKeyOf(idempotencyKey)
	var credited int64
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, idemKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var entry idemEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return errs.Wrap(err, errs.Fatal, "idem_corrupt", "idempotency record unreadable")
		}
		if entry.Tombstoned || !entry.Result.Committed {
			return nil
		}
		entry.Tombstoned = true
		updated, _ := json.Marshal(entry)

		hadHold, err := tx.Exists(ctx, holdKeyOf(idempotencyKey)).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.IncrBy(ctx, key.String(), entry.Qty)
			pipe.Incr(ctx, versionKeyOf(key))
			pipe.Set(ctx, idemKey, updated, redis.KeepTTL)
			if hadHold > 0 {
				pipe.DecrBy(ctx, heldKeyOf(key), entry.Qty)
				pipe.ZRem(ctx, holdIndexKey, idempotencyKey)
				pipe.Del(ctx, holdKeyOf(idempotencyKey))
			}
			return nil
		})
		if err == nil {
			credited = entry.Qty
		}
		return err
	}
	if err := r.client.Watch(ctx, txf, idemKey); err != nil {
		return 0, errs.Wrap(err, errs.Dependency, "redis_rollback", "rollback failed for %s", idempotencyKey)
	}
	return credited, nil
}

func (r *Redis) SweepExpiredHolds(ctx context.Context) (int, error) {
	now := r.clock().UnixMilli()
	members, err := r.client.ZRangeByScore(ctx, holdIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, errs.Wrap(err, errs.Dependency, "redis_read", "hold sweep scan failed")
	}

	released := 0
	for _, idem := range members {
		raw, err := r.client.Get(ctx, holdKeyOf(idem)).Result()
		if errors.Is(err, redis.Nil) {
			r.client.ZRem(ctx, holdIndexKey, idem)
			continue
		}
		if err != nil {
			return released, errs.Wrap(err, errs.Dependency, "redis_read", "hold record read failed")
		}
		var hold holdEntry
		if err := json.Unmarshal([]byte(raw), &hold); err != nil {
			return released, errs.Wrap(err, errs.Fatal, "hold_corrupt", "hold record unreadable")
		}

		// tombstone the idempotency entry with the release, so a rollback
		// arriving after the sweep cannot credit the quantity a second time
		var updatedIdem []byte
		rawIdem, err := r.client.Get(ctx, idemKeyOf(idem)).Result()
		switch {
		case err == nil:
			var entry idemEntry
			if jsonErr := json.Unmarshal([]byte(rawIdem), &entry); jsonErr != nil {
				return released, errs.Wrap(jsonErr, errs.Fatal, "idem_corrupt", "idempotency record unreadable")
			}
			entry.Tombstoned = true
			updatedIdem, _ = json.Marshal(entry)
		case !errors.Is(err, redis.Nil):
			return released, errs.Wrap(err, errs.Dependency, "redis_read", "idempotency record read failed")
		}

		pipe := r.client.TxPipeline()
		pipe.IncrBy(ctx, hold.Key.String(), hold.Qty)
		pipe.DecrBy(ctx, heldKeyOf(hold.Key), hold.Qty)
		pipe.Incr(ctx, versionKeyOf(hold.Key))
		pipe.ZRem(ctx, holdIndexKey, idem)
		pipe.Del(ctx, holdKeyOf(idem))
		if updatedIdem != nil {
			pipe.Set(ctx, idemKeyOf(idem), updatedIdem, redis.KeepTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return released, errs.Wrap(err, errs.Dependency, "redis_write", "hold release failed")
		}
		released++
	}
	if released > 0 {
		r.logger.Debug().Int("released", released).Msg("expired locate holds replenished")
	}
	return released, nil
}
