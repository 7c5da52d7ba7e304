// Package shortsell is the synchronous order validation gate. Every
// sell-short order must clear availability before it leaves the firm; the
// whole decision fits inside a hard deadline, with the counter decrement
// given its own smaller budget.
package shortsell

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/limits"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
)

// AvailabilityFunc resolves the current short-sell availability row for a
// security and unit. Wired to the inventory calculator; the gate only uses
// it for the rule-exclusion check, quantities come from the limit counter.
type AvailabilityFunc func(securityID, unitID string) (domain.InventoryAvailability, bool)

// DecisionFunc receives every gate decision, in commit order.
type DecisionFunc func(ctx context.Context, d domain.ShortSellDecision)

// ConsumedFunc is notified when an accepted order consumes pool
// availability, and with a negative quantity when a cancel credits it back.
type ConsumedFunc func(ctx context.Context, securityID, unitID string, qty int64)

// Gate validates sell and sell-short orders.
type Gate struct {
	cfg          config.ShortSellConfig
	logger       zerolog.Logger
	metrics      *metrics.Registry
	refdata      *refdata.Store
	limits       limits.Service
	repo         persistence.DecisionRepo
	availability AvailabilityFunc
	onDecision   DecisionFunc
	onConsumed   ConsumedFunc
	now          func() time.Time

	appends sync.WaitGroup
}

// NewGate builds the gate.
func NewGate(cfg config.ShortSellConfig, ref *refdata.Store, lim limits.Service,
	repo persistence.DecisionRepo, reg *metrics.Registry) *Gate {
	return &Gate{
		cfg:     cfg,
		logger:  log.Component("shortsell"),
		metrics: reg,
		refdata: ref,
		limits:  lim,
		repo:    repo,
		now:     time.Now,
	}
}

// SetAvailability wires the calculator lookup for rule-exclusion checks.
func (g *Gate) SetAvailability(fn AvailabilityFunc) { g.availability = fn }

// OnDecision registers the outbound decision hook.
func (g *Gate) OnDecision(fn DecisionFunc) { g.onDecision = fn }

// OnConsumed registers the pool consumption hook. The inventory calculator
// hangs off this to keep the published decrement current.
func (g *Gate) OnConsumed(fn ConsumedFunc) { g.onConsumed = fn }

func gateIdemKey(orderID string) string { return "gate:" + orderID }

// Validate decides one order. It always returns a decision; errors are
// reserved for infrastructure failures where no decision was reached.
func (g *Gate) Validate(ctx context.Context, order *domain.Order) (domain.ShortSellDecision, error) {
	start := g.now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Deadline)
	defer cancel()

	d := domain.ShortSellDecision{
		OrderID:           order.OrderID,
		OrderType:         order.OrderType,
		Side:              order.Side,
		SecurityID:        order.SecurityID,
		ClientID:          order.ClientID,
		AggregationUnitID: order.AggregationUnitID,
		Quantity:          order.Quantity,
	}

	if err := order.Validate(); err != nil {
		return g.finish(ctx, d, domain.DecisionRejected, domain.ReasonInvalidOrder, start), nil
	}
	if order.Side != domain.OrderSell && order.Side != domain.OrderSellShort {
		return g.finish(ctx, d, domain.DecisionRejected, domain.ReasonInvalidOrder, start), nil
	}
	if _, err := g.refdata.FindByInternal(order.SecurityID); err != nil {
		return g.finish(ctx, d, domain.DecisionRejected, domain.ReasonInvalidOrder, start), nil
	}

	// long sells clear without consuming short-sell availability
	if order.Side == domain.OrderSell {
		return g.finish(ctx, d, domain.DecisionAccepted, "", start), nil
	}

	if g.availability != nil {
		if row, ok := g.availability(order.SecurityID, order.AggregationUnitID); ok && row.Status == "excluded" {
			return g.finish(ctx, d, domain.DecisionRejected, domain.ReasonRuleBlocked, start), nil
		}
	}

	reason, blocked, clientHeld := g.clientLimitBlocks(ctx, order)
	if blocked {
		return g.finish(ctx, d, domain.DecisionRejected, reason, start), nil
	}

	pool := limits.PoolKey(limits.CounterShortSell, order.AggregationUnitID, order.SecurityID)
	dctx, dcancel := context.WithTimeout(ctx, g.cfg.DecrementBudget)
	res, err := g.limits.TryDecrement(dctx, pool, order.Quantity, 0, gateIdemKey(order.OrderID))
	dcancel()
	if err != nil {
		g.releaseClient(order, clientHeld)
		if dctx.Err() != nil || ctx.Err() != nil {
			return g.finish(context.Background(), d, domain.DecisionRejected, domain.ReasonTimeout, start), nil
		}
		return domain.ShortSellDecision{}, errs.Tag(err, "shortsell", order.OrderID, "")
	}

	switch {
	case res.Committed:
		if g.onConsumed != nil {
			g.onConsumed(ctx, order.SecurityID, order.AggregationUnitID, order.Quantity)
		}
		return g.finish(ctx, d, domain.DecisionAccepted, "", start), nil
	case res.Reason == limits.RejectContended:
		// the retry budget ran out before a consistent answer
		g.releaseClient(order, clientHeld)
		return g.finish(ctx, d, domain.DecisionRejected, domain.ReasonTimeout, start), nil
	default:
		g.releaseClient(order, clientHeld)
		return g.finish(ctx, d, domain.DecisionRejected, domain.ReasonInsufficientAvailability, start), nil
	}
}

// clientLimitBlocks enforces a client-scoped counter when the desk has
// configured one. An absent counter never blocks. The third return reports
// whether the client counter was consumed; the caller must release it when
// the pool does not accept the order.
func (g *Gate) clientLimitBlocks(ctx context.Context, order *domain.Order) (domain.RejectReason, bool, bool) {
	key := limits.Key{
		Counter:           limits.CounterShortSell,
		ClientID:          order.ClientID,
		AggregationUnitID: order.AggregationUnitID,
		SecurityID:        order.SecurityID,
	}
	snap, err := g.limits.Snapshot(ctx, key)
	if err != nil || snap.Version == 0 {
		return "", false, false
	}
	res, err := g.limits.TryDecrement(ctx, key, order.Quantity, 0, gateIdemKey(order.OrderID)+":client")
	if err != nil {
		return domain.ReasonTimeout, true, false
	}
	if !res.Committed {
		return domain.ReasonClientLimit, true, false
	}
	return "", false, true
}

// releaseClient credits a consumed client-scoped decrement back for an
// order that did not clear the pool.
func (g *Gate) releaseClient(order *domain.Order, held bool) {
	if !held {
		return
	}
	key := limits.Key{
		Counter:           limits.CounterShortSell,
		ClientID:          order.ClientID,
		AggregationUnitID: order.AggregationUnitID,
		SecurityID:        order.SecurityID,
	}
	if _, err := g.limits.Rollback(context.Background(), key, gateIdemKey(order.OrderID)+":client"); err != nil {
		g.logger.Error().Err(err).Str("order", order.OrderID).Msg("client limit rollback failed")
	}
}

// Cancel rolls back the decrements a cancelled order consumed. The credit
// is tombstoned by idempotency key, so a duplicate cancel is a no-op.
func (g *Gate) Cancel(ctx context.Context, order *domain.Order) error {
	pool := limits.PoolKey(limits.CounterShortSell, order.AggregationUnitID, order.SecurityID)
	credited, err := g.limits.Rollback(ctx, pool, gateIdemKey(order.OrderID))
	if err != nil {
		return errs.Tag(err, "shortsell", order.OrderID, "")
	}
	if credited > 0 && g.onConsumed != nil {
		g.onConsumed(ctx, order.SecurityID, order.AggregationUnitID, -credited)
	}
	clientKey := limits.Key{
		Counter:           limits.CounterShortSell,
		ClientID:          order.ClientID,
		AggregationUnitID: order.AggregationUnitID,
		SecurityID:        order.SecurityID,
	}
	_, err = g.limits.Rollback(ctx, clientKey, gateIdemKey(order.OrderID)+":client")
	return err
}

// finish stamps the decision, records metrics and hands it to the async
// audit append.
func (g *Gate) finish(ctx context.Context, d domain.ShortSellDecision,
	outcome domain.DecisionOutcome, reason domain.RejectReason, start time.Time) domain.ShortSellDecision {

	elapsed := g.now().Sub(start)
	d.Decision = outcome
	d.Reason = reason
	d.DecidedAt = g.now().UTC()
	d.LatencyMS = elapsed.Milliseconds()

	if g.metrics != nil {
		g.metrics.GateLatency.WithLabelValues("shortsell").Observe(elapsed.Seconds())
		g.metrics.GateDecisions.WithLabelValues(string(outcome), string(reason)).Inc()
	}
	if g.onDecision != nil {
		g.onDecision(ctx, d)
	}
	if g.repo != nil {
		g.appends.Add(1)
		go func(rec domain.ShortSellDecision) {
			defer g.appends.Done()
			if err := g.repo.AppendShortSell(context.Background(), &rec); err != nil {
				g.logger.Error().Err(err).Str("order", rec.OrderID).Msg("decision audit append failed")
			}
		}(d)
	}
	return d
}

// Drain waits for in-flight audit appends, used on shutdown.
func (g *Gate) Drain() { g.appends.Wait() }
