// Package inventory is the availability calculator. It folds position and
// contract state into per (security, unit, business-date, calculation)
// availability rows under the active market rules, keeps the limit
// counters fed, and emits a delta for every row it rewrites.
package inventory

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/limits"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/rules"
)

// numStripes bounds lock granularity; recalculation for one security is
// serialized on its stripe.
const numStripes = 64

// defaultUnitID is used for markets with no configured aggregation unit.
const defaultUnitID = "FIRM"

// DeltaFunc receives every availability change, in commit order per
// security. The publisher hangs off this hook.
type DeltaFunc func(ctx context.Context, delta domain.InventoryDelta)

// posView is the slice of position state the calculator needs, keyed by
// book under each security.
type posView struct {
	Book           string
	BusinessDate   domain.BusinessDate
	SODQty         int64
	Current        int64
	Projected      int64
	Hypothecatable bool
}

// Calculator owns the availability rows.
type Calculator struct {
	logger  zerolog.Logger
	metrics *metrics.Registry
	refdata *refdata.Store
	rules   *rules.Engine
	limits  limits.Service
	onDelta DeltaFunc
	now     func() time.Time

	stripes [numStripes]sync.Mutex

	mu        sync.RWMutex
	rows      map[domain.AvailabilityKey]*domain.InventoryAvailability
	positions map[string]map[string]*posView // security -> book
	contracts map[string]*domain.Contract    // by external id
	bySec     map[string]map[string]bool     // security -> contract ids
	prices    map[string]float64
	consumed  map[consumedKey]int64            // net decision-path consumption
	basis     map[domain.AvailabilityKey]int64 // last rule-derived available synced to limits
}

// consumedKey addresses the consumption total one decision pool reports.
type consumedKey struct {
	SecurityID string
	UnitID     string
	Calc       domain.CalculationType
}

// NewCalculator builds the calculator. Wire OnPositionApplied into the
// position engine and HandleEvent into the contracts and market-data
// topics before starting consumption.
func NewCalculator(ref *refdata.Store, eng *rules.Engine, lim limits.Service, reg *metrics.Registry) *Calculator {
	return &Calculator{
		logger:    log.Component("inventory"),
		metrics:   reg,
		refdata:   ref,
		rules:     eng,
		limits:    lim,
		now:       time.Now,
		rows:      make(map[domain.AvailabilityKey]*domain.InventoryAvailability),
		positions: make(map[string]map[string]*posView),
		contracts: make(map[string]*domain.Contract),
		bySec:     make(map[string]map[string]bool),
		prices:    make(map[string]float64),
		consumed:  make(map[consumedKey]int64),
		basis:     make(map[domain.AvailabilityKey]int64),
	}
}

// OnDelta registers the delta hook. Must be set before consumption starts.
func (c *Calculator) OnDelta(fn DeltaFunc) { c.onDelta = fn }

func (c *Calculator) stripe(securityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(securityID))
	return &c.stripes[int(h.Sum32())%numStripes]
}

// OnPositionApplied is the position engine hook: record the new position
// view and recalculate the security.
func (c *Calculator) OnPositionApplied(ctx context.Context, pos domain.Position, eventID string) {
	c.mu.Lock()
	books, ok := c.positions[pos.SecurityID]
	if !ok {
		books = make(map[string]*posView)
		c.positions[pos.SecurityID] = books
	}
	books[pos.Book] = &posView{
		Book:           pos.Book,
		BusinessDate:   pos.BusinessDate,
		SODQty:         pos.SODQty,
		Current:        pos.Current,
		Projected:      pos.Projected,
		Hypothecatable: pos.Hypothecatable,
	}
	c.mu.Unlock()

	if err := c.RecalculateSecurity(ctx, pos.SecurityID); err != nil {
		c.logger.Error().Err(err).Str("security", pos.SecurityID).Str("event", eventID).
			Msg("recalculation after position change failed")
	}
}

// NoteConsumption records quantity a decision path consumed from its pool,
// negative when a cancel or expiry credits it back, and rewrites the
// security's rows so the published decrement tracks it. The counter itself
// already moved through the limit service.
func (c *Calculator) NoteConsumption(ctx context.Context, securityID, unitID string, calc domain.CalculationType, qty int64) {
	if qty == 0 {
		return
	}
	k := consumedKey{SecurityID: securityID, UnitID: unitID, Calc: calc}
	c.mu.Lock()
	total := c.consumed[k] + qty
	if total < 0 {
		total = 0
	}
	if total == 0 {
		delete(c.consumed, k)
	} else {
		c.consumed[k] = total
	}
	c.mu.Unlock()

	if err := c.RecalculateSecurity(ctx, securityID); err != nil {
		c.logger.Error().Err(err).Str("security", securityID).
			Msg("recalculation after consumption failed")
	}
}

func (c *Calculator) consumedFor(securityID, unitID string, calc domain.CalculationType) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumed[consumedKey{SecurityID: securityID, UnitID: unitID, Calc: calc}]
}

// HandleEvent is the bus handler for the contracts and market-data topics.
func (c *Calculator) HandleEvent(ctx context.Context, msg *bus.Message) error {
	var evt domain.CanonicalEvent
	if err := msg.Decode(&evt); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_event", "undecodable event on %s", msg.Topic)
	}

	switch evt.Type {
	case domain.EventContract:
		var con domain.Contract
		if err := evt.DecodePayload(&con); err != nil {
			return errs.Wrap(err, errs.Validation, "bad_payload", "contract payload rejected")
		}
		if err := c.ApplyContract(ctx, &con); err != nil {
			return err
		}
	case domain.EventMarketData:
		var md domain.MarketDataPoint
		if err := evt.DecodePayload(&md); err != nil {
			return errs.Wrap(err, errs.Validation, "bad_payload", "market data payload rejected")
		}
		if err := c.ApplyMarketData(ctx, &md); err != nil {
			return err
		}
	default:
		return errs.New(errs.Validation, "wrong_topic", "event type %q not handled by calculator", evt.Type)
	}

	if c.metrics != nil {
		c.metrics.EventsProcessed.WithLabelValues("inventory", msg.Topic).Inc()
	}
	return nil
}

// ApplyContract records a financing contract and recalculates the
// security it moves. A replayed (external id, version) pair is a no-op.
func (c *Calculator) ApplyContract(ctx context.Context, con *domain.Contract) error {
	if err := con.Validate(); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_contract", "contract rejected")
	}

	c.mu.Lock()
	prev, seen := c.contracts[con.ExternalID]
	if seen && prev.Version >= con.Version {
		c.mu.Unlock()
		return errs.New(errs.Duplicate, "duplicate_event",
			"contract %s version %d already applied", con.ExternalID, con.Version)
	}
	cp := *con
	c.contracts[con.ExternalID] = &cp
	ids, ok := c.bySec[con.SecurityID]
	if !ok {
		ids = make(map[string]bool)
		c.bySec[con.SecurityID] = ids
	}
	ids[con.ExternalID] = true
	c.mu.Unlock()

	return c.RecalculateSecurity(ctx, con.SecurityID)
}

// ApplyMarketData records the latest price for a security. Only price
// points feed rule attributes; other types are accepted and ignored.
func (c *Calculator) ApplyMarketData(ctx context.Context, md *domain.MarketDataPoint) error {
	if md.SecurityID == "" {
		return errs.New(errs.Validation, "bad_market_data", "market data point missing security")
	}
	if md.Type != domain.MarketDataPrice {
		return nil
	}

	c.mu.Lock()
	c.prices[md.SecurityID] = md.Value
	c.mu.Unlock()

	return c.RecalculateSecurity(ctx, md.SecurityID)
}

// RecalculateSecurity rewrites every availability row for a security
// under the currently active rules. Writes for one security are
// serialized on its stripe.
func (c *Calculator) RecalculateSecurity(ctx context.Context, securityID string) error {
	sec, err := c.refdata.FindByInternal(securityID)
	if err != nil {
		return errs.Tag(err, "inventory", securityID, "")
	}

	mu := c.stripe(securityID)
	mu.Lock()
	defer mu.Unlock()

	units := c.refdata.UnitsForMarket(sec.Market)
	unitIDs := make([]string, 0, len(units))
	for _, au := range units {
		unitIDs = append(unitIDs, au.ID)
	}
	if len(unitIDs) == 0 {
		unitIDs = []string{defaultUnitID}
	}

	base := c.baseQuantities(securityID)
	now := c.now().UTC()
	date := base.date
	if date == "" {
		date = domain.BusinessDateOf(now)
	}

	for _, unitID := range unitIDs {
		attrs := c.buildAttributes(sec, unitID, base)
		for _, calc := range domain.AllCalculationTypes {
			if err := c.recalcRow(ctx, sec, unitID, date, calc, base, attrs, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecalculateAll rewrites every security that has state, used after rule
// reloads.
func (c *Calculator) RecalculateAll(ctx context.Context) error {
	c.mu.RLock()
	ids := make(map[string]bool, len(c.positions))
	for id := range c.positions {
		ids[id] = true
	}
	for id := range c.bySec {
		ids[id] = true
	}
	c.mu.RUnlock()

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		if err := c.RecalculateSecurity(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// baseView aggregates the raw quantities one security contributes before
// rules apply.
type baseView struct {
	date           domain.BusinessDate
	sod            int64
	current        int64
	projected      int64
	long           int64 // sum of positive current per book
	borrowed       int64 // open stock-borrow quantity
	lent           int64 // open stock-loan and repo quantity
	pledged        int64 // open pledge quantity
	hypothecatable bool
	price          float64
	hasPrice       bool
}

func (c *Calculator) baseQuantities(securityID string) baseView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b baseView
	for _, pv := range c.positions[securityID] {
		b.sod += pv.SODQty
		b.current += pv.Current
		b.projected += pv.Projected
		if pv.Current > 0 {
			b.long += pv.Current
		}
		if pv.Hypothecatable {
			b.hypothecatable = true
		}
		if pv.BusinessDate > b.date {
			b.date = pv.BusinessDate
		}
	}
	for id := range c.bySec[securityID] {
		con := c.contracts[id]
		if con == nil || con.OpenQuantity <= 0 {
			continue
		}
		switch {
		case con.Type == domain.ContractPledge:
			b.pledged += con.OpenQuantity
		case con.Side == domain.ContractBorrow:
			b.borrowed += con.OpenQuantity
		default:
			b.lent += con.OpenQuantity
		}
	}
	if p, ok := c.prices[securityID]; ok {
		b.price = p
		b.hasPrice = true
	}
	return b
}

// gross returns the raw pool a calculation type starts from.
func (b baseView) gross(calc domain.CalculationType) int64 {
	var g int64
	switch calc {
	case domain.CalcForPledge:
		// only hypothecatable longs can be pledged, net of existing pledges
		if !b.hypothecatable {
			return 0
		}
		g = b.long - b.pledged
	case domain.CalcOverborrow:
		// borrows not consumed by short coverage
		g = b.borrowed + b.current
		if b.borrowed < g {
			g = b.borrowed
		}
	default:
		// for-loan, locate, short-sell: longs plus borrows, less stock out
		// on loan or pledged away
		g = b.long + b.borrowed - b.lent - b.pledged
	}
	if g < 0 {
		g = 0
	}
	return g
}

func (c *Calculator) buildAttributes(sec *domain.Security, unitID string, base baseView) rules.Attributes {
	attrs := rules.Attributes{
		"security.type":           string(sec.Type),
		"security.market":         sec.Market,
		"security.currency":       sec.Currency,
		"security.issuer":         sec.Issuer,
		"security.status":         string(sec.Status),
		"security.is_basket":      sec.IsBasket,
		"position.sod_qty":        base.sod,
		"position.current_qty":    base.current,
		"position.projected_qty":  base.projected,
		"position.hypothecatable": base.hypothecatable,
	}
	if au, err := c.refdata.GetAggregationUnit(unitID); err == nil {
		attrs["unit.region"] = au.Region
		attrs["unit.market"] = au.Market
	}
	if base.hasPrice {
		attrs["market_data.price"] = base.price
	}
	return attrs
}

// recalcRow rewrites one availability row. Caller holds the security
// stripe.
func (c *Calculator) recalcRow(ctx context.Context, sec *domain.Security, unitID string,
	date domain.BusinessDate, calc domain.CalculationType, base baseView, attrs rules.Attributes, now time.Time) error {

	key := domain.AvailabilityKey{
		SecurityID:        sec.InternalID,
		AggregationUnitID: unitID,
		BusinessDate:      date,
		Calculation:       calc,
	}

	c.mu.RLock()
	prev := c.rows[key]
	c.mu.RUnlock()

	gross := base.gross(calc)
	next := &domain.InventoryAvailability{
		SecurityID:        sec.InternalID,
		AggregationUnitID: unitID,
		BusinessDate:      date,
		Calculation:       calc,
		Gross:             gross,
		Net:               base.current + base.borrowed - base.lent,
		Available:         gross,
		Temperature:       domain.TemperatureGC,
		Status:            "calculated",
		CalculatedAt:      now,
		Version:           1,
	}
	if prev != nil {
		next.Version = prev.Version + 1
	}
	next.Decrement = c.consumedFor(sec.InternalID, unitID, calc)

	// highest-priority matching rule wins; ties broken by the selection
	// order the rule cache already carries
	for _, rule := range c.rules.ActiveRules(sec.Market, calc, now) {
		if !rules.Matches(rule, attrs) {
			continue
		}
		applyActions(next, rule, gross)
		next.RuleID = rule.ID
		next.RuleVersion = rule.Version
		break
	}

	// clamp into the invariant envelope, then take the decision-path
	// consumption off the rule-derived availability
	if next.Available < 0 {
		next.Available = 0
	}
	if room := next.Gross - next.Reserved; next.Available > room {
		next.Available = room
		if next.Available < 0 {
			next.Available = 0
		}
	}
	if maxDec := next.Gross - next.Reserved; next.Decrement > maxDec {
		next.Decrement = maxDec
		if next.Decrement < 0 {
			next.Decrement = 0
		}
	}
	basis := next.Available
	next.Available -= next.Decrement
	if next.Available < 0 {
		next.Available = 0
	}
	if err := next.CheckInvariants(); err != nil {
		return errs.Wrap(err, errs.Fatal, "invariant_violated", "availability recalculation broke invariants")
	}

	var prevAvail int64
	if prev != nil {
		prevAvail = prev.Available
	}
	if prev != nil && availabilityEqual(prev, next) {
		return nil
	}

	c.mu.Lock()
	c.rows[key] = next
	c.mu.Unlock()

	c.syncLimits(ctx, key, basis, next)

	if c.metrics != nil {
		c.metrics.Recalculations.WithLabelValues(string(calc)).Inc()
	}
	if c.onDelta != nil {
		c.onDelta(ctx, domain.InventoryDelta{
			Key:          key,
			Available:    next.Available,
			PrevAvail:    prevAvail,
			Reserved:     next.Reserved,
			Decrement:    next.Decrement,
			Temperature:  next.Temperature,
			RuleID:       next.RuleID,
			RuleVersion:  next.RuleVersion,
			Version:      next.Version,
			CalculatedAt: next.CalculatedAt,
		})
	}
	return nil
}

// applyActions folds the matched rule's actions into the row, in order.
func applyActions(row *domain.InventoryAvailability, rule *domain.Rule, gross int64) {
	included := true
	for _, a := range rule.Actions {
		switch a.Type {
		case domain.ActionMultiplyFactor:
			row.Available = int64(math.Round(float64(row.Available) * a.Factor))
		case domain.ActionInclude:
			included = true
		case domain.ActionExclude:
			included = false
		case domain.ActionReserveForPledge:
			r := int64(math.Round(float64(gross) * a.Factor))
			row.Reserved += r
			row.Available -= r
		case domain.ActionSetTemperature:
			row.Temperature = domain.Temperature(a.Value)
		case domain.ActionSetBorrowRate:
			row.BorrowRate = a.Factor
		}
	}
	if !included {
		row.Available = 0
		row.Reserved = 0
		row.Status = "excluded"
	}
}

func availabilityEqual(a, b *domain.InventoryAvailability) bool {
	return a.Available == b.Available && a.Gross == b.Gross && a.Net == b.Net &&
		a.Reserved == b.Reserved && a.Decrement == b.Decrement &&
		a.Temperature == b.Temperature && a.BorrowRate == b.BorrowRate &&
		a.RuleID == b.RuleID && a.RuleVersion == b.RuleVersion && a.Status == b.Status
}

// syncLimits feeds the decision-path counters. The first write seeds the
// pool; later writes replenish only when the rule-derived availability
// rises. Consumption and its rollbacks move the counter through the limit
// service itself, so decrement changes never sync.
func (c *Calculator) syncLimits(ctx context.Context, key domain.AvailabilityKey,
	basis int64, next *domain.InventoryAvailability) {
	if c.limits == nil {
		return
	}

	var counter limits.CounterKind
	switch key.Calculation {
	case domain.CalcShortSell:
		counter = limits.CounterShortSell
	case domain.CalcLocate:
		counter = limits.CounterLocate
	default:
		return
	}

	c.mu.Lock()
	prevBasis, seen := c.basis[key]
	c.basis[key] = basis
	c.mu.Unlock()

	pool := limits.PoolKey(counter, key.AggregationUnitID, key.SecurityID)
	var err error
	switch {
	case !seen:
		err = c.limits.Set(ctx, pool, next.Available)
	case basis > prevBasis:
		err = c.limits.Replenish(ctx, pool, basis-prevBasis)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("key", pool.String()).Msg("limit counter sync failed")
	}
}

// Get returns one availability row by key.
func (c *Calculator) Get(key domain.AvailabilityKey) (domain.InventoryAvailability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[key]
	if !ok {
		return domain.InventoryAvailability{}, false
	}
	return *row, true
}

// ListForSecurity returns every availability row for a security, sorted
// by key.
func (c *Calculator) ListForSecurity(securityID string) []domain.InventoryAvailability {
	c.mu.RLock()
	var out []domain.InventoryAvailability
	for _, row := range c.rows {
		if row.SecurityID == securityID {
			out = append(out, *row)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}
