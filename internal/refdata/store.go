// Package refdata is the reference store: securities with their external
// identifiers, counterparties and aggregation units, plus basket
// constituent graphs. Reads are served from a copy-on-write cache so the
// hot decision paths resolve identifiers without locks; writes are
// serialized per internal id.
package refdata

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
)

const writeStripes = 64

// maxConflicts bounds the in-memory conflict log; older entries roll off.
const maxConflicts = 1000

type externalKey struct {
	Type  domain.IdentifierType
	Value string
}

// state is the immutable cache snapshot swapped on every applied write.
type state struct {
	securities     map[string]*domain.Security
	external       map[externalKey]string
	counterparties map[string]*domain.Counterparty
	units          map[string]*domain.AggregationUnit
}

func emptyState() *state {
	return &state{
		securities:     make(map[string]*domain.Security),
		external:       make(map[externalKey]string),
		counterparties: make(map[string]*domain.Counterparty),
		units:          make(map[string]*domain.AggregationUnit),
	}
}

// Store maintains reference data with per-internal-id write serialization
// and lock-free cached reads.
type Store struct {
	logger   zerolog.Logger
	repo     *persistence.Repository
	priority map[string]int

	stripes [writeStripes]sync.Mutex
	cacheMu sync.Mutex // serializes cache swaps
	cache   atomic.Value

	attrMu     sync.Mutex
	attrSource map[string]string // internal id -> source that last set attributes

	conflictMu sync.Mutex
	conflicts  []domain.Conflict

	baskets basketGraph
}

// NewStore builds a reference store over the given repository. priority
// ranks feed sources; higher wins on cross-source disagreement.
func NewStore(repo *persistence.Repository, priority map[string]int) *Store {
	s := &Store{
		logger:     log.Component("refdata"),
		repo:       repo,
		priority:   priority,
		attrSource: make(map[string]string),
	}
	s.cache.Store(emptyState())
	s.baskets.init()
	return s
}

// WarmUp loads the cache from the repository. Called once at startup
// before any consumer starts.
func (s *Store) WarmUp(ctx context.Context) error {
	next := emptyState()

	secs, err := s.repo.Securities.List(ctx)
	if err != nil {
		return errs.Tag(err, "refdata", "", "")
	}
	for _, sec := range secs {
		next.securities[sec.InternalID] = sec
		for _, id := range sec.Identifiers {
			next.external[externalKey{id.Type, id.Value}] = sec.InternalID
		}
	}

	cps, err := s.repo.Counterparties.List(ctx)
	if err != nil {
		return errs.Tag(err, "refdata", "", "")
	}
	for _, cp := range cps {
		next.counterparties[cp.ID] = cp
	}

	units, err := s.repo.AggregationUnits.List(ctx)
	if err != nil {
		return errs.Tag(err, "refdata", "", "")
	}
	for _, au := range units {
		next.units[au.ID] = au
	}

	s.cache.Store(next)
	s.logger.Info().
		Int("securities", len(next.securities)).
		Int("counterparties", len(next.counterparties)).
		Int("aggregation_units", len(next.units)).
		Msg("reference cache warmed")
	return nil
}

func (s *Store) snapshot() *state {
	return s.cache.Load().(*state)
}

func (s *Store) stripeFor(internalID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(internalID))
	return &s.stripes[h.Sum32()%writeStripes]
}

func (s *Store) priorityOf(source string) int {
	return s.priority[source]
}

// UpsertSecurity merges an inbound security from source into the store.
// Identifiers accumulate across sources. Attribute changes from a
// lower-priority source than the one that last set them are not applied
// and are recorded as conflicts. A primary-identifier change requires a
// strictly higher-priority source, or override (operator action).
func (s *Store) UpsertSecurity(ctx context.Context, incoming *domain.Security, source string, override bool) (*domain.Security, error) {
	if err := incoming.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_security", "security rejected")
	}

	mu := s.stripeFor(incoming.InternalID)
	mu.Lock()
	defer mu.Unlock()

	existing := s.snapshot().securities[incoming.InternalID]

	var merged *domain.Security
	if existing == nil {
		cp := *incoming
		cp.Identifiers = append([]domain.SecurityIdentifier(nil), incoming.Identifiers...)
		merged = &cp
		s.setAttrSource(incoming.InternalID, source)
	} else {
		merged = s.merge(existing, incoming, source, override)
	}

	if err := s.repo.Securities.Upsert(ctx, merged); err != nil {
		return nil, errs.Tag(err, "refdata", incoming.InternalID, "")
	}
	s.swapSecurity(merged)
	return merged, nil
}

// merge applies incoming on top of existing under source-priority rules.
func (s *Store) merge(existing, incoming *domain.Security, source string, override bool) *domain.Security {
	merged := *existing
	merged.Identifiers = append([]domain.SecurityIdentifier(nil), existing.Identifiers...)

	incomingPri := s.priorityOf(source)
	attrPri := s.priorityOf(s.getAttrSource(existing.InternalID))

	// field-wise: an incoming value always fills an empty field; replacing
	// an established value needs at least the priority of the source that
	// set it, otherwise the loser is logged as a conflict
	applied := false
	apply := func(field string, have *string, in string) {
		if in == "" || in == *have {
			return
		}
		if override || *have == "" || incomingPri >= attrPri {
			*have = in
			applied = true
			return
		}
		s.recordConflict(domain.Conflict{
			InternalID:   existing.InternalID,
			Field:        field,
			KeptSource:   s.getAttrSource(existing.InternalID),
			KeptValue:    *have,
			LosingSource: source,
			LosingValue:  in,
			DetectedAt:   time.Now().UTC(),
		})
	}

	typ, status := string(merged.Type), string(merged.Status)
	apply("type", &typ, string(incoming.Type))
	apply("issuer", &merged.Issuer, incoming.Issuer)
	apply("currency", &merged.Currency, incoming.Currency)
	apply("market", &merged.Market, incoming.Market)
	apply("status", &status, string(incoming.Status))
	apply("basket_type", &merged.BasketType, incoming.BasketType)
	merged.Type = domain.SecurityType(typ)
	merged.Status = domain.SecurityStatus(status)
	merged.IsBasket = merged.IsBasket || incoming.IsBasket
	if applied && incomingPri >= attrPri {
		s.setAttrSource(existing.InternalID, source)
	}

	existingPrimary, hadPrimary := existing.PrimaryIdentifier()
	incomingPrimary, wantsPrimary := incoming.PrimaryIdentifier()
	primaryChange := hadPrimary && wantsPrimary &&
		(existingPrimary.Type != incomingPrimary.Type || existingPrimary.Value != incomingPrimary.Value)
	demoteIncoming := primaryChange && !override && incomingPri <= s.priorityOf(existingPrimary.Source)

	for _, in := range incoming.Identifiers {
		id := in
		id.IsPrimary = false
		idx := -1
		for i, have := range merged.Identifiers {
			if have.Type == id.Type && have.Value == id.Value {
				idx = i
				break
			}
		}
		if idx < 0 {
			merged.Identifiers = append(merged.Identifiers, id)
		} else if s.priorityOf(id.Source) >= s.priorityOf(merged.Identifiers[idx].Source) {
			id.IsPrimary = merged.Identifiers[idx].IsPrimary
			merged.Identifiers[idx] = id
		}
	}

	// the primary flag lands on exactly one pair: the incoming one when the
	// change is allowed, otherwise whatever was primary before
	winner := existingPrimary
	hasWinner := hadPrimary
	if wantsPrimary && (!hadPrimary || (primaryChange && !demoteIncoming)) {
		winner = incomingPrimary
		hasWinner = true
	}
	if hasWinner {
		for i := range merged.Identifiers {
			merged.Identifiers[i].IsPrimary = merged.Identifiers[i].Type == winner.Type &&
				merged.Identifiers[i].Value == winner.Value
		}
	}
	if demoteIncoming {
		s.recordConflict(domain.Conflict{
			InternalID:   existing.InternalID,
			Field:        "primary_identifier",
			KeptSource:   existingPrimary.Source,
			KeptValue:    string(existingPrimary.Type) + "=" + existingPrimary.Value,
			LosingSource: source,
			LosingValue:  string(incomingPrimary.Type) + "=" + incomingPrimary.Value,
			DetectedAt:   time.Now().UTC(),
		})
	}
	return &merged
}

func (s *Store) recordConflict(c domain.Conflict) {
	s.conflictMu.Lock()
	s.conflicts = append(s.conflicts, c)
	if len(s.conflicts) > maxConflicts {
		s.conflicts = s.conflicts[len(s.conflicts)-maxConflicts:]
	}
	s.conflictMu.Unlock()
	s.logger.Warn().
		Str("internal_id", c.InternalID).
		Str("field", c.Field).
		Str("kept_source", c.KeptSource).
		Str("losing_source", c.LosingSource).
		Msg("reference data conflict")
}

// ListConflicts returns the retained conflict records, newest last.
func (s *Store) ListConflicts() []domain.Conflict {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	return append([]domain.Conflict(nil), s.conflicts...)
}

func (s *Store) getAttrSource(internalID string) string {
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	return s.attrSource[internalID]
}

func (s *Store) setAttrSource(internalID, source string) {
	s.attrMu.Lock()
	s.attrSource[internalID] = source
	s.attrMu.Unlock()
}

// swapSecurity publishes a new cache snapshot containing sec.
func (s *Store) swapSecurity(sec *domain.Security) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	cur := s.snapshot()
	next := &state{
		securities:     make(map[string]*domain.Security, len(cur.securities)+1),
		external:       make(map[externalKey]string, len(cur.external)+len(sec.Identifiers)),
		counterparties: cur.counterparties,
		units:          cur.units,
	}
	for k, v := range cur.securities {
		next.securities[k] = v
	}
	for k, v := range cur.external {
		next.external[k] = v
	}
	next.securities[sec.InternalID] = sec
	for _, id := range sec.Identifiers {
		next.external[externalKey{id.Type, id.Value}] = sec.InternalID
	}
	s.cache.Store(next)
}

// FindByInternal resolves an internal id from the cache.
func (s *Store) FindByInternal(internalID string) (*domain.Security, error) {
	sec, ok := s.snapshot().securities[internalID]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "security %s not found", internalID)
	}
	return sec, nil
}

// FindByExternal resolves an external identifier from the cache.
func (s *Store) FindByExternal(idType domain.IdentifierType, value string) (*domain.Security, error) {
	st := s.snapshot()
	internalID, ok := st.external[externalKey{idType, value}]
	if !ok {
		return nil, errs.New(errs.Validation, "unresolved_identifier", "no security with %s=%s", idType, value)
	}
	return st.securities[internalID], nil
}

// PrimaryIdentifierOf returns the primary identifier of a security.
func (s *Store) PrimaryIdentifierOf(internalID string) (domain.SecurityIdentifier, error) {
	sec, err := s.FindByInternal(internalID)
	if err != nil {
		return domain.SecurityIdentifier{}, err
	}
	id, ok := sec.PrimaryIdentifier()
	if !ok {
		return domain.SecurityIdentifier{}, errs.New(errs.Validation, "no_primary", "security %s has no primary identifier", internalID)
	}
	return id, nil
}

// UpsertCounterparty writes through to the repository and swaps the cache.
func (s *Store) UpsertCounterparty(ctx context.Context, cp *domain.Counterparty) error {
	if err := s.repo.Counterparties.Upsert(ctx, cp); err != nil {
		return errs.Tag(err, "refdata", cp.ID, "")
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	cur := s.snapshot()
	next := *cur
	next.counterparties = make(map[string]*domain.Counterparty, len(cur.counterparties)+1)
	for k, v := range cur.counterparties {
		next.counterparties[k] = v
	}
	c := *cp
	next.counterparties[cp.ID] = &c
	s.cache.Store(&next)
	return nil
}

// GetCounterparty resolves a counterparty from the cache.
func (s *Store) GetCounterparty(id string) (*domain.Counterparty, error) {
	cp, ok := s.snapshot().counterparties[id]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "counterparty %s not found", id)
	}
	return cp, nil
}

// UpsertAggregationUnit writes through to the repository and swaps the cache.
func (s *Store) UpsertAggregationUnit(ctx context.Context, au *domain.AggregationUnit) error {
	if err := s.repo.AggregationUnits.Upsert(ctx, au); err != nil {
		return errs.Tag(err, "refdata", au.ID, "")
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	cur := s.snapshot()
	next := *cur
	next.units = make(map[string]*domain.AggregationUnit, len(cur.units)+1)
	for k, v := range cur.units {
		next.units[k] = v
	}
	u := *au
	next.units[au.ID] = &u
	s.cache.Store(&next)
	return nil
}

// GetAggregationUnit resolves an aggregation unit from the cache.
func (s *Store) GetAggregationUnit(id string) (*domain.AggregationUnit, error) {
	au, ok := s.snapshot().units[id]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "aggregation unit %s not found", id)
	}
	return au, nil
}

// UnitsForMarket returns the aggregation units reporting in a market,
// sorted by id.
func (s *Store) UnitsForMarket(market string) []*domain.AggregationUnit {
	st := s.snapshot()
	var out []*domain.AggregationUnit
	for _, au := range st.units {
		if au.Market == market {
			out = append(out, au)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
