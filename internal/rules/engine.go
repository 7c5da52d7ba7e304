// Package rules stores versioned, market-scoped calculation rules and
// evaluates them on demand. Active rule sets are cached per (market,
// calculation type) with copy-on-write swaps so calculator reads are
// lock-free.
package rules

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
)

// Engine owns rule lifecycle and evaluation.
type Engine struct {
	logger  zerolog.Logger
	repo    persistence.RuleRepo
	metrics *metrics.Registry

	writeMu sync.Mutex // serializes lifecycle writes
	cache   atomic.Value
}

type ruleCache map[string][]*domain.Rule // market|calc -> active versions, selection order

// GlobalMarket scopes a rule to every market.
const GlobalMarket = "*"

func cacheKey(market string, calc domain.CalculationType) string {
	return market + "|" + string(calc)
}

// NewEngine builds a rule engine over the repository.
func NewEngine(repo persistence.RuleRepo, reg *metrics.Registry) *Engine {
	e := &Engine{
		logger:  log.Component("rules"),
		repo:    repo,
		metrics: reg,
	}
	e.cache.Store(ruleCache{})
	return e
}

// WarmUp loads every stored rule and builds the active cache.
func (e *Engine) WarmUp(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.rebuildCache(ctx)
}

// Create stores version 1 of a new rule as a draft.
func (e *Engine) Create(ctx context.Context, rule *domain.Rule) (*domain.Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_rule", "rule rejected")
	}
	if err := ValidateAttributes(rule); err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.repo.LatestVersion(ctx, rule.ID); err == nil {
		return nil, errs.New(errs.Duplicate, "rule_exists", "rule %s already exists, use edit", rule.ID)
	}

	cp := *rule
	cp.Version = 1
	cp.Status = domain.RuleDraft
	if err := e.repo.InsertVersion(ctx, &cp); err != nil {
		return nil, err
	}
	e.logger.Info().Str("rule", cp.ID).Int64("version", cp.Version).Msg("rule draft created")
	return &cp, nil
}

// Edit stores a new draft version on top of baseVersion. A base that is no
// longer the latest version is a conflict; the caller re-reads and retries.
func (e *Engine) Edit(ctx context.Context, id string, baseVersion int64, updated *domain.Rule) (*domain.Rule, error) {
	if err := updated.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_rule", "rule rejected")
	}
	if err := ValidateAttributes(updated); err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	latest, err := e.repo.LatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if latest.Version != baseVersion {
		return nil, errs.New(errs.Conflict, "stale_base",
			"rule %s: edit based on version %d but latest is %d", id, baseVersion, latest.Version)
	}

	cp := *updated
	cp.ID = id
	cp.Version = latest.Version + 1
	cp.Status = domain.RuleDraft
	if err := e.repo.InsertVersion(ctx, &cp); err != nil {
		return nil, err
	}
	e.logger.Info().Str("rule", id).Int64("version", cp.Version).Msg("rule draft edited")
	return &cp, nil
}

// Publish activates the latest draft version of a rule. Any currently
// active version for the same (calculation type, market, name) is
// superseded with its effective window closed, keeping at most one active
// version per triple at any instant.
func (e *Engine) Publish(ctx context.Context, id string) (*domain.Rule, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	latest, err := e.repo.LatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if latest.Status != domain.RuleDraft {
		return nil, errs.New(errs.Validation, "not_draft",
			"rule %s version %d is %s, only drafts publish", id, latest.Version, latest.Status)
	}

	now := time.Now().UTC()
	all, err := e.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Status == domain.RuleActive &&
			r.Calculation == latest.Calculation && r.Market == latest.Market && r.Name == latest.Name {
			if err := e.repo.UpdateStatus(ctx, r.ID, r.Version, domain.RuleSuperseded, &now); err != nil {
				return nil, err
			}
			e.logger.Info().Str("rule", r.ID).Int64("version", r.Version).Msg("rule version superseded")
		}
	}

	if err := e.repo.UpdateStatus(ctx, id, latest.Version, domain.RuleActive, nil); err != nil {
		return nil, err
	}
	if err := e.rebuildCache(ctx); err != nil {
		return nil, err
	}
	e.logger.Info().Str("rule", id).Int64("version", latest.Version).Msg("rule published")
	return e.repo.GetVersion(ctx, id, latest.Version)
}

// RevertTo copies an older version's content into a new draft version and
// publishes it, returning the new active version.
func (e *Engine) RevertTo(ctx context.Context, id string, version int64) (*domain.Rule, error) {
	old, err := e.repo.GetVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	latest, err := e.repo.LatestVersion(ctx, id)
	if err != nil {
		e.writeMu.Unlock()
		return nil, err
	}
	cp := *old
	cp.Version = latest.Version + 1
	cp.Status = domain.RuleDraft
	cp.EffectiveTo = nil
	if err := e.repo.InsertVersion(ctx, &cp); err != nil {
		e.writeMu.Unlock()
		return nil, err
	}
	e.writeMu.Unlock()

	return e.Publish(ctx, id)
}

// Test evaluates a candidate rule against a sample attribute set without
// storing anything.
func (e *Engine) Test(rule *domain.Rule, sample Attributes) (Trace, error) {
	if err := rule.Validate(); err != nil {
		return Trace{}, errs.Wrap(err, errs.Validation, "bad_rule", "rule rejected")
	}
	if err := ValidateAttributes(rule); err != nil {
		return Trace{}, err
	}
	return Evaluate(rule, sample), nil
}

// Get returns one stored version.
func (e *Engine) Get(ctx context.Context, id string, version int64) (*domain.Rule, error) {
	return e.repo.GetVersion(ctx, id, version)
}

// List returns every stored version of every rule.
func (e *Engine) List(ctx context.Context) ([]*domain.Rule, error) {
	return e.repo.ListAll(ctx)
}

// ActiveRules returns the cached active versions for a market and
// calculation type whose effective window covers at, in selection order:
// priority desc, version desc, id asc. Rules scoped to GlobalMarket apply
// in every market and are merged into the result.
func (e *Engine) ActiveRules(market string, calc domain.CalculationType, at time.Time) []*domain.Rule {
	cache := e.cache.Load().(ruleCache)
	cached := cache[cacheKey(market, calc)]
	if market != GlobalMarket {
		if global := cache[cacheKey(GlobalMarket, calc)]; len(global) > 0 {
			merged := make([]*domain.Rule, 0, len(cached)+len(global))
			merged = append(merged, cached...)
			merged = append(merged, global...)
			sortSelectionOrder(merged)
			cached = merged
		}
	}
	out := make([]*domain.Rule, 0, len(cached))
	for _, r := range cached {
		if r.ActiveAt(at) {
			out = append(out, r)
		}
	}
	return out
}

func sortSelectionOrder(rs []*domain.Rule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		if rs[i].Version != rs[j].Version {
			return rs[i].Version > rs[j].Version
		}
		return rs[i].ID < rs[j].ID
	})
}

// rebuildCache swaps in a fresh active-rule cache. Caller holds writeMu.
func (e *Engine) rebuildCache(ctx context.Context) error {
	all, err := e.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	next := ruleCache{}
	for _, r := range all {
		if r.Status != domain.RuleActive {
			continue
		}
		k := cacheKey(r.Market, r.Calculation)
		next[k] = append(next[k], r)
	}
	for _, rs := range next {
		sortSelectionOrder(rs)
	}
	e.cache.Store(next)
	if e.metrics != nil {
		e.metrics.RuleCacheSwaps.Inc()
	}
	return nil
}
