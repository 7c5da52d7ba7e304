package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// NewMemoryRepository returns a Repository backed entirely by memory, with
// the same semantics as the postgres implementations. Used in tests and
// single-process runs without a database.
func NewMemoryRepository() *Repository {
	return &Repository{
		Securities:       &memSecurityRepo{rows: make(map[string]*domain.Security)},
		Counterparties:   &memCounterpartyRepo{rows: make(map[string]*domain.Counterparty)},
		AggregationUnits: &memAggregationUnitRepo{rows: make(map[string]*domain.AggregationUnit)},
		Rules:            &memRuleRepo{rows: make(map[string]map[int64]*domain.Rule)},
		Decisions:        &memDecisionRepo{},
	}
}

type memSecurityRepo struct {
	mu   sync.RWMutex
	rows map[string]*domain.Security
}

func (r *memSecurityRepo) Upsert(_ context.Context, sec *domain.Security) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rows[sec.InternalID]; ok && sec.Version != 0 && sec.Version <= existing.Version {
		return errs.New(errs.Conflict, "stale_version", "security %s version %d is stale (have %d)",
			sec.InternalID, sec.Version, existing.Version)
	}
	cp := *sec
	cp.Identifiers = append([]domain.SecurityIdentifier(nil), sec.Identifiers...)
	cp.Version = sec.Version + 1
	cp.UpdatedAt = time.Now().UTC()
	r.rows[sec.InternalID] = &cp
	sec.Version = cp.Version
	return nil
}

func (r *memSecurityRepo) GetByInternal(_ context.Context, internalID string) (*domain.Security, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sec, ok := r.rows[internalID]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "security %s not found", internalID)
	}
	cp := *sec
	return &cp, nil
}

func (r *memSecurityRepo) FindByExternal(_ context.Context, idType domain.IdentifierType, value string) (*domain.Security, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sec := range r.rows {
		for _, id := range sec.Identifiers {
			if id.Type == idType && id.Value == value {
				cp := *sec
				return &cp, nil
			}
		}
	}
	return nil, errs.New(errs.Validation, "not_found", "no security with %s=%s", idType, value)
}

func (r *memSecurityRepo) List(_ context.Context) ([]*domain.Security, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Security, 0, len(r.rows))
	for _, sec := range r.rows {
		cp := *sec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InternalID < out[j].InternalID })
	return out, nil
}

type memCounterpartyRepo struct {
	mu   sync.RWMutex
	rows map[string]*domain.Counterparty
}

func (r *memCounterpartyRepo) Upsert(_ context.Context, cp *domain.Counterparty) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *cp
	c.Version = cp.Version + 1
	c.UpdatedAt = time.Now().UTC()
	r.rows[cp.ID] = &c
	cp.Version = c.Version
	return nil
}

func (r *memCounterpartyRepo) Get(_ context.Context, id string) (*domain.Counterparty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.rows[id]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "counterparty %s not found", id)
	}
	c := *cp
	return &c, nil
}

func (r *memCounterpartyRepo) List(_ context.Context) ([]*domain.Counterparty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Counterparty, 0, len(r.rows))
	for _, cp := range r.rows {
		c := *cp
		out = append(out, &c)
	}
	return out, nil
}

type memAggregationUnitRepo struct {
	mu   sync.RWMutex
	rows map[string]*domain.AggregationUnit
}

func (r *memAggregationUnitRepo) Upsert(_ context.Context, au *domain.AggregationUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := *au
	a.Version = au.Version + 1
	r.rows[au.ID] = &a
	au.Version = a.Version
	return nil
}

func (r *memAggregationUnitRepo) Get(_ context.Context, id string) (*domain.AggregationUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	au, ok := r.rows[id]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "aggregation unit %s not found", id)
	}
	a := *au
	return &a, nil
}

func (r *memAggregationUnitRepo) List(_ context.Context) ([]*domain.AggregationUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AggregationUnit, 0, len(r.rows))
	for _, au := range r.rows {
		a := *au
		out = append(out, &a)
	}
	return out, nil
}

type memRuleRepo struct {
	mu   sync.RWMutex
	rows map[string]map[int64]*domain.Rule // id -> version -> rule
}

func (r *memRuleRepo) InsertVersion(_ context.Context, rule *domain.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.rows[rule.ID]
	if !ok {
		versions = make(map[int64]*domain.Rule)
		r.rows[rule.ID] = versions
	}
	if _, exists := versions[rule.Version]; exists {
		return errs.New(errs.Duplicate, "rule_version_exists", "rule %s version %d already stored", rule.ID, rule.Version)
	}
	cp := cloneRule(rule)
	cp.CreatedAt = time.Now().UTC()
	versions[rule.Version] = cp
	return nil
}

func (r *memRuleRepo) UpdateStatus(_ context.Context, id string, version int64, status domain.RuleStatus, effectiveTo *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rows[id][version]
	if !ok {
		return errs.New(errs.Validation, "not_found", "rule %s version %d not found", id, version)
	}
	rule.Status = status
	if effectiveTo != nil {
		t := *effectiveTo
		rule.EffectiveTo = &t
	}
	return nil
}

func (r *memRuleRepo) GetVersion(_ context.Context, id string, version int64) (*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rows[id][version]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "rule %s version %d not found", id, version)
	}
	return cloneRule(rule), nil
}

func (r *memRuleRepo) LatestVersion(_ context.Context, id string) (*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.rows[id]
	if !ok || len(versions) == 0 {
		return nil, errs.New(errs.Validation, "not_found", "rule %s not found", id)
	}
	var max int64
	for v := range versions {
		if v > max {
			max = v
		}
	}
	return cloneRule(versions[max]), nil
}

func (r *memRuleRepo) ListActive(_ context.Context, market string, calc domain.CalculationType, at time.Time) ([]*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Rule
	for _, versions := range r.rows {
		for _, rule := range versions {
			if rule.Market == market && rule.Calculation == calc && rule.ActiveAt(at) {
				out = append(out, cloneRule(rule))
			}
		}
	}
	return out, nil
}

func (r *memRuleRepo) ListAll(_ context.Context) ([]*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Rule
	for _, versions := range r.rows {
		for _, rule := range versions {
			out = append(out, cloneRule(rule))
		}
	}
	return out, nil
}

func cloneRule(rule *domain.Rule) *domain.Rule {
	cp := *rule
	cp.Conditions = append([]domain.Condition(nil), rule.Conditions...)
	cp.Actions = append([]domain.Action(nil), rule.Actions...)
	cp.Criteria.Include = append([]domain.Condition(nil), rule.Criteria.Include...)
	cp.Criteria.Exclude = append([]domain.Condition(nil), rule.Criteria.Exclude...)
	if rule.EffectiveTo != nil {
		t := *rule.EffectiveTo
		cp.EffectiveTo = &t
	}
	return &cp
}

type memDecisionRepo struct {
	mu        sync.RWMutex
	shortSell []*domain.ShortSellDecision
	locates   []*domain.LocateRequest
}

func (r *memDecisionRepo) AppendShortSell(_ context.Context, d *domain.ShortSellDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.shortSell = append(r.shortSell, &cp)
	return nil
}

func (r *memDecisionRepo) AppendLocate(_ context.Context, req *domain.LocateRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.locates = append(r.locates, &cp)
	return nil
}

func (r *memDecisionRepo) ListShortSell(_ context.Context, securityID string, limit int) ([]*domain.ShortSellDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.ShortSellDecision
	for i := len(r.shortSell) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if securityID == "" || r.shortSell[i].SecurityID == securityID {
			cp := *r.shortSell[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memDecisionRepo) ListLocates(_ context.Context, status domain.LocateStatus, limit int) ([]*domain.LocateRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.LocateRequest
	for i := len(r.locates) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if status == "" || r.locates[i].Status == status {
			cp := *r.locates[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
