package refdata

import (
	"fmt"
	"sync"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// FlattenedConstituent is a leaf security with its composed weight after
// expanding nested baskets.
type FlattenedConstituent struct {
	SecurityID string  `json:"security_id"`
	Weight     float64 `json:"weight"`
}

// basketGraph holds the constituent DAG. Edges are keyed by basket id; a
// version counter per basket invalidates the flattening memo on change.
type basketGraph struct {
	mu       sync.RWMutex
	edges    map[string][]domain.BasketConstituent
	versions map[string]int64
	memo     map[string][]FlattenedConstituent
}

func (g *basketGraph) init() {
	g.edges = make(map[string][]domain.BasketConstituent)
	g.versions = make(map[string]int64)
	g.memo = make(map[string][]FlattenedConstituent)
}

// SetBasketConstituents replaces the constituent edges of a basket. An
// update that would close a cycle through the basket is rejected.
func (s *Store) SetBasketConstituents(basketID string, cons []domain.BasketConstituent) error {
	if basketID == "" {
		return errs.New(errs.Validation, "bad_basket", "basket id is empty")
	}
	if len(cons) == 0 {
		return errs.New(errs.Validation, "bad_basket", "basket %s must have at least one constituent", basketID)
	}
	g := &s.baskets
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range cons {
		if c.ConstituentID == "" {
			return errs.New(errs.Validation, "bad_basket", "basket %s has constituent with empty id", basketID)
		}
		if c.ConstituentID == basketID {
			return errs.New(errs.Validation, "basket_cycle", "basket %s cannot contain itself", basketID)
		}
		if g.reaches(c.ConstituentID, basketID) {
			return errs.New(errs.Validation, "basket_cycle",
				"constituent %s already contains basket %s", c.ConstituentID, basketID)
		}
	}

	g.edges[basketID] = append([]domain.BasketConstituent(nil), cons...)
	g.versions[basketID]++
	// flattenings of baskets nesting this one are stale too
	g.memo = make(map[string][]FlattenedConstituent)
	return nil
}

// reaches reports whether target is reachable from start following
// constituent edges. Caller holds the lock.
func (g *basketGraph) reaches(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range g.edges[cur] {
			if edge.ConstituentID == target {
				return true
			}
			if !seen[edge.ConstituentID] {
				seen[edge.ConstituentID] = true
				stack = append(stack, edge.ConstituentID)
			}
		}
	}
	return false
}

// BasketConstituents returns the direct edges of a basket.
func (s *Store) BasketConstituents(basketID string) ([]domain.BasketConstituent, error) {
	g := &s.baskets
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges, ok := g.edges[basketID]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "basket %s has no constituents", basketID)
	}
	return append([]domain.BasketConstituent(nil), edges...), nil
}

// FlattenBasket expands nested baskets into leaf securities with composed
// weights. Results are memoized per (basket, version).
func (s *Store) FlattenBasket(basketID string) ([]FlattenedConstituent, error) {
	g := &s.baskets
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[basketID]; !ok {
		return nil, errs.New(errs.Validation, "not_found", "basket %s has no constituents", basketID)
	}
	key := fmt.Sprintf("%s@%d", basketID, g.versions[basketID])
	if flat, ok := g.memo[key]; ok {
		return flat, nil
	}

	weights := make(map[string]float64)
	g.flatten(basketID, 1.0, weights)

	flat := make([]FlattenedConstituent, 0, len(weights))
	for id, w := range weights {
		flat = append(flat, FlattenedConstituent{SecurityID: id, Weight: w})
	}
	g.memo[key] = flat
	return flat, nil
}

func (g *basketGraph) flatten(id string, weight float64, out map[string]float64) {
	edges, isBasket := g.edges[id]
	if !isBasket {
		out[id] += weight
		return
	}
	for _, edge := range edges {
		g.flatten(edge.ConstituentID, weight*edge.Weight, out)
	}
}
