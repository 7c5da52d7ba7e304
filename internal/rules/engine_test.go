package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(persistence.NewMemoryRepository().Rules, nil)
}

func draftRule(id string, priority int) *domain.Rule {
	return &domain.Rule{
		ID:          id,
		Name:        "us-for-loan",
		Market:      "XNYS",
		Calculation: domain.CalcForLoan,
		Priority:    priority,
		Conditions: []domain.Condition{
			{Attribute: "security.type", Operator: domain.OpEquals, Value: "equity"},
		},
		Actions: []domain.Action{
			{Type: domain.ActionMultiplyFactor, Factor: 1.0},
		},
	}
}

func TestCreateEditPublishLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.Create(ctx, draftRule("RULE-1", 100))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, domain.RuleDraft, created.Status)

	// drafts are invisible to the calculator
	assert.Empty(t, e.ActiveRules("XNYS", domain.CalcForLoan, time.Now()))

	published, err := e.Publish(ctx, "RULE-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RuleActive, published.Status)

	active := e.ActiveRules("XNYS", domain.CalcForLoan, time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].Version)

	// edit on the latest version, publish supersedes v1
	edited := draftRule("RULE-1", 150)
	v2, err := e.Edit(ctx, "RULE-1", 1, edited)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)

	_, err = e.Publish(ctx, "RULE-1")
	require.NoError(t, err)

	active = e.ActiveRules("XNYS", domain.CalcForLoan, time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].Version)

	v1, err := e.Get(ctx, "RULE-1", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleSuperseded, v1.Status)
	require.NotNil(t, v1.EffectiveTo)
}

func TestEditOnStaleBaseIsConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, draftRule("RULE-1", 100))
	require.NoError(t, err)
	_, err = e.Edit(ctx, "RULE-1", 1, draftRule("RULE-1", 110))
	require.NoError(t, err)

	_, err = e.Edit(ctx, "RULE-1", 1, draftRule("RULE-1", 120))
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.ClassOf(err))
	assert.Equal(t, "stale_base", errs.CodeOf(err))
}

func TestPublishEnforcesOneActivePerTriple(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, draftRule("RULE-A", 100))
	require.NoError(t, err)
	_, err = e.Publish(ctx, "RULE-A")
	require.NoError(t, err)

	// same (calculation, market, name) under a different id
	_, err = e.Create(ctx, draftRule("RULE-B", 200))
	require.NoError(t, err)
	_, err = e.Publish(ctx, "RULE-B")
	require.NoError(t, err)

	active := e.ActiveRules("XNYS", domain.CalcForLoan, time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, "RULE-B", active[0].ID)
}

func TestRevertProducesNewActiveVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, draftRule("RULE-1", 100))
	require.NoError(t, err)
	_, err = e.Publish(ctx, "RULE-1")
	require.NoError(t, err)

	edited := draftRule("RULE-1", 100)
	edited.Actions = []domain.Action{{Type: domain.ActionMultiplyFactor, Factor: 0.5}}
	_, err = e.Edit(ctx, "RULE-1", 1, edited)
	require.NoError(t, err)
	_, err = e.Publish(ctx, "RULE-1")
	require.NoError(t, err)

	reverted, err := e.RevertTo(ctx, "RULE-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), reverted.Version, "reversion is a new version, not a rollback")
	assert.Equal(t, domain.RuleActive, reverted.Status)
	assert.InDelta(t, 1.0, reverted.Actions[0].Factor, 1e-9)

	active := e.ActiveRules("XNYS", domain.CalcForLoan, time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, int64(3), active[0].Version)
}

func TestCreateRejectsUnknownAttribute(t *testing.T) {
	e := newTestEngine(t)
	rule := draftRule("RULE-1", 100)
	rule.Conditions = []domain.Condition{
		{Attribute: "security.shoe_size", Operator: domain.OpEquals, Value: "42"},
	}
	_, err := e.Create(context.Background(), rule)
	require.Error(t, err)
	assert.Equal(t, "unknown_attribute", errs.CodeOf(err))
}

func TestActiveRulesSelectionOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, spec := range []struct {
		id       string
		name     string
		priority int
	}{
		{"RULE-C", "rule-c", 100},
		{"RULE-A", "rule-a", 200},
		{"RULE-B", "rule-b", 100},
	} {
		r := draftRule(spec.id, spec.priority)
		r.Name = spec.name
		_, err := e.Create(ctx, r)
		require.NoError(t, err)
		_, err = e.Publish(ctx, spec.id)
		require.NoError(t, err)
	}

	active := e.ActiveRules("XNYS", domain.CalcForLoan, time.Now())
	require.Len(t, active, 3)
	assert.Equal(t, "RULE-A", active[0].ID, "highest priority first")
	assert.Equal(t, "RULE-B", active[1].ID, "priority tie broken by id")
	assert.Equal(t, "RULE-C", active[2].ID)
}

func TestSeedDirLoadsAndIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	seed := `rules:
  - id: SEED-1
    name: apac-locate
    market: XTKS
    calculation: locate
    priority: 50
    conditions:
      - attribute: security.type
        operator: EQUALS
        value: equity
    actions:
      - type: multiply_factor
        factor: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apac.yaml"), []byte(seed), 0o644))

	n, err := e.LoadSeedDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// unchanged seed does not spin new versions
	n, err = e.LoadSeedDir(ctx, dir)
	require.NoError(t, err)
	assert.Zero(t, n)

	active := e.ActiveRules("XTKS", domain.CalcLocate, time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].Version)
}

func TestSeedDirMissingIsNotAnError(t *testing.T) {
	e := newTestEngine(t)
	n, err := e.LoadSeedDir(context.Background(), "does/not/exist")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGlobalMarketRulesMergeIntoEveryMarket(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	global := draftRule("RULE-GLOBAL", 500)
	global.Market = GlobalMarket
	_, err := e.Create(ctx, global)
	require.NoError(t, err)
	_, err = e.Publish(ctx, "RULE-GLOBAL")
	require.NoError(t, err)

	_, err = e.Create(ctx, draftRule("RULE-XNYS", 100))
	require.NoError(t, err)
	_, err = e.Publish(ctx, "RULE-XNYS")
	require.NoError(t, err)

	active := e.ActiveRules("XNYS", domain.CalcForLoan, time.Now())
	require.Len(t, active, 2)
	assert.Equal(t, "RULE-GLOBAL", active[0].ID, "global rule outranks by priority")
	assert.Equal(t, "RULE-XNYS", active[1].ID)

	// markets with no rules of their own still see the global set
	active = e.ActiveRules("XHKG", domain.CalcForLoan, time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, "RULE-GLOBAL", active[0].ID)
}
