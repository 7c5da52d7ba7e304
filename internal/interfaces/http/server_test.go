package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/limits"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/locates"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/rules"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/shortsell"
)

func newTestServer(t *testing.T) (*Server, limits.Service) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()

	repo := persistence.NewMemoryRepository()
	ref := refdata.NewStore(repo, cfg.Feeds.SourcePriority)
	_, err := ref.UpsertSecurity(ctx, &domain.Security{
		InternalID: "SEC-IBM",
		Type:       domain.SecurityEquity,
		Market:     "XNYS",
		Currency:   "USD",
		Status:     domain.SecurityActive,
		Identifiers: []domain.SecurityIdentifier{
			{Type: domain.IdentifierTicker, Value: "IBM", Source: "reuters", IsPrimary: true},
		},
	}, "reuters", false)
	require.NoError(t, err)
	require.NoError(t, ref.UpsertCounterparty(ctx, &domain.Counterparty{
		ID:     "CP-1",
		Name:   "Test Fund",
		Type:   "institutional",
		Status: domain.CounterpartyActive,
	}))

	lim := limits.NewMemory(cfg.Limits)
	require.NoError(t, lim.Set(ctx, limits.PoolKey(limits.CounterShortSell, "AU-US", "SEC-IBM"), 10000))
	require.NoError(t, lim.Set(ctx, limits.PoolKey(limits.CounterLocate, "AU-US", "SEC-IBM"), 10000))

	svc := Services{
		Gate:    shortsell.NewGate(cfg.ShortSell, ref, lim, repo.Decisions, nil),
		Locates: locates.NewWorkflow(cfg.Locates, ref, lim, repo.Decisions, nil),
		Rules:   rules.NewEngine(repo.Rules, nil),
		RefData: ref,
		Repo:    repo,
	}
	return NewServer(cfg.HTTP, svc), lim
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsOK(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestShortSellValidateOverHTTP(t *testing.T) {
	s, lim := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/shortsell/validate", domain.Order{
		OrderID:           "ord-1",
		Side:              domain.OrderSellShort,
		SecurityID:        "SEC-IBM",
		ClientID:          "CP-1",
		AggregationUnitID: "AU-US",
		Quantity:          4000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var d domain.ShortSellDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, domain.DecisionAccepted, d.Decision)

	snap, err := lim.Snapshot(context.Background(),
		limits.PoolKey(limits.CounterShortSell, "AU-US", "SEC-IBM"))
	require.NoError(t, err)
	assert.Equal(t, int64(6000), snap.Available)
}

func TestShortSellInvalidOrderIsADecisionNotAnError(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/shortsell/validate", domain.Order{
		OrderID: "ord-2",
		Side:    domain.OrderSellShort,
		// missing security, client, unit
		Quantity: 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var d domain.ShortSellDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, domain.DecisionRejected, d.Decision)
	assert.Equal(t, domain.ReasonInvalidOrder, d.Reason)
}

func TestRuleLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/rules", domain.Rule{
		ID:          "RULE-HTTP",
		Name:        "XNYS haircut",
		Market:      "XNYS",
		Calculation: domain.CalcShortSell,
		Priority:    100,
		Actions:     []domain.Action{{Type: domain.ActionMultiplyFactor, Factor: 0.9}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/rules/RULE-HTTP/publish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rule domain.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, domain.RuleActive, rule.Status)

	rec = do(t, s, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.NotEmpty(t, list)
}

func TestLocateSubmitAndFetch(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/locates", domain.LocateRequest{
		ID:                "loc-http-1",
		ClientID:          "CP-1",
		Requestor:         "desk",
		SecurityID:        "SEC-IBM",
		AggregationUnitID: "AU-US",
		RequestedQty:      2000,
		LocateType:        domain.LocateShort,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var out domain.LocateRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, domain.LocateApproved, out.Status)
	assert.Equal(t, int64(2000), out.ApprovedQty)

	rec = do(t, s, http.MethodGet, "/api/v1/locates/loc-http-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownLocateIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/locates/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConflictsStartEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/refdata/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReplayFromRequiresTopicAndGroup(t *testing.T) {
	s, _ := newTestServer(t)
	// Bus is nil in the fixture, so the route is absent entirely.
	rec := do(t, s, http.MethodPost, "/admin/replay-from", map[string]interface{}{"offset": 0})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShortSellAuditListsDecisions(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodPost, "/api/v1/shortsell/validate", domain.Order{
		OrderID:           "ord-audit",
		Side:              domain.OrderSellShort,
		SecurityID:        "SEC-IBM",
		ClientID:          "CP-1",
		AggregationUnitID: "AU-US",
		Quantity:          100,
	})
	s.svc.Gate.Drain()

	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/api/v1/decisions/shortsell?security=SEC-IBM", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var list []domain.ShortSellDecision
		if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
			return false
		}
		return len(list) == 1
	}, time.Second, 10*time.Millisecond)
}
