package locates

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/limits"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
)

func newTestWorkflow(t *testing.T, available int64) (*Workflow, limits.Service, limits.Key) {
	t.Helper()
	ctx := context.Background()

	ref := refdata.NewStore(persistence.NewMemoryRepository(), map[string]int{"reuters": 100})
	_, err := ref.UpsertSecurity(ctx, &domain.Security{
		InternalID: "SEC-VOD",
		Type:       domain.SecurityEquity,
		Market:     "XNYS",
		Currency:   "USD",
		Status:     domain.SecurityActive,
	}, "reuters", false)
	require.NoError(t, err)
	require.NoError(t, ref.UpsertCounterparty(ctx, &domain.Counterparty{
		ID: "CP-1", Name: "Alpha Fund", Type: domain.CounterpartyInstitutional, Status: domain.CounterpartyActive,
	}))
	require.NoError(t, ref.UpsertCounterparty(ctx, &domain.Counterparty{
		ID: "CP-GONE", Name: "Closed Fund", Type: domain.CounterpartyHedgeFund, Status: domain.CounterpartyInactive,
	}))

	lim := limits.NewMemory(config.Default().Limits)
	pool := limits.PoolKey(limits.CounterLocate, "AU-NY", "SEC-VOD")
	require.NoError(t, lim.Set(ctx, pool, available))

	return NewWorkflow(config.Default().Locates, ref, lim, nil, nil), lim, pool
}

func locate(qty int64) *domain.LocateRequest {
	return &domain.LocateRequest{
		ClientID:          "CP-1",
		Requestor:         "trader-7",
		SecurityID:        "SEC-VOD",
		AggregationUnitID: "AU-NY",
		RequestedQty:      qty,
		LocateType:        domain.LocateShort,
	}
}

func TestAutoApproveWithinPolicy(t *testing.T) {
	w, lim, pool := newTestWorkflow(t, 10000)
	ctx := context.Background()

	got, err := w.Submit(ctx, locate(5000))
	require.NoError(t, err)
	assert.Equal(t, domain.LocateApproved, got.Status)
	assert.Equal(t, int64(5000), got.ApprovedQty)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.After(time.Now()))

	snap, err := lim.Snapshot(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), snap.Available)
}

func TestPartialApprovalQueuesRemainder(t *testing.T) {
	w, lim, pool := newTestWorkflow(t, 4000)
	ctx := context.Background()

	got, err := w.Submit(ctx, locate(5000))
	require.NoError(t, err)
	assert.Equal(t, domain.LocateApproved, got.Status)
	assert.Equal(t, int64(4000), got.ApprovedQty, "approves what is available")
	assert.Equal(t, int64(5000), got.RequestedQty)

	pending := w.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, got.ID+":r", pending[0].ID)
	assert.Equal(t, int64(1000), pending[0].RequestedQty)

	snap, err := lim.Snapshot(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Available)
}

func TestOverCapGoesToManualQueue(t *testing.T) {
	w, _, _ := newTestWorkflow(t, 1000000)
	ctx := context.Background()

	got, err := w.Submit(ctx, locate(60000))
	require.NoError(t, err)
	assert.Equal(t, domain.LocatePending, got.Status)
	require.Len(t, w.Pending(), 1)

	approved, err := w.Approve(ctx, got.ID, "ops-desk", 60000)
	require.NoError(t, err)
	assert.Equal(t, domain.LocateApproved, approved.Status)
	assert.Equal(t, "ops-desk", approved.DecidedBy)
	assert.Empty(t, w.Pending())
}

func TestOperatorRejectLeavesCounterUntouched(t *testing.T) {
	w, lim, pool := newTestWorkflow(t, 1000000)
	ctx := context.Background()

	got, err := w.Submit(ctx, locate(60000))
	require.NoError(t, err)

	rejected, err := w.Reject(ctx, got.ID, "ops-desk", "concentration limit")
	require.NoError(t, err)
	assert.Equal(t, domain.LocateRejected, rejected.Status)
	assert.Equal(t, "concentration limit", rejected.RejectReason)

	snap, err := lim.Snapshot(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), snap.Available)
}

func TestInactiveClientIsRejected(t *testing.T) {
	w, _, _ := newTestWorkflow(t, 10000)
	req := locate(100)
	req.ClientID = "CP-GONE"

	_, err := w.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "client_inactive", errs.CodeOf(err))
}

func TestUnknownSecurityIsRejected(t *testing.T) {
	w, _, _ := newTestWorkflow(t, 10000)
	req := locate(100)
	req.SecurityID = "SEC-NOPE"

	_, err := w.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.ClassOf(err))
}

func TestLongLocateNeverConsumesAvailability(t *testing.T) {
	w, lim, pool := newTestWorkflow(t, 1000)
	req := locate(900000)
	req.LocateType = domain.LocateLong

	got, err := w.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.LocateApproved, got.Status)

	snap, err := lim.Snapshot(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.Available)
}

func TestCancelCreditsTheDecrementBack(t *testing.T) {
	w, lim, pool := newTestWorkflow(t, 10000)
	ctx := context.Background()

	got, err := w.Submit(ctx, locate(5000))
	require.NoError(t, err)
	require.Equal(t, domain.LocateApproved, got.Status)

	cancelled, err := w.Cancel(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LocateCancelled, cancelled.Status)

	snap, err := lim.Snapshot(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), snap.Available)
}

func TestExpireDueFlipsOpenApprovals(t *testing.T) {
	w, _, _ := newTestWorkflow(t, 10000)
	ctx := context.Background()

	got, err := w.Submit(ctx, locate(5000))
	require.NoError(t, err)
	require.Equal(t, domain.LocateApproved, got.Status)

	w.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	require.Equal(t, 1, w.ExpireDue(ctx))

	after, ok := w.Get(got.ID)
	require.True(t, ok)
	assert.Equal(t, domain.LocateExpired, after.Status)
}

func TestConsumptionHookTracksApprovalAndCancel(t *testing.T) {
	w, _, _ := newTestWorkflow(t, 10000)
	ctx := context.Background()

	var net int64
	w.OnConsumed(func(_ context.Context, securityID, unitID string, qty int64) {
		assert.Equal(t, "SEC-VOD", securityID)
		assert.Equal(t, "AU-NY", unitID)
		net += qty
	})

	got, err := w.Submit(ctx, locate(5000))
	require.NoError(t, err)
	require.Equal(t, domain.LocateApproved, got.Status)
	assert.Equal(t, int64(5000), net)

	_, err = w.Cancel(ctx, got.ID)
	require.NoError(t, err)
	assert.Zero(t, net, "the cancel credits exactly what the approval consumed")
}

func TestExpiryCreditsConsumptionHook(t *testing.T) {
	w, _, _ := newTestWorkflow(t, 10000)
	ctx := context.Background()

	var net int64
	w.OnConsumed(func(_ context.Context, _, _ string, qty int64) { net += qty })

	got, err := w.Submit(ctx, locate(5000))
	require.NoError(t, err)
	require.Equal(t, domain.LocateApproved, got.Status)
	require.Equal(t, int64(5000), net)

	w.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	require.Equal(t, 1, w.ExpireDue(ctx))
	assert.Zero(t, net, "expiry credits what the hold sweep replenishes")

	_, ok := w.Get(got.ID)
	require.True(t, ok)
}

func TestDecisionSequenceIsMonotonic(t *testing.T) {
	w, _, _ := newTestWorkflow(t, 100000)
	ctx := context.Background()

	var seqs []int64
	w.OnDecision(func(_ context.Context, req domain.LocateRequest) {
		seqs = append(seqs, req.Sequence)
	})

	_, err := w.Submit(ctx, locate(1000))
	require.NoError(t, err)
	pending, err := w.Submit(ctx, locate(60000))
	require.NoError(t, err)
	_, err = w.Reject(ctx, pending.ID, "ops-desk", "manual")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(seqs), 3)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}
