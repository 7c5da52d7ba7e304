// Package locates runs the locate approval workflow: validate, policy
// lookup, then auto-approval against the locate counter, partial approval
// where policy allows it, or the manual review queue. Every lifecycle
// transition is appended to the decision log with a monotonic sequence.
package locates

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
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

// DecisionFunc receives every locate lifecycle transition, after it is
// committed locally and appended to the audit log.
type DecisionFunc func(ctx context.Context, req domain.LocateRequest)

// ConsumedFunc is notified when an approval consumes locate availability,
// and with a negative quantity when a cancel or expiry credits it back.
type ConsumedFunc func(ctx context.Context, securityID, unitID string, qty int64)

// Workflow owns locate state.
type Workflow struct {
	cfg        config.LocatesConfig
	logger     zerolog.Logger
	metrics    *metrics.Registry
	refdata    *refdata.Store
	limits     limits.Service
	repo       persistence.DecisionRepo
	onDecision DecisionFunc
	onConsumed ConsumedFunc
	now        func() time.Time
	newID      func() string

	mu       sync.Mutex
	seq      int64
	requests map[string]*domain.LocateRequest
	queue    []string // pending ids in arrival order
}

// NewWorkflow builds the locate workflow.
func NewWorkflow(cfg config.LocatesConfig, ref *refdata.Store, lim limits.Service,
	repo persistence.DecisionRepo, reg *metrics.Registry) *Workflow {
	return &Workflow{
		cfg:      cfg,
		logger:   log.Component("locates"),
		metrics:  reg,
		refdata:  ref,
		limits:   lim,
		repo:     repo,
		now:      time.Now,
		newID:    uuid.NewString,
		requests: make(map[string]*domain.LocateRequest),
	}
}

// OnDecision registers the outbound decision hook.
func (w *Workflow) OnDecision(fn DecisionFunc) { w.onDecision = fn }

// OnConsumed registers the counter consumption hook. The inventory
// calculator hangs off this to keep the published decrement current.
func (w *Workflow) OnConsumed(fn ConsumedFunc) { w.onConsumed = fn }

func (w *Workflow) noteConsumed(ctx context.Context, req *domain.LocateRequest, qty int64) {
	if w.onConsumed != nil && qty != 0 {
		w.onConsumed(ctx, req.SecurityID, req.AggregationUnitID, qty)
	}
}

func idemKey(locateID string) string { return "locate:" + locateID }

// Submit runs one locate request through validation and policy to a
// decision. The configured deadline bounds the whole call; hitting it
// rejects with the timeout reason.
func (w *Workflow) Submit(ctx context.Context, req *domain.LocateRequest) (*domain.LocateRequest, error) {
	start := w.now()
	defer func() {
		if w.metrics != nil {
			w.metrics.GateLatency.WithLabelValues("locate").Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.DecisionDeadline)
	defer cancel()

	if req.ID == "" {
		req.ID = w.newID()
	}
	req.RequestedAt = start.UTC()
	req.Status = domain.LocatePending

	if err := req.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_locate", "locate request rejected")
	}
	if _, err := w.refdata.FindByInternal(req.SecurityID); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "unknown_security", "locate %s references unknown security", req.ID)
	}
	client, err := w.refdata.GetCounterparty(req.ClientID)
	if err != nil {
		return nil, errs.Wrap(err, errs.Validation, "unknown_client", "locate %s references unknown client", req.ID)
	}
	if client.Status != domain.CounterpartyActive {
		return nil, errs.New(errs.Validation, "client_inactive", "locate %s: client %s is not active", req.ID, req.ClientID)
	}

	// long-sale confirmations never consume availability
	if req.LocateType == domain.LocateLong {
		return w.decide(ctx, req, domain.LocateApproved, req.RequestedQty, "system", "")
	}

	if !w.autoApprovable(req, client) {
		return w.enqueue(ctx, req)
	}

	pool := limits.PoolKey(limits.CounterLocate, req.AggregationUnitID, req.SecurityID)
	res, err := w.limits.TryDecrement(ctx, pool, req.RequestedQty, w.cfg.ApprovalExpiry, idemKey(req.ID))
	if err != nil {
		if ctx.Err() != nil {
			return w.decide(context.Background(), req, domain.LocateRejected, 0, "system", string(domain.ReasonTimeout))
		}
		return nil, err
	}
	if res.Committed {
		w.noteConsumed(ctx, req, req.RequestedQty)
		return w.decide(ctx, req, domain.LocateApproved, req.RequestedQty, "system", "")
	}

	if res.Reason == limits.RejectInsufficient && w.cfg.AllowPartial && res.CurrentAvailable > 0 {
		return w.approvePartial(ctx, req, pool, res.CurrentAvailable)
	}

	// insufficient or contended: a desk operator decides
	return w.enqueue(ctx, req)
}

// approvePartial takes what is available now and queues the remainder for
// manual review as a linked request.
func (w *Workflow) approvePartial(ctx context.Context, req *domain.LocateRequest,
	pool limits.Key, available int64) (*domain.LocateRequest, error) {

	res, err := w.limits.TryDecrement(ctx, pool, available, w.cfg.ApprovalExpiry, idemKey(req.ID)+":partial")
	if err != nil {
		return nil, err
	}
	if !res.Committed {
		return w.enqueue(ctx, req)
	}

	remainder := &domain.LocateRequest{
		ID:                req.ID + ":r",
		ClientID:          req.ClientID,
		Requestor:         req.Requestor,
		SecurityID:        req.SecurityID,
		AggregationUnitID: req.AggregationUnitID,
		RequestedQty:      req.RequestedQty - available,
		LocateType:        req.LocateType,
		Swap:              req.Swap,
		RequestedAt:       req.RequestedAt,
	}
	if _, err := w.enqueue(ctx, remainder); err != nil {
		return nil, err
	}
	w.noteConsumed(ctx, req, available)
	return w.decide(ctx, req, domain.LocateApproved, available, "system", "")
}

func (w *Workflow) autoApprovable(req *domain.LocateRequest, client *domain.Counterparty) bool {
	if req.RequestedQty > w.cfg.AutoApproveCap {
		return false
	}
	sec, err := w.refdata.FindByInternal(req.SecurityID)
	if err != nil {
		return false
	}
	if !contains(w.cfg.AutoApproveMarkets, sec.Market) {
		return false
	}
	return contains(w.cfg.AutoApproveClientTypes, string(client.Type))
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Approve is the operator decision on a queued request. The quantity may
// be below the requested amount; it still consumes the locate counter.
func (w *Workflow) Approve(ctx context.Context, id, operator string, qty int64) (*domain.LocateRequest, error) {
	req, err := w.pendingByID(id)
	if err != nil {
		return nil, err
	}
	if qty <= 0 || qty > req.RequestedQty {
		return nil, errs.New(errs.Validation, "bad_quantity",
			"locate %s: approval quantity %d outside (0, %d]", id, qty, req.RequestedQty)
	}

	pool := limits.PoolKey(limits.CounterLocate, req.AggregationUnitID, req.SecurityID)
	res, err := w.limits.TryDecrement(ctx, pool, qty, w.cfg.ApprovalExpiry, idemKey(id)+":manual")
	if err != nil {
		return nil, err
	}
	if !res.Committed {
		return nil, errs.New(errs.Conflict, "insufficient_availability",
			"locate %s: %d requested, %d available", id, qty, res.CurrentAvailable)
	}
	w.noteConsumed(ctx, req, qty)
	return w.decide(ctx, req, domain.LocateApproved, qty, operator, "")
}

// Reject is the operator rejection of a queued request.
func (w *Workflow) Reject(ctx context.Context, id, operator, reason string) (*domain.LocateRequest, error) {
	req, err := w.pendingByID(id)
	if err != nil {
		return nil, err
	}
	return w.decide(ctx, req, domain.LocateRejected, 0, operator, reason)
}

// Cancel releases an approved locate, crediting its decrement back.
func (w *Workflow) Cancel(ctx context.Context, id string) (*domain.LocateRequest, error) {
	w.mu.Lock()
	req, ok := w.requests[id]
	if !ok || req.Status != domain.LocateApproved {
		w.mu.Unlock()
		return nil, errs.New(errs.Validation, "not_approved", "locate %s is not an open approval", id)
	}
	cp := *req
	w.mu.Unlock()

	pool := limits.PoolKey(limits.CounterLocate, cp.AggregationUnitID, cp.SecurityID)
	var credited int64
	for _, key := range []string{idemKey(id), idemKey(id) + ":partial", idemKey(id) + ":manual"} {
		c, err := w.limits.Rollback(ctx, pool, key)
		if err != nil {
			return nil, err
		}
		credited += c
	}
	w.noteConsumed(ctx, &cp, -credited)
	return w.decide(ctx, &cp, domain.LocateCancelled, cp.ApprovedQty, "system", "cancelled")
}

// ExpireDue flips approvals whose expiry has passed. The counter credit
// itself comes from the hold sweep in the limit service.
func (w *Workflow) ExpireDue(ctx context.Context) int {
	now := w.now()
	w.mu.Lock()
	var due []domain.LocateRequest
	for _, req := range w.requests {
		if req.Status == domain.LocateApproved && req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
			due = append(due, *req)
		}
	}
	w.mu.Unlock()

	for i := range due {
		if _, err := w.decide(ctx, &due[i], domain.LocateExpired, due[i].ApprovedQty, "system", "expired"); err != nil {
			w.logger.Error().Err(err).Str("locate", due[i].ID).Msg("expiry transition failed")
			continue
		}
		w.noteConsumed(ctx, &due[i], -due[i].ApprovedQty)
	}
	return len(due)
}

// Get returns the current state of one locate.
func (w *Workflow) Get(id string) (domain.LocateRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[id]
	if !ok {
		return domain.LocateRequest{}, false
	}
	return *req, true
}

// Pending returns the manual queue in arrival order.
func (w *Workflow) Pending() []domain.LocateRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.LocateRequest, 0, len(w.queue))
	for _, id := range w.queue {
		if req, ok := w.requests[id]; ok && req.Status == domain.LocatePending {
			out = append(out, *req)
		}
	}
	return out
}

func (w *Workflow) pendingByID(id string) (*domain.LocateRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[id]
	if !ok {
		return nil, errs.New(errs.Validation, "not_found", "locate %s not found", id)
	}
	if req.Status != domain.LocatePending {
		return nil, errs.New(errs.Conflict, "already_decided", "locate %s is %s", id, req.Status)
	}
	cp := *req
	return &cp, nil
}

// enqueue records the request as pending manual review.
func (w *Workflow) enqueue(ctx context.Context, req *domain.LocateRequest) (*domain.LocateRequest, error) {
	w.mu.Lock()
	w.seq++
	req.Sequence = w.seq
	req.Status = domain.LocatePending
	cp := *req
	w.requests[req.ID] = &cp
	w.queue = append(w.queue, req.ID)
	w.mu.Unlock()

	w.append(ctx, cp)
	w.count("queued")
	return req, nil
}

// decide commits one lifecycle transition, appends it to the audit log and
// notifies downstream.
func (w *Workflow) decide(ctx context.Context, req *domain.LocateRequest,
	status domain.LocateStatus, qty int64, by, reason string) (*domain.LocateRequest, error) {

	now := w.now().UTC()
	req.Status = status
	req.ApprovedQty = qty
	req.RejectReason = reason
	req.DecidedAt = &now
	req.DecidedBy = by
	if status == domain.LocateApproved {
		exp := now.Add(w.cfg.ApprovalExpiry)
		req.ExpiresAt = &exp
	}

	w.mu.Lock()
	w.seq++
	req.Sequence = w.seq
	cp := *req
	w.requests[req.ID] = &cp
	w.mu.Unlock()

	w.append(ctx, cp)
	w.count(string(status))
	w.logger.Info().Str("locate", cp.ID).Str("status", string(status)).
		Int64("approved_qty", cp.ApprovedQty).Str("by", by).Msg("locate decision")
	return &cp, nil
}

func (w *Workflow) append(ctx context.Context, req domain.LocateRequest) {
	if w.onDecision != nil {
		w.onDecision(ctx, req)
	}
	if w.repo == nil {
		return
	}
	if err := w.repo.AppendLocate(ctx, &req); err != nil {
		w.logger.Error().Err(err).Str("locate", req.ID).Msg("decision log append failed")
	}
}

func (w *Workflow) count(outcome string) {
	if w.metrics != nil {
		w.metrics.LocateOutcomes.WithLabelValues(outcome).Inc()
	}
}
