package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
)

// decisionRepo implements persistence.DecisionRepo on PostgreSQL. Both
// tables are append-only; locates are re-appended on every lifecycle
// transition so the full history stays queryable.
type decisionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDecisionRepo creates the postgres decision repository.
func NewDecisionRepo(db *sqlx.DB, timeout time.Duration) persistence.DecisionRepo {
	return &decisionRepo{db: db, timeout: timeout}
}

func (r *decisionRepo) AppendShortSell(ctx context.Context, d *domain.ShortSellDecision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO short_sell_decisions (order_id, order_type, side, security_id, client_id,
		                                  aggregation_unit_id, quantity, decision, reason, decided_at, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.OrderID, d.OrderType, d.Side, d.SecurityID, d.ClientID,
		d.AggregationUnitID, d.Quantity, d.Decision, d.Reason, d.DecidedAt, d.LatencyMS)
	if err != nil {
		return mapError(err, "pg_append_shortsell", "failed to append decision for order %s", d.OrderID)
	}
	return nil
}

func (r *decisionRepo) AppendLocate(ctx context.Context, req *domain.LocateRequest) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO locate_decisions (id, client_id, requestor, security_id, aggregation_unit_id,
		                              requested_qty, approved_qty, locate_type, swap, status,
		                              reject_reason, requested_at, decided_at, decided_by, expires_at, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		req.ID, req.ClientID, req.Requestor, req.SecurityID, req.AggregationUnitID,
		req.RequestedQty, req.ApprovedQty, req.LocateType, req.Swap, req.Status,
		req.RejectReason, req.RequestedAt, req.DecidedAt, req.DecidedBy, req.ExpiresAt, req.Sequence)
	if err != nil {
		return mapError(err, "pg_append_locate", "failed to append locate %s", req.ID)
	}
	return nil
}

func (r *decisionRepo) ListShortSell(ctx context.Context, securityID string, limit int) ([]*domain.ShortSellDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var out []*domain.ShortSellDecision
	err := r.db.SelectContext(ctx, &out, `
		SELECT order_id, order_type, side, security_id, client_id, aggregation_unit_id,
		       quantity, decision, reason, decided_at, latency_ms
		FROM short_sell_decisions
		WHERE ($1 = '' OR security_id = $1)
		ORDER BY decided_at DESC LIMIT $2`, securityID, limit)
	if err != nil {
		return nil, mapError(err, "pg_list_shortsell", "failed to list short-sell decisions")
	}
	return out, nil
}

func (r *decisionRepo) ListLocates(ctx context.Context, status domain.LocateStatus, limit int) ([]*domain.LocateRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var out []*domain.LocateRequest
	err := r.db.SelectContext(ctx, &out, `
		SELECT DISTINCT ON (id) id, client_id, requestor, security_id, aggregation_unit_id,
		       requested_qty, approved_qty, locate_type, swap, status,
		       reject_reason, requested_at, decided_at, decided_by, expires_at, sequence
		FROM locate_decisions
		WHERE ($1 = '' OR status = $1)
		ORDER BY id, sequence DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, mapError(err, "pg_list_locates", "failed to list locates")
	}
	return out, nil
}
