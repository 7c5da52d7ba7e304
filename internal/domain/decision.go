package domain

import (
	"fmt"
	"time"
)

// LocateType distinguishes short-sale locates from long-sale confirmations.
type LocateType string

const (
	LocateShort LocateType = "short"
	LocateLong  LocateType = "long"
)

// LocateStatus is the lifecycle status of a locate request.
type LocateStatus string

const (
	LocatePending   LocateStatus = "pending"
	LocateApproved  LocateStatus = "approved"
	LocateRejected  LocateStatus = "rejected"
	LocateExpired   LocateStatus = "expired"
	LocateCancelled LocateStatus = "cancelled"
)

// LocateRequest is a pre-trade borrow confirmation request.
//
// On approval: ApprovedQty <= RequestedQty, ExpiresAt > the approval time,
// and the decrement taken never exceeds the availability at approval time.
type LocateRequest struct {
	ID                string       `json:"id" db:"id"`
	ClientID          string       `json:"client_id" db:"client_id"`
	Requestor         string       `json:"requestor" db:"requestor"`
	SecurityID        string       `json:"security_id" db:"security_id"`
	AggregationUnitID string       `json:"aggregation_unit_id" db:"aggregation_unit_id"`
	RequestedQty      int64        `json:"requested_qty" db:"requested_qty"`
	ApprovedQty       int64        `json:"approved_qty" db:"approved_qty"`
	LocateType        LocateType   `json:"locate_type" db:"locate_type"`
	Swap              bool         `json:"swap" db:"swap"` // swap vs cash
	Status            LocateStatus `json:"status" db:"status"`
	RejectReason      string       `json:"reject_reason,omitempty" db:"reject_reason"`
	RequestedAt       time.Time    `json:"requested_at" db:"requested_at"`
	DecidedAt         *time.Time   `json:"decided_at,omitempty" db:"decided_at"`
	DecidedBy         string       `json:"decided_by,omitempty" db:"decided_by"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty" db:"expires_at"`
	Sequence          int64        `json:"sequence" db:"sequence"` // monotonic per decision queue
}

// Validate rejects malformed locate requests before policy evaluation.
func (r *LocateRequest) Validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("locate request missing client")
	}
	if r.SecurityID == "" {
		return fmt.Errorf("locate request missing security")
	}
	if r.AggregationUnitID == "" {
		return fmt.Errorf("locate request missing aggregation unit")
	}
	if r.RequestedQty <= 0 {
		return fmt.Errorf("locate request quantity must be positive, got %d", r.RequestedQty)
	}
	if r.LocateType != LocateShort && r.LocateType != LocateLong {
		return fmt.Errorf("invalid locate type %q", r.LocateType)
	}
	return nil
}

// OrderSide is the order direction on the short-sell path.
type OrderSide string

const (
	OrderSell      OrderSide = "sell"
	OrderSellShort OrderSide = "sell-short"
)

// Order is the inbound order the short-sell gate validates.
type Order struct {
	OrderID           string    `json:"order_id"`
	OrderType         string    `json:"order_type"`
	Side              OrderSide `json:"side"`
	SecurityID        string    `json:"security_id"`
	ClientID          string    `json:"client_id"`
	AggregationUnitID string    `json:"aggregation_unit_id"`
	Quantity          int64     `json:"quantity"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Validate rejects malformed orders.
func (o *Order) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("order missing id")
	}
	if o.SecurityID == "" || o.ClientID == "" || o.AggregationUnitID == "" {
		return fmt.Errorf("order %s: missing security, client or aggregation unit", o.OrderID)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity must be positive, got %d", o.OrderID, o.Quantity)
	}
	return nil
}

// DecisionOutcome is accepted or rejected.
type DecisionOutcome string

const (
	DecisionAccepted DecisionOutcome = "accepted"
	DecisionRejected DecisionOutcome = "rejected"
)

// RejectReason is the stable reason set carried on gate rejections.
type RejectReason string

const (
	ReasonInsufficientAvailability RejectReason = "insufficient-availability"
	ReasonClientLimit              RejectReason = "client-limit"
	ReasonRuleBlocked              RejectReason = "rule-blocked"
	ReasonTimeout                  RejectReason = "timeout"
	ReasonInvalidOrder             RejectReason = "invalid-order"
)

// ShortSellDecision is the audit record appended for every gate validation.
type ShortSellDecision struct {
	OrderID           string          `json:"order_id" db:"order_id"`
	OrderType         string          `json:"order_type" db:"order_type"`
	Side              OrderSide       `json:"side" db:"side"`
	SecurityID        string          `json:"security_id" db:"security_id"`
	ClientID          string          `json:"client_id" db:"client_id"`
	AggregationUnitID string          `json:"aggregation_unit_id" db:"aggregation_unit_id"`
	Quantity          int64           `json:"quantity" db:"quantity"`
	Decision          DecisionOutcome `json:"decision" db:"decision"`
	Reason            RejectReason    `json:"reason,omitempty" db:"reason"`
	DecidedAt         time.Time       `json:"decided_at" db:"decided_at"`
	LatencyMS         int64           `json:"latency_ms" db:"latency_ms"`
}
