package domain

import (
	"fmt"
	"time"
)

// BusinessDate is a calendar date in YYYY-MM-DD form. Settlement ladders
// and availability rows are keyed by it.
type BusinessDate string

// ParseBusinessDate validates and normalizes a YYYY-MM-DD date string.
func ParseBusinessDate(s string) (BusinessDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return "", fmt.Errorf("invalid business date %q: %w", s, err)
	}
	return BusinessDate(t.Format("2006-01-02")), nil
}

// BusinessDateOf truncates a timestamp to its business date (UTC).
func BusinessDateOf(t time.Time) BusinessDate {
	return BusinessDate(t.UTC().Format("2006-01-02"))
}

// PositionKey identifies a position by book and security.
type PositionKey struct {
	Book       string `json:"book"`
	SecurityID string `json:"security_id"`
}

func (k PositionKey) String() string { return k.Book + "|" + k.SecurityID }

// Position is the settlement-ladder-aware position state for one
// (book, security, business-date). Quantities are signed share counts.
//
// Invariants maintained by the position engine:
//   - sum over Ladder == Projected
//   - SOD + IntradayBuy - IntradaySell == Current after every applied event
type Position struct {
	Book           string                 `json:"book" db:"book"`
	SecurityID     string                 `json:"security_id" db:"security_id"`
	BusinessDate   BusinessDate           `json:"business_date" db:"business_date"`
	SODQty         int64                  `json:"sod_qty" db:"sod_qty"`
	IntradayBuy    int64                  `json:"intraday_buy" db:"intraday_buy"`
	IntradaySell   int64                  `json:"intraday_sell" db:"intraday_sell"`
	Current        int64                  `json:"current" db:"current"`
	Projected      int64                  `json:"projected" db:"projected"`
	Ladder         map[BusinessDate]int64 `json:"ladder"`
	Hypothecatable bool                   `json:"hypothecatable" db:"hypothecatable"`
	LastEventID    string                 `json:"last_event_id" db:"last_event_id"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
	Version        int64                  `json:"version" db:"version"`
}

// Key returns the position's (book, security) key.
func (p *Position) Key() PositionKey {
	return PositionKey{Book: p.Book, SecurityID: p.SecurityID}
}

// LadderSum returns the net quantity across the settlement ladder.
func (p *Position) LadderSum() int64 {
	var sum int64
	for _, q := range p.Ladder {
		sum += q
	}
	return sum
}

// CheckInvariants verifies the ladder and activity identities. A violation
// is a Fatal condition for the owning shard.
func (p *Position) CheckInvariants() error {
	if got := p.LadderSum(); got != p.Projected {
		return fmt.Errorf("position %s: ladder sum %d != projected %d", p.Key(), got, p.Projected)
	}
	if got := p.SODQty + p.IntradayBuy - p.IntradaySell; got != p.Current {
		return fmt.Errorf("position %s: sod %d + buys %d - sells %d = %d != current %d",
			p.Key(), p.SODQty, p.IntradayBuy, p.IntradaySell, got, p.Current)
	}
	return nil
}

// TradeSide is buy or sell.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Trade is a normalized trade execution consumed by the position engine.
type Trade struct {
	EventID        string       `json:"event_id"`
	Book           string       `json:"book"`
	SecurityID     string       `json:"security_id"`
	Side           TradeSide    `json:"side"`
	Quantity       int64        `json:"quantity"`
	Price          float64      `json:"price"`
	TradeDate      BusinessDate `json:"trade_date"`
	SettlementDate BusinessDate `json:"settlement_date"`
	EventTime      time.Time    `json:"event_time"`
	Source         string       `json:"source"`
}

// Validate rejects trades that cannot be applied.
func (t *Trade) Validate() error {
	if t.EventID == "" {
		return fmt.Errorf("trade missing event id")
	}
	if t.Book == "" || t.SecurityID == "" {
		return fmt.Errorf("trade %s: missing book or security", t.EventID)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("trade %s: invalid side %q", t.EventID, t.Side)
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("trade %s: quantity must be positive, got %d", t.EventID, t.Quantity)
	}
	if t.SettlementDate == "" {
		return fmt.Errorf("trade %s: missing settlement date", t.EventID)
	}
	return nil
}

// SignedQty returns the quantity signed by side.
func (t *Trade) SignedQty() int64 {
	if t.Side == SideSell {
		return -t.Quantity
	}
	return t.Quantity
}

// SODSnapshot is a start-of-day position snapshot from the position feed.
type SODSnapshot struct {
	EventID      string       `json:"event_id"`
	Book         string       `json:"book"`
	SecurityID   string       `json:"security_id"`
	BusinessDate BusinessDate `json:"business_date"`
	Quantity     int64        `json:"quantity"`
	Source       string       `json:"source"`
	EventTime    time.Time    `json:"event_time"`
}
