// Package domain holds the core entities of the inventory management
// system: reference data, positions, contracts, rules, availabilities and
// decisions. Types carry json tags for the wire and db tags for the row
// store.
package domain

import (
	"fmt"
	"time"
)

// SecurityType classifies an instrument.
type SecurityType string

const (
	SecurityEquity SecurityType = "equity"
	SecurityBond   SecurityType = "bond"
	SecurityETF    SecurityType = "etf"
	SecurityIndex  SecurityType = "index"
	SecurityFuture SecurityType = "future"
	SecurityOption SecurityType = "option"
)

// SecurityStatus is the lifecycle status of a security.
type SecurityStatus string

const (
	SecurityActive    SecurityStatus = "active"
	SecurityInactive  SecurityStatus = "inactive"
	SecuritySuspended SecurityStatus = "suspended"
)

// IdentifierType enumerates the external identifier schemes the feeds use.
type IdentifierType string

const (
	IdentifierISIN   IdentifierType = "ISIN"
	IdentifierCUSIP  IdentifierType = "CUSIP"
	IdentifierSEDOL  IdentifierType = "SEDOL"
	IdentifierRIC    IdentifierType = "RIC"
	IdentifierBBGID  IdentifierType = "BBGID"
	IdentifierTicker IdentifierType = "TICKER"
)

// SecurityIdentifier links an external (type, value) pair to a security.
// Two securities may share a value only when the types differ; at most one
// identifier per security is primary.
type SecurityIdentifier struct {
	Type      IdentifierType `json:"type" db:"id_type"`
	Value     string         `json:"value" db:"id_value"`
	Source    string         `json:"source" db:"source"`
	Priority  int            `json:"priority" db:"priority"`
	IsPrimary bool           `json:"is_primary" db:"is_primary"`
}

// Security is the internal representation of an instrument. InternalID is
// stable and opaque; Version increments on every applied update.
type Security struct {
	InternalID  string               `json:"internal_id" db:"internal_id"`
	Type        SecurityType         `json:"type" db:"sec_type"`
	Issuer      string               `json:"issuer" db:"issuer"`
	Currency    string               `json:"currency" db:"currency"`
	Market      string               `json:"market" db:"market"`
	Status      SecurityStatus       `json:"status" db:"status"`
	IsBasket    bool                 `json:"is_basket" db:"is_basket"`
	BasketType  string               `json:"basket_type,omitempty" db:"basket_type"`
	Identifiers []SecurityIdentifier `json:"identifiers"`
	CreatedAt   time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at" db:"updated_at"`
	Version     int64                `json:"version" db:"version"`
}

// PrimaryIdentifier returns the identifier marked primary, if any.
func (s *Security) PrimaryIdentifier() (SecurityIdentifier, bool) {
	for _, id := range s.Identifiers {
		if id.IsPrimary {
			return id, true
		}
	}
	return SecurityIdentifier{}, false
}

// Validate checks structural invariants before an upsert is applied.
func (s *Security) Validate() error {
	if s.InternalID == "" {
		return fmt.Errorf("security internal id is empty")
	}
	if s.Market == "" {
		return fmt.Errorf("security %s: market is empty", s.InternalID)
	}
	primaries := 0
	for _, id := range s.Identifiers {
		if id.Type == "" || id.Value == "" {
			return fmt.Errorf("security %s: identifier missing type or value", s.InternalID)
		}
		if id.IsPrimary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("security %s: %d identifiers marked primary, at most one allowed", s.InternalID, primaries)
	}
	return nil
}

// BasketConstituent is a DAG edge from a basket security to a member, with
// the member's weight in the basket.
type BasketConstituent struct {
	BasketID      string  `json:"basket_id" db:"basket_id"`
	ConstituentID string  `json:"constituent_id" db:"constituent_id"`
	Weight        float64 `json:"weight" db:"weight"`
	EffectiveDate string  `json:"effective_date" db:"effective_date"`
}

// ReferenceUpdate is the canonical payload on the reference-data topic:
// a security upsert, with basket constituents when the source is an
// index/ETF composition feed.
type ReferenceUpdate struct {
	Security     Security            `json:"security"`
	Constituents []BasketConstituent `json:"constituents,omitempty"`
}

// CounterpartyType classifies a client or counterparty.
type CounterpartyType string

const (
	CounterpartyInstitutional CounterpartyType = "institutional"
	CounterpartyHedgeFund     CounterpartyType = "hedge-fund"
	CounterpartyAssetManager  CounterpartyType = "asset-manager"
	CounterpartyBrokerDealer  CounterpartyType = "broker-dealer"
)

// CounterpartyStatus is the lifecycle status of a counterparty.
type CounterpartyStatus string

const (
	CounterpartyActive   CounterpartyStatus = "active"
	CounterpartyInactive CounterpartyStatus = "inactive"
)

// Counterparty is a client or trading counterparty.
type Counterparty struct {
	ID        string             `json:"id" db:"id"`
	Name      string             `json:"name" db:"name"`
	Type      CounterpartyType   `json:"type" db:"cp_type"`
	Status    CounterpartyStatus `json:"status" db:"status"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
	Version   int64              `json:"version" db:"version"`
}

// AggregationUnit is the regulatory reporting axis, mandatory in APAC
// markets.
type AggregationUnit struct {
	ID        string    `json:"id" db:"id"`
	Market    string    `json:"market" db:"market"`
	Region    string    `json:"region" db:"region"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Version   int64     `json:"version" db:"version"`
}

// Conflict records a cross-source disagreement detected by the reference
// store. The lower-priority value is never applied, only logged here.
type Conflict struct {
	InternalID   string    `json:"internal_id" db:"internal_id"`
	Field        string    `json:"field" db:"field"`
	KeptSource   string    `json:"kept_source" db:"kept_source"`
	KeptValue    string    `json:"kept_value" db:"kept_value"`
	LosingSource string    `json:"losing_source" db:"losing_source"`
	LosingValue  string    `json:"losing_value" db:"losing_value"`
	DetectedAt   time.Time `json:"detected_at" db:"detected_at"`
}
