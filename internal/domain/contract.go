package domain

import (
	"fmt"
	"time"
)

// ProcessingStatus tracks batch-record lifecycle for contracts and market
// data points.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
	ProcessingError     ProcessingStatus = "error"
)

// ContractType classifies a financing contract.
type ContractType string

const (
	ContractStockLoan   ContractType = "stock-loan"
	ContractStockBorrow ContractType = "stock-borrow"
	ContractRepo        ContractType = "repo"
	ContractPledge      ContractType = "pledge"
)

// ContractSide indicates lend or borrow from the firm's perspective.
type ContractSide string

const (
	ContractLend   ContractSide = "lend"
	ContractBorrow ContractSide = "borrow"
)

// Contract is a financing contract (loan, borrow, repo, pledge) affecting
// inventory. ExternalID is unique across the contract feed.
type Contract struct {
	ExternalID     string           `json:"external_id" db:"external_id"`
	Type           ContractType     `json:"type" db:"contract_type"`
	SecurityID     string           `json:"security_id" db:"security_id"`
	CounterpartyID string           `json:"counterparty_id" db:"counterparty_id"`
	Side           ContractSide     `json:"side" db:"side"`
	Quantity       int64            `json:"quantity" db:"quantity"`
	OpenQuantity   int64            `json:"open_quantity" db:"open_quantity"`
	StartDate      BusinessDate     `json:"start_date" db:"start_date"`
	EndDate        BusinessDate     `json:"end_date,omitempty" db:"end_date"`
	Status         ProcessingStatus `json:"status" db:"status"`
	ErrorMessage   string           `json:"error_message,omitempty" db:"error_message"`
	BatchID        string           `json:"batch_id" db:"batch_id"`
	EventTime      time.Time        `json:"event_time" db:"event_time"`
	Version        int64            `json:"version" db:"version"`
}

// Validate rejects contracts that cannot be applied.
func (c *Contract) Validate() error {
	if c.ExternalID == "" {
		return fmt.Errorf("contract missing external id")
	}
	if c.SecurityID == "" {
		return fmt.Errorf("contract %s: missing security", c.ExternalID)
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("contract %s: quantity must be positive, got %d", c.ExternalID, c.Quantity)
	}
	if c.Side != ContractLend && c.Side != ContractBorrow {
		return fmt.Errorf("contract %s: invalid side %q", c.ExternalID, c.Side)
	}
	return nil
}

// MarketDataType classifies a market data point.
type MarketDataType string

const (
	MarketDataPrice      MarketDataType = "price"
	MarketDataNAV        MarketDataType = "nav"
	MarketDataVolatility MarketDataType = "volatility"
)

// MarketDataPoint is an immutable market observation. Only Status and
// ErrorMessage may change after ingestion.
type MarketDataPoint struct {
	SecurityID   string           `json:"security_id" db:"security_id"`
	Type         MarketDataType   `json:"type" db:"md_type"`
	EventTime    time.Time        `json:"event_time" db:"event_time"`
	Source       string           `json:"source" db:"source"`
	Value        float64          `json:"value" db:"value"`
	Currency     string           `json:"currency,omitempty" db:"currency"`
	BatchID      string           `json:"batch_id" db:"batch_id"`
	Status       ProcessingStatus `json:"status" db:"status"`
	ErrorMessage string           `json:"error_message,omitempty" db:"error_message"`
}
