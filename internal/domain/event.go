package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies canonical events on the internal log.
type EventType string

const (
	EventReferenceData EventType = "reference-data"
	EventPositionSOD   EventType = "position-sod"
	EventTrade         EventType = "trade"
	EventContract      EventType = "contract"
	EventMarketData    EventType = "market-data"
)

// Topic names for the logical event log. Keys per topic follow spec'd
// partitioning: reference-data and market-data by internal security id,
// position-snapshots and trades by (book, security), contracts by external
// contract id.
const (
	TopicReferenceData     = "reference-data"
	TopicPositionSnapshots = "position-snapshots"
	TopicTrades            = "trades"
	TopicContracts         = "contracts"
	TopicMarketData        = "market-data"
	TopicInventoryDeltas   = "inventory-deltas"
	TopicDecisions         = "decisions"
)

// CanonicalEvent is the normalized form every feed record takes before it
// reaches the event log. EventID is the idempotence key consumers
// deduplicate on.
type CanonicalEvent struct {
	EventID   string          `json:"event_id"`
	Type      EventType       `json:"type"`
	Key       string          `json:"key"`
	Source    string          `json:"source"`
	BatchID   string          `json:"batch_id,omitempty"`
	EventTime time.Time       `json:"event_time"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate checks the fields every canonical event must carry.
func (e *CanonicalEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("canonical event missing event id")
	}
	if e.Type == "" {
		return fmt.Errorf("canonical event %s: missing type", e.EventID)
	}
	if e.Key == "" {
		return fmt.Errorf("canonical event %s: missing key", e.EventID)
	}
	if e.Source == "" {
		return fmt.Errorf("canonical event %s: missing source", e.EventID)
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("canonical event %s: missing event time", e.EventID)
	}
	return nil
}

// Topic maps the event type to its log topic.
func (e *CanonicalEvent) Topic() string {
	switch e.Type {
	case EventReferenceData:
		return TopicReferenceData
	case EventPositionSOD:
		return TopicPositionSnapshots
	case EventTrade:
		return TopicTrades
	case EventContract:
		return TopicContracts
	case EventMarketData:
		return TopicMarketData
	default:
		return ""
	}
}

// DecodePayload unmarshals the payload into v.
func (e *CanonicalEvent) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: decode payload: %w", e.EventID, err)
	}
	return nil
}
