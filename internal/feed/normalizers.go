package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
)

// eventIDFor builds the deterministic idempotence key for a record, so a
// reprocessed batch produces the same event ids.
func eventIDFor(rec RawRecord) string {
	return fmt.Sprintf("%s:%s:%s:%d", rec.Source, rec.IdentifierType, rec.ExternalID, rec.EventTime.UnixNano())
}

// resolveSecurity maps an external identifier to the internal id, minting
// a deterministic id for instruments the store has never seen.
func resolveSecurity(ref *refdata.Store, idType domain.IdentifierType, value string) string {
	if sec, err := ref.FindByExternal(idType, value); err == nil {
		return sec.InternalID
	}
	return "SEC-" + value
}

// securityDoc is the reference payload the vendor security feeds share.
type securityDoc struct {
	Type       string `json:"type"`
	Issuer     string `json:"issuer"`
	Currency   string `json:"currency"`
	Market     string `json:"market"`
	Status     string `json:"status"`
	IsBasket   bool   `json:"isBasket"`
	BasketType string `json:"basketType"`
	Primary    bool   `json:"primary"`
}

func (d *securityDoc) toSecurity(rec RawRecord, internalID string) domain.Security {
	status := domain.SecurityStatus(d.Status)
	if status == "" {
		status = domain.SecurityActive
	}
	return domain.Security{
		InternalID: internalID,
		Type:       domain.SecurityType(d.Type),
		Issuer:     d.Issuer,
		Currency:   d.Currency,
		Market:     d.Market,
		Status:     status,
		IsBasket:   d.IsBasket,
		BasketType: d.BasketType,
		Identifiers: []domain.SecurityIdentifier{{
			Type:      domain.IdentifierType(rec.IdentifierType),
			Value:     rec.ExternalID,
			Source:    rec.Source,
			IsPrimary: d.Primary,
		}},
	}
}

// securityNormalizer handles the vendor reference feeds (reuters,
// bloomberg, markit).
type securityNormalizer struct {
	source   string
	resolver *refdata.Store
}

func (n *securityNormalizer) Source() string { return n.source }

func (n *securityNormalizer) Normalize(rec RawRecord) (*domain.CanonicalEvent, error) {
	var doc securityDoc
	if err := json.Unmarshal(rec.Payload, &doc); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_payload", "security record %s rejected", rec.ExternalID)
	}

	internalID := resolveSecurity(n.resolver, domain.IdentifierType(rec.IdentifierType), rec.ExternalID)
	update := domain.ReferenceUpdate{Security: doc.toSecurity(rec, internalID)}
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, errs.Wrap(err, errs.Validation, "serialization", "security record %s cannot be serialized", rec.ExternalID)
	}

	return &domain.CanonicalEvent{
		EventID:   eventIDFor(rec),
		Type:      domain.EventReferenceData,
		Key:       internalID,
		Source:    rec.Source,
		EventTime: rec.EventTime,
		Payload:   payload,
	}, nil
}

// basketDoc extends the security payload with constituent edges, as the
// index/ETF composition feeds (ultumus, rimes) deliver them.
type basketDoc struct {
	securityDoc
	EffectiveDate string `json:"effectiveDate"`
	Constituents  []struct {
		IdentifierType string  `json:"identifierType"`
		ExternalID     string  `json:"externalId"`
		Weight         float64 `json:"weight"`
	} `json:"constituents"`
}

type basketNormalizer struct {
	source   string
	resolver *refdata.Store
}

func (n *basketNormalizer) Source() string { return n.source }

func (n *basketNormalizer) Normalize(rec RawRecord) (*domain.CanonicalEvent, error) {
	var doc basketDoc
	if err := json.Unmarshal(rec.Payload, &doc); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_payload", "basket record %s rejected", rec.ExternalID)
	}
	doc.IsBasket = true

	basketID := resolveSecurity(n.resolver, domain.IdentifierType(rec.IdentifierType), rec.ExternalID)
	update := domain.ReferenceUpdate{Security: doc.toSecurity(rec, basketID)}
	for _, c := range doc.Constituents {
		conID, err := n.resolver.FindByExternal(domain.IdentifierType(c.IdentifierType), c.ExternalID)
		if err != nil {
			return nil, errs.Wrap(err, errs.Validation, "unresolved_constituent",
				"basket %s: constituent %s/%s unknown", rec.ExternalID, c.IdentifierType, c.ExternalID)
		}
		update.Constituents = append(update.Constituents, domain.BasketConstituent{
			BasketID:      basketID,
			ConstituentID: conID.InternalID,
			Weight:        c.Weight,
			EffectiveDate: doc.EffectiveDate,
		})
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return nil, errs.Wrap(err, errs.Validation, "serialization", "basket record %s cannot be serialized", rec.ExternalID)
	}
	return &domain.CanonicalEvent{
		EventID:   eventIDFor(rec),
		Type:      domain.EventReferenceData,
		Key:       basketID,
		Source:    rec.Source,
		EventTime: rec.EventTime,
		Payload:   payload,
	}, nil
}

// tradeDoc covers the trades feed, which carries both executions and
// start-of-day position snapshots.
type tradeDoc struct {
	Book           string  `json:"book"`
	SecurityIDType string  `json:"securityIdType"`
	SecurityID     string  `json:"securityId"`
	Side           string  `json:"side"`
	Quantity       int64   `json:"quantity"`
	Price          float64 `json:"price"`
	TradeDate      string  `json:"tradeDate"`
	SettlementDate string  `json:"settlementDate"`
	BusinessDate   string  `json:"businessDate"`
}

type tradeNormalizer struct {
	resolver *refdata.Store
}

func (n *tradeNormalizer) Source() string { return "trades" }

func (n *tradeNormalizer) Normalize(rec RawRecord) (*domain.CanonicalEvent, error) {
	var doc tradeDoc
	if err := json.Unmarshal(rec.Payload, &doc); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_payload", "trade record %s rejected", rec.ExternalID)
	}

	sec, err := n.resolver.FindByExternal(domain.IdentifierType(doc.SecurityIDType), doc.SecurityID)
	if err != nil {
		return nil, errs.Wrap(err, errs.Validation, "unresolved_identifier",
			"trade %s: security %s/%s unknown", rec.ExternalID, doc.SecurityIDType, doc.SecurityID)
	}

	eventID := eventIDFor(rec)
	key := doc.Book + "|" + sec.InternalID

	if rec.RecordType == "position-sod" {
		date, err := domain.ParseBusinessDate(doc.BusinessDate)
		if err != nil {
			return nil, errs.Wrap(err, errs.Validation, "bad_payload", "sod record %s rejected", rec.ExternalID)
		}
		return canonical(rec, domain.EventPositionSOD, eventID, key, domain.SODSnapshot{
			EventID:      eventID,
			Book:         doc.Book,
			SecurityID:   sec.InternalID,
			BusinessDate: date,
			Quantity:     doc.Quantity,
			Source:       rec.Source,
			EventTime:    rec.EventTime,
		})
	}

	tradeDate, err := domain.ParseBusinessDate(doc.TradeDate)
	if err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_payload", "trade record %s rejected", rec.ExternalID)
	}
	settleDate, err := domain.ParseBusinessDate(doc.SettlementDate)
	if err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_payload", "trade record %s rejected", rec.ExternalID)
	}
	trade := domain.Trade{
		EventID:        eventID,
		Book:           doc.Book,
		SecurityID:     sec.InternalID,
		Side:           domain.TradeSide(doc.Side),
		Quantity:       doc.Quantity,
		Price:          doc.Price,
		TradeDate:      tradeDate,
		SettlementDate: settleDate,
		EventTime:      rec.EventTime,
		Source:         rec.Source,
	}
	if err := trade.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_payload", "trade record %s rejected", rec.ExternalID)
	}
	return canonical(rec, domain.EventTrade, eventID, key, trade)
}

// contractDoc covers the financing contracts feed.
type contractDoc struct {
	Type           string `json:"type"`
	Side           string `json:"side"`
	SecurityIDType string `json:"securityIdType"`
	SecurityID     string `json:"securityId"`
	CounterpartyID string `json:"counterpartyId"`
	Quantity       int64  `json:"quantity"`
	OpenQuantity   int64  `json:"openQuantity"`
	StartDate      string `json:"startDate"`
	EndDate        string `json:"endDate"`
	Version        int64  `json:"version"`
}

type contractNormalizer struct {
	resolver *refdata.Store
}

func (n *contractNormalizer) Source() string { return "contracts" }

func (n *contractNormalizer) Normalize(rec RawRecord) (*domain.CanonicalEvent, error) {
	var doc contractDoc
	if err := json.Unmarshal(rec.Payload, &doc); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_payload", "contract record %s rejected", rec.ExternalID)
	}

	sec, err := n.resolver.FindByExternal(domain.IdentifierType(doc.SecurityIDType), doc.SecurityID)
	if err != nil {
		return nil, errs.Wrap(err, errs.Validation, "unresolved_identifier",
			"contract %s: security %s/%s unknown", rec.ExternalID, doc.SecurityIDType, doc.SecurityID)
	}

	con := domain.Contract{
		ExternalID:     rec.ExternalID,
		Type:           domain.ContractType(doc.Type),
		SecurityID:     sec.InternalID,
		CounterpartyID: doc.CounterpartyID,
		Side:           domain.ContractSide(doc.Side),
		Quantity:       doc.Quantity,
		OpenQuantity:   doc.OpenQuantity,
		StartDate:      domain.BusinessDate(doc.StartDate),
		EndDate:        domain.BusinessDate(doc.EndDate),
		Status:         domain.ProcessingPending,
		EventTime:      rec.EventTime,
		Version:        doc.Version,
	}
	if err := con.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.Validation, "bad_payload", "contract record %s rejected", rec.ExternalID)
	}
	return canonical(rec, domain.EventContract, eventIDFor(rec), rec.ExternalID, con)
}

// canonical wraps a typed payload into the event envelope.
func canonical(rec RawRecord, typ domain.EventType, eventID, key string, v interface{}) (*domain.CanonicalEvent, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(err, errs.Validation, "serialization", "record %s cannot be serialized", rec.ExternalID)
	}
	evtTime := rec.EventTime
	if evtTime.IsZero() {
		evtTime = time.Now().UTC()
	}
	return &domain.CanonicalEvent{
		EventID:   eventID,
		Type:      typ,
		Key:       key,
		Source:    rec.Source,
		EventTime: evtTime,
		Payload:   payload,
	}, nil
}
