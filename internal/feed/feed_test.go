package feed

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
)

// captureBus records published messages instead of running a real log.
type captureBus struct {
	bus.EventBus
	mu   sync.Mutex
	msgs []bus.Message
}

func (c *captureBus) Publish(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, bus.Message{Topic: topic, Key: key, Payload: payload, Headers: headers})
	return nil
}

func (c *captureBus) published() []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func newTestService(t *testing.T) (*Service, *captureBus, *refdata.Store) {
	t.Helper()
	ctx := context.Background()

	ref := refdata.NewStore(persistence.NewMemoryRepository(), config.Default().Feeds.SourcePriority)
	_, err := ref.UpsertSecurity(ctx, &domain.Security{
		InternalID: "SEC-VOD",
		Type:       domain.SecurityEquity,
		Market:     "XLON",
		Currency:   "GBP",
		Status:     domain.SecurityActive,
		Identifiers: []domain.SecurityIdentifier{
			{Type: domain.IdentifierSEDOL, Value: "BH4HKS3", Source: "reuters", IsPrimary: true},
		},
	}, "reuters", false)
	require.NoError(t, err)

	cb := &captureBus{}
	cfg := config.Default().Feeds
	cfg.RatePerSec = 0 // no throttling in tests
	return NewService(cfg, bus.NewProducer(cb), ref, nil), cb, ref
}

const eventTime = `"2026-08-24T09:00:00Z"`

func refLine(externalID string) string {
	return `{"source":"reuters","externalId":"` + externalID + `","identifierType":"RIC","eventTime":` + eventTime +
		`,"payload":{"type":"equity","market":"XLON","currency":"GBP","issuer":"Vodafone","primary":true}}`
}

func TestProcessBatchPublishesCanonicalEvents(t *testing.T) {
	s, cb, _ := newTestService(t)

	batch := strings.Join([]string{refLine("VOD.L"), refLine("AZN.L")}, "\n")
	report, err := s.ProcessBatch(context.Background(), strings.NewReader(batch), "reuters")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Processed)
	assert.Zero(t, report.Errors)
	assert.Zero(t, report.Duplicates)
	require.NotEmpty(t, report.BatchID)

	msgs := cb.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.TopicReferenceData, msgs[0].Topic)
	assert.Equal(t, report.BatchID, msgs[0].Headers[bus.HeaderBatchID])

	var evt domain.CanonicalEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &evt))
	assert.Equal(t, domain.EventReferenceData, evt.Type)
	assert.Equal(t, "reuters", evt.Source)

	var upd domain.ReferenceUpdate
	require.NoError(t, evt.DecodePayload(&upd))
	assert.Equal(t, "Vodafone", upd.Security.Issuer)
	require.Len(t, upd.Security.Identifiers, 1)
	assert.Equal(t, domain.IdentifierRIC, upd.Security.Identifiers[0].Type)
}

func TestInBatchDuplicatesCollapse(t *testing.T) {
	s, cb, _ := newTestService(t)

	batch := strings.Join([]string{refLine("VOD.L"), refLine("VOD.L")}, "\n")
	report, err := s.ProcessBatch(context.Background(), strings.NewReader(batch), "reuters")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Duplicates)
	assert.Len(t, cb.published(), 1)
}

func TestSchemaViolationsAreCountedNotFatal(t *testing.T) {
	s, cb, _ := newTestService(t)

	batch := strings.Join([]string{
		refLine("VOD.L"),
		`{"source":"reuters","externalId":"AZN.L","eventTime":` + eventTime + `}`, // no identifierType
		`not json at all`,
	}, "\n")
	report, err := s.ProcessBatch(context.Background(), strings.NewReader(batch), "reuters")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 2, report.Errors)
	assert.True(t, report.Failed())
	assert.Len(t, cb.published(), 1)
}

func TestTradeBatchResolvesSecurities(t *testing.T) {
	s, cb, _ := newTestService(t)

	trade := `{"source":"trades","externalId":"T-1001","identifierType":"TICKER","eventTime":` + eventTime +
		`,"payload":{"book":"B1","securityIdType":"SEDOL","securityId":"BH4HKS3","side":"buy","quantity":500,` +
		`"price":101.5,"tradeDate":"2026-08-24","settlementDate":"2026-08-26"}}`
	unknown := `{"source":"trades","externalId":"T-1002","identifierType":"TICKER","eventTime":` + eventTime +
		`,"payload":{"book":"B1","securityIdType":"SEDOL","securityId":"NOPE","side":"buy","quantity":500,` +
		`"tradeDate":"2026-08-24","settlementDate":"2026-08-26"}}`

	report, err := s.ProcessBatch(context.Background(), strings.NewReader(trade+"\n"+unknown), "trades")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Errors, "unresolved identifiers fail the record")

	msgs := cb.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.TopicTrades, msgs[0].Topic)
	assert.Equal(t, "B1|SEC-VOD", msgs[0].Key, "partition key is (book, internal security)")

	var evt domain.CanonicalEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &evt))
	var tr domain.Trade
	require.NoError(t, evt.DecodePayload(&tr))
	assert.Equal(t, "SEC-VOD", tr.SecurityID)
	assert.Equal(t, domain.BusinessDate("2026-08-26"), tr.SettlementDate)
}

func TestReprocessKeepsEventIDsStable(t *testing.T) {
	s, cb, _ := newTestService(t)
	ctx := context.Background()

	report, err := s.ProcessBatch(ctx, strings.NewReader(refLine("VOD.L")), "reuters")
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	first := cb.published()[0].Headers[bus.HeaderEventID]

	again, err := s.Reprocess(ctx, report.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Processed)

	msgs := cb.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, first, msgs[1].Headers[bus.HeaderEventID], "replay is idempotent downstream")
}

func TestBasketFeedResolvesConstituents(t *testing.T) {
	s, cb, ref := newTestService(t)
	ctx := context.Background()

	_, err := ref.UpsertSecurity(ctx, &domain.Security{
		InternalID: "SEC-AZN",
		Type:       domain.SecurityEquity,
		Market:     "XLON",
		Status:     domain.SecurityActive,
		Identifiers: []domain.SecurityIdentifier{
			{Type: domain.IdentifierSEDOL, Value: "0989529", Source: "reuters", IsPrimary: true},
		},
	}, "reuters", false)
	require.NoError(t, err)

	basket := `{"source":"ultumus","externalId":"FTSE-BSK","identifierType":"TICKER","eventTime":` + eventTime +
		`,"payload":{"type":"etf","market":"XLON","basketType":"etf","effectiveDate":"2026-08-24","constituents":[` +
		`{"identifierType":"SEDOL","externalId":"BH4HKS3","weight":0.6},` +
		`{"identifierType":"SEDOL","externalId":"0989529","weight":0.4}]}}`

	report, err := s.ProcessBatch(ctx, strings.NewReader(basket), "ultumus")
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)

	var evt domain.CanonicalEvent
	require.NoError(t, json.Unmarshal(cb.published()[0].Payload, &evt))
	var upd domain.ReferenceUpdate
	require.NoError(t, evt.DecodePayload(&upd))
	assert.True(t, upd.Security.IsBasket)
	require.Len(t, upd.Constituents, 2)
	assert.Equal(t, "SEC-VOD", upd.Constituents[0].ConstituentID)
	assert.Equal(t, "SEC-AZN", upd.Constituents[1].ConstituentID)
}

func TestUnknownSourceIsRejected(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.ProcessBatch(context.Background(), strings.NewReader(""), "carrier-pigeon")
	require.Error(t, err)
}

func TestHandleRealtimePublishesImmediately(t *testing.T) {
	s, cb, _ := newTestService(t)

	evt, err := s.HandleRealtime(context.Background(), "reuters", []byte(refLine("VOD.L")))
	require.NoError(t, err)
	assert.Equal(t, domain.EventReferenceData, evt.Type)
	assert.Len(t, cb.published(), 1)
	assert.NotZero(t, evt.EventTime)
	assert.WithinDuration(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), evt.EventTime, time.Second)
}
