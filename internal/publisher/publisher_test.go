package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
)

func newTestPublisher() *Publisher {
	cfg := config.Default().Publisher
	cfg.BufferSize = 8
	return NewPublisher(cfg, nil, nil)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func waitForSubscribers(t *testing.T, p *Publisher, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Subscribers() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count never reached %d", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sampleDelta(available int64) domain.InventoryDelta {
	return domain.InventoryDelta{
		Key: domain.AvailabilityKey{
			SecurityID:        "SEC-VOD",
			AggregationUnitID: "AU-LON",
			BusinessDate:      "2026-08-24",
			Calculation:       domain.CalcShortSell,
		},
		Available:    available,
		CalculatedAt: time.Now().UTC(),
	}
}

func TestSubscriberReceivesDeltasInOrder(t *testing.T) {
	p := newTestPublisher()
	srv := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer srv.Close()
	defer p.Close()

	conn := dial(t, srv, "")
	defer conn.Close()
	waitForSubscribers(t, p, 1)

	for i := int64(1); i <= 3; i++ {
		p.PublishDelta(context.Background(), sampleDelta(i*1000))
	}

	var lastSeq int64
	for i := int64(1); i <= 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		assert.Equal(t, domain.TopicInventoryDeltas, env.Topic)
		assert.Greater(t, env.Seq, lastSeq, "sequence is strictly increasing")
		lastSeq = env.Seq

		var delta domain.InventoryDelta
		require.NoError(t, json.Unmarshal(env.Payload, &delta))
		assert.Equal(t, i*1000, delta.Available)
	}
}

func TestTopicFilterLimitsDelivery(t *testing.T) {
	p := newTestPublisher()
	srv := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer srv.Close()
	defer p.Close()

	conn := dial(t, srv, "?topics="+domain.TopicDecisions)
	defer conn.Close()
	waitForSubscribers(t, p, 1)

	p.PublishDelta(context.Background(), sampleDelta(1000))
	p.PublishShortSell(context.Background(), domain.ShortSellDecision{
		OrderID:  "ord-1",
		Decision: domain.DecisionAccepted,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.TopicDecisions, env.Topic, "the filtered topic is skipped")
}

func TestLaggingSubscriberIsDropped(t *testing.T) {
	p := newTestPublisher()

	// register the subscriber without its pumps so the buffer stays jammed
	up := websocket.Upgrader{}
	registered := make(chan *subscriber, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		sub := &subscriber{conn: conn, send: make(chan Envelope, 1)}
		p.mu.Lock()
		p.subs[sub] = true
		p.mu.Unlock()
		registered <- sub
	}))
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()
	sub := <-registered
	sub.send <- Envelope{}

	p.PublishDelta(context.Background(), sampleDelta(1000))
	assert.Equal(t, 0, p.Subscribers(), "publisher sheds the subscriber instead of blocking")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the peer sees the connection closed")
}

func TestCloseDisconnectsEverySubscriber(t *testing.T) {
	p := newTestPublisher()
	srv := httptest.NewServer(http.HandlerFunc(p.HandleWS))
	defer srv.Close()

	a := dial(t, srv, "")
	defer a.Close()
	b := dial(t, srv, "")
	defer b.Close()
	waitForSubscribers(t, p, 2)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Subscribers())
}
