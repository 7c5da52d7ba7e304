// Package publisher fans calculated deltas and decisions out to
// downstream consumers over WebSocket, and mirrors them onto the outbound
// bus topics. Delivery per subscriber is at-least-once from the point of
// subscription; a subscriber that cannot drain its buffer is disconnected
// as lagging rather than slowing the fan-out.
package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
)

// Envelope is one published record. Seq is the publisher's cursor; a
// subscriber can detect gaps after a reconnect and resync from the API.
type Envelope struct {
	Seq         int64           `json:"seq"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

type subscriber struct {
	conn   *websocket.Conn
	send   chan Envelope
	topics map[string]bool
	cursor int64
	once   sync.Once
}

func (s *subscriber) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Publisher owns the subscriber set.
type Publisher struct {
	cfg      config.PublisherConfig
	logger   zerolog.Logger
	metrics  *metrics.Registry
	bus      bus.EventBus
	upgrader websocket.Upgrader

	mu   sync.Mutex
	seq  int64
	subs map[*subscriber]bool
}

// NewPublisher builds the fan-out hub. The bus is optional; when set,
// every published record is mirrored onto its topic.
func NewPublisher(cfg config.PublisherConfig, eventBus bus.EventBus, reg *metrics.Registry) *Publisher {
	return &Publisher{
		cfg:     cfg,
		logger:  log.Component("publisher"),
		metrics: reg,
		bus:     eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]bool),
	}
}

// PublishDelta is the inventory calculator hook.
func (p *Publisher) PublishDelta(ctx context.Context, delta domain.InventoryDelta) {
	p.publish(ctx, domain.TopicInventoryDeltas, delta.Key.String(), delta)
}

// PublishLocate is the locate workflow hook.
func (p *Publisher) PublishLocate(ctx context.Context, req domain.LocateRequest) {
	p.publish(ctx, domain.TopicDecisions, "locate|"+req.ID, req)
}

// PublishShortSell is the short-sell gate hook.
func (p *Publisher) PublishShortSell(ctx context.Context, d domain.ShortSellDecision) {
	p.publish(ctx, domain.TopicDecisions, "shortsell|"+d.OrderID, d)
}

func (p *Publisher) publish(ctx context.Context, topic, key string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("outbound record cannot be serialized")
		return
	}

	if p.bus != nil {
		if err := p.bus.Publish(ctx, topic, key, payload, nil); err != nil {
			p.logger.Error().Err(err).Str("topic", topic).Msg("outbound bus publish failed")
		}
	}

	p.mu.Lock()
	p.seq++
	env := Envelope{Seq: p.seq, Topic: topic, Payload: payload, PublishedAt: time.Now().UTC()}
	var lagging []*subscriber
	for sub := range p.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.send <- env:
			sub.cursor = env.Seq
		default:
			lagging = append(lagging, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range lagging {
		p.drop(sub, "lagging")
	}
}

// HandleWS upgrades a subscription request. The optional topics query
// parameter is a comma-separated filter; empty means everything.
func (p *Publisher) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	topics := make(map[string]bool)
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics[t] = true
			}
		}
	}

	sub := &subscriber{
		conn:   conn,
		send:   make(chan Envelope, p.cfg.BufferSize),
		topics: topics,
	}

	p.mu.Lock()
	p.subs[sub] = true
	n := len(p.subs)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.SubscribersActive.Set(float64(n))
	}
	p.logger.Info().Str("remote", conn.RemoteAddr().String()).Int("subscribers", n).Msg("subscriber connected")

	go p.writePump(sub)
	go p.readPump(sub)
}

func (p *Publisher) writePump(sub *subscriber) {
	ping := time.NewTicker(p.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case env, ok := <-sub.send:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
			if err := sub.conn.WriteJSON(env); err != nil {
				p.drop(sub, "write-error")
				return
			}
		case <-ping.C:
			sub.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.drop(sub, "ping-failed")
				return
			}
		}
	}
}

// readPump discards inbound frames but keeps the pong handler running so
// dead peers are detected.
func (p *Publisher) readPump(sub *subscriber) {
	sub.conn.SetReadLimit(p.cfg.MaxMessageSize)
	sub.conn.SetReadDeadline(time.Now().Add(2 * p.cfg.PingInterval))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(2 * p.cfg.PingInterval))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			p.drop(sub, "closed")
			return
		}
	}
}

func (p *Publisher) drop(sub *subscriber, reason string) {
	p.mu.Lock()
	_, present := p.subs[sub]
	delete(p.subs, sub)
	n := len(p.subs)
	p.mu.Unlock()
	if !present {
		return
	}

	sub.once.Do(func() {
		close(sub.send)
		if reason == "lagging" {
			deadline := time.Now().Add(time.Second)
			sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Lagging"), deadline)
		}
		sub.conn.Close()
	})

	if p.metrics != nil {
		p.metrics.SubscribersActive.Set(float64(n))
		p.metrics.SubscriberDrops.WithLabelValues(reason).Inc()
	}
	p.logger.Info().Str("reason", reason).Int("subscribers", n).Msg("subscriber dropped")
}

// Subscribers reports the live subscriber count.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close disconnects every subscriber, used on shutdown.
func (p *Publisher) Close() error {
	p.mu.Lock()
	subs := make([]*subscriber, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		p.drop(sub, "shutdown")
	}
	return nil
}
