package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/gobreaker"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// Producer publishes canonical events through a circuit breaker with
// backoff, so upstream stages shed cleanly when the bus degrades.
type Producer struct {
	bus     EventBus
	breaker *gobreaker.CircuitBreaker
	backoff errs.BackoffConfig
}

// NewProducer wraps the bus with the standard breaker settings.
func NewProducer(b EventBus) *Producer {
	settings := gobreaker.Settings{
		Name:        "event-bus-publish",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Producer{
		bus:     b,
		breaker: gobreaker.NewCircuitBreaker(settings),
		backoff: errs.DefaultBackoffConfig(),
	}
}

// PublishEvent serializes and publishes one canonical event to its topic.
// Serialization failures are Validation (fatal for the record); transport
// failures are Dependency and retried behind the breaker.
func (p *Producer) PublishEvent(ctx context.Context, ev *domain.CanonicalEvent) error {
	if err := ev.Validate(); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_event", "event rejected")
	}
	topic := ev.Topic()
	if topic == "" {
		return errs.New(errs.Validation, "unknown_event_type", "no topic for event type %q", ev.Type)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(err, errs.Validation, "serialization", "event %s cannot be serialized", ev.EventID)
	}
	headers := map[string]string{
		HeaderEventID: ev.EventID,
		HeaderSource:  ev.Source,
	}
	if ev.BatchID != "" {
		headers[HeaderBatchID] = ev.BatchID
	}
	return p.publish(ctx, topic, ev.Key, payload, headers)
}

// PublishJSON marshals v and publishes it to topic under key.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(err, errs.Validation, "serialization", "payload for %s cannot be serialized", topic)
	}
	return p.publish(ctx, topic, key, payload, headers)
}

func (p *Producer) publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	return errs.Retry(ctx, p.backoff, func() error {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.bus.Publish(ctx, topic, key, payload, headers)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errs.Wrap(err, errs.Dependency, "bus_breaker_open", "publish to %s shed by breaker", topic)
		}
		return err
	})
}
