// Package bus provides the durable, partitioned event log every component
// communicates through. Delivery is at-least-once with per-key FIFO
// ordering; consumers deduplicate on the event-id header.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// Header keys carried on every message.
const (
	HeaderEventID = "event-id"
	HeaderSource  = "source"
	HeaderBatchID = "batch-id"
	// HeaderDLQReason and HeaderDLQTopic are set when a record is moved to
	// the dead-letter topic, preserving the original headers.
	HeaderDLQReason = "dlq-reason"
	HeaderDLQTopic  = "dlq-origin-topic"
)

// Message is a single record on the log.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventID returns the stable event id used for idempotence, falling back
// to the message id.
func (m *Message) EventID() string {
	if id := m.Headers[HeaderEventID]; id != "" {
		return id
	}
	return m.ID
}

// Decode unmarshals the payload into v. Failures carry the serialization
// class so handlers dead-letter them without retries.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errs.Wrap(err, errs.Validation, "serialization", "message %s on %s cannot be decoded", m.ID, m.Topic)
	}
	return nil
}

// Handler processes one message. Returning an error with class Validation
// sends the record straight to the dead-letter topic; retryable classes are
// retried with backoff before dead-lettering.
type Handler func(ctx context.Context, msg *Message) error

// GroupOffsets maps partition -> next offset to consume for a group.
type GroupOffsets map[int]int64

// Lag reports how far a group trails the head of each partition.
type Lag struct {
	Topic      string `json:"topic"`
	Group      string `json:"group"`
	TotalLag   int64  `json:"total_lag"`
	Partitions int    `json:"partitions"`
}

// EventBus is the log contract. Partition assignment is a consistent hash
// on the key, giving per-key FIFO ordering. Commit is explicit; a restarted
// subscription resumes from the last committed offset.
type EventBus interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
	PublishBatch(ctx context.Context, messages []Message) error

	// Subscribe starts consuming topic for group from the committed
	// offsets. The handler runs single-threaded per partition.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error

	// Commit records that group has consumed topic up to (and including)
	// offset on partition.
	Commit(ctx context.Context, topic, group string, partition int, offset int64) error

	// CommittedOffsets returns the group's next-to-consume offsets.
	CommittedOffsets(topic, group string) GroupOffsets

	// ReplayFrom rewinds every partition of the group to offset. Passing 0
	// replays the full log.
	ReplayFrom(ctx context.Context, topic, group string, offset int64) error

	// ConsumerLag reports the group's total lag on topic.
	ConsumerLag(topic, group string) Lag

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy() bool
}

// Sentinel errors surfaced by bus implementations.
var (
	ErrBusUnavailable = errs.New(errs.Dependency, "bus_unavailable", "event bus unavailable")
	ErrSerialization  = errs.New(errs.Validation, "serialization", "record cannot be decoded")
	ErrBusNotStarted  = errs.New(errs.Dependency, "bus_not_started", "event bus not started")
	ErrUnknownTopic   = errs.New(errs.Validation, "unknown_topic", "topic not found")
)
