package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// TopicPrefix namespaces every topic this service writes.
const TopicPrefix = "promotions"

// EnvelopeVersion is the schema version stamped on every event.
const EnvelopeVersion = 1

// eventNamespace seeds the name-based event ids.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/utafrali/promotion-engine/events"))

// Topic builds "<prefix>.<aggregate>.<action>".
func Topic(aggregate, action string) string {
	return fmt.Sprintf("%s.%s.%s", TopicPrefix, aggregate, action)
}

// Meta identifies one event of an aggregate. Seq orders the events emitted
// for the same aggregate and type; together they fix the event id, so
// publishing a commit twice yields the same ids and consumers can drop the
// duplicate.
type Meta struct {
	Type          string
	AggregateID   string
	AggregateType string
	Source        string
	CorrelationID string
	Seq           int
	OccurredAt    time.Time
}

// Event is the envelope for every published message.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Version       int               `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent wraps data in an envelope described by m. A zero OccurredAt is
// replaced by the current time.
func NewEvent(m Meta, data any) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Type, err)
	}
	at := m.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return &Event{
		EventID:       EventID(m),
		EventType:     m.Type,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		Version:       EnvelopeVersion,
		Timestamp:     at.UTC(),
		Source:        m.Source,
		CorrelationID: m.CorrelationID,
		Data:          payload,
	}, nil
}

// EventID returns the name-based id of the event m describes.
func EventID(m Meta) string {
	name := m.AggregateType + "/" + m.AggregateID + "/" + m.Type + "/" + strconv.Itoa(m.Seq)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// WithMetadata adds one metadata entry.
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Headers returns the routing headers written next to the payload.
func (e *Event) Headers() []kafka.Header {
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(e.EventID)},
		{Key: "event_type", Value: []byte(e.EventType)},
		{Key: "source", Value: []byte(e.Source)},
	}
	if e.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: "correlation_id", Value: []byte(e.CorrelationID)})
	}
	return headers
}

// message builds the kafka message for topic, keyed by the aggregate so that
// an order's events stay on one partition.
func (e *Event) message(topic string) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(e.AggregateID),
		Value:   value,
		Headers: e.Headers(),
		Time:    e.Timestamp,
	}, nil
}
