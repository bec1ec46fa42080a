package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// TopicPrefix is the prefix shared by every topic on the platform bus.
const TopicPrefix = "ecommerce"

// Topic builds a fully-qualified topic name, e.g. Topic("review", "status_changed").
func Topic(domain, action string) string {
	return fmt.Sprintf("%s.%s.%s", TopicPrefix, domain, action)
}

// Event is the envelope written by Producer.
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

// NewEvent builds an envelope around data with a fresh ID and UTC timestamp.
func NewEvent(eventType, aggregateID, aggregateType, source string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	return &Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       1,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Data:          raw,
		Metadata:      make(map[string]string),
	}, nil
}

// WithCorrelationID sets the correlation ID and returns e for chaining.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalData decodes the payload into target.
func (e *Event) UnmarshalData(target any) error {
	return json.Unmarshal(e.Data, target)
}

// DecodeMessage turns a fetched message into an Event.
//
// Producers outside this platform publish bare JSON documents rather than
// envelopes. Those are accepted as-is: the whole value becomes Data and the
// event ID is derived from the message coordinates so redeliveries still
// deduplicate. An error is returned only when the value is not JSON at all.
func DecodeMessage(msg kafka.Message) (*Event, error) {
	if !json.Valid(msg.Value) {
		return nil, fmt.Errorf("message at %s/%d/%d is not valid JSON", msg.Topic, msg.Partition, msg.Offset)
	}

	var env Event
	if err := json.Unmarshal(msg.Value, &env); err == nil && env.EventType != "" && len(env.Data) > 0 {
		if env.EventID == "" {
			env.EventID = messageID(msg)
		}
		return &env, nil
	}

	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Event{
		EventID:   messageID(msg),
		EventType: msg.Topic,
		Version:   1,
		Timestamp: ts.UTC(),
		Data:      json.RawMessage(msg.Value),
	}, nil
}

func messageID(msg kafka.Message) string {
	return fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
}
