package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageOption is a function that can be used to configure a Message.
type MessageOption func(*Message)

// Status is the delivery state of a Message derived from its persisted fields.
type Status string

// Message statuses. Delivered and Abandoned are both terminal.
const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusAbandoned Status = "abandoned"
)

// Message is a delivery record stored in the outbox ledger. It is created in
// the same transaction as the business write that produced it and is only
// mutated by the Worker afterwards.
type Message struct {
	// ID is a unique identifier for the message
	ID uuid.UUID

	// AggregateType and AggregateID identify the business entity the event is about.
	AggregateType string
	AggregateID   string

	// EventType is the closed enumeration tag of Payload.
	EventType EventType

	// Payload is the JSON encoding of the event variant matching EventType.
	Payload json.RawMessage

	// RetryCount is the number of dispatch attempts made so far,
	// successful or not. Read only field.
	RetryCount int32

	// NextAttemptAt is the earliest time a worker may claim the message.
	NextAttemptAt time.Time

	// LastError holds the error of the most recent failed attempt.
	LastError *string

	// ProcessedAt is set once the message is terminal, either delivered or abandoned.
	ProcessedAt *time.Time

	// CreatedAt is the timestamp when the message was created.
	// Workers claim messages in CreatedAt order.
	CreatedAt time.Time
}

// WithID sets the unique identifier of the message.
// If not provided, a new UUID will be generated.
func WithID(id uuid.UUID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithCreatedAt sets the time the message was created.
// If not provided, the database stamps the row when it is inserted.
func WithCreatedAt(createdAt time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = createdAt
	}
}

// WithNextAttemptAt delays the first delivery attempt.
// If not provided, the message is due as soon as it is inserted, by the
// database clock.
func WithNextAttemptAt(nextAttemptAt time.Time) MessageOption {
	return func(m *Message) {
		m.NextAttemptAt = nextAttemptAt
	}
}

// NewMessage creates a new pending Message with the given raw payload.
// Prefer NewEventMessage, which validates the payload against its event type.
func NewMessage(aggregateType, aggregateID string, eventType EventType, payload []byte, opts ...MessageOption) *Message {
	m := &Message{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Status reports whether the message is still pending, was delivered, or was
// given up on after exhausting its retries.
func (m *Message) Status() Status {
	switch {
	case m.ProcessedAt == nil:
		return StatusPending
	case m.LastError != nil:
		return StatusAbandoned
	default:
		return StatusDelivered
	}
}
