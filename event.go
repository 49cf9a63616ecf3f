package outbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// EventType is the closed set of events that can be enqueued in the outbox.
type EventType string

const (
	EventFoundationWriteRecorded EventType = "FOUNDATION_WRITE_RECORDED"
	EventJobCreated              EventType = "JOB_CREATED"
	EventJobStatusChanged        EventType = "JOB_STATUS_CHANGED"
	EventAuditLogged             EventType = "AUDIT_LOGGED"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidEvent     = errors.New("invalid event payload")
)

var validate = validator.New()

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventFoundationWriteRecorded, EventJobCreated, EventJobStatusChanged, EventAuditLogged:
		return true
	default:
		return false
	}
}

// Event is implemented by every payload variant. The variant decides its own tag.
type Event interface {
	EventType() EventType
}

// FoundationWriteRecorded is emitted when a write probe is accepted.
type FoundationWriteRecorded struct {
	ActorID   string         `json:"actorId" validate:"required"`
	OrgID     string         `json:"orgId" validate:"required,uuid"`
	Action    string         `json:"action" validate:"required,min=2"`
	Metadata  map[string]any `json:"metadata"`
	RequestID string         `json:"requestId" validate:"required"`
}

func (FoundationWriteRecorded) EventType() EventType { return EventFoundationWriteRecorded }

// JobCreated is emitted when a delivery job is created.
type JobCreated struct {
	JobID             string  `json:"jobId" validate:"required,uuid"`
	OrgID             string  `json:"orgId" validate:"required,uuid"`
	ConsumerID        string  `json:"consumerId" validate:"required,uuid"`
	PickupAddress     string  `json:"pickupAddress" validate:"required,min=3"`
	DropoffAddress    string  `json:"dropoffAddress" validate:"required,min=3"`
	DistanceMiles     float64 `json:"distanceMiles" validate:"gt=0,lte=12"`
	QuotedPayoutCents int64   `json:"quotedPayoutCents" validate:"gte=0"`
	SupplyType        string  `json:"supplyType" validate:"oneof=BIKE CAR"`
}

func (JobCreated) EventType() EventType { return EventJobCreated }

// JobStatusChanged is emitted on every job state transition.
type JobStatusChanged struct {
	JobID string `json:"jobId" validate:"required,uuid"`
	From  string `json:"from" validate:"oneof=CREATED ASSIGNED IN_PROGRESS COMPLETED CANCELLED"`
	To    string `json:"to" validate:"oneof=CREATED ASSIGNED IN_PROGRESS COMPLETED CANCELLED,nefield=From"`
}

func (JobStatusChanged) EventType() EventType { return EventJobStatusChanged }

// AuditLogged mirrors an audit log entry for downstream consumers.
type AuditLogged struct {
	ActorID    string `json:"actorId" validate:"required"`
	OrgID      string `json:"orgId" validate:"required,uuid"`
	EntityType string `json:"entityType" validate:"required,min=2"`
	EntityID   string `json:"entityId" validate:"required,uuid"`
	Action     string `json:"action" validate:"required,min=2"`
}

func (AuditLogged) EventType() EventType { return EventAuditLogged }

// NewEventMessage validates ev and wraps it in a pending Message.
// Validation happens here so a Dispatcher never sees a malformed payload.
func NewEventMessage(aggregateType, aggregateID string, ev Event, opts ...MessageOption) (*Message, error) {
	if ev == nil || !ev.EventType().Valid() {
		return nil, ErrUnknownEventType
	}
	if aggregateType == "" || aggregateID == "" {
		return nil, fmt.Errorf("%w: aggregate type and id are required", ErrInvalidEvent)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ev.EventType(), err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ev.EventType(), err)
	}

	return NewMessage(aggregateType, aggregateID, ev.EventType(), payload, opts...), nil
}

// DecodeEvent returns the typed payload of msg.
func DecodeEvent(msg *Message) (Event, error) {
	var ev Event
	switch msg.EventType {
	case EventFoundationWriteRecorded:
		ev = &FoundationWriteRecorded{}
	case EventJobCreated:
		ev = &JobCreated{}
	case EventJobStatusChanged:
		ev = &JobStatusChanged{}
	case EventAuditLogged:
		ev = &AuditLogged{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, msg.EventType)
	}

	if err := json.Unmarshal(msg.Payload, ev); err != nil {
		return nil, fmt.Errorf("decoding %s payload of message %s: %w", msg.EventType, msg.ID, err)
	}
	return ev, nil
}
