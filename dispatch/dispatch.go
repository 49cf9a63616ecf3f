// Package dispatch provides outbox.Dispatcher implementations that deliver
// outbox messages to message brokers.
//
// Every dispatcher sets the same metadata on the outgoing message:
// message_id, event_type, aggregate_type and aggregate_id. Consumers should
// deduplicate on message_id since a message may be delivered more than once.
package dispatch

import (
	"github.com/shipwright/outbox"
)

const (
	HeaderMessageID     = "message_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
)

func headers(msg *outbox.Message) map[string]string {
	return map[string]string{
		HeaderMessageID:     msg.ID.String(),
		HeaderEventType:     string(msg.EventType),
		HeaderAggregateType: msg.AggregateType,
		HeaderAggregateID:   msg.AggregateID,
	}
}
