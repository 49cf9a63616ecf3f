package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/shipwright/outbox"
)

// Log is a dispatcher that only records the attempt. It is useful in
// development and as the default when no broker is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log dispatcher.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (d *Log) Dispatch(_ context.Context, msg *outbox.Message) error {
	d.logger.Info("outbox_dispatch_attempt",
		zap.String("outbox_message_id", msg.ID.String()),
		zap.String("event_type", string(msg.EventType)),
		zap.String("aggregate_type", msg.AggregateType),
		zap.String("entity_id", msg.AggregateID),
		zap.Int32("retry_count", msg.RetryCount),
	)
	return nil
}
