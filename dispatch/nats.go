package dispatch

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/shipwright/outbox"
)

// NATSPublisher is the subset of *nats.Conn used by NATS.
type NATSPublisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATS publishes outbox messages on a subject. The Nats-Msg-Id header lets
// JetStream streams drop duplicates within their deduplication window.
type NATS struct {
	conn    NATSPublisher
	subject string
}

// NewNATS creates a NATS dispatcher publishing on subject.
func NewNATS(conn NATSPublisher, subject string) *NATS {
	return &NATS{conn: conn, subject: subject}
}

func (d *NATS) Dispatch(ctx context.Context, msg *outbox.Message) error {
	natsMsg := &nats.Msg{
		Subject: d.subject,
		Data:    msg.Payload,
		Header:  make(nats.Header),
	}
	for k, v := range headers(msg) {
		natsMsg.Header.Set(k, v)
	}
	natsMsg.Header.Set(nats.MsgIdHdr, msg.ID.String())

	if err := d.conn.PublishMsg(natsMsg); err != nil {
		return fmt.Errorf("publishing message %s to nats: %w", msg.ID, err)
	}
	// PublishMsg only buffers; the flush confirms the server received it.
	if err := d.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing message %s to nats: %w", msg.ID, err)
	}
	return nil
}
