package dispatch

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/shipwright/outbox"
)

// KafkaWriter is the subset of *kafka.Writer used by Kafka.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes outbox messages to a Kafka topic. The aggregate id is used
// as the record key so events of one aggregate stay in one partition.
type Kafka struct {
	writer KafkaWriter
}

// NewKafkaWriter returns a synchronous writer for topic that waits for all
// in-sync replicas to acknowledge every write.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewKafka creates a Kafka dispatcher on top of writer.
func NewKafka(writer KafkaWriter) *Kafka {
	return &Kafka{writer: writer}
}

func (d *Kafka) Dispatch(ctx context.Context, msg *outbox.Message) error {
	hdrs := make([]kafka.Header, 0, 4)
	for k, v := range headers(msg) {
		hdrs = append(hdrs, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := d.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.AggregateID),
		Value:   msg.Payload,
		Headers: hdrs,
		Time:    msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("writing message %s to kafka: %w", msg.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (d *Kafka) Close() error {
	return d.writer.Close()
}
