package dispatch

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shipwright/outbox"
)

// AMQPChannel is the subset of *amqp.Channel used by RabbitMQ.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQ publishes outbox messages as persistent JSON messages to a queue
// through the default exchange.
type RabbitMQ struct {
	channel AMQPChannel
	queue   string
	closers []func() error
}

// NewRabbitMQ creates a RabbitMQ dispatcher publishing on channel to queue.
func NewRabbitMQ(channel AMQPChannel, queue string) *RabbitMQ {
	return &RabbitMQ{channel: channel, queue: queue}
}

// DialRabbitMQ connects to url, opens a channel and declares queue as durable.
func DialRabbitMQ(url, queue string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}

	q, err := channel.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declaring rabbitmq queue %q: %w", queue, err)
	}

	d := NewRabbitMQ(channel, q.Name)
	d.closers = []func() error{channel.Close, conn.Close}
	return d, nil
}

func (d *RabbitMQ) Dispatch(ctx context.Context, msg *outbox.Message) error {
	table := amqp.Table{}
	for k, v := range headers(msg) {
		table[k] = v
	}

	err := d.channel.PublishWithContext(
		ctx,
		"",      // exchange
		d.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg.Payload,
			MessageId:    msg.ID.String(),
			Type:         string(msg.EventType),
			Timestamp:    msg.CreatedAt,
			Headers:      table,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing message %s to rabbitmq: %w", msg.ID, err)
	}
	return nil
}

// Close closes the channel and connection opened by DialRabbitMQ.
func (d *RabbitMQ) Close() error {
	var errs []error
	for _, closeFn := range d.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
