package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of an AMQP channel used by queues, exchanges and the
// RPC engine. *amqp.Channel satisfies it.
type Channel interface {
	// QueueDeclare asserts a queue and returns it with its resolved name
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)

	// QueueBind binds a queue to an exchange over a routing pattern
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error

	// QueueUnbind removes a binding
	QueueUnbind(name, key, exchange string, args amqp.Table) error

	// ExchangeDeclare asserts an exchange
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error

	// PublishWithContext publishes to an exchange; the default exchange ("") routes by queue name
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

	// Consume starts a broker-level consumer
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

	// Cancel stops a consumer by tag
	Cancel(consumer string, noWait bool) error

	// Qos configures prefetch
	Qos(prefetchCount, prefetchSize int, global bool) error

	// Close closes the channel
	Close() error
}

// Connection opens channels on an established broker connection
type Connection interface {
	// OpenChannel creates a new channel
	OpenChannel() (Channel, error)

	// Close closes the connection and all of its channels
	Close() error
}

// MessageMetadata is the reply routing information of an inbound delivery
type MessageMetadata struct {
	CorrelationID string
	ReplyTo       string
	RoutingKey    string
	Exchange      string
}

// metadataOf extracts reply metadata from a delivery
func metadataOf(d amqp.Delivery) MessageMetadata {
	return MessageMetadata{
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		RoutingKey:    d.RoutingKey,
		Exchange:      d.Exchange,
	}
}

// ExpectsReply reports whether the sender waits for a Response
func (m MessageMetadata) ExpectsReply() bool {
	return m.ReplyTo != "" && m.CorrelationID != ""
}
