package messaging

import (
	"context"
	"encoding/json"

	"github.com/glimte/amqpkit-go/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DoneFunc completes a delivery. A non-nil err is sent back as the error
// descriptor, otherwise data becomes the reply payload. Only the first call
// has an effect.
type DoneFunc func(err error, data any)

// ProgressFunc sends a non-terminal reply to the caller
type ProgressFunc func(data any)

// EventHandler handles the payload of one event name
type EventHandler func(ctx context.Context, payload json.RawMessage, done DoneFunc, progress ProgressFunc, routingKey string)

// MessageHandler handles every decoded message of a queue
type MessageHandler func(ctx context.Context, msg contracts.Message, done DoneFunc, progress ProgressFunc, routingKey string)

// DeliveryHandler handles raw deliveries; acknowledgment is up to the handler
type DeliveryHandler func(ctx context.Context, d amqp.Delivery)
