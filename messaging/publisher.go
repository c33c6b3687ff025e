package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/amqpkit-go/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// sender is the publish path shared by Queue.SendEvent and Exchange.PublishEvent
type sender struct {
	ch     Channel
	rpc    *RPC
	logger *slog.Logger
}

// send encodes the message and publishes it. With an RPC engine and without
// WithoutReply the call is registered before the publish and settles on the reply.
func (s *sender) send(ctx context.Context, op, exchange, routingKey, eventName string, payload any, options []PublishOption) (*Call, error) {
	if eventName == "" {
		return nil, errEventName(op)
	}

	opts := buildPublishOptions(options)

	body, err := contracts.EncodeMessage(eventName, payload)
	if err != nil {
		return nil, &ValidationError{Op: op, Field: "payload", Reason: "cannot encode payload", Err: err}
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		Headers:      opts.Headers,
		DeliveryMode: amqp.Transient,
		Priority:     opts.Priority,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	target := routingKey
	if exchange != "" {
		target = exchange
	}

	if s.rpc == nil || opts.NoReply {
		if err := s.ch.PublishWithContext(ctx, exchange, routingKey, opts.Mandatory, false, msg); err != nil {
			return nil, &BrokerError{Op: "publish", Target: target, Err: err}
		}
		s.logger.Debug("message sent", "target", target, "routingKey", routingKey, "eventName", eventName)
		return completedCall(), nil
	}

	if !s.rpc.Ready() {
		return nil, ErrNotInitialized
	}

	correlationID := uuid.NewString()
	msg.CorrelationId = correlationID
	msg.ReplyTo = s.rpc.ReplyQueueName()
	if opts.Timeout > 0 {
		msg.Expiration = strconv.FormatInt(max(opts.Timeout.Milliseconds(), 1), 10)
	}

	call := newCall(correlationID, s.rpc)
	if err := s.rpc.RegisterCall(correlationID, call.callbacks(), opts.Timeout); err != nil {
		return nil, err
	}

	if err := s.ch.PublishWithContext(ctx, exchange, routingKey, opts.Mandatory, false, msg); err != nil {
		s.rpc.forget(correlationID)
		return nil, &BrokerError{Op: "publish", Target: target, Err: err}
	}

	s.logger.Debug("rpc request sent",
		"target", target,
		"routingKey", routingKey,
		"eventName", eventName,
		"correlationId", correlationID,
		"timeout", opts.Timeout)

	return call, nil
}
