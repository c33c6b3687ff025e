package messaging

import (
	"context"
	"log/slog"
)

// Exchange is a named AMQP exchange bound to one channel
type Exchange struct {
	ch      Channel
	name    string
	key     string
	kind    ExchangeKind
	options ExchangeOptions
	rpc     *RPC
	logger  *slog.Logger
	sender  *sender
}

// ExchangeOption configures an Exchange
type ExchangeOption func(*Exchange)

// WithExchangeKey sets the registry key, defaults to the name
func WithExchangeKey(key string) ExchangeOption {
	return func(e *Exchange) {
		e.key = key
	}
}

// WithExchangeKind sets the exchange type, defaults to direct
func WithExchangeKind(kind ExchangeKind) ExchangeOption {
	return func(e *Exchange) {
		e.kind = kind
	}
}

// WithExchangeOptions sets the declaration options
func WithExchangeOptions(options ExchangeOptions) ExchangeOption {
	return func(e *Exchange) {
		e.options = options
	}
}

// WithExchangeRPC enables request-reply publishes through rpc
func WithExchangeRPC(rpc *RPC) ExchangeOption {
	return func(e *Exchange) {
		e.rpc = rpc
	}
}

// WithExchangeLogger sets the logger
func WithExchangeLogger(logger *slog.Logger) ExchangeOption {
	return func(e *Exchange) {
		e.logger = logger
	}
}

// NewExchange creates an exchange handle
func NewExchange(ch Channel, name string, options ...ExchangeOption) (*Exchange, error) {
	if ch == nil {
		return nil, &ValidationError{Op: "newExchange", Field: "channel", Reason: "channel cannot be nil"}
	}
	if name == "" {
		return nil, &ValidationError{Op: "newExchange", Field: "name", Reason: "the default exchange cannot be declared"}
	}

	e := &Exchange{
		ch:     ch,
		name:   name,
		kind:   ExchangeDirect,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(e)
	}

	if e.key == "" {
		e.key = name
	}
	if e.kind == "" {
		e.kind = ExchangeDirect
	}
	e.sender = &sender{ch: ch, rpc: e.rpc, logger: e.logger}

	return e, nil
}

// Init asserts the exchange
func (e *Exchange) Init(ctx context.Context) error {
	err := e.ch.ExchangeDeclare(
		e.name,
		string(e.kind),
		e.options.Durable,
		e.options.AutoDelete,
		e.options.Internal,
		false,
		e.options.Args,
	)
	if err != nil {
		return &BrokerError{Op: "declare", Target: e.name, Err: err}
	}

	e.logger.Debug("exchange asserted", "exchange", e.name, "kind", e.kind)
	return nil
}

// Name returns the exchange name
func (e *Exchange) Name() string { return e.name }

// Key returns the registry key
func (e *Exchange) Key() string { return e.key }

// Kind returns the exchange type
func (e *Exchange) Kind() ExchangeKind { return e.kind }

// PublishEvent publishes an event to the exchange with routingKey
func (e *Exchange) PublishEvent(ctx context.Context, routingKey, eventName string, payload any, options ...PublishOption) (*Call, error) {
	return e.sender.send(ctx, "publishEvent", e.name, routingKey, eventName, payload, options)
}
