package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultTimeout is the RPC timeout applied when a send does not set one
const DefaultTimeout = 30 * time.Second

// ExchangeKind is the AMQP exchange type
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeHeaders ExchangeKind = "headers"
)

// QueueOptions defines options for queue assertion
type QueueOptions struct {
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete"`
	Exclusive  bool       `yaml:"exclusive"`
	Args       amqp.Table `yaml:"args"`
}

// ExchangeOptions defines options for exchange assertion
type ExchangeOptions struct {
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete"`
	Internal   bool       `yaml:"internal"`
	Args       amqp.Table `yaml:"args"`
}

// ConsumeOptions configures a queue consumer
type ConsumeOptions struct {
	// NoAck lets the broker consider deliveries acknowledged on send
	NoAck bool
	// Exclusive requests an exclusive consumer
	Exclusive bool
	// ConsumerTag names the consumer; a uuid is generated when empty
	ConsumerTag string
	// RequeueInvalid requeues bodies that fail to decode, and deliveries whose
	// handler panicked, instead of dropping them
	RequeueInvalid bool
	Args           amqp.Table
}

// ConsumeOption configures consume behavior
type ConsumeOption func(*ConsumeOptions)

// WithNoAck enables broker-side auto acknowledgment
func WithNoAck(noAck bool) ConsumeOption {
	return func(opts *ConsumeOptions) {
		opts.NoAck = noAck
	}
}

// WithExclusiveConsumer requests an exclusive consumer
func WithExclusiveConsumer(exclusive bool) ConsumeOption {
	return func(opts *ConsumeOptions) {
		opts.Exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumeOption {
	return func(opts *ConsumeOptions) {
		opts.ConsumerTag = tag
	}
}

// WithRequeueInvalid requeues deliveries whose body cannot be decoded or whose handler panicked
func WithRequeueInvalid(requeue bool) ConsumeOption {
	return func(opts *ConsumeOptions) {
		opts.RequeueInvalid = requeue
	}
}

// WithConsumerArgs sets consumer arguments
func WithConsumerArgs(args amqp.Table) ConsumeOption {
	return func(opts *ConsumeOptions) {
		opts.Args = args
	}
}

func buildConsumeOptions(options []ConsumeOption) ConsumeOptions {
	var opts ConsumeOptions
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

// PublishOptions configures a send or publish
type PublishOptions struct {
	// Timeout bounds the wait for a reply and becomes the message expiration; 0 disables both
	Timeout time.Duration
	// NoReply sends fire-and-forget even when RPC is available
	NoReply    bool
	Persistent bool
	Mandatory  bool
	Priority   uint8
	Headers    amqp.Table
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithTimeout sets the RPC timeout
func WithTimeout(timeout time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.Timeout = timeout
	}
}

// WithoutReply sends without registering an RPC call
func WithoutReply() PublishOption {
	return func(opts *PublishOptions) {
		opts.NoReply = true
	}
}

// WithPersistent sets the message as persistent
func WithPersistent(persistent bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Persistent = persistent
	}
}

// WithMandatory sets the mandatory flag
func WithMandatory(mandatory bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Mandatory = mandatory
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// WithHeaders merges custom headers
func WithHeaders(headers amqp.Table) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(amqp.Table)
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

func buildPublishOptions(options []PublishOption) PublishOptions {
	opts := PublishOptions{Timeout: DefaultTimeout}
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}
