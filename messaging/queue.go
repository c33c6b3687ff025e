package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqpkit-go/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type consumerState int

const (
	stateIdle consumerState = iota
	stateConsuming
)

// Queue is a named AMQP queue bound to one channel. It owns at most one
// broker-level consumer at a time.
type Queue struct {
	ch       Channel
	name     string
	key      string
	options  QueueOptions
	rpc      *RPC
	notifier *Notifier
	logger   *slog.Logger
	sender   *sender
	stopped  func()

	mu          sync.Mutex
	resolved    string
	state       consumerState
	routing     bool
	consumerTag string
	router      *Router
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithQueueKey sets the registry key, defaults to the name
func WithQueueKey(key string) QueueOption {
	return func(q *Queue) {
		q.key = key
	}
}

// WithQueueOptions sets the declaration options
func WithQueueOptions(options QueueOptions) QueueOption {
	return func(q *Queue) {
		q.options = options
	}
}

// WithQueueRPC enables request-reply sends through rpc
func WithQueueRPC(rpc *RPC) QueueOption {
	return func(q *Queue) {
		q.rpc = rpc
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithQueueNotifier publishes a ConsumedEvent for each completed delivery
func WithQueueNotifier(notifier *Notifier) QueueOption {
	return func(q *Queue) {
		q.notifier = notifier
	}
}

// withConsumerStopped runs fn after the consumer goroutine exits
func withConsumerStopped(fn func()) QueueOption {
	return func(q *Queue) {
		q.stopped = fn
	}
}

// NewQueue creates a queue handle. An empty name lets the broker generate one on Init.
func NewQueue(ch Channel, name string, options ...QueueOption) (*Queue, error) {
	if ch == nil {
		return nil, &ValidationError{Op: "newQueue", Field: "channel", Reason: "channel cannot be nil"}
	}

	q := &Queue{
		ch:     ch,
		name:   name,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(q)
	}

	if q.key == "" {
		q.key = name
	}
	q.sender = &sender{ch: ch, rpc: q.rpc, logger: q.logger}

	return q, nil
}

// Init asserts the queue and records the name the broker resolved
func (q *Queue) Init(ctx context.Context) error {
	declared, err := q.ch.QueueDeclare(
		q.name,
		q.options.Durable,
		q.options.AutoDelete,
		q.options.Exclusive,
		false,
		q.options.Args,
	)
	if err != nil {
		return &BrokerError{Op: "declare", Target: q.name, Err: err}
	}

	q.mu.Lock()
	q.resolved = declared.Name
	q.mu.Unlock()

	q.logger.Debug("queue asserted", "queue", declared.Name, "durable", q.options.Durable)
	return nil
}

// Name returns the resolved name once Init succeeded, otherwise the requested one
func (q *Queue) Name() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nameLocked()
}

func (q *Queue) nameLocked() string {
	if q.resolved != "" {
		return q.resolved
	}
	return q.name
}

// Key returns the registry key
func (q *Queue) Key() string {
	return q.key
}

// Router returns the per-event router, nil until ConsumeEvent is used
func (q *Queue) Router() *Router {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.router
}

// Consuming reports whether the queue has an active consumer
func (q *Queue) Consuming() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == stateConsuming
}

// Bind binds the queue to exchange over the routing pattern
func (q *Queue) Bind(exchange, pattern string, args amqp.Table) error {
	name := q.Name()
	if name == "" {
		return ErrNotInitialized
	}

	if err := q.ch.QueueBind(name, pattern, exchange, false, args); err != nil {
		return &BrokerError{Op: "bind", Target: name, Err: err}
	}

	q.logger.Debug("queue bound", "queue", name, "exchange", exchange, "pattern", pattern)
	return nil
}

// Unbind removes a binding created by Bind
func (q *Queue) Unbind(exchange, pattern string, args amqp.Table) error {
	name := q.Name()
	if name == "" {
		return ErrNotInitialized
	}

	if err := q.ch.QueueUnbind(name, pattern, exchange, args); err != nil {
		return &BrokerError{Op: "unbind", Target: name, Err: err}
	}

	q.logger.Debug("queue unbound", "queue", name, "exchange", exchange, "pattern", pattern)
	return nil
}

// ConsumeRaw starts the consumer with a handler that receives undecoded
// deliveries. The consumer stops when ctx is cancelled.
func (q *Queue) ConsumeRaw(ctx context.Context, handler DeliveryHandler, options ...ConsumeOption) error {
	if handler == nil {
		return &ValidationError{Op: "consume", Field: "handler", Reason: "handler cannot be nil"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.consumeLocked(ctx, func(ConsumeOptions) DeliveryHandler { return handler }, options)
}

// Consume starts the consumer with a handler that receives decoded messages
// and completes them through done
func (q *Queue) Consume(ctx context.Context, handler MessageHandler, options ...ConsumeOption) error {
	if handler == nil {
		return &ValidationError{Op: "consume", Field: "handler", Reason: "handler cannot be nil"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.consumeLocked(ctx, func(opts ConsumeOptions) DeliveryHandler {
		return q.messageHandler(handler, opts)
	}, options)
}

// ConsumeEvent registers handler for eventName. The first registration starts
// the queue consumer with the given options; later ones only add handlers.
func (q *Queue) ConsumeEvent(ctx context.Context, eventName string, handler EventHandler, options ...ConsumeOption) error {
	if eventName == "" {
		return errEventName("consumeEvent")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == stateConsuming && !q.routing {
		return ErrAlreadyConsuming
	}

	if q.router == nil {
		q.router = NewRouter(q.nameLocked(), WithRouterLogger(q.logger))
	}
	if err := q.router.Register(eventName, handler); err != nil {
		return err
	}

	if q.state == stateConsuming {
		return nil
	}

	router := q.router
	if err := q.consumeLocked(ctx, func(opts ConsumeOptions) DeliveryHandler {
		return q.messageHandler(router.Dispatch, opts)
	}, options); err != nil {
		return err
	}
	q.routing = true
	return nil
}

// SendEvent publishes an event to this queue through the default exchange
func (q *Queue) SendEvent(ctx context.Context, eventName string, payload any, options ...PublishOption) (*Call, error) {
	if eventName == "" {
		return nil, errEventName("sendEvent")
	}

	name := q.Name()
	if name == "" {
		return nil, ErrNotInitialized
	}

	return q.sender.send(ctx, "sendEvent", "", name, eventName, payload, options)
}

// consumeLocked starts the broker consumer, q.mu must be held
func (q *Queue) consumeLocked(ctx context.Context, build func(ConsumeOptions) DeliveryHandler, options []ConsumeOption) error {
	if q.state == stateConsuming {
		return ErrAlreadyConsuming
	}

	name := q.nameLocked()
	if name == "" {
		return ErrNotInitialized
	}

	opts := buildConsumeOptions(options)
	tag := opts.ConsumerTag
	if tag == "" {
		tag = uuid.NewString()
	}

	deliveries, err := q.ch.Consume(name, tag, opts.NoAck, opts.Exclusive, false, false, opts.Args)
	if err != nil {
		return &BrokerError{Op: "consume", Target: name, Err: err}
	}

	q.state = stateConsuming
	q.consumerTag = tag

	go q.processDeliveries(ctx, name, tag, deliveries, build(opts))

	q.logger.Info("consuming queue", "queue", name, "consumerTag", tag, "noAck", opts.NoAck)
	return nil
}

// processDeliveries runs handler for each delivery, one at a time
func (q *Queue) processDeliveries(ctx context.Context, name, tag string, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		q.mu.Lock()
		q.state = stateIdle
		q.routing = false
		q.consumerTag = ""
		q.mu.Unlock()
		q.logger.Info("consumer stopped", "queue", name, "consumerTag", tag)

		if q.stopped != nil {
			q.stopped()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if err := q.ch.Cancel(tag, false); err != nil {
				q.logger.Debug("failed to cancel consumer", "queue", name, "consumerTag", tag, "error", err)
			}
			return

		case d, ok := <-deliveries:
			if !ok {
				q.logger.Warn("delivery channel closed", "queue", name)
				return
			}
			q.handle(ctx, name, handler, d)
		}
	}
}

// handle runs handler for one delivery. A panic is logged and the consumer
// moves on; raw handlers own their acknowledgments.
func (q *Queue) handle(ctx context.Context, name string, handler DeliveryHandler, d amqp.Delivery) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("delivery handler panicked",
				"queue", name,
				"correlationId", d.CorrelationId,
				"panic", p)
		}
	}()

	handler(ctx, d)
}

// messageHandler decodes deliveries and hands them to handler with a reply guard
func (q *Queue) messageHandler(handler MessageHandler, opts ConsumeOptions) DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) {
		msg, err := contracts.DecodeMessage(d.Body)
		if err != nil {
			q.logger.Error("cannot decode message",
				"queue", q.Name(),
				"correlationId", d.CorrelationId,
				"error", err)
			if !opts.NoAck {
				if nackErr := d.Nack(false, opts.RequeueInvalid); nackErr != nil {
					q.logger.Error("failed to nack message", "queue", q.Name(), "error", nackErr)
				}
			}
			return
		}

		r := &reply{
			queue:     q,
			ctx:       context.WithoutCancel(ctx),
			delivery:  d,
			meta:      metadataOf(d),
			eventName: msg.EventName,
			noAck:     opts.NoAck,
			started:   time.Now(),
		}

		defer func() {
			if p := recover(); p != nil {
				q.logger.Error("message handler panicked",
					"queue", q.Name(),
					"eventName", msg.EventName,
					"correlationId", d.CorrelationId,
					"panic", p)
				r.abandon(opts.RequeueInvalid)
			}
		}()

		handler(ctx, msg, r.done, r.progress, d.RoutingKey)
	}
}

// reply completes a single delivery. The first done wins.
type reply struct {
	queue     *Queue
	ctx       context.Context
	delivery  amqp.Delivery
	meta      MessageMetadata
	eventName string
	noAck     bool
	started   time.Time

	mu      sync.Mutex
	settled bool
}

func (r *reply) done(err error, data any) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		r.queue.logger.Warn("done called more than once",
			"queue", r.queue.Name(),
			"eventName", r.eventName,
			"correlationId", r.meta.CorrelationID)
		return
	}
	r.settled = true

	if r.meta.ExpectsReply() {
		r.publish(err, data, true)
	}
	if !r.noAck {
		if ackErr := r.delivery.Ack(false); ackErr != nil {
			r.queue.logger.Error("failed to ack message", "queue", r.queue.Name(), "error", ackErr)
		}
	}
	r.mu.Unlock()

	duration := time.Since(r.started)
	r.queue.logger.Info("message consumed",
		"queue", r.queue.Name(),
		"eventName", r.eventName,
		"correlationId", r.meta.CorrelationID,
		"duration", duration,
		"error", err)

	r.queue.notifier.Emit(ConsumedEvent{
		Queue:         r.queue.Name(),
		EventName:     r.eventName,
		CorrelationID: r.meta.CorrelationID,
		RoutingKey:    r.meta.RoutingKey,
		Duration:      duration,
		Err:           err,
	})
}

// abandon settles a delivery whose handler panicked before calling done.
// The caller gets an internal error reply and the delivery is nacked.
func (r *reply) abandon(requeue bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true

	if r.meta.ExpectsReply() {
		r.publish(contracts.NewInternalError("handler failed"), nil, true)
	}
	if !r.noAck {
		if nackErr := r.delivery.Nack(false, requeue); nackErr != nil {
			r.queue.logger.Error("failed to nack message", "queue", r.queue.Name(), "error", nackErr)
		}
	}
}

func (r *reply) progress(data any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		r.queue.logger.Debug("progress after done ignored",
			"queue", r.queue.Name(),
			"correlationId", r.meta.CorrelationID)
		return
	}
	if !r.meta.ExpectsReply() {
		return
	}

	r.publish(nil, data, false)
}

// publish sends a Response to the reply queue of the delivery
func (r *reply) publish(err error, data any, done bool) {
	body, encodeErr := contracts.EncodeResponse(err, data, done)
	if encodeErr != nil {
		r.queue.logger.Error("cannot encode reply", "correlationId", r.meta.CorrelationID, "error", encodeErr)
		if !done {
			return
		}
		body, encodeErr = contracts.EncodeResponse(contracts.NewInternalError(encodeErr.Error()), nil, true)
		if encodeErr != nil {
			return
		}
	}

	msg := amqp.Publishing{
		ContentType:   contentTypeJSON,
		CorrelationId: r.meta.CorrelationID,
		Timestamp:     time.Now(),
		Body:          body,
	}

	if pubErr := r.queue.ch.PublishWithContext(r.ctx, "", r.meta.ReplyTo, false, false, msg); pubErr != nil {
		r.queue.logger.Error("failed to publish reply",
			"replyTo", r.meta.ReplyTo,
			"correlationId", r.meta.CorrelationID,
			"done", done,
			"error", pubErr)
	}
}
