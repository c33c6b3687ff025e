package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqpkit-go/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ProgressCallback receives the payload of a non-terminal reply
type ProgressCallback func(payload json.RawMessage)

// Callbacks settle one pending call. Resolve and Reject are called at most once
// between them; Progress may run any number of times before that.
type Callbacks struct {
	Resolve  func(payload json.RawMessage)
	Reject   func(err error)
	Progress ProgressCallback
}

func (c Callbacks) resolve(payload json.RawMessage) {
	if c.Resolve != nil {
		c.Resolve(payload)
	}
}

func (c Callbacks) reject(err error) {
	if c.Reject != nil {
		c.Reject(err)
	}
}

// pendingCall is owned by the RPC table from registration until settlement
type pendingCall struct {
	correlationID string
	callbacks     Callbacks
	registeredAt  time.Time
	timeout       time.Duration
	timer         *time.Timer
}

// RPC tracks in-flight calls by correlation id and owns the exclusive reply queue
type RPC struct {
	mu          sync.Mutex
	calls       map[string]*pendingCall
	queueName   string
	queue       *Queue
	channel     Channel
	cancel      context.CancelFunc
	initialized bool
	closed      bool
	logger      *slog.Logger
}

// RPCOption configures the RPC engine
type RPCOption func(*RPC)

// WithRPCLogger sets the logger
func WithRPCLogger(logger *slog.Logger) RPCOption {
	return func(r *RPC) {
		r.logger = logger
	}
}

// WithReplyQueueName requests a fixed reply queue name instead of a server-generated one
func WithReplyQueueName(name string) RPCOption {
	return func(r *RPC) {
		r.queueName = name
	}
}

// NewRPC creates an RPC engine. It is unusable until Init succeeds.
func NewRPC(options ...RPCOption) *RPC {
	r := &RPC{
		calls:  make(map[string]*pendingCall),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Init opens a dedicated channel, asserts the exclusive reply queue and
// consumes it without acknowledgments. Any failure leaves the engine unusable.
func (r *RPC) Init(ctx context.Context, conn Connection) error {
	r.mu.Lock()
	if r.initialized || r.closed {
		r.mu.Unlock()
		return errors.New("messaging: rpc engine already initialized")
	}
	r.mu.Unlock()

	r.logger.Debug("initializing rpc channel")
	ch, err := conn.OpenChannel()
	if err != nil {
		return &BrokerError{Op: "channel", Target: "rpc", Err: err}
	}

	queue, err := NewQueue(ch, r.queueName,
		WithQueueOptions(QueueOptions{Exclusive: true}),
		WithQueueLogger(r.logger),
		withConsumerStopped(r.consumerStopped),
	)
	if err != nil {
		ch.Close()
		return err
	}

	if err := queue.Init(ctx); err != nil {
		ch.Close()
		return fmt.Errorf("messaging: rpc reply queue: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	if err := queue.ConsumeRaw(consumeCtx, r.onReply, WithNoAck(true), WithExclusiveConsumer(true)); err != nil {
		cancel()
		ch.Close()
		return fmt.Errorf("messaging: rpc reply queue: %w", err)
	}

	r.mu.Lock()
	r.channel = ch
	r.queue = queue
	r.cancel = cancel
	r.initialized = true
	r.mu.Unlock()

	r.logger.Info("rpc initialized", "replyQueue", queue.Name())
	return nil
}

// ReplyQueueName returns the broker-assigned reply queue name, empty before Init
func (r *RPC) ReplyQueueName() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queue == nil {
		return ""
	}
	return r.queue.Name()
}

// Ready reports whether calls can be registered and their replies consumed
func (r *RPC) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized && !r.closed && r.queue.Consuming()
}

// RegisterCall inserts a pending call. A positive timeout rejects the call with
// a *TimeoutError and removes it if no terminal reply arrives first.
// Registering an id twice replaces the previous entry; ids must be unique.
// A closed engine returns ErrClosed and leaves the callbacks untouched.
func (r *RPC) RegisterCall(correlationID string, callbacks Callbacks, timeout time.Duration) error {
	call := &pendingCall{
		correlationID: correlationID,
		callbacks:     callbacks,
		registeredAt:  time.Now(),
		timeout:       timeout,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	if previous, ok := r.calls[correlationID]; ok && previous.timer != nil {
		previous.timer.Stop()
	}
	r.calls[correlationID] = call

	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			r.expire(call)
		})
	}
	r.mu.Unlock()
	return nil
}

// Callback returns the callbacks of a live call
func (r *RPC) Callback(correlationID string) (Callbacks, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[correlationID]
	if !ok {
		return Callbacks{}, false
	}
	return call.callbacks, true
}

// AttachProgress sets the progress observer of a live call. It reports false
// when the call has already settled. Progress replies handled before the
// attachment are not replayed.
func (r *RPC) AttachProgress(correlationID string, fn ProgressCallback) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[correlationID]
	if !ok {
		return false
	}
	call.callbacks.Progress = fn
	return true
}

// Pending returns the number of live calls
func (r *RPC) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Close stops consuming replies, closes the channel and rejects every live call with ErrClosed
func (r *RPC) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.initialized = false
	calls := r.calls
	r.calls = make(map[string]*pendingCall)
	cancel, ch := r.cancel, r.channel
	r.mu.Unlock()

	for _, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.callbacks.reject(ErrClosed)
	}

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// consumerStopped closes the engine when the reply consumer exits on its own,
// for example because the broker closed the channel. Pending calls get ErrClosed.
func (r *RPC) consumerStopped() {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	r.logger.Error("rpc reply consumer stopped, closing rpc engine", "replyQueue", r.ReplyQueueName())
	if err := r.Close(); err != nil {
		r.logger.Debug("failed to close rpc channel", "error", err)
	}
}

// forget drops a call without settling it, used when its request never left
func (r *RPC) forget(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if call, ok := r.calls[correlationID]; ok {
		if call.timer != nil {
			call.timer.Stop()
		}
		delete(r.calls, correlationID)
	}
}

// onReply handles every message arriving on the reply queue
func (r *RPC) onReply(_ context.Context, d amqp.Delivery) {
	correlationID := d.CorrelationId
	if correlationID == "" {
		r.logger.Debug("dropping reply without correlation id")
		return
	}

	resp, err := contracts.DecodeResponse(d.Body)
	if err != nil {
		r.logger.Error("cannot consume rpc message", "correlationId", correlationID, "error", err)
		return
	}

	r.mu.Lock()
	call, ok := r.calls[correlationID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("dropping reply for unknown call", "correlationId", correlationID)
		return
	}

	if !resp.Done {
		progress := call.callbacks.Progress
		r.mu.Unlock()
		if progress != nil {
			progress(resp.Payload)
		}
		return
	}

	delete(r.calls, correlationID)
	if call.timer != nil {
		call.timer.Stop()
	}
	r.mu.Unlock()

	r.logger.Debug("got response",
		"correlationId", correlationID,
		"duration", time.Since(call.registeredAt))

	if resp.Err != nil {
		call.callbacks.reject(resp.Err.Err())
		return
	}
	call.callbacks.resolve(resp.Payload)
}

// expire rejects call if it is still the live entry for its id
func (r *RPC) expire(call *pendingCall) {
	r.mu.Lock()
	current, ok := r.calls[call.correlationID]
	if !ok || current != call {
		r.mu.Unlock()
		return
	}
	delete(r.calls, call.correlationID)
	r.mu.Unlock()

	r.logger.Error("timeout exceeded", "correlationId", call.correlationID, "timeout", call.timeout)
	call.callbacks.reject(&TimeoutError{CorrelationID: call.correlationID, Timeout: call.timeout})
}
