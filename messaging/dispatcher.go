package messaging

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/amqpkit-go/contracts"
)

// Router dispatches the decoded messages of one queue to a handler per event name
type Router struct {
	queueName string
	handlers  map[string]EventHandler
	mu        sync.RWMutex
	logger    *slog.Logger
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates an empty router for the named queue
func NewRouter(queueName string, options ...RouterOption) *Router {
	r := &Router{
		queueName: queueName,
		handlers:  make(map[string]EventHandler),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register sets the handler for eventName, replacing any earlier one
func (r *Router) Register(eventName string, handler EventHandler) error {
	if eventName == "" {
		return errEventName("register")
	}
	if handler == nil {
		return &ValidationError{Op: "register", Field: "handler", Reason: "handler cannot be nil"}
	}

	r.mu.Lock()
	_, replaced := r.handlers[eventName]
	r.handlers[eventName] = handler
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("replaced event handler", "queue", r.queueName, "eventName", eventName)
	}
	return nil
}

// Handler returns the handler registered for eventName
func (r *Router) Handler(eventName string) (EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[eventName]
	return h, ok
}

// Events returns the registered event names in order
func (r *Router) Events() []string {
	r.mu.RLock()
	events := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		events = append(events, name)
	}
	r.mu.RUnlock()

	sort.Strings(events)
	return events
}

// Dispatch invokes the handler of msg.EventName. Messages without a handler
// are logged and dropped; done is not called for them.
func (r *Router) Dispatch(ctx context.Context, msg contracts.Message, done DoneFunc, progress ProgressFunc, routingKey string) {
	handler, ok := r.Handler(msg.EventName)
	if !ok {
		r.logger.Warn("no handler for event",
			"queue", r.queueName,
			"eventName", msg.EventName,
			"routingKey", routingKey)
		return
	}

	handler(ctx, msg.Payload, done, progress, routingKey)
}
