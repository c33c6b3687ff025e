package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	evb "github.com/asaskevich/EventBus"
)

// topicConsumed prefixes the bus topic of each ConsumedEvent observer
const topicConsumed = "amqpkit:consumed"

// ConsumedEvent describes one delivery that was completed by its handler
type ConsumedEvent struct {
	Queue         string
	EventName     string
	CorrelationID string
	RoutingKey    string
	Duration      time.Duration
	Err           error
}

// Notifier fans consumed events out to in-process observers.
//
// Observers run on bus goroutines, one event at a time per observer and in
// emit order. An observer may subscribe or unsubscribe from its callback but
// must not call Emit.
type Notifier struct {
	bus evb.Bus

	mu     sync.Mutex
	topics map[string]struct{}
	next   uint64
}

// NewNotifier creates a notifier with its own bus
func NewNotifier() *Notifier {
	return &Notifier{
		bus:    evb.New(),
		topics: make(map[string]struct{}),
	}
}

// OnConsumed subscribes fn. The returned func removes the subscription and
// may be called more than once.
func (n *Notifier) OnConsumed(fn func(ConsumedEvent)) (func() error, error) {
	if fn == nil {
		return nil, errors.New("messaging: consumed observer cannot be nil")
	}

	// the bus tells handlers apart by code pointer, so every observer gets its own topic
	n.mu.Lock()
	n.next++
	topic := fmt.Sprintf("%s:%d", topicConsumed, n.next)
	n.mu.Unlock()

	if err := n.bus.SubscribeAsync(topic, fn, true); err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.topics[topic] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			n.mu.Lock()
			delete(n.topics, topic)
			n.mu.Unlock()
			err = n.bus.Unsubscribe(topic, fn)
		})
		return err
	}, nil
}

// Emit publishes ev to all observers without waiting for them
func (n *Notifier) Emit(ev ConsumedEvent) {
	if n == nil {
		return
	}

	n.mu.Lock()
	topics := make([]string, 0, len(n.topics))
	for topic := range n.topics {
		topics = append(topics, topic)
	}
	n.mu.Unlock()

	for _, topic := range topics {
		n.bus.Publish(topic, ev)
	}
}

// Wait blocks until observers have handled every event emitted so far
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.bus.WaitAsync()
}
