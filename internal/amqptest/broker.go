// Package amqptest provides an in-memory AMQP broker for tests.
//
// Broker routes publishes through the default, direct, fanout and topic
// exchanges and acknowledges deliveries as their amqp.Acknowledger. Channel
// has the method set of messaging.Channel.
package amqptest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 256

// Broker is an in-memory broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	exchanges   map[string]string
	bindings    map[string][]binding
	published   []Published
	acks        int
	nacks       int
	requeued    int
	consumes    int
	cancels     int
	nextTag     uint64
	nextQueueID int
}

// Published is one message accepted by PublishWithContext
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// QueueInfo describes a declared queue
type QueueInfo struct {
	Name      string
	Durable   bool
	Exclusive bool
	Consumer  string
}

type queue struct {
	info       QueueInfo
	deliveries chan amqp.Delivery
	owner      *Channel
}

type binding struct {
	queue   string
	pattern string
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]string),
		bindings:  make(map[string][]binding),
	}
}

// Channel opens a channel on the broker
func (b *Broker) Channel() *Channel {
	return &Channel{broker: b}
}

// Ack implements amqp.Acknowledger
func (b *Broker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks++
	return nil
}

// Nack implements amqp.Acknowledger
func (b *Broker) Nack(tag uint64, multiple, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks++
	if requeue {
		b.requeued++
	}
	return nil
}

// Reject implements amqp.Acknowledger
func (b *Broker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

// Counts returns acks, nacks and requeued nacks
func (b *Broker) Counts() (acks, nacks, requeued int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks, b.nacks, b.requeued
}

// ConsumeCalls returns how many consumers were started
func (b *Broker) ConsumeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumes
}

// CancelCalls returns how many consumers were cancelled by tag
func (b *Broker) CancelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

// Published returns every accepted publish in order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedTo returns the publishes sent to a queue through the default exchange
func (b *Broker) PublishedTo(queue string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.Exchange == "" && p.RoutingKey == queue {
			out = append(out, p)
		}
	}
	return out
}

// Queue returns a declared queue
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	return q.info, true
}

// Exchange returns the kind of a declared exchange
func (b *Broker) Exchange(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// HasBinding reports whether queue is bound to exchange with pattern
func (b *Broker) HasBinding(exchange, queue, pattern string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bnd := range b.bindings[exchange] {
		if bnd.queue == queue && bnd.pattern == pattern {
			return true
		}
	}
	return false
}

// Inject delivers msg to queue without recording a publish
func (b *Broker) Inject(queue string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(queue, "", queue, msg)
}

func (b *Broker) routeLocked(exchange, key string, msg amqp.Publishing) {
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})

	if exchange == "" {
		b.deliverLocked(key, exchange, key, msg)
		return
	}

	kind := b.exchanges[exchange]
	for _, bnd := range b.bindings[exchange] {
		if kind == amqp.ExchangeFanout || routeMatches(kind, bnd.pattern, key) {
			b.deliverLocked(bnd.queue, exchange, key, msg)
		}
	}
}

func (b *Broker) deliverLocked(name, exchange, key string, msg amqp.Publishing) {
	q, ok := b.queues[name]
	if !ok {
		return
	}

	b.nextTag++
	d := amqp.Delivery{
		Acknowledger:  b,
		DeliveryTag:   b.nextTag,
		Exchange:      exchange,
		RoutingKey:    key,
		ContentType:   msg.ContentType,
		Headers:       msg.Headers,
		DeliveryMode:  msg.DeliveryMode,
		Priority:      msg.Priority,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		Expiration:    msg.Expiration,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}

	select {
	case q.deliveries <- d:
	default:
	}
}

func routeMatches(kind, pattern, key string) bool {
	if kind != amqp.ExchangeTopic {
		return pattern == key
	}
	return topicMatches(strings.Split(pattern, "."), strings.Split(key, "."))
}

func topicMatches(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatches(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatches(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatches(pattern[1:], words[1:])
	}
}

// stopLocked ends the current consumer; later publishes buffer for the next one
func (q *queue) stopLocked() {
	if q.info.Consumer == "" {
		return
	}
	close(q.deliveries)
	q.deliveries = make(chan amqp.Delivery, deliveryBuffer)
	q.info.Consumer = ""
	q.owner = nil
}

// Channel is a broker channel. The Fail fields make the matching operations
// return that error; set them before the channel is shared.
type Channel struct {
	broker *Broker

	FailDeclare error
	FailBind    error
	FailPublish error
	FailConsume error
	FailQos     error

	mu       sync.Mutex
	closed   bool
	prefetch []int
}

func (c *Channel) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.check(); err != nil {
		return amqp.Queue{}, err
	}
	if c.FailDeclare != nil {
		return amqp.Queue{}, c.FailDeclare
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.nextQueueID++
		name = fmt.Sprintf("amq.gen-%d", b.nextQueueID)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{
			info:       QueueInfo{Name: name, Durable: durable, Exclusive: exclusive},
			deliveries: make(chan amqp.Delivery, deliveryBuffer),
		}
	}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.FailBind != nil {
		return c.FailBind
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("no exchange %q", exchange)
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: name, pattern: key})
	return nil
}

func (c *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	if err := c.check(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.bindings[exchange][:0]
	for _, bnd := range b.bindings[exchange] {
		if bnd.queue != name || bnd.pattern != key {
			kept = append(kept, bnd)
		}
	}
	b.bindings[exchange] = kept
	return nil
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.FailDeclare != nil {
		return c.FailDeclare
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("inequivalent arg 'type' for exchange %q", name)
	}
	b.exchanges[name] = kind
	return nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.FailPublish != nil {
		return c.FailPublish
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.routeLocked(exchange, key, msg)
	return nil
}

func (c *Channel) Consume(name, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.FailConsume != nil {
		return nil, c.FailConsume
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("no queue %q", name)
	}
	if q.info.Consumer != "" {
		return nil, fmt.Errorf("queue %q already consumed", name)
	}

	b.consumes++
	q.info.Consumer = consumer
	q.owner = c
	return q.deliveries, nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	if err := c.check(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range b.queues {
		if q.info.Consumer == consumer {
			b.cancels++
			q.stopLocked()
			return nil
		}
	}
	return fmt.Errorf("unknown consumer %q", consumer)
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.FailQos != nil {
		return c.FailQos
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = append(c.prefetch, prefetchCount)
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if q.owner == c {
			q.stopLocked()
		}
	}
	return nil
}

// IsClosed reports whether Close was called
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Prefetch returns the prefetch counts applied through Qos
func (c *Channel) Prefetch() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.prefetch...)
}
