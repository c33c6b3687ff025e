// Copyright 2024 AmqpKit Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amqpkit keeps one AMQP connection, its main channel, the RPC
// engine and a keyed registry of queues and exchanges.
package amqpkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/amqpkit-go/health"
	"github.com/glimte/amqpkit-go/internal/rabbitmq"
	"github.com/glimte/amqpkit-go/messaging"
	"github.com/glimte/amqpkit-go/shutdown"
)

var (
	// ErrDuplicateKey is returned when a key is already registered
	ErrDuplicateKey = errors.New("amqpkit: key already registered")
	// ErrAlreadyInitialized is returned by a second Init
	ErrAlreadyInitialized = errors.New("amqpkit: already initialized")
	// ErrNotInitialized is returned when the kit is used before Init
	ErrNotInitialized = messaging.ErrNotInitialized
)

// Dialer opens the broker connection
type Dialer func(ctx context.Context, url string) (messaging.Connection, error)

// Kit is the registry of one connection's queues and exchanges
type Kit struct {
	mu          sync.RWMutex
	conn        messaging.Connection
	channel     messaging.Channel
	rpc         *messaging.RPC
	queues      map[string]*messaging.Queue
	exchanges   map[string]*messaging.Exchange
	initialized bool

	dialer   Dialer
	notifier *messaging.Notifier
	shutdown *shutdown.Coordinator
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type kitConfig struct {
	logger   *slog.Logger
	dialer   Dialer
	notifier *messaging.Notifier
	shutdown *shutdown.Coordinator
}

// Option configures the Kit
type Option func(*kitConfig)

// WithLogger sets the logger shared by the kit's queues, exchanges and RPC engine
func WithLogger(logger *slog.Logger) Option {
	return func(c *kitConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the RabbitMQ connection manager
func WithDialer(dialer Dialer) Option {
	return func(c *kitConfig) {
		c.dialer = dialer
	}
}

// WithNotifier sets the notifier receiving consumed events of every kit queue
func WithNotifier(notifier *messaging.Notifier) Option {
	return func(c *kitConfig) {
		c.notifier = notifier
	}
}

// WithShutdown registers the kit's cleanup with a coordinator during Init
func WithShutdown(coordinator *shutdown.Coordinator) Option {
	return func(c *kitConfig) {
		c.shutdown = coordinator
	}
}

// New creates an uninitialized kit
func New(options ...Option) *Kit {
	cfg := &kitConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.dialer == nil {
		cfg.dialer = rabbitDialer(cfg.logger)
	}
	if cfg.notifier == nil {
		cfg.notifier = messaging.NewNotifier()
	}

	return &Kit{
		queues:    make(map[string]*messaging.Queue),
		exchanges: make(map[string]*messaging.Exchange),
		dialer:    cfg.dialer,
		notifier:  cfg.notifier,
		shutdown:  cfg.shutdown,
		logger:    cfg.logger,
	}
}

func rabbitDialer(logger *slog.Logger) Dialer {
	return func(ctx context.Context, url string) (messaging.Connection, error) {
		cm, err := rabbitmq.Dial(ctx, url, rabbitmq.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return cm, nil
	}
}

// Init connects, opens the main channel and the RPC engine, then declares the
// configured queues followed by the configured exchanges. A declaration
// failure does not stop the others; the first one is returned and the
// connection stays open for Close.
func (k *Kit) Init(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	k.mu.Lock()
	if k.initialized {
		k.mu.Unlock()
		return ErrAlreadyInitialized
	}
	k.initialized = true
	k.mu.Unlock()

	conn, err := k.dialer(ctx, cfg.URL)
	if err != nil {
		k.resetInit()
		return fmt.Errorf("amqpkit: connect: %w", err)
	}

	var (
		ch  messaging.Channel
		rpc *messaging.RPC
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		opened, err := conn.OpenChannel()
		if err != nil {
			return &messaging.BrokerError{Op: "channel", Target: "main", Err: err}
		}
		ch = opened
		return nil
	})
	if cfg.RPC {
		rpcOptions := []messaging.RPCOption{messaging.WithRPCLogger(k.logger)}
		if cfg.ReplyQueue != "" {
			rpcOptions = append(rpcOptions, messaging.WithReplyQueueName(cfg.ReplyQueue))
		}
		rpc = messaging.NewRPC(rpcOptions...)
		g.Go(func() error {
			return rpc.Init(gctx, conn)
		})
	}
	if err := g.Wait(); err != nil {
		if ch != nil {
			ch.Close()
		}
		if rpc != nil {
			rpc.Close()
		}
		conn.Close()
		k.resetInit()
		return err
	}

	k.mu.Lock()
	k.conn = conn
	k.channel = ch
	k.rpc = rpc
	k.mu.Unlock()

	if k.shutdown != nil {
		k.shutdown.AddJob("amqpkit", func(context.Context) error {
			return k.Close()
		})
	}

	if cfg.Prefetch > 0 {
		if err := k.Prefetch(cfg.Prefetch, cfg.PrefetchGlobal); err != nil {
			return err
		}
	}

	limit := cfg.concurrency()
	if err := k.createQueues(ctx, cfg.Queues, limit); err != nil {
		return err
	}
	if err := k.createExchanges(ctx, cfg.Exchanges, limit); err != nil {
		return err
	}

	k.logger.Info("amqpkit initialized",
		"queues", len(cfg.Queues),
		"exchanges", len(cfg.Exchanges),
		"rpc", cfg.RPC)
	return nil
}

func (k *Kit) resetInit() {
	k.mu.Lock()
	k.initialized = false
	k.mu.Unlock()
}

func (k *Kit) createQueues(ctx context.Context, items []QueueConfig, limit int) error {
	var g errgroup.Group
	g.SetLimit(limit)
	for _, item := range items {
		item := item
		g.Go(func() error {
			_, err := k.CreateQueue(ctx, item.key(), item.Name, item.Options)
			return err
		})
	}
	return g.Wait()
}

func (k *Kit) createExchanges(ctx context.Context, items []ExchangeConfig, limit int) error {
	var g errgroup.Group
	g.SetLimit(limit)
	for _, item := range items {
		item := item
		g.Go(func() error {
			_, err := k.CreateExchange(ctx, item.key(), item.Name, item.Kind, item.Options)
			return err
		})
	}
	return g.Wait()
}

// CreateQueue declares a queue and registers it under key. An empty key uses
// name; an empty name lets the broker generate one.
func (k *Kit) CreateQueue(ctx context.Context, key, name string, options messaging.QueueOptions) (*messaging.Queue, error) {
	if key == "" {
		key = name
	}
	if key == "" {
		return nil, &messaging.ValidationError{Op: "createQueue", Field: "key", Reason: "key or name is required"}
	}

	ch, rpc, err := reserveKey(k, "createQueue", k.queues, key)
	if err != nil {
		return nil, err
	}

	q, err := messaging.NewQueue(ch, name,
		messaging.WithQueueKey(key),
		messaging.WithQueueOptions(options),
		messaging.WithQueueRPC(rpc),
		messaging.WithQueueLogger(k.logger),
		messaging.WithQueueNotifier(k.notifier))
	if err == nil {
		err = q.Init(ctx)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err != nil {
		delete(k.queues, key)
		return nil, err
	}
	k.queues[key] = q
	return q, nil
}

// CreateExchange declares an exchange and registers it under key. An empty
// key uses name; an empty kind means direct.
func (k *Kit) CreateExchange(ctx context.Context, key, name string, kind messaging.ExchangeKind, options messaging.ExchangeOptions) (*messaging.Exchange, error) {
	if key == "" {
		key = name
	}
	if key == "" {
		return nil, &messaging.ValidationError{Op: "createExchange", Field: "key", Reason: "key or name is required"}
	}

	ch, rpc, err := reserveKey(k, "createExchange", k.exchanges, key)
	if err != nil {
		return nil, err
	}

	exchangeOptions := []messaging.ExchangeOption{
		messaging.WithExchangeKey(key),
		messaging.WithExchangeOptions(options),
		messaging.WithExchangeRPC(rpc),
		messaging.WithExchangeLogger(k.logger),
	}
	if kind != "" {
		exchangeOptions = append(exchangeOptions, messaging.WithExchangeKind(kind))
	}
	ex, err := messaging.NewExchange(ch, name, exchangeOptions...)
	if err == nil {
		err = ex.Init(ctx)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err != nil {
		delete(k.exchanges, key)
		return nil, err
	}
	k.exchanges[key] = ex
	return ex, nil
}

// reserveKey claims key with a nil entry so concurrent creations of the same
// key fail while the first one is still declaring
func reserveKey[T any](k *Kit, op string, registry map[string]*T, key string) (messaging.Channel, *messaging.RPC, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.channel == nil {
		return nil, nil, ErrNotInitialized
	}
	if _, exists := registry[key]; exists {
		return nil, nil, fmt.Errorf("amqpkit: %s %q: %w", op, key, ErrDuplicateKey)
	}
	registry[key] = nil
	return k.channel, k.rpc, nil
}

// GetQueue returns the queue registered under key, or nil
func (k *Kit) GetQueue(key string) *messaging.Queue {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.queues[key]
}

// GetExchange returns the exchange registered under key, or nil
func (k *Kit) GetExchange(key string) *messaging.Exchange {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.exchanges[key]
}

// SendEvent sends an event to any queue by name over the main channel,
// whether or not the queue is registered
func (k *Kit) SendEvent(ctx context.Context, queue, eventName string, payload any, options ...messaging.PublishOption) (*messaging.Call, error) {
	k.mu.RLock()
	ch, rpc := k.channel, k.rpc
	k.mu.RUnlock()

	if ch == nil {
		return nil, ErrNotInitialized
	}

	q, err := messaging.NewQueue(ch, queue, messaging.WithQueueRPC(rpc), messaging.WithQueueLogger(k.logger))
	if err != nil {
		return nil, err
	}
	return q.SendEvent(ctx, eventName, payload, options...)
}

// Prefetch limits unacknowledged deliveries on the main channel
func (k *Kit) Prefetch(count int, global bool) error {
	ch := k.Channel()
	if ch == nil {
		return ErrNotInitialized
	}
	if err := ch.Qos(count, 0, global); err != nil {
		return &messaging.BrokerError{Op: "qos", Target: "main", Err: err}
	}
	return nil
}

// Channel returns the main channel, nil before Init
func (k *Kit) Channel() messaging.Channel {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.channel
}

// Connection returns the broker connection, nil before Init
func (k *Kit) Connection() messaging.Connection {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.conn
}

// RPC returns the RPC engine, nil before Init or when RPC is disabled
func (k *Kit) RPC() *messaging.RPC {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.rpc
}

// Notifier returns the notifier shared by the kit's queues
func (k *Kit) Notifier() *messaging.Notifier {
	return k.notifier
}

// Health checks the connection, the RPC engine and every registered queue.
// Extra checkers run alongside them.
func (k *Kit) Health(ctx context.Context, extra ...health.Checker) health.Report {
	k.mu.RLock()
	var checkers []health.Checker
	switch conn := k.conn.(type) {
	case nil:
		checkers = append(checkers, health.NewConnectionChecker(nil))
	case health.ConnectionState:
		checkers = append(checkers, health.NewConnectionChecker(conn))
	}
	if k.rpc != nil {
		checkers = append(checkers, health.NewRPCChecker(k.rpc, 0))
	}
	keys := make([]string, 0, len(k.queues))
	for key, q := range k.queues {
		if q != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		checkers = append(checkers, health.NewQueueChecker(k.queues[key], false))
	}
	k.mu.RUnlock()

	return health.Run(ctx, append(checkers, extra...)...)
}

// Close rejects pending calls, then closes the main channel and the
// connection. Only the first call does the work.
func (k *Kit) Close() error {
	k.closeOnce.Do(func() {
		k.mu.RLock()
		conn, ch, rpc := k.conn, k.channel, k.rpc
		k.mu.RUnlock()

		var errs []error
		if rpc != nil {
			if err := rpc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close rpc: %w", err))
			}
		}
		if ch != nil {
			if err := ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close channel: %w", err))
			}
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}

		k.closeErr = errors.Join(errs...)
		if k.closeErr != nil {
			k.logger.Error("amqpkit close failed", "error", k.closeErr)
		} else {
			k.logger.Info("amqpkit closed")
		}
	})
	return k.closeErr
}
