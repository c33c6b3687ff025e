package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/amqpkit-go/internal/amqptest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

var _ Channel = (*amqptest.Channel)(nil)

type fakeBroker struct {
	*amqptest.Broker
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{Broker: amqptest.NewBroker()}
}

func (b *fakeBroker) connection() *fakeConnection {
	return &fakeConnection{broker: b.Broker}
}

// fakeConnection opens channels on one broker
type fakeConnection struct {
	broker  *amqptest.Broker
	mu      sync.Mutex
	openErr error
	opened  []*amqptest.Channel
	closed  bool
}

var _ Connection = (*fakeConnection)(nil)

func (c *fakeConnection) OpenChannel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.openErr != nil {
		return nil, c.openErr
	}
	ch := c.broker.Channel()
	c.opened = append(c.opened, ch)
	return ch, nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.opened {
		ch.Close()
	}
	return nil
}

var errBroker = errors.New("broker unavailable")

// newTestRPC returns an initialized RPC engine on broker, closed with the test
func newTestRPC(t *testing.T, broker *fakeBroker) *RPC {
	t.Helper()

	rpc := NewRPC()
	require.NoError(t, rpc.Init(context.Background(), broker.connection()))
	t.Cleanup(func() { rpc.Close() })
	return rpc
}

// newTestQueue returns an initialized queue on its own channel
func newTestQueue(t *testing.T, broker *fakeBroker, name string, options ...QueueOption) *Queue {
	t.Helper()

	q, err := NewQueue(broker.Channel(), name, options...)
	require.NoError(t, err)
	require.NoError(t, q.Init(context.Background()))
	return q
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
