package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange(t *testing.T) {
	t.Run("Init declares the exchange with its kind", func(t *testing.T) {
		broker := newFakeBroker()
		ex, err := NewExchange(broker.Channel(), "events", WithExchangeKind(ExchangeFanout), WithExchangeKey("ev"))
		require.NoError(t, err)
		require.NoError(t, ex.Init(context.Background()))

		assert.Equal(t, "events", ex.Name())
		assert.Equal(t, "ev", ex.Key())
		assert.Equal(t, ExchangeFanout, ex.Kind())
		kind, ok := broker.Exchange("events")
		require.True(t, ok)
		assert.Equal(t, "fanout", kind)
	})

	t.Run("kind defaults to direct", func(t *testing.T) {
		ex, err := NewExchange(newFakeBroker().Channel(), "events")
		require.NoError(t, err)

		assert.Equal(t, ExchangeDirect, ex.Kind())
		assert.Equal(t, "events", ex.Key())
	})

	t.Run("rejects a nil channel and the default exchange", func(t *testing.T) {
		var validationErr *ValidationError

		_, err := NewExchange(nil, "events")
		assert.ErrorAs(t, err, &validationErr)

		_, err = NewExchange(newFakeBroker().Channel(), "")
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("redeclaring with another kind fails", func(t *testing.T) {
		broker := newFakeBroker()
		first, _ := NewExchange(broker.Channel(), "events", WithExchangeKind(ExchangeTopic))
		require.NoError(t, first.Init(context.Background()))

		second, _ := NewExchange(broker.Channel(), "events", WithExchangeKind(ExchangeFanout))
		var brokerErr *BrokerError
		assert.ErrorAs(t, second.Init(context.Background()), &brokerErr)
	})
}

func TestExchangePublishEvent(t *testing.T) {
	t.Run("fire-and-forget without RPC", func(t *testing.T) {
		broker := newFakeBroker()
		ex, _ := NewExchange(broker.Channel(), "events")
		require.NoError(t, ex.Init(context.Background()))

		call, err := ex.PublishEvent(context.Background(), "user.created", "user.created", map[string]string{"id": "1"})
		require.NoError(t, err)
		assert.Empty(t, call.CorrelationID())

		sent := broker.Published()
		require.Len(t, sent, 1)
		assert.Equal(t, "events", sent[0].Exchange)
		assert.Equal(t, "user.created", sent[0].RoutingKey)
		assert.Empty(t, sent[0].Msg.ReplyTo)
		assert.Empty(t, sent[0].Msg.Expiration)
	})

	t.Run("RPC publishes carry reply metadata", func(t *testing.T) {
		broker := newFakeBroker()
		rpc := newTestRPC(t, broker)
		ex, _ := NewExchange(broker.Channel(), "events", WithExchangeRPC(rpc))
		require.NoError(t, ex.Init(context.Background()))

		call, err := ex.PublishEvent(context.Background(), "rk", "ping", nil, WithTimeout(1500*time.Millisecond))
		require.NoError(t, err)

		sent := broker.Published()
		require.Len(t, sent, 1)
		assert.Equal(t, call.CorrelationID(), sent[0].Msg.CorrelationId)
		assert.NotEmpty(t, call.CorrelationID())
		assert.Equal(t, rpc.ReplyQueueName(), sent[0].Msg.ReplyTo)
		assert.Equal(t, "1500", sent[0].Msg.Expiration)
		assert.Equal(t, 1, rpc.Pending())
	})

	t.Run("default timeout is thirty seconds", func(t *testing.T) {
		broker := newFakeBroker()
		rpc := newTestRPC(t, broker)
		ex, _ := NewExchange(broker.Channel(), "events", WithExchangeRPC(rpc))
		require.NoError(t, ex.Init(context.Background()))

		_, err := ex.PublishEvent(context.Background(), "rk", "ping", nil)
		require.NoError(t, err)
		assert.Equal(t, "30000", broker.Published()[0].Msg.Expiration)
	})

	t.Run("zero timeout disables expiration", func(t *testing.T) {
		broker := newFakeBroker()
		rpc := newTestRPC(t, broker)
		ex, _ := NewExchange(broker.Channel(), "events", WithExchangeRPC(rpc))
		require.NoError(t, ex.Init(context.Background()))

		_, err := ex.PublishEvent(context.Background(), "rk", "ping", nil, WithTimeout(0))
		require.NoError(t, err)
		assert.Empty(t, broker.Published()[0].Msg.Expiration)
		assert.NotEmpty(t, broker.Published()[0].Msg.CorrelationId)
	})

	t.Run("WithoutReply skips the pending call", func(t *testing.T) {
		broker := newFakeBroker()
		rpc := newTestRPC(t, broker)
		ex, _ := NewExchange(broker.Channel(), "events", WithExchangeRPC(rpc))
		require.NoError(t, ex.Init(context.Background()))

		call, err := ex.PublishEvent(context.Background(), "rk", "ping", nil, WithoutReply())
		require.NoError(t, err)

		select {
		case <-call.Ready():
		default:
			t.Fatal("fire-and-forget call should be settled")
		}
		assert.Empty(t, broker.Published()[0].Msg.CorrelationId)
		assert.Zero(t, rpc.Pending())
	})

	t.Run("publish failure removes the pending call", func(t *testing.T) {
		broker := newFakeBroker()
		rpc := newTestRPC(t, broker)
		ch := broker.Channel()
		ex, _ := NewExchange(ch, "events", WithExchangeRPC(rpc))
		require.NoError(t, ex.Init(context.Background()))
		ch.FailPublish = errBroker

		_, err := ex.PublishEvent(context.Background(), "rk", "ping", nil)

		var brokerErr *BrokerError
		require.True(t, errors.As(err, &brokerErr))
		assert.Equal(t, "publish", brokerErr.Op)
		assert.Equal(t, "events", brokerErr.Target)
		assert.Zero(t, rpc.Pending())
	})

	t.Run("empty event name is rejected", func(t *testing.T) {
		broker := newFakeBroker()
		ex, _ := NewExchange(broker.Channel(), "events")

		_, err := ex.PublishEvent(context.Background(), "rk", "", nil)
		var validationErr *ValidationError
		assert.ErrorAs(t, err, &validationErr)
		assert.Empty(t, broker.Published())
	})
}
