package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/amqpkit-go/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventPublishing(t *testing.T, eventName string, payload any) amqp.Publishing {
	t.Helper()

	body, err := contracts.EncodeMessage(eventName, payload)
	require.NoError(t, err)
	return amqp.Publishing{ContentType: contentTypeJSON, Body: body}
}

func TestQueueDeclaration(t *testing.T) {
	t.Run("Init resolves a server-generated name", func(t *testing.T) {
		q := newTestQueue(t, newFakeBroker(), "")

		assert.Equal(t, "amq.gen-1", q.Name())
		assert.Empty(t, q.Key())
	})

	t.Run("key defaults to the name", func(t *testing.T) {
		broker := newFakeBroker()

		assert.Equal(t, "jobs", newTestQueue(t, broker, "jobs").Key())
		assert.Equal(t, "work", newTestQueue(t, broker, "jobs", WithQueueKey("work")).Key())
	})

	t.Run("nil channel is a validation error", func(t *testing.T) {
		_, err := NewQueue(nil, "jobs")

		var validationErr *ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "channel", validationErr.Field)
	})

	t.Run("declare failure is a broker error", func(t *testing.T) {
		ch := newFakeBroker().Channel()
		ch.FailDeclare = errBroker
		q, err := NewQueue(ch, "jobs")
		require.NoError(t, err)

		err = q.Init(context.Background())
		var brokerErr *BrokerError
		require.True(t, errors.As(err, &brokerErr))
		assert.Equal(t, "declare", brokerErr.Op)
		assert.ErrorIs(t, err, errBroker)
	})

	t.Run("Bind and Unbind manage exchange bindings", func(t *testing.T) {
		broker := newFakeBroker()
		ex, err := NewExchange(broker.Channel(), "events", WithExchangeKind(ExchangeTopic))
		require.NoError(t, err)
		require.NoError(t, ex.Init(context.Background()))
		q := newTestQueue(t, broker, "audit")

		require.NoError(t, q.Bind("events", "user.*", nil))
		assert.True(t, broker.HasBinding("events", "audit", "user.*"))

		require.NoError(t, q.Unbind("events", "user.*", nil))
		assert.False(t, broker.HasBinding("events", "audit", "user.*"))
	})

	t.Run("unnamed queue must be initialized before use", func(t *testing.T) {
		q, err := NewQueue(newFakeBroker().Channel(), "")
		require.NoError(t, err)

		assert.ErrorIs(t, q.Bind("events", "#", nil), ErrNotInitialized)
		assert.ErrorIs(t, q.ConsumeRaw(context.Background(), func(context.Context, amqp.Delivery) {}), ErrNotInitialized)
		_, err = q.SendEvent(context.Background(), "ping", nil)
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestQueueConsume(t *testing.T) {
	t.Run("ConsumeEvent installs a single broker consumer", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		handler := func(ctx context.Context, payload json.RawMessage, done DoneFunc, progress ProgressFunc, routingKey string) {
			done(nil, nil)
		}
		require.NoError(t, q.ConsumeEvent(ctx, "a", handler))
		require.NoError(t, q.ConsumeEvent(ctx, "b", handler))

		assert.Equal(t, 1, broker.ConsumeCalls())
		assert.True(t, q.Consuming())
		require.NotNil(t, q.Router())
		assert.Equal(t, []string{"a", "b"}, q.Router().Events())
	})

	t.Run("a second consumer is rejected", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		raw := func(context.Context, amqp.Delivery) {}
		require.NoError(t, q.ConsumeRaw(ctx, raw))

		assert.ErrorIs(t, q.ConsumeRaw(ctx, raw), ErrAlreadyConsuming)
		assert.ErrorIs(t, q.Consume(ctx, func(context.Context, contracts.Message, DoneFunc, ProgressFunc, string) {}), ErrAlreadyConsuming)
		assert.ErrorIs(t, q.ConsumeEvent(ctx, "ping", func(context.Context, json.RawMessage, DoneFunc, ProgressFunc, string) {}), ErrAlreadyConsuming)
		assert.Equal(t, 1, broker.ConsumeCalls())
	})

	t.Run("undecodable deliveries are nacked once without requeue", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var handled atomic.Int32
		require.NoError(t, q.Consume(ctx, func(context.Context, contracts.Message, DoneFunc, ProgressFunc, string) {
			handled.Add(1)
		}))

		broker.Inject("jobs", amqp.Publishing{Body: []byte(`{broken`)})

		waitFor(t, func() bool { _, nacks, _ := broker.Counts(); return nacks == 1 })
		acks, nacks, requeued := broker.Counts()
		assert.Zero(t, acks)
		assert.Equal(t, 1, nacks)
		assert.Zero(t, requeued)
		assert.Zero(t, handled.Load())
	})

	t.Run("WithRequeueInvalid requeues undecodable deliveries", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, q.Consume(ctx, func(context.Context, contracts.Message, DoneFunc, ProgressFunc, string) {}, WithRequeueInvalid(true)))
		broker.Inject("jobs", amqp.Publishing{Body: []byte(`[]`)})

		waitFor(t, func() bool { _, _, requeued := broker.Counts(); return requeued == 1 })
	})

	t.Run("no-ack consumers never acknowledge", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var handled atomic.Int32
		require.NoError(t, q.Consume(ctx, func(ctx context.Context, msg contracts.Message, done DoneFunc, progress ProgressFunc, routingKey string) {
			done(nil, nil)
			handled.Add(1)
		}, WithNoAck(true)))

		broker.Inject("jobs", eventPublishing(t, "ping", nil))
		broker.Inject("jobs", amqp.Publishing{Body: []byte(`nope`)})

		waitFor(t, func() bool { return handled.Load() == 1 })
		time.Sleep(20 * time.Millisecond)
		acks, nacks, _ := broker.Counts()
		assert.Zero(t, acks)
		assert.Zero(t, nacks)
	})

	t.Run("done acknowledges exactly once", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var handled atomic.Int32
		require.NoError(t, q.ConsumeEvent(ctx, "ping", func(ctx context.Context, payload json.RawMessage, done DoneFunc, progress ProgressFunc, routingKey string) {
			done(nil, "first")
			done(errors.New("second"), nil)
			progress("late")
			handled.Add(1)
		}))

		msg := eventPublishing(t, "ping", nil)
		msg.CorrelationId = "c1"
		msg.ReplyTo = "caller"
		_, err := broker.Channel().QueueDeclare("caller", false, false, false, false, nil)
		require.NoError(t, err)
		broker.Inject("jobs", msg)

		waitFor(t, func() bool { return handled.Load() == 1 })
		acks, nacks, _ := broker.Counts()
		assert.Equal(t, 1, acks)
		assert.Zero(t, nacks)

		replies := broker.PublishedTo("caller")
		require.Len(t, replies, 1)
		assert.Equal(t, "c1", replies[0].Msg.CorrelationId)
		assert.JSONEq(t, `{"err":null,"payload":"first","done":true}`, string(replies[0].Msg.Body))
	})

	t.Run("messages without reply metadata are acked without a reply", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, q.ConsumeEvent(ctx, "ping", func(ctx context.Context, payload json.RawMessage, done DoneFunc, progress ProgressFunc, routingKey string) {
			progress(1)
			done(nil, "pong")
		}))
		broker.Inject("jobs", eventPublishing(t, "ping", nil))

		waitFor(t, func() bool { acks, _, _ := broker.Counts(); return acks == 1 })
		assert.Empty(t, broker.Published())
	})

	t.Run("unknown events are left unacknowledged", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var handled atomic.Int32
		require.NoError(t, q.ConsumeEvent(ctx, "known", func(ctx context.Context, payload json.RawMessage, done DoneFunc, progress ProgressFunc, routingKey string) {
			done(nil, nil)
			handled.Add(1)
		}))
		broker.Inject("jobs", eventPublishing(t, "unknown", nil))
		broker.Inject("jobs", eventPublishing(t, "known", nil))

		waitFor(t, func() bool { return handled.Load() == 1 })
		acks, nacks, _ := broker.Counts()
		assert.Equal(t, 1, acks)
		assert.Zero(t, nacks)
	})

	t.Run("a panicking handler is nacked and the consumer keeps running", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		handler := func(ctx context.Context, payload json.RawMessage, done DoneFunc, progress ProgressFunc, routingKey string) {
			done(nil, nil)
		}
		require.NoError(t, q.ConsumeEvent(ctx, "boom", func(context.Context, json.RawMessage, DoneFunc, ProgressFunc, string) {
			panic("handler bug")
		}))
		require.NoError(t, q.ConsumeEvent(ctx, "ping", handler))

		_, err := broker.Channel().QueueDeclare("caller", false, false, false, false, nil)
		require.NoError(t, err)
		msg := eventPublishing(t, "boom", nil)
		msg.CorrelationId = "c1"
		msg.ReplyTo = "caller"
		broker.Inject("jobs", msg)
		broker.Inject("jobs", eventPublishing(t, "ping", nil))

		waitFor(t, func() bool { acks, _, _ := broker.Counts(); return acks == 1 })
		acks, nacks, requeued := broker.Counts()
		assert.Equal(t, 1, acks)
		assert.Equal(t, 1, nacks)
		assert.Zero(t, requeued)
		assert.True(t, q.Consuming())

		replies := broker.PublishedTo("caller")
		require.Len(t, replies, 1)
		resp, err := contracts.DecodeResponse(replies[0].Msg.Body)
		require.NoError(t, err)
		assert.True(t, resp.Done)
		require.NotNil(t, resp.Err)
		assert.Equal(t, contracts.KindInternal, contracts.KindOf(resp.Err.Err()))
	})

	t.Run("a panic after done keeps the acknowledgment", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var handled atomic.Int32
		require.NoError(t, q.Consume(ctx, func(ctx context.Context, msg contracts.Message, done DoneFunc, progress ProgressFunc, routingKey string) {
			handled.Add(1)
			done(nil, nil)
			panic("after done")
		}, WithRequeueInvalid(true)))
		broker.Inject("jobs", eventPublishing(t, "ping", nil))
		broker.Inject("jobs", eventPublishing(t, "ping", nil))

		waitFor(t, func() bool { acks, _, _ := broker.Counts(); return acks == 2 })
		_, nacks, requeued := broker.Counts()
		assert.Zero(t, nacks)
		assert.Zero(t, requeued)
		assert.Equal(t, int32(2), handled.Load())
	})

	t.Run("a panicking raw handler does not stop the consumer", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var handled atomic.Int32
		require.NoError(t, q.ConsumeRaw(ctx, func(context.Context, amqp.Delivery) {
			if handled.Add(1) == 1 {
				panic("first delivery")
			}
		}))
		broker.Inject("jobs", amqp.Publishing{Body: []byte(`a`)})
		broker.Inject("jobs", amqp.Publishing{Body: []byte(`b`)})

		waitFor(t, func() bool { return handled.Load() == 2 })
		assert.True(t, q.Consuming())
	})

	t.Run("observers that unsubscribe do not stall the consumer", func(t *testing.T) {
		broker := newFakeBroker()
		notifier := NewNotifier()

		var (
			unsubscribe func() error
			seen        atomic.Int32
		)
		subscribed := make(chan struct{})
		unsubscribe, err := notifier.OnConsumed(func(ConsumedEvent) {
			<-subscribed
			seen.Add(1)
			assert.NoError(t, unsubscribe())
		})
		require.NoError(t, err)
		close(subscribed)

		q := newTestQueue(t, broker, "jobs", WithQueueNotifier(notifier))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, q.ConsumeEvent(ctx, "ping", func(ctx context.Context, payload json.RawMessage, done DoneFunc, progress ProgressFunc, routingKey string) {
			done(nil, nil)
		}))
		broker.Inject("jobs", eventPublishing(t, "ping", nil))
		broker.Inject("jobs", eventPublishing(t, "ping", nil))

		waitFor(t, func() bool { acks, _, _ := broker.Counts(); return acks == 2 })
		notifier.Wait()
		assert.GreaterOrEqual(t, seen.Load(), int32(1))
	})

	t.Run("cancelling the context stops the consumer", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")
		ctx, cancel := context.WithCancel(context.Background())

		require.NoError(t, q.ConsumeRaw(ctx, func(context.Context, amqp.Delivery) {}, WithConsumerTag("worker-1")))
		info, _ := broker.Queue("jobs")
		assert.Equal(t, "worker-1", info.Consumer)

		cancel()
		waitFor(t, func() bool { return !q.Consuming() })

		assert.Equal(t, 1, broker.CancelCalls())

		require.NoError(t, q.ConsumeRaw(context.Background(), func(context.Context, amqp.Delivery) {}))
		assert.Equal(t, 2, broker.ConsumeCalls())
	})

	t.Run("consume failure is a broker error and keeps the queue idle", func(t *testing.T) {
		ch := newFakeBroker().Channel()
		q, err := NewQueue(ch, "jobs")
		require.NoError(t, err)
		require.NoError(t, q.Init(context.Background()))
		ch.FailConsume = errBroker

		err = q.ConsumeRaw(context.Background(), func(context.Context, amqp.Delivery) {})
		var brokerErr *BrokerError
		require.True(t, errors.As(err, &brokerErr))
		assert.Equal(t, "consume", brokerErr.Op)
		assert.False(t, q.Consuming())
	})

	t.Run("completed deliveries are reported to the notifier", func(t *testing.T) {
		broker := newFakeBroker()
		notifier := NewNotifier()

		var mu sync.Mutex
		var events []ConsumedEvent
		unsubscribe, err := notifier.OnConsumed(func(ev ConsumedEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		})
		require.NoError(t, err)
		defer unsubscribe()

		q := newTestQueue(t, broker, "jobs", WithQueueNotifier(notifier))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		handlerErr := contracts.NewClientError("bad")
		require.NoError(t, q.ConsumeEvent(ctx, "ping", func(ctx context.Context, payload json.RawMessage, done DoneFunc, progress ProgressFunc, routingKey string) {
			done(handlerErr, nil)
		}))
		broker.Inject("jobs", eventPublishing(t, "ping", nil))

		waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(events) == 1 })
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "jobs", events[0].Queue)
		assert.Equal(t, "ping", events[0].EventName)
		assert.Equal(t, "jobs", events[0].RoutingKey)
		assert.Same(t, handlerErr, events[0].Err)
	})
}

func TestQueueSendEvent(t *testing.T) {
	t.Run("empty event name fails before any broker call", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")

		_, err := q.SendEvent(context.Background(), "", nil)
		var validationErr *ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "eventName", validationErr.Field)
		assert.Empty(t, broker.Published())
	})

	t.Run("without RPC the send is fire-and-forget", func(t *testing.T) {
		broker := newFakeBroker()
		q := newTestQueue(t, broker, "jobs")

		call, err := q.SendEvent(context.Background(), "ping", map[string]int{"n": 1}, WithPersistent(true), WithPriority(3))
		require.NoError(t, err)
		_, err = call.Wait(context.Background())
		assert.NoError(t, err)

		sent := broker.PublishedTo("jobs")
		require.Len(t, sent, 1)
		assert.Empty(t, sent[0].Msg.CorrelationId)
		assert.Empty(t, sent[0].Msg.ReplyTo)
		assert.Equal(t, amqp.Persistent, sent[0].Msg.DeliveryMode)
		assert.Equal(t, uint8(3), sent[0].Msg.Priority)
		assert.Equal(t, contentTypeJSON, sent[0].Msg.ContentType)
		assert.JSONEq(t, `{"eventName":"ping","payload":{"n":1}}`, string(sent[0].Msg.Body))
	})

	t.Run("unencodable payload is a validation error", func(t *testing.T) {
		q := newTestQueue(t, newFakeBroker(), "jobs")

		_, err := q.SendEvent(context.Background(), "ping", make(chan int))
		var validationErr *ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "payload", validationErr.Field)
	})

	t.Run("RPC send before Init fails", func(t *testing.T) {
		q := newTestQueue(t, newFakeBroker(), "jobs", WithQueueRPC(NewRPC()))

		_, err := q.SendEvent(context.Background(), "ping", nil)
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}
