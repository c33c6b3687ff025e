package messaging

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier(t *testing.T) {
	t.Run("observers receive emitted events until unsubscribed", func(t *testing.T) {
		n := NewNotifier()

		var got []ConsumedEvent
		unsubscribe, err := n.OnConsumed(func(ev ConsumedEvent) {
			got = append(got, ev)
		})
		require.NoError(t, err)

		n.Emit(ConsumedEvent{Queue: "jobs", EventName: "ping", Duration: time.Millisecond})
		n.Wait()
		require.NoError(t, unsubscribe())
		n.Emit(ConsumedEvent{Queue: "jobs", EventName: "ignored"})
		n.Wait()

		require.Len(t, got, 1)
		assert.Equal(t, "ping", got[0].EventName)
		assert.Equal(t, time.Millisecond, got[0].Duration)
	})

	t.Run("events reach an observer in emit order", func(t *testing.T) {
		n := NewNotifier()

		var got []string
		_, err := n.OnConsumed(func(ev ConsumedEvent) {
			got = append(got, ev.EventName)
		})
		require.NoError(t, err)

		for _, name := range []string{"a", "b", "c", "d"} {
			n.Emit(ConsumedEvent{EventName: name})
		}
		n.Wait()

		assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	})

	t.Run("unsubscribing one observer keeps its siblings", func(t *testing.T) {
		n := NewNotifier()

		var counts [2]atomic.Int32
		observe := func(i int) func(ConsumedEvent) {
			return func(ConsumedEvent) { counts[i].Add(1) }
		}

		first, err := n.OnConsumed(observe(0))
		require.NoError(t, err)
		_, err = n.OnConsumed(observe(1))
		require.NoError(t, err)

		require.NoError(t, first())
		assert.NoError(t, first())
		n.Emit(ConsumedEvent{EventName: "ping"})
		n.Wait()

		assert.Zero(t, counts[0].Load())
		assert.Equal(t, int32(1), counts[1].Load())
	})

	t.Run("observers may subscribe and unsubscribe from their callback", func(t *testing.T) {
		n := NewNotifier()

		var (
			unsubscribe func() error
			seen        atomic.Int32
		)
		subscribed := make(chan struct{})
		unsubscribe, err := n.OnConsumed(func(ConsumedEvent) {
			<-subscribed
			seen.Add(1)
			assert.NoError(t, unsubscribe())
			_, subErr := n.OnConsumed(func(ConsumedEvent) {})
			assert.NoError(t, subErr)
		})
		require.NoError(t, err)
		close(subscribed)

		finished := make(chan struct{})
		go func() {
			n.Emit(ConsumedEvent{EventName: "ping"})
			n.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("observer callback deadlocked")
		}
		assert.Equal(t, int32(1), seen.Load())
	})

	t.Run("nil observer is rejected", func(t *testing.T) {
		_, err := NewNotifier().OnConsumed(nil)
		assert.Error(t, err)
	})

	t.Run("nil notifier ignores events", func(t *testing.T) {
		var n *Notifier
		assert.NotPanics(t, func() {
			n.Emit(ConsumedEvent{})
			n.Wait()
		})
	})
}
