// Package messaging provides the event messaging primitives of amqpkit.
//
// This package implements:
//   - Queue: queue assertion, bindings, a single guarded consumer and event sends
//   - Exchange: exchange assertion and event publishes with a routing key
//   - Router: per-event handler dispatch for one queue
//   - RPC: the pending-call table correlating replies on an exclusive reply queue
//   - Call: the awaitable result of a send, with progress observation
//   - Notifier: in-process notification of consumed deliveries
//
// Handlers complete a delivery with done. The first done publishes the
// terminal reply when the sender expects one and acknowledges the delivery;
// progress publishes non-terminal replies until then.
//
// Example usage:
//
//	rpc := messaging.NewRPC()
//	if err := rpc.Init(ctx, conn); err != nil {
//		return err
//	}
//
//	queue, _ := messaging.NewQueue(ch, "users", messaging.WithQueueRPC(rpc))
//	if err := queue.Init(ctx); err != nil {
//		return err
//	}
//
//	queue.ConsumeEvent(ctx, "user.get", func(ctx context.Context, payload json.RawMessage,
//		done messaging.DoneFunc, progress messaging.ProgressFunc, routingKey string) {
//		done(nil, map[string]string{"name": "john.doe"})
//	})
//
//	call, err := queue.SendEvent(ctx, "user.get", map[string]string{"id": "42"})
//	if err != nil {
//		return err
//	}
//	reply, err := call.Wait(ctx)
package messaging
