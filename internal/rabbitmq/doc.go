// Package rabbitmq connects amqpkit to a RabbitMQ broker over amqp091-go.
//
// This package includes:
//   - ConnectionManager: dials with a timeout and opens channels for queues,
//     exchanges and the RPC engine
//   - Connection event logging: close, error, blocked and unblocked
//   - State listeners notified of the same events
//
// A closed connection is not re-established; callers observe it through
// OnClosed and rebuild their kit.
package rabbitmq
