package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/amqpkit-go/messaging"
)

// ConnectionState is implemented by connections that track their state
type ConnectionState interface {
	IsConnected() bool
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn ConnectionState
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	if c.conn == nil || !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	}

	return result.finish()
}

// RPCChecker checks that the reply queue is consumed and pending calls stay bounded
type RPCChecker struct {
	rpc        *messaging.RPC
	maxPending int
}

// NewRPCChecker creates an RPC checker. maxPending > 0 marks the engine
// degraded when more calls wait for replies.
func NewRPCChecker(rpc *messaging.RPC, maxPending int) *RPCChecker {
	return &RPCChecker{rpc: rpc, maxPending: maxPending}
}

func (c *RPCChecker) Name() string {
	return "rpc"
}

func (c *RPCChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	if c.rpc == nil || !c.rpc.Ready() {
		result.Status = StatusUnhealthy
		result.Message = "RPC engine is not consuming replies"
		return result.finish()
	}

	pending := c.rpc.Pending()
	result.Details["reply_queue"] = c.rpc.ReplyQueueName()
	result.Details["pending_calls"] = pending

	if c.maxPending > 0 && pending > c.maxPending {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d calls waiting for replies", pending)
	} else {
		result.Status = StatusHealthy
		result.Message = "RPC engine is consuming replies"
	}

	return result.finish()
}

// QueueChecker checks that a queue is declared and, optionally, consumed
type QueueChecker struct {
	queue           *messaging.Queue
	requireConsumer bool
}

// NewQueueChecker creates a queue checker
func NewQueueChecker(queue *messaging.Queue, requireConsumer bool) *QueueChecker {
	return &QueueChecker{queue: queue, requireConsumer: requireConsumer}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue.Key())
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	name := c.queue.Name()
	consuming := c.queue.Consuming()
	result.Details["queue_name"] = name
	result.Details["consuming"] = consuming

	switch {
	case name == "":
		result.Status = StatusUnhealthy
		result.Message = "Queue is not declared"
	case c.requireConsumer && !consuming:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has no consumer", name)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is declared", name)
	}

	return result.finish()
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}

	return result.finish()
}

type pendingResult struct {
	CheckResult
}

func newResult(name string) *pendingResult {
	return &pendingResult{CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]any),
	}}
}

func (r *pendingResult) finish() CheckResult {
	r.Duration = time.Since(r.Timestamp)
	return r.CheckResult
}
