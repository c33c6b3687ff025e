package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyConsuming is returned when a queue already has its broker-level consumer
	ErrAlreadyConsuming = errors.New("messaging: queue already has a consumer")
	// ErrTimeout matches every *TimeoutError
	ErrTimeout = errors.New("messaging: rpc timeout exceeded")
	// ErrClosed is delivered to calls still pending when the RPC engine closes
	ErrClosed = errors.New("messaging: rpc engine closed")
	// ErrNotInitialized is returned when a queue or the RPC engine is used before Init
	ErrNotInitialized = errors.New("messaging: not initialized")
)

// ValidationError reports bad call arguments. It is never retried.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("messaging: %s: invalid %s: %s: %v", e.Op, e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("messaging: %s: invalid %s: %s", e.Op, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BrokerError wraps a transport failure of a specific operation
type BrokerError struct {
	Op     string // declare, bind, unbind, publish, consume, channel
	Target string // queue or exchange name
	Err    error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("messaging: broker %s failed on %q: %v", e.Op, e.Target, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// TimeoutError is delivered when no terminal reply arrives in time
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: timeout exceeded after %v (correlationId=%s)", e.Timeout, e.CorrelationID)
}

// Is makes errors.Is(err, ErrTimeout) hold
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func errEventName(op string) error {
	return &ValidationError{Op: op, Field: "eventName", Reason: "event name is required"}
}
