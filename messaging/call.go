package messaging

import (
	"context"
	"encoding/json"
	"sync"
)

// Call is the result of a send or publish. For RPC sends it settles when the
// terminal reply arrives, the timeout fires or the RPC engine closes.
type Call struct {
	correlationID string
	rpc           *RPC
	ready         chan struct{}
	once          sync.Once
	payload       json.RawMessage
	err           error
}

func newCall(correlationID string, rpc *RPC) *Call {
	return &Call{
		correlationID: correlationID,
		rpc:           rpc,
		ready:         make(chan struct{}),
	}
}

// completedCall returns a settled call for fire-and-forget sends
func completedCall() *Call {
	c := newCall("", nil)
	c.resolve(nil)
	return c
}

// CorrelationID returns the id of the request, empty for fire-and-forget sends
func (c *Call) CorrelationID() string {
	return c.correlationID
}

// Ready returns a channel that is closed when the call settles.
// When Ready is closed, Wait is guaranteed not to block.
func (c *Call) Ready() <-chan struct{} {
	return c.ready
}

// Wait blocks until the call settles or ctx is done. Cancelling ctx does not
// remove the pending call; its timeout does.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.ready:
		return c.payload, c.err
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ready:
		return c.payload, c.err
	}
}

// Decode waits for the reply and unmarshals its payload into v. A nil or
// null payload leaves v untouched.
func (c *Call) Decode(ctx context.Context, v any) error {
	payload, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	return json.Unmarshal(payload, v)
}

// OnProgress observes progress replies of a pending call. Progress replies
// received before the observer is attached are not replayed.
func (c *Call) OnProgress(fn func(payload json.RawMessage)) *Call {
	if c.rpc == nil || fn == nil {
		return c
	}

	select {
	case <-c.ready:
		return c
	default:
	}

	c.rpc.AttachProgress(c.correlationID, fn)
	return c
}

func (c *Call) resolve(payload json.RawMessage) {
	c.once.Do(func() {
		c.payload = payload
		close(c.ready)
	})
}

func (c *Call) reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.ready)
	})
}

func (c *Call) callbacks() Callbacks {
	return Callbacks{
		Resolve: c.resolve,
		Reject:  c.reject,
	}
}
