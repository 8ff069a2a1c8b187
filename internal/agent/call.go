// ABOUTME: Result slot for one correlation id, settled exactly once.

package agent

import (
	"context"
	"sync"

	"github.com/2389/coven-mesh/internal/protocol"
)

// Call tracks one raised intent until its response or error arrives.
type Call struct {
	CorrelationID string
	Intent        protocol.Intent

	once    sync.Once
	done    chan struct{}
	result  any
	err     error
	abandon func()
}

// NewCall creates an issued call. onAbandon, if set, runs when the caller
// stops waiting before the call settles; it typically drops the call from
// its pending table.
func NewCall(correlationID string, intent protocol.Intent, onAbandon func()) *Call {
	return &Call{
		CorrelationID: correlationID,
		Intent:        intent,
		done:          make(chan struct{}),
		abandon:       onAbandon,
	}
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() (any, error) {
	return c.result, c.err
}

// Wait blocks until the call settles or ctx ends. An ended ctx abandons the
// call and returns ctx's error.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		c.Abandon()
		return nil, ctx.Err()
	}
}

// Abandon gives up on the call locally. A late response is then dropped.
func (c *Call) Abandon() {
	select {
	case <-c.done:
		return
	default:
	}
	if c.abandon != nil {
		c.abandon()
	}
}

// Fulfill settles the call with a result. It reports whether this call
// settled it.
func (c *Call) Fulfill(result any) bool {
	return c.settle(result, nil)
}

// Reject settles the call with an error. It reports whether this call
// settled it.
func (c *Call) Reject(err error) bool {
	return c.settle(nil, err)
}

func (c *Call) settle(result any, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		settled = true
		close(c.done)
	})
	return settled
}
