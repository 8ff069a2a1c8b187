// ABOUTME: Pending-request table mapping correlation ids to their calls.
// ABOUTME: Each entry is taken at most once, so a response settles exactly one call.

package agent

import (
	"fmt"
	"sync"
)

// Pending tracks outstanding calls awaiting responses.
type Pending struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// NewPending creates an empty table.
func NewPending() *Pending {
	return &Pending{calls: make(map[string]*Call)}
}

// Add registers c under its correlation id.
func (p *Pending) Add(c *Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.calls[c.CorrelationID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, c.CorrelationID)
	}
	p.calls[c.CorrelationID] = c
	return nil
}

// Take removes and returns the call for id.
func (p *Pending) Take(id string) (*Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	return c, ok
}

// Has reports whether id is pending.
func (p *Pending) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	return ok
}

// Drop forgets id without settling its call.
func (p *Pending) Drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// Len returns the number of outstanding calls.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// FailAll rejects every outstanding call with err and empties the table.
func (p *Pending) FailAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*Call)
	p.mu.Unlock()

	for _, c := range calls {
		c.Reject(err)
	}
}
