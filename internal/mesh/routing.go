// ABOUTME: Intent routing engine: local resolution, next-hop forwarding and reply delivery.
// ABOUTME: Unroutable intents are deferred; unroutable replies are dropped.

package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport"
)

// ErrResolverPanic wraps a panic raised inside a resolver.
var ErrResolverPanic = errors.New("resolver panicked")

var errUnknown = errors.New("unknown error")

func (r *router) VisitIntent(m protocol.IntentMessage) {
	n := r.n
	target, known := n.targets[m.Intent.Type]
	if !known {
		n.park(m, "no resolver for intent")
		return
	}

	if target == n.id {
		entry, ok := n.resolvers[m.Intent.Type]
		if !ok {
			delete(n.targets, m.Intent.Type)
			n.park(m, "stale local target")
			return
		}
		n.resolve(m, entry)
		return
	}

	hop := n.nextHop(target)
	if hop == nil {
		n.logger.Warn("no route to resolver, dropping intent",
			"intent_type", m.Intent.Type,
			"correlation_id", m.CorrelationID,
			"peer_id", target,
		)
		return
	}
	if err := hop.Post(transport.Envelope{Message: m}); err != nil {
		n.logger.Warn("forwarding intent failed",
			"intent_type", m.Intent.Type,
			"correlation_id", m.CorrelationID,
			"error", err,
		)
	}
}

// park holds an intent nobody here can resolve. Only the root's queue is
// flushed by later subscriptions anywhere in the tree, so a linked node
// sends the intent back up to climb again. Links are FIFO, so any
// Unsubscription that made this node stale reaches the root first.
func (n *Node) park(m protocol.IntentMessage, reason string) {
	if n.upstream != nil {
		n.logger.Debug(reason+", returning upstream",
			"intent_type", m.Intent.Type,
			"correlation_id", m.CorrelationID,
		)
		n.postUpstream(protocol.WithPhase(m, protocol.Propagating))
		return
	}
	n.deferred = append(n.deferred, m)
	n.logger.Warn(reason+", deferring",
		"intent_type", m.Intent.Type,
		"correlation_id", m.CorrelationID,
		"deferred", len(n.deferred),
	)
}

func (r *router) VisitResponse(m protocol.Response) {
	r.n.deliver(m, m.CorrelationID, func(c *agent.Call) { c.Fulfill(m.Response) })
}

func (r *router) VisitError(m protocol.Error) {
	err := m.Err
	if err == nil {
		err = errUnknown
	}
	r.n.deliver(m, m.CorrelationID, func(c *agent.Call) { c.Reject(err) })
}

// deliver settles a local pending call or forwards the reply toward the
// requester named in its header.
func (n *Node) deliver(m protocol.Message, correlationID string, settle func(*agent.Call)) {
	if c, ok := n.pending.Take(correlationID); ok {
		settle(c)
		return
	}

	requester := m.Head().SourceAgentID
	hop := n.nextHop(requester)
	if hop == nil {
		n.logger.Debug("dropping unroutable reply",
			"kind", m.Kind(),
			"correlation_id", correlationID,
			"peer_id", requester,
		)
		return
	}
	if err := hop.Post(transport.Envelope{Message: m}); err != nil {
		n.logger.Warn("forwarding reply failed", "correlation_id", correlationID, "error", err)
	}
}

// nextHop returns the downstream port leading to id.
func (n *Node) nextHop(id string) transport.Port {
	e, ok := n.registry[id]
	if !ok || len(e.path) == 0 {
		return nil
	}
	d, ok := n.downstreams[e.path[0]]
	if !ok {
		return nil
	}
	return d.port
}

// resolve runs entry off the loop and feeds the outcome back through ingest.
func (n *Node) resolve(m protocol.IntentMessage, entry *resolverEntry) {
	go func() {
		result, err := callResolver(n.ctx, entry.resolve, m.Intent.Payload)

		h := protocol.Header{SourceAgentID: m.SourceAgentID, Phase: protocol.Propagating}
		var reply protocol.Message
		if err != nil {
			n.logger.Debug("resolver failed",
				"intent_type", m.Intent.Type,
				"correlation_id", m.CorrelationID,
				"error", err,
			)
			reply = protocol.Error{Header: h, CorrelationID: m.CorrelationID, Intent: m.Intent, Err: err}
		} else {
			reply = protocol.Response{Header: h, CorrelationID: m.CorrelationID, Intent: m.Intent, Response: result}
		}
		n.submit(func() { n.ingest(transport.Envelope{Message: reply}) })
	}()
}

func callResolver(ctx context.Context, resolve agent.Resolver, payload any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrResolverPanic, p)
		}
	}()
	return resolve(ctx, payload)
}
