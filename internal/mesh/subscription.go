// ABOUTME: Registration and subscription propagation toward the root.
// ABOUTME: Keeps the registry and resolution targets current and replays deferred intents.

package mesh

import (
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport"
)

func (r *router) VisitRegister(m protocol.Register) {
	n := r.n
	src := m.SourceAgentID
	n.registry[src] = registryEntry{
		name: m.Name,
		path: append([]string(nil), m.ResolutionPath...),
	}
	for _, t := range m.SubscribedIntents {
		n.targets[t] = src
	}
	n.logger.Debug("registered",
		"peer_id", src,
		"peer_name", m.Name,
		"path_len", len(m.ResolutionPath),
		"intents", m.SubscribedIntents,
	)
	n.flush(m.SubscribedIntents...)

	if n.upstream != nil {
		n.postUpstream(protocol.Register{
			Header:            m.Header,
			Name:              m.Name,
			ResolutionPath:    prepend(n.id, m.ResolutionPath),
			SubscribedIntents: append([]string(nil), m.SubscribedIntents...),
		})
	}
}

func (r *router) VisitSubscription(m protocol.Subscription) {
	n := r.n
	n.targets[m.IntentType] = m.SourceAgentID
	n.flush(m.IntentType)

	if n.upstream != nil {
		n.postUpstream(m)
	}
}

func (r *router) VisitUnsubscription(m protocol.Unsubscription) {
	n := r.n
	if n.targets[m.IntentType] == m.SourceAgentID {
		delete(n.targets, m.IntentType)
	}

	if n.upstream != nil {
		n.postUpstream(m)
	}
}

// unsubscribe removes entry if it still resolves intentType here.
func (n *Node) unsubscribe(intentType string, entry *resolverEntry) {
	if n.resolvers[intentType] != entry {
		return
	}
	delete(n.resolvers, intentType)
	n.logger.Debug("unsubscribed", "intent_type", intentType)

	n.ingest(transport.Envelope{Message: protocol.Unsubscription{
		Header:     protocol.Header{SourceAgentID: n.id, Phase: protocol.Routing},
		IntentType: intentType,
	}})
}

// flush replays deferred intents of the given types, keeping the rest queued
// in their original order.
func (n *Node) flush(types ...string) {
	if len(n.deferred) == 0 || len(types) == 0 {
		return
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	var keep, replay []protocol.IntentMessage
	for _, im := range n.deferred {
		if want[im.Intent.Type] {
			replay = append(replay, im)
		} else {
			keep = append(keep, im)
		}
	}
	n.deferred = keep

	for _, im := range replay {
		n.logger.Debug("replaying deferred intent",
			"intent_type", im.Intent.Type,
			"correlation_id", im.CorrelationID,
		)
		n.ingest(transport.Envelope{Message: im})
	}
}
