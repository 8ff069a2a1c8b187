// ABOUTME: Topology discovery: announcing, accepting children and adopting an upstream.
// ABOUTME: Each node keeps at most one upstream and one downstream channel per child.

package mesh

import (
	"sort"
	"time"

	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport"
)

// router dispatches one envelope to the handler for its message kind.
type router struct {
	n   *Node
	env transport.Envelope
}

// announce posts Announce to the parent, or to the node's own port when it
// has no parent.
func (n *Node) announce() {
	target := n.parent
	if target == nil {
		target = n.self
	}
	err := target.Post(transport.Envelope{
		Message: protocol.Announce{Header: protocol.Header{SourceAgentID: n.id, Phase: protocol.Routing}},
		Source:  n.self,
	})
	if err != nil {
		n.logger.Warn("announce failed", "error", err)
	}
}

func (n *Node) reannounce(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			linked := false
			if !n.call(func() {
				linked = n.upstream != nil
				if !linked {
					n.announce()
				}
			}) || linked {
				return
			}
		}
	}
}

func (r *router) VisitAnnounce(m protocol.Announce) {
	n := r.n
	peer := m.SourceAgentID
	switch {
	case peer == n.id, peer == "":
		return
	case peer == n.upstreamID:
		return
	case r.env.Source == nil:
		n.logger.Debug("announce without reply port ignored", "peer_id", peer)
		return
	}
	if _, linked := n.downstreams[peer]; linked {
		return
	}

	local, remote := n.newChannel()
	d := &downstream{port: local}
	d.stop = local.Listen(n.receive)
	n.downstreams[peer] = d

	err := r.env.Source.Post(transport.Envelope{
		Message: protocol.Link{
			Header:        protocol.Header{SourceAgentID: n.id, Phase: protocol.Routing},
			TargetAgentID: peer,
		},
		Ports: []transport.Port{remote},
	})
	if err != nil {
		n.logger.Warn("link reply failed", "peer_id", peer, "error", err)
		d.stop()
		closePort(local)
		delete(n.downstreams, peer)
		return
	}
	n.logger.Info("child linked", "peer_id", peer, "downstreams", len(n.downstreams))
}

func (r *router) VisitLink(m protocol.Link) {
	n := r.n
	if m.TargetAgentID != n.id || len(r.env.Ports) == 0 {
		return
	}
	if n.upstream != nil {
		n.logger.Debug("already linked, ignoring link", "peer_id", m.SourceAgentID)
		return
	}
	if _, isChild := n.downstreams[m.SourceAgentID]; isChild {
		n.logger.Warn("refusing link from own child", "peer_id", m.SourceAgentID)
		return
	}

	n.upstream = r.env.Ports[0]
	n.upstreamID = m.SourceAgentID
	n.stopUpstream = n.upstream.Listen(n.receive)
	n.logger.Info("linked to parent", "peer_id", n.upstreamID)

	n.postUpstream(protocol.Register{
		Header:            protocol.Header{SourceAgentID: n.id, Phase: protocol.Routing},
		Name:              n.name,
		ResolutionPath:    []string{n.id},
		SubscribedIntents: sortedKeys(n.resolvers),
	})
	n.handOverSubtree()
}

// handOverSubtree tells a freshly adopted upstream about nodes that linked
// below this one while it was still a root, and passes up the intents it
// could not route on its own.
func (n *Node) handOverSubtree() {
	byTarget := make(map[string][]string)
	for t, id := range n.targets {
		if id != n.id {
			byTarget[id] = append(byTarget[id], t)
		}
	}

	for _, id := range sortedKeys(n.registry) {
		e := n.registry[id]
		types := byTarget[id]
		sort.Strings(types)
		n.postUpstream(protocol.Register{
			Header:            protocol.Header{SourceAgentID: id, Phase: protocol.Routing},
			Name:              e.name,
			ResolutionPath:    prepend(n.id, e.path),
			SubscribedIntents: types,
		})
	}

	deferred := n.deferred
	n.deferred = nil
	for _, im := range deferred {
		n.postUpstream(protocol.WithPhase(im, protocol.Propagating))
	}
}

func prepend(id string, path []string) []string {
	out := make([]string, 0, len(path)+1)
	out = append(out, id)
	return append(out, path...)
}
