// ABOUTME: Mesh node construction, event loop, public agent API and teardown.
// ABOUTME: All routing state is owned by the loop goroutine and touched nowhere else.

package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport"
	"github.com/2389/coven-mesh/internal/transport/memory"
)

// ErrMissingSelf indicates a node was configured without its own port.
var ErrMissingSelf = errors.New("mesh node requires a self port")

var _ agent.Agent = (*Node)(nil)

// Options configures a Node.
type Options struct {
	// Name is a human-readable label carried in Register messages.
	Name string

	// Self is the node's well-known port. Required.
	Self transport.Port

	// Parent is where the node announces itself. Nil makes the node a
	// provisional root.
	Parent transport.Port

	Logger *slog.Logger

	// NewID mints node and correlation ids. Defaults to uuid.NewString.
	NewID func() string

	// NewChannel creates the private channel handed to a linking child.
	// Defaults to an in-memory pipe.
	NewChannel func() (local, remote transport.Port)

	// AnnounceInterval re-sends Announce to Parent while the node is
	// unlinked. Zero announces once.
	AnnounceInterval time.Duration
}

type registryEntry struct {
	name string
	path []string
}

type resolverEntry struct {
	resolve agent.Resolver
}

type downstream struct {
	port transport.Port
	stop func()
}

// Node is one participant of the mesh.
type Node struct {
	id         string
	name       string
	self       transport.Port
	parent     transport.Port
	logger     *slog.Logger
	newID      func() string
	newChannel func() (local, remote transport.Port)

	pending *agent.Pending

	// Loop-owned state.
	registry     map[string]registryEntry
	targets      map[string]string
	resolvers    map[string]*resolverEntry
	deferred     []protocol.IntentMessage
	upstream     transport.Port
	upstreamID   string
	stopUpstream func()
	downstreams  map[string]*downstream
	stopSelf     func()
	destroyed    bool

	work        chan func()
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	destroyOnce sync.Once
}

// New creates a node, starts its loop and announces it.
func New(opts Options) (*Node, error) {
	if opts.Self == nil {
		return nil, ErrMissingSelf
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	newChannel := opts.NewChannel
	if newChannel == nil {
		newChannel = memory.NewChannel
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := newID()
	n := &Node{
		id:          id,
		name:        opts.Name,
		self:        opts.Self,
		parent:      opts.Parent,
		logger:      logger.With("component", "mesh", "node_id", id, "node_name", opts.Name),
		newID:       newID,
		newChannel:  newChannel,
		pending:     agent.NewPending(),
		registry:    make(map[string]registryEntry),
		targets:     make(map[string]string),
		resolvers:   make(map[string]*resolverEntry),
		downstreams: make(map[string]*downstream),
		work:        make(chan func()),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	n.ctx = agent.WithAgent(ctx, n)

	go n.run()

	n.submit(func() {
		n.stopSelf = n.self.Listen(n.receive)
		n.announce()
	})
	if n.parent != nil && opts.AnnounceInterval > 0 {
		go n.reannounce(opts.AnnounceInterval)
	}

	n.logger.Debug("node created", "has_parent", n.parent != nil)
	return n, nil
}

// ID returns the node id. It never changes.
func (n *Node) ID() string {
	return n.id
}

// Name returns the label given at construction.
func (n *Node) Name() string {
	return n.name
}

// Raise sends intent into the mesh and returns its pending call.
func (n *Node) Raise(intent protocol.Intent) (*agent.Call, error) {
	id := n.newID()
	call := agent.NewCall(id, intent, func() { n.pending.Drop(id) })
	if err := n.pending.Add(call); err != nil {
		return nil, err
	}

	msg := protocol.IntentMessage{
		Header:        protocol.Header{SourceAgentID: n.id, Phase: protocol.Propagating},
		CorrelationID: id,
		Intent:        intent,
	}
	if !n.submit(func() { n.ingest(transport.Envelope{Message: msg}) }) {
		n.pending.Drop(id)
		return nil, agent.ErrDestroyed
	}
	return call, nil
}

// RaiseIntent raises intent and waits for its outcome or for ctx to end.
// An unroutable intent keeps waiting until a resolver subscribes.
func (n *Node) RaiseIntent(ctx context.Context, intent protocol.Intent) (any, error) {
	call, err := n.Raise(intent)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// SubscribeToIntent makes this node the resolver for intentType.
func (n *Node) SubscribeToIntent(intentType string, resolve agent.Resolver) (agent.Unsubscribe, error) {
	if resolve == nil {
		return nil, agent.ErrMissingResolver
	}

	entry := &resolverEntry{resolve: resolve}
	var subErr error
	ok := n.call(func() {
		if _, exists := n.resolvers[intentType]; exists {
			subErr = fmt.Errorf("%w: %s", agent.ErrDuplicateResolver, intentType)
			return
		}
		n.resolvers[intentType] = entry
		n.ingest(transport.Envelope{Message: protocol.Subscription{
			Header:     protocol.Header{SourceAgentID: n.id, Phase: protocol.Routing},
			IntentType: intentType,
		}})
	})
	if !ok {
		return nil, agent.ErrDestroyed
	}
	if subErr != nil {
		return nil, subErr
	}

	n.logger.Debug("subscribed", "intent_type", intentType)

	var once sync.Once
	return func() {
		once.Do(func() {
			n.submit(func() { n.unsubscribe(intentType, entry) })
		})
	}, nil
}

// SubscribeToIntentAndForward resolves intentType by raising it on other.
func (n *Node) SubscribeToIntentAndForward(intentType string, other agent.Agent) (agent.Unsubscribe, error) {
	return n.SubscribeToIntent(intentType, agent.Forward(intentType, other))
}

// Destroy detaches the node from every port, fails its pending calls with
// agent.ErrDestroyed and stops the loop. Safe to call more than once.
func (n *Node) Destroy() {
	n.destroyOnce.Do(func() {
		if n.submit(n.teardown) {
			<-n.done
		}
		n.logger.Debug("node destroyed")
	})
}

// Snapshot is a point-in-time view of a node's routing state.
type Snapshot struct {
	ID          string
	Name        string
	UpstreamID  string
	Downstreams []string
	Registry    map[string][]string
	Targets     map[string]string
	Resolvers   []string
	Deferred    int
	Pending     int
}

// Snapshot copies the node's routing state. After Destroy only the identity
// fields are set.
func (n *Node) Snapshot() Snapshot {
	snap := Snapshot{ID: n.id, Name: n.name}
	n.call(func() {
		snap.UpstreamID = n.upstreamID
		snap.Downstreams = sortedKeys(n.downstreams)
		snap.Registry = make(map[string][]string, len(n.registry))
		for id, e := range n.registry {
			snap.Registry[id] = append([]string(nil), e.path...)
		}
		snap.Targets = make(map[string]string, len(n.targets))
		for t, id := range n.targets {
			snap.Targets[t] = id
		}
		snap.Resolvers = sortedKeys(n.resolvers)
		snap.Deferred = len(n.deferred)
	})
	snap.Pending = n.pending.Len()
	return snap
}

func (n *Node) run() {
	for fn := range n.work {
		fn()
		if n.destroyed {
			close(n.done)
			return
		}
	}
}

// submit hands fn to the loop. It reports false once the node is destroyed.
func (n *Node) submit(fn func()) bool {
	select {
	case n.work <- fn:
		return true
	case <-n.done:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (n *Node) call(fn func()) bool {
	finished := make(chan struct{})
	if !n.submit(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// receive is the listener attached to every port the node reads from.
func (n *Node) receive(env transport.Envelope) {
	n.submit(func() { n.ingest(env) })
}

// ingest is the single entry point for every message, local or remote.
func (n *Node) ingest(env transport.Envelope) {
	msg := env.Message
	if msg == nil {
		return
	}
	if msg.Head().Phase == protocol.Propagating {
		if n.upstream != nil {
			n.postUpstream(msg)
			return
		}
		msg = protocol.WithPhase(msg, protocol.Routing)
		env.Message = msg
	}
	msg.Accept(&router{n: n, env: env})
}

func (n *Node) postUpstream(msg protocol.Message) {
	if err := n.upstream.Post(transport.Envelope{Message: msg}); err != nil {
		n.logger.Warn("upstream post failed",
			"kind", msg.Kind(),
			"peer_id", n.upstreamID,
			"error", err,
		)
	}
}

func (n *Node) teardown() {
	if n.stopSelf != nil {
		n.stopSelf()
	}
	if n.upstream != nil {
		n.stopUpstream()
		closePort(n.upstream)
		n.upstream = nil
		n.upstreamID = ""
	}
	for id, d := range n.downstreams {
		d.stop()
		closePort(d.port)
		delete(n.downstreams, id)
	}
	n.registry = make(map[string]registryEntry)
	n.targets = make(map[string]string)
	n.resolvers = make(map[string]*resolverEntry)
	n.deferred = nil

	n.pending.FailAll(agent.ErrDestroyed)
	n.cancel()
	n.destroyed = true
}

func closePort(p transport.Port) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
