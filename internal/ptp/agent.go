// ABOUTME: Point-to-point agent speaking intents, responses and errors over one port.
// ABOUTME: No routing state: whatever is raised goes to the peer, whatever arrives is answered or settled.

package ptp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport"
	"github.com/2389/coven-mesh/internal/transport/memory"
)

// DefaultName is used when Options.Name is empty.
const DefaultName = "PTPAgent"

var _ agent.Agent = (*Agent)(nil)

// Options configures an Agent.
type Options struct {
	Name   string
	Logger *slog.Logger

	// NewID mints agent and correlation ids. Defaults to uuid.NewString.
	NewID func() string
}

// Agent is an agent.Agent bound to a single port.
type Agent struct {
	id     string
	name   string
	port   transport.Port
	owned  bool
	logger *slog.Logger
	newID  func() string

	pending *agent.Pending

	mu        sync.RWMutex
	resolvers map[string]*resolverEntry
	destroyed bool

	stop    func()
	ctx     context.Context
	cancel  context.CancelFunc
	destroy sync.Once
}

type resolverEntry struct {
	resolve agent.Resolver
}

// New creates an agent talking over port.
func New(port transport.Port, opts Options) *Agent {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := opts.NewID()
	a := &Agent{
		id:        id,
		name:      opts.Name,
		port:      port,
		logger:    opts.Logger.With("component", "ptp", "agent_id", id, "agent_name", opts.Name),
		newID:     opts.NewID,
		pending:   agent.NewPending(),
		resolvers: make(map[string]*resolverEntry),
		cancel:    cancel,
	}
	a.ctx = agent.WithAgent(ctx, a)
	a.stop = port.Listen(a.receive)
	return a
}

// NewLoopback creates an agent whose intents come back to itself. It owns
// the loopback port and closes it on Destroy.
func NewLoopback(opts Options) *Agent {
	a := New(memory.NewLoopback(), opts)
	a.owned = true
	return a
}

func (a *Agent) Name() string {
	return a.name
}

// ID returns the id stamped on outgoing messages.
func (a *Agent) ID() string {
	return a.id
}

// Raise posts intent to the peer and returns its pending call.
func (a *Agent) Raise(intent protocol.Intent) (*agent.Call, error) {
	if a.isDestroyed() {
		return nil, agent.ErrDestroyed
	}

	id := a.newID()
	call := agent.NewCall(id, intent, func() { a.pending.Drop(id) })
	if err := a.pending.Add(call); err != nil {
		return nil, err
	}

	err := a.port.Post(transport.Envelope{Message: protocol.IntentMessage{
		Header:        a.header(),
		CorrelationID: id,
		Intent:        intent,
	}})
	if err != nil {
		a.pending.Drop(id)
		return nil, fmt.Errorf("posting intent %s: %w", intent.Type, err)
	}
	return call, nil
}

// RaiseIntent raises intent and waits for the outcome or for ctx to end.
func (a *Agent) RaiseIntent(ctx context.Context, intent protocol.Intent) (any, error) {
	call, err := a.Raise(intent)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// SubscribeToIntent answers inbound intents of intentType with resolve.
func (a *Agent) SubscribeToIntent(intentType string, resolve agent.Resolver) (agent.Unsubscribe, error) {
	if resolve == nil {
		return nil, agent.ErrMissingResolver
	}

	entry := &resolverEntry{resolve: resolve}
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil, agent.ErrDestroyed
	}
	if _, exists := a.resolvers[intentType]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", agent.ErrDuplicateResolver, intentType)
	}
	a.resolvers[intentType] = entry
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.resolvers[intentType] == entry {
				delete(a.resolvers, intentType)
			}
		})
	}, nil
}

// SubscribeToIntentAndForward resolves intentType by raising it on other.
func (a *Agent) SubscribeToIntentAndForward(intentType string, other agent.Agent) (agent.Unsubscribe, error) {
	return a.SubscribeToIntent(intentType, agent.Forward(intentType, other))
}

// Destroy stops listening, fails pending calls and closes an owned port.
func (a *Agent) Destroy() {
	a.destroy.Do(func() {
		a.mu.Lock()
		a.destroyed = true
		a.resolvers = make(map[string]*resolverEntry)
		a.mu.Unlock()

		a.stop()
		a.cancel()
		a.pending.FailAll(agent.ErrDestroyed)
		if a.owned {
			if c, ok := a.port.(io.Closer); ok {
				_ = c.Close()
			}
		}
		a.logger.Debug("agent destroyed")
	})
}

func (a *Agent) isDestroyed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.destroyed
}

func (a *Agent) header() protocol.Header {
	return protocol.Header{SourceAgentID: a.id, Phase: protocol.Routing}
}

func (a *Agent) receive(env transport.Envelope) {
	switch m := env.Message.(type) {
	case protocol.IntentMessage:
		a.handleIntent(m)
	case protocol.Response:
		a.settle(m.CorrelationID, func(c *agent.Call) { c.Fulfill(m.Response) })
	case protocol.Error:
		err := m.Err
		if err == nil {
			err = errors.New("unknown error")
		}
		a.settle(m.CorrelationID, func(c *agent.Call) { c.Reject(err) })
	default:
		a.logger.Debug("ignoring non point-to-point message", "kind", env.Message.Kind())
	}
}

func (a *Agent) handleIntent(m protocol.IntentMessage) {
	a.mu.RLock()
	entry, ok := a.resolvers[m.Intent.Type]
	a.mu.RUnlock()
	if !ok {
		// The peer's own resolver may answer it.
		return
	}

	go func() {
		result, err := callResolver(a.ctx, entry.resolve, m.Intent.Payload)

		var reply protocol.Message
		if err != nil {
			reply = protocol.Error{Header: a.header(), CorrelationID: m.CorrelationID, Intent: m.Intent, Err: err}
		} else {
			reply = protocol.Response{Header: a.header(), CorrelationID: m.CorrelationID, Intent: m.Intent, Response: result}
		}
		if err := a.port.Post(transport.Envelope{Message: reply}); err != nil {
			a.logger.Warn("posting reply failed",
				"intent_type", m.Intent.Type,
				"correlation_id", m.CorrelationID,
				"error", err,
			)
		}
	}()
}

func (a *Agent) settle(correlationID string, apply func(*agent.Call)) {
	c, ok := a.pending.Take(correlationID)
	if !ok {
		a.logger.Warn("reply for unknown correlation id", "correlation_id", correlationID)
		return
	}
	apply(c)
}

func callResolver(ctx context.Context, resolve agent.Resolver, payload any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resolver panicked: %v", p)
		}
	}()
	return resolve(ctx, payload)
}
