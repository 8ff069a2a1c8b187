// ABOUTME: Tests for mesh topology discovery, subscription propagation and intent routing
// ABOUTME: Builds small trees over in-memory windows and exercises them end to end

package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport"
	"github.com/2389/coven-mesh/internal/transport/memory"
)

const waitFor = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testTree struct {
	t       *testing.T
	windows map[string]*memory.Window
	nodes   map[string]*Node
}

func newTestTree(t *testing.T) *testTree {
	tree := &testTree{t: t, windows: map[string]*memory.Window{}, nodes: map[string]*Node{}}
	t.Cleanup(func() {
		for _, n := range tree.nodes {
			n.Destroy()
		}
		for _, w := range tree.windows {
			_ = w.Close()
		}
	})
	return tree
}

func (tr *testTree) window(name string) *memory.Window {
	if w, ok := tr.windows[name]; ok {
		return w
	}
	w := memory.NewWindow(name, quietLogger())
	tr.windows[name] = w
	return w
}

// add creates node name living in window name, announcing to parent's
// window when parent is non-empty.
func (tr *testTree) add(name, parent string) *Node {
	tr.t.Helper()
	opts := Options{Name: name, Self: tr.window(name), Logger: quietLogger()}
	if parent != "" {
		opts.Parent = tr.window(parent)
	}
	n, err := New(opts)
	require.NoError(tr.t, err)
	tr.nodes[name] = n
	return n
}

func waitLinked(t *testing.T, child, parent *Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		return child.Snapshot().UpstreamID == parent.ID()
	}, waitFor, 5*time.Millisecond, "%s never linked to %s", child.Name(), parent.Name())
}

func waitRegistered(t *testing.T, at *Node, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		reg := at.Snapshot().Registry
		for _, id := range ids {
			if _, ok := reg[id]; !ok {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func raise(t *testing.T, from *Node, intentType string, payload any) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(testCtx(t), waitFor)
	defer cancel()
	return from.RaiseIntent(ctx, protocol.Intent{Type: intentType, Payload: payload})
}

func pong(_ context.Context, payload any) (any, error) {
	return fmt.Sprintf("pong:%v", payload), nil
}

func TestNew_RequiresSelf(t *testing.T) {
	_, err := New(Options{Name: "orphan"})
	assert.ErrorIs(t, err, ErrMissingSelf)
}

func TestNode_IDIsStable(t *testing.T) {
	var counter atomic.Int64
	tr := newTestTree(t)
	n, err := New(Options{
		Name:   "fixed",
		Self:   tr.window("fixed"),
		Logger: quietLogger(),
		NewID:  func() string { return fmt.Sprintf("id-%d", counter.Add(1)) },
	})
	require.NoError(t, err)
	tr.nodes["fixed"] = n

	assert.Equal(t, "id-1", n.ID())
	_, _ = n.Raise(protocol.Intent{Type: "nobody"})
	assert.Equal(t, "id-1", n.ID())
}

func TestNode_ResolvesOwnIntent(t *testing.T) {
	tr := newTestTree(t)
	root := tr.add("solo", "")

	_, err := root.SubscribeToIntent("ping", pong)
	require.NoError(t, err)

	result, err := raise(t, root, "ping", 1)
	require.NoError(t, err)
	assert.Equal(t, "pong:1", result)
}

func TestScenario_ParentFirst(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")
	c1 := tr.add("C1", "P")
	c2 := tr.add("C2", "P")

	waitLinked(t, c1, p)
	waitLinked(t, c2, p)

	_, err := c1.SubscribeToIntent("ping", pong)
	require.NoError(t, err)

	result, err := raise(t, c2, "ping", "hi")
	require.NoError(t, err)
	assert.Equal(t, "pong:hi", result)
}

func TestScenario_ChildrenFirst(t *testing.T) {
	tr := newTestTree(t)
	c1 := tr.add("C1", "P")
	c2 := tr.add("C2", "P")

	_, err := c1.SubscribeToIntent("ping", pong)
	require.NoError(t, err)

	p := tr.add("P", "")
	waitLinked(t, c1, p)
	waitLinked(t, c2, p)

	result, err := raise(t, c2, "ping", "late parent")
	require.NoError(t, err)
	assert.Equal(t, "pong:late parent", result)
}

func TestRouting_DeferredUntilSubscribed(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")
	c1 := tr.add("C1", "P")
	c2 := tr.add("C2", "P")
	waitLinked(t, c1, p)
	waitLinked(t, c2, p)

	call, err := c2.Raise(protocol.Intent{Type: "ping", Payload: "early"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Snapshot().Deferred == 1 }, waitFor, 5*time.Millisecond)
	select {
	case <-call.Done():
		t.Fatal("call settled before any resolver existed")
	default:
	}

	_, err = c1.SubscribeToIntent("ping", pong)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(testCtx(t), waitFor)
	defer cancel()
	result, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong:early", result)
	assert.Equal(t, 0, p.Snapshot().Deferred)
}

func TestRouting_DeferredKeepsOtherTypesQueued(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")

	_, err := p.Raise(protocol.Intent{Type: "a"})
	require.NoError(t, err)
	_, err = p.Raise(protocol.Intent{Type: "b"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Snapshot().Deferred == 2 }, waitFor, 5*time.Millisecond)

	_, err = p.SubscribeToIntent("a", pong)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Snapshot().Deferred == 1 }, waitFor, 5*time.Millisecond)
}

func TestSubscribe_DuplicateResolverRejected(t *testing.T) {
	tr := newTestTree(t)
	n := tr.add("solo", "")

	_, err := n.SubscribeToIntent("ping", pong)
	require.NoError(t, err)

	_, err = n.SubscribeToIntent("ping", func(context.Context, any) (any, error) { return "second", nil })
	assert.ErrorIs(t, err, agent.ErrDuplicateResolver)

	result, err := raise(t, n, "ping", 7)
	require.NoError(t, err)
	assert.Equal(t, "pong:7", result)
}

func TestSubscribe_NilResolver(t *testing.T) {
	tr := newTestTree(t)
	n := tr.add("solo", "")

	_, err := n.SubscribeToIntent("ping", nil)
	assert.ErrorIs(t, err, agent.ErrMissingResolver)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")
	c1 := tr.add("C1", "P")
	waitLinked(t, c1, p)

	unsub, err := c1.SubscribeToIntent("ping", pong)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.Snapshot().Targets["ping"] == c1.ID()
	}, waitFor, 5*time.Millisecond)

	unsub()
	unsub()

	require.Eventually(t, func() bool {
		_, ok := p.Snapshot().Targets["ping"]
		return !ok && len(c1.Snapshot().Resolvers) == 0
	}, waitFor, 5*time.Millisecond)

	// A fresh subscription is allowed and a stale unsubscribe does not remove it.
	_, err = c1.SubscribeToIntent("ping", func(context.Context, any) (any, error) { return "again", nil })
	require.NoError(t, err)
	unsub()

	result, err := raise(t, p, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "again", result)
}

func TestUnsubscribe_KeepsNewerOwner(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")
	c1 := tr.add("C1", "P")
	c2 := tr.add("C2", "P")
	waitLinked(t, c1, p)
	waitLinked(t, c2, p)

	unsub1, err := c1.SubscribeToIntent("ping", pong)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Snapshot().Targets["ping"] == c1.ID() }, waitFor, 5*time.Millisecond)

	_, err = c2.SubscribeToIntent("ping", func(context.Context, any) (any, error) { return "from c2", nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Snapshot().Targets["ping"] == c2.ID() }, waitFor, 5*time.Millisecond)

	unsub1()

	result, err := raise(t, p, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "from c2", result)
}

func TestRouting_IntentReachingUnsubscribedChildClimbsBack(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")
	c1 := tr.add("C1", "P")
	c2 := tr.add("C2", "P")
	c3 := tr.add("C3", "P")
	for _, c := range []*Node{c1, c2, c3} {
		waitLinked(t, c, p)
	}
	waitRegistered(t, p, c1.ID(), c2.ID(), c3.ID())

	unsub, err := c1.SubscribeToIntent("ping", pong)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Snapshot().Targets["ping"] == c1.ID() }, waitFor, 5*time.Millisecond)
	unsub()
	require.Eventually(t, func() bool {
		_, ok := p.Snapshot().Targets["ping"]
		return !ok
	}, waitFor, 5*time.Millisecond)

	// An intent P routed to C1 just before the unsubscription arrived.
	call := agent.NewCall("late-1", protocol.Intent{Type: "ping", Payload: "x"}, nil)
	require.NoError(t, c2.pending.Add(call))
	var toC1 *downstream
	require.True(t, p.call(func() { toC1 = p.downstreams[c1.ID()] }))
	require.NotNil(t, toC1)
	require.NoError(t, toC1.port.Post(transport.Envelope{Message: protocol.IntentMessage{
		Header:        protocol.Header{SourceAgentID: c2.ID(), Phase: protocol.Routing},
		CorrelationID: "late-1",
		Intent:        call.Intent,
	}}))

	require.Eventually(t, func() bool { return p.Snapshot().Deferred == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, c1.Snapshot().Deferred)

	_, err = c3.SubscribeToIntent("ping", pong)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(testCtx(t), waitFor)
	defer cancel()
	result, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong:x", result)
	assert.Equal(t, 0, p.Snapshot().Deferred)
}

func TestTopology_LateParentReceivesDeferredIntents(t *testing.T) {
	tr := newTestTree(t)
	mid := tr.add("mid", "root")
	leaf := tr.add("leaf", "mid")
	waitLinked(t, leaf, mid)

	call, err := leaf.Raise(protocol.Intent{Type: "up", Payload: "x"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mid.Snapshot().Deferred == 1 }, waitFor, 5*time.Millisecond)

	root := tr.add("root", "")
	waitLinked(t, mid, root)
	require.Eventually(t, func() bool {
		return root.Snapshot().Deferred == 1 && mid.Snapshot().Deferred == 0
	}, waitFor, 5*time.Millisecond)

	side := tr.add("side", "root")
	waitLinked(t, side, root)
	_, err = side.SubscribeToIntent("up", pong)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(testCtx(t), waitFor)
	defer cancel()
	result, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong:x", result)
}

func TestRouting_MultipleHops(t *testing.T) {
	tr := newTestTree(t)
	root := tr.add("root", "")
	mid := tr.add("mid", "root")
	leaf := tr.add("leaf", "mid")
	side := tr.add("side", "root")

	waitLinked(t, mid, root)
	waitLinked(t, leaf, mid)
	waitLinked(t, side, root)
	waitRegistered(t, root, mid.ID(), leaf.ID(), side.ID())

	_, err := leaf.SubscribeToIntent("deep", pong)
	require.NoError(t, err)

	for _, from := range []*Node{root, mid, leaf, side} {
		result, err := raise(t, from, "deep", from.Name())
		require.NoError(t, err, "raised from %s", from.Name())
		assert.Equal(t, "pong:"+from.Name(), result)
	}

	assert.Equal(t, []string{mid.ID(), leaf.ID()}, root.Snapshot().Registry[leaf.ID()])
}

func TestRouting_ResponseFromDeepResolverToDeepRequester(t *testing.T) {
	tr := newTestTree(t)
	root := tr.add("root", "")
	a := tr.add("a", "root")
	a1 := tr.add("a1", "a")
	b := tr.add("b", "root")
	b1 := tr.add("b1", "b")
	for _, pair := range [][2]*Node{{a, root}, {a1, a}, {b, root}, {b1, b}} {
		waitLinked(t, pair[0], pair[1])
	}
	waitRegistered(t, root, a1.ID(), b1.ID())

	_, err := a1.SubscribeToIntent("across", pong)
	require.NoError(t, err)

	result, err := raise(t, b1, "across", "x")
	require.NoError(t, err)
	assert.Equal(t, "pong:x", result)
}

func TestTopology_LateParentLearnsSubtree(t *testing.T) {
	tr := newTestTree(t)
	mid := tr.add("mid", "root")
	leaf := tr.add("leaf", "mid")
	waitLinked(t, leaf, mid)

	_, err := leaf.SubscribeToIntent("deep", pong)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mid.Snapshot().Targets["deep"] == leaf.ID() }, waitFor, 5*time.Millisecond)

	root := tr.add("root", "")
	waitLinked(t, mid, root)

	result, err := raise(t, root, "deep", "down")
	require.NoError(t, err)
	assert.Equal(t, "pong:down", result)
}

func TestTopology_Invariant(t *testing.T) {
	tr := newTestTree(t)
	root := tr.add("root", "")
	a := tr.add("a", "root")
	b := tr.add("b", "root")
	a1 := tr.add("a1", "a")
	a2 := tr.add("a2", "a")

	waitRegistered(t, root, a.ID(), b.ID(), a1.ID(), a2.ID())

	rs := root.Snapshot()
	assert.Empty(t, rs.UpstreamID)
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, rs.Downstreams)
	for id, path := range rs.Registry {
		require.NotEmpty(t, path, "path for %s", id)
		assert.Contains(t, rs.Downstreams, path[0])
		assert.Equal(t, id, path[len(path)-1])
	}

	for _, child := range []*Node{a, b} {
		assert.Equal(t, root.ID(), child.Snapshot().UpstreamID)
	}
	for _, grand := range []*Node{a1, a2} {
		assert.Equal(t, a.ID(), grand.Snapshot().UpstreamID)
		assert.Empty(t, grand.Snapshot().Downstreams)
	}
	assert.ElementsMatch(t, []string{a1.ID(), a2.ID()}, a.Snapshot().Downstreams)
}

func TestTopology_ReannounceIsHarmless(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")
	c, err := New(Options{
		Name:             "C",
		Self:             tr.window("C"),
		Parent:           tr.window("P"),
		Logger:           quietLogger(),
		AnnounceInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	tr.nodes["C"] = c

	waitLinked(t, c, p)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, p.Snapshot().Downstreams, 1)
}

func TestForwarding_Transitive(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")
	c1 := tr.add("C1", "P")
	waitLinked(t, c1, p)

	// other is a separate tree that only c1 knows how to reach.
	other := tr.add("other", "")
	_, err := other.SubscribeToIntent("double", func(_ context.Context, payload any) (any, error) {
		return payload.(int) * 2, nil
	})
	require.NoError(t, err)

	_, err = c1.SubscribeToIntentAndForward("double", other)
	require.NoError(t, err)

	result, err := raise(t, p, "double", 21)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestRouting_ErrorMessagePreserved(t *testing.T) {
	tr := newTestTree(t)
	p := tr.add("P", "")
	c1 := tr.add("C1", "P")
	c2 := tr.add("C2", "P")
	waitLinked(t, c1, p)
	waitLinked(t, c2, p)

	boom := errors.New("boom")
	_, err := c1.SubscribeToIntent("explode", func(context.Context, any) (any, error) {
		return nil, boom
	})
	require.NoError(t, err)

	_, err = raise(t, c2, "explode", nil)
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
	assert.ErrorIs(t, err, boom)
}

func TestRouting_ResolverPanicBecomesError(t *testing.T) {
	tr := newTestTree(t)
	n := tr.add("solo", "")

	_, err := n.SubscribeToIntent("panic", func(context.Context, any) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	_, err = raise(t, n, "panic", nil)
	assert.ErrorIs(t, err, ErrResolverPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRouting_ResolverSeesAgentInContext(t *testing.T) {
	tr := newTestTree(t)
	n := tr.add("solo", "")

	_, err := n.SubscribeToIntent("who", func(ctx context.Context, _ any) (any, error) {
		a, ok := agent.FromContext(ctx)
		if !ok {
			return nil, errors.New("no agent")
		}
		return a.Name(), nil
	})
	require.NoError(t, err)

	result, err := raise(t, n, "who", nil)
	require.NoError(t, err)
	assert.Equal(t, "solo", result)
}

func TestRaiseIntent_ContextEndAbandons(t *testing.T) {
	tr := newTestTree(t)
	n := tr.add("solo", "")

	ctx, cancel := context.WithTimeout(testCtx(t), 20*time.Millisecond)
	defer cancel()

	_, err := n.RaiseIntent(ctx, protocol.Intent{Type: "nobody"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, n.Snapshot().Pending)
}

func TestDestroy_RejectsPendingCalls(t *testing.T) {
	tr := newTestTree(t)
	n := tr.add("solo", "")

	call, err := n.Raise(protocol.Intent{Type: "nobody"})
	require.NoError(t, err)

	n.Destroy()
	n.Destroy()

	select {
	case <-call.Done():
	case <-time.After(waitFor):
		t.Fatal("pending call not settled by Destroy")
	}
	_, err = call.Result()
	assert.ErrorIs(t, err, agent.ErrDestroyed)

	_, err = n.Raise(protocol.Intent{Type: "late"})
	assert.ErrorIs(t, err, agent.ErrDestroyed)
	_, err = n.SubscribeToIntent("late", pong)
	assert.ErrorIs(t, err, agent.ErrDestroyed)

	snap := n.Snapshot()
	assert.Equal(t, n.ID(), snap.ID)
	assert.Empty(t, snap.Resolvers)
}

func TestDefault_IsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
	assert.Equal(t, agent.Agent(Default()), FromContext(testCtx(t)))

	tr := newTestTree(t)
	n := tr.add("scoped", "")
	assert.Equal(t, agent.Agent(n), FromContext(agent.WithAgent(testCtx(t), n)))
}
