// ABOUTME: Lazily constructed process-wide node for the outermost composition boundary.

package mesh

import (
	"context"
	"sync"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/transport/memory"
)

var (
	defaultOnce sync.Once
	defaultNode *Node
)

// Default returns the process-wide node, creating it on first use. Code
// below the composition root should take an agent.Agent instead.
func Default() *Node {
	defaultOnce.Do(func() {
		// New only fails without a self port.
		defaultNode, _ = New(Options{
			Name: "default",
			Self: memory.NewWindow("default", nil),
		})
	})
	return defaultNode
}

// FromContext returns the agent carried by ctx, or Default.
func FromContext(ctx context.Context) agent.Agent {
	if a, ok := agent.FromContext(ctx); ok {
		return a
	}
	return Default()
}
