// ABOUTME: Carries the agent of the surrounding composition through a context.

package agent

import "context"

type contextKey struct{}

// WithAgent returns a copy of ctx carrying a.
func WithAgent(ctx context.Context, a Agent) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext returns the agent stored by WithAgent, if any.
func FromContext(ctx context.Context) (Agent, bool) {
	a, ok := ctx.Value(contextKey{}).(Agent)
	return a, ok && a != nil
}
