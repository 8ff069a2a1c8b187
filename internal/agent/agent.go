// ABOUTME: Agent interface, resolver types and sentinel errors shared by every agent flavor.
// ABOUTME: Forward builds the resolver that re-raises an intent on another agent.

package agent

import (
	"context"
	"errors"

	"github.com/2389/coven-mesh/internal/protocol"
)

// ErrDuplicateResolver indicates the agent already resolves the intent type.
var ErrDuplicateResolver = errors.New("resolver already registered for intent type")

// ErrDestroyed indicates the agent was destroyed before the call settled.
var ErrDestroyed = errors.New("agent destroyed")

// ErrMissingResolver indicates a subscription was attempted without a resolver.
var ErrMissingResolver = errors.New("resolver is required")

// ErrDuplicateCorrelationID indicates the correlation id is already pending.
var ErrDuplicateCorrelationID = errors.New("duplicate correlation ID")

// Resolver answers one intent. The returned value becomes the response
// payload; a returned error is delivered to the caller with its message intact.
type Resolver func(ctx context.Context, payload any) (any, error)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Agent raises intents and resolves the ones it subscribes to.
type Agent interface {
	Name() string

	// Raise sends intent toward its resolver and returns the pending call.
	Raise(intent protocol.Intent) (*Call, error)

	// RaiseIntent raises intent and waits for the outcome or for ctx to end.
	RaiseIntent(ctx context.Context, intent protocol.Intent) (any, error)

	SubscribeToIntent(intentType string, resolve Resolver) (Unsubscribe, error)

	// SubscribeToIntentAndForward resolves intentType by raising it on other.
	SubscribeToIntentAndForward(intentType string, other Agent) (Unsubscribe, error)

	// Destroy releases the agent's ports and fails its pending calls.
	Destroy()
}

// Forward returns a resolver that re-raises intentType with the same payload
// on other and hands back whatever other's resolver produced.
func Forward(intentType string, other Agent) Resolver {
	return func(ctx context.Context, payload any) (any, error) {
		return other.RaiseIntent(ctx, protocol.Intent{Type: intentType, Payload: payload})
	}
}
