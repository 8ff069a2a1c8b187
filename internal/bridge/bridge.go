// ABOUTME: Wires a host agent so that bridged intent types are resolved by a remote agent.
// ABOUTME: Used where one context owns the API session and others only raise intents.

package bridge

import (
	"fmt"

	"github.com/2389/coven-mesh/internal/agent"
)

// Intent types resolved on the far side of a bridge.
const (
	FetchIntent          = "api-client:fetch"
	UploadEnqueueIntent  = "upload:enqueue"
	UploadProgressIntent = "upload:progress"
	TrackIntent          = "analytics:track"
)

// ForwardedIntents are the types Forward bridges when none are given.
var ForwardedIntents = []string{
	FetchIntent,
	UploadEnqueueIntent,
	UploadProgressIntent,
	TrackIntent,
}

// Forward subscribes host to each type and resolves it by raising on
// remote. If any subscription fails, the ones already made are undone.
func Forward(host, remote agent.Agent, types ...string) (agent.Unsubscribe, error) {
	if len(types) == 0 {
		types = ForwardedIntents
	}

	undo := make([]agent.Unsubscribe, 0, len(types))
	unsubscribeAll := func() {
		for _, u := range undo {
			u()
		}
	}

	for _, t := range types {
		u, err := host.SubscribeToIntentAndForward(t, remote)
		if err != nil {
			unsubscribeAll()
			return nil, fmt.Errorf("forwarding %s to %s: %w", t, remote.Name(), err)
		}
		undo = append(undo, u)
	}
	return unsubscribeAll, nil
}
