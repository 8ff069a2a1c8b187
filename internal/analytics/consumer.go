// ABOUTME: Resolving side of analytics: decodes tracked events and fans them out to sinks.
// ABOUTME: Duplicate event ids are dropped; a failed delivery releases the id for retry.

package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/dedupe"
	"github.com/2389/coven-mesh/internal/protocol"
)

// ErrNoSinks indicates a consumer was built without any sink.
var ErrNoSinks = errors.New("analytics consumer needs at least one sink")

// Sink receives every accepted event.
type Sink interface {
	Name() string
	Consume(ctx context.Context, identity string, e TrackedEvent) error
}

// Resolver returns the TrackIntent resolver fanning events out to sinks.
// seen may be nil to disable de-duplication.
func Resolver(identity string, seen *dedupe.Cache, sinks ...Sink) agent.Resolver {
	return func(ctx context.Context, payload any) (any, error) {
		var e TrackedEvent
		if err := protocol.DecodePayload(payload, &e); err != nil {
			return nil, fmt.Errorf("decoding tracked event: %w", err)
		}
		if e.EventID == "" || e.Name == "" {
			return nil, fmt.Errorf("tracked event missing id or name")
		}

		if seen != nil && seen.CheckAndMark(e.EventID) {
			return nil, nil
		}

		var errs []error
		for _, s := range sinks {
			if err := s.Consume(ctx, identity, e); err != nil {
				errs = append(errs, fmt.Errorf("%s sink: %w", s.Name(), err))
			}
		}
		if len(errs) > 0 {
			if seen != nil {
				seen.Forget(e.EventID)
			}
			return nil, errors.Join(errs...)
		}
		return nil, nil
	}
}

// NewConsumer builds a Consumer for Tracker.RegisterConsumer.
func NewConsumer(seen *dedupe.Cache, sinks ...Sink) Consumer {
	return func(a agent.Agent, identity string) (agent.Unsubscribe, error) {
		return Subscribe(a, identity, seen, sinks...)
	}
}

// Subscribe registers a TrackIntent resolver on agent a that hands events
// to sinks.
func Subscribe(a agent.Agent, identity string, seen *dedupe.Cache, sinks ...Sink) (agent.Unsubscribe, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}
	return a.SubscribeToIntent(TrackIntent, Resolver(identity, seen, sinks...))
}
