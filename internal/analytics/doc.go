// Package analytics tracks product events by raising them as intents and
// fans them out to storage and delivery sinks on the resolving side.
//
// The raising side only needs an agent.Agent:
//
//	tracker := analytics.NewTracker(a, logger)
//	tracker.SetIdentity("user-42")
//	tracker.Track(ctx, "upload_started", map[string]string{"kind": "video"})
//
// The resolving side subscribes a consumer built from sinks:
//
//	unsubscribe, err := analytics.Subscribe(a, identity, seen, storeSink, kafkaSink)
//
// Events carry an id minted at the source. A dedupe cache drops events that
// reach the resolver more than once.
package analytics
