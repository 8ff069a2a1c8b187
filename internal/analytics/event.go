// ABOUTME: Tracked event payload and the intent type it travels under.

package analytics

import "time"

// TrackIntent is the intent type analytics events are raised under.
const TrackIntent = "analytics:track"

// TrackedEvent is the payload of a TrackIntent.
type TrackedEvent struct {
	EventID string            `cbor:"eventId" json:"eventId"`
	Name    string            `cbor:"name" json:"name"`
	Time    time.Time         `cbor:"time" json:"time"`
	Props   map[string]string `cbor:"props,omitempty" json:"props,omitempty"`
}
