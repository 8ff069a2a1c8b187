// ABOUTME: Tracked event model and the storage interface analytics sinks depend on.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidEvent is returned when an event lacks its id or name.
var ErrInvalidEvent = errors.New("tracked event requires id and name")

// TrackedEvent is one analytics event as persisted.
type TrackedEvent struct {
	EventID    string
	Name       string
	Identity   string
	Time       time.Time
	Props      map[string]any
	ReceivedAt time.Time
}

// ListParams filters ListTrackedEvents.
type ListParams struct {
	Name  string // optional: only events with this name
	Limit int    // 1-500, defaults to 50
}

// EventStore is implemented by SQLiteStore.
type EventStore interface {
	SaveTrackedEvent(ctx context.Context, e *TrackedEvent) error
	ListTrackedEvents(ctx context.Context, p ListParams) ([]TrackedEvent, error)
	CountTrackedEvents(ctx context.Context) (int, error)
	Close() error
}

var _ EventStore = (*SQLiteStore)(nil)
