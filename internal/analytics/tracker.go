// ABOUTME: Raising side of analytics: stamps events and raises them without waiting.
// ABOUTME: Also owns the single active consumer registered on its agent.

package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/protocol"
)

// DefaultTrackTimeout bounds how long Track waits for an event to be
// consumed before giving up on it.
const DefaultTrackTimeout = 30 * time.Second

// Consumer subscribes something that handles TrackIntent on a.
type Consumer func(a agent.Agent, identity string) (agent.Unsubscribe, error)

// Tracker raises TrackIntent on its agent.
type Tracker struct {
	mu          sync.Mutex
	agent       agent.Agent
	identity    string
	unsubscribe agent.Unsubscribe

	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
	timeout time.Duration

	// done ends every wait still in flight.
	done context.Context
	stop context.CancelFunc
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTrackTimeout replaces DefaultTrackTimeout.
func WithTrackTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.timeout = d }
}

// NewTracker creates a tracker raising on a. Pass nil logger for default.
func NewTracker(a agent.Agent, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		agent:   a,
		logger:  logger.With("component", "analytics"),
		newID:   uuid.NewString,
		now:     time.Now,
		timeout: DefaultTrackTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.done, t.stop = context.WithCancel(context.Background())
	return t
}

// SetIdentity sets the identity handed to consumers registered afterwards.
func (t *Tracker) SetIdentity(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identity = identity
}

// Identity returns the current identity.
func (t *Tracker) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// RegisterConsumer replaces the active consumer with c.
func (t *Tracker) RegisterConsumer(c Consumer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	unsubscribe, err := c(t.agent, t.identity)
	if err != nil {
		return err
	}
	t.unsubscribe = unsubscribe
	return nil
}

// Track raises the event and returns its id without waiting for delivery.
// Failures are logged. The raise is abandoned when ctx ends, when the
// track timeout passes, or when the tracker is closed, so an event nobody
// consumes does not hold a goroutine forever.
func (t *Tracker) Track(ctx context.Context, name string, props map[string]string) string {
	if props == nil {
		props = map[string]string{}
	}
	event := TrackedEvent{
		EventID: t.newID(),
		Name:    name,
		Time:    t.now(),
		Props:   props,
	}

	call, err := t.agent.Raise(protocol.Intent{Type: TrackIntent, Payload: event})
	if err != nil {
		t.logger.Error("track failed", "event", name, "event_id", event.EventID, "error", err)
		return event.EventID
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	stopOnClose := context.AfterFunc(t.done, cancel)
	go func() {
		defer cancel()
		defer stopOnClose()
		if _, err := call.Wait(waitCtx); err != nil {
			t.logger.Error("track failed", "event", name, "event_id", event.EventID, "error", err)
		}
	}()
	return event.EventID
}

// Close removes the active consumer and abandons events still in flight.
func (t *Tracker) Close() {
	t.stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
}
