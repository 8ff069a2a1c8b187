// ABOUTME: Broadcast port standing in for an execution context's window.
// ABOUTME: Every listener sees every posted envelope; posts buffer until the first listener.

package memory

import (
	"log/slog"

	"github.com/2389/coven-mesh/internal/transport"
)

// Window is the well-known port of one execution context. Anything posted
// to it fans out to all of its listeners in post order.
type Window struct {
	name   string
	queue  *transport.Queue
	logger *slog.Logger
}

// NewWindow creates a window. Pass nil logger for default.
func NewWindow(name string, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{
		name:   name,
		queue:  transport.NewQueue(false),
		logger: logger.With("component", "window", "window", name),
	}
}

// Name returns the label given at construction.
func (w *Window) Name() string {
	return w.name
}

// Post broadcasts env to every listener of the window.
func (w *Window) Post(env transport.Envelope) error {
	if err := w.queue.Push(env); err != nil {
		w.logger.Debug("dropped post to closed window", "kind", env.Message.Kind())
		return err
	}
	return nil
}

// Listen subscribes h to the window.
func (w *Window) Listen(h transport.Handler) (stop func()) {
	return w.queue.Listen(h)
}

// Close shuts the window down and drops anything still buffered.
func (w *Window) Close() error {
	w.queue.Close()
	return nil
}
