// ABOUTME: Port whose posts come back to its own listeners, like a same-window event bus.

package memory

import "github.com/2389/coven-mesh/internal/transport"

// Loopback delivers everything posted on it to its own listeners.
type Loopback struct {
	queue *transport.Queue
}

// NewLoopback creates a started loopback port.
func NewLoopback() *Loopback {
	return &Loopback{queue: transport.NewQueue(true)}
}

func (l *Loopback) Post(env transport.Envelope) error {
	return l.queue.Push(env)
}

func (l *Loopback) Listen(h transport.Handler) (stop func()) {
	return l.queue.Listen(h)
}

func (l *Loopback) Close() error {
	l.queue.Close()
	return nil
}
