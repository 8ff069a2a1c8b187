// ABOUTME: In-memory message channel pair, the Go counterpart of a browser MessageChannel.
// ABOUTME: Posting on one end delivers on the other; each end buffers until it is listened to.

package memory

import (
	"sync"

	"github.com/2389/coven-mesh/internal/transport"
)

// PipeEnd is one end of a pipe created by NewPipe.
type PipeEnd struct {
	in   *transport.Queue
	peer *PipeEnd

	closeOnce *sync.Once
}

// NewPipe returns the two connected ends of a new channel.
func NewPipe() (a, b *PipeEnd) {
	once := &sync.Once{}
	a = &PipeEnd{in: transport.NewQueue(false), closeOnce: once}
	b = &PipeEnd{in: transport.NewQueue(false), closeOnce: once}
	a.peer, b.peer = b, a
	return a, b
}

// Post delivers env on the other end.
func (p *PipeEnd) Post(env transport.Envelope) error {
	return p.peer.in.Push(env)
}

// Listen receives envelopes posted on the other end. The first call starts
// delivery of anything already buffered.
func (p *PipeEnd) Listen(h transport.Handler) (stop func()) {
	return p.in.Listen(h)
}

// Close shuts both ends of the pipe.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		p.in.Close()
		p.peer.in.Close()
	})
	return nil
}

// NewChannel adapts NewPipe to the factory signature mesh nodes take.
func NewChannel() (local, remote transport.Port) {
	a, b := NewPipe()
	return a, b
}
