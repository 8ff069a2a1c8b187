// ABOUTME: Abstract channel contract consumed by mesh nodes and point-to-point agents.
// ABOUTME: A Port posts envelopes to its remote end and emits inbound envelopes to listeners.

package transport

import (
	"errors"

	"github.com/2389/coven-mesh/internal/protocol"
)

// ErrClosed indicates the port no longer accepts or delivers envelopes.
var ErrClosed = errors.New("port closed")

// ErrTransferUnsupported indicates the transport cannot hand over ports.
var ErrTransferUnsupported = errors.New("port transfer not supported by transport")

// Envelope is one delivery on a port.
type Envelope struct {
	Message protocol.Message

	// Source is where a reply over the original transport can be posted.
	// Nil when the transport has no notion of a sender.
	Source Port

	// Ports are channel endpoints handed over with the message.
	Ports []Port
}

// Handler receives inbound envelopes. Handlers for one port are called
// sequentially, in delivery order.
type Handler func(Envelope)

// Port is one end of an ordered, bidirectional message channel.
type Port interface {
	// Post delivers env to the remote end. It must not wait for the
	// receiver to process the envelope.
	Post(env Envelope) error

	// Listen registers h for inbound envelopes and returns a function that
	// detaches it.
	Listen(h Handler) (stop func())
}
