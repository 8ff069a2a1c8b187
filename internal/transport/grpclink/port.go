// ABOUTME: transport.Port over one gRPC Connect stream, shared by both ends of a link.
// ABOUTME: Messages travel as CBOR frames; sends are queued so Post never waits on the peer.

package grpclink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport"
)

// frameStream is the subset shared by grpc.ServerStream and grpc.ClientStream.
type frameStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Port is one end of a link. It closes when the stream ends for any reason.
type Port struct {
	stream   frameStream
	inbound  *transport.Queue
	outbound *transport.Queue
	hangup   func()
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newPort(stream frameStream, hangup func(), logger *slog.Logger) *Port {
	p := &Port{
		stream:   stream,
		inbound:  transport.NewQueue(false),
		outbound: transport.NewQueue(true),
		hangup:   hangup,
		logger:   logger,
		done:     make(chan struct{}),
	}
	p.outbound.Listen(p.send)
	go p.recvLoop()
	return p
}

// Post queues env for the remote end. Ports cannot cross a process
// boundary, so envelopes carrying them are rejected.
func (p *Port) Post(env transport.Envelope) error {
	if len(env.Ports) > 0 {
		return transport.ErrTransferUnsupported
	}
	select {
	case <-p.done:
		return transport.ErrClosed
	default:
	}
	return p.outbound.Push(env)
}

// Listen receives envelopes from the remote end. Their Source is this port.
func (p *Port) Listen(h transport.Handler) (stop func()) {
	return p.inbound.Listen(h)
}

// Done is closed once the link has ended.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Err reports why the link ended. It is nil while the link is up and after
// a clean shutdown.
func (p *Port) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Context is the underlying stream's context. On the server side it
// carries whatever interceptors attached, such as the authenticated
// principal.
func (p *Port) Context() context.Context {
	return p.stream.Context()
}

// Close ends the link.
func (p *Port) Close() error {
	p.finish(nil)
	return nil
}

func (p *Port) finish(err error) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()

		close(p.done)
		p.outbound.Close()
		p.inbound.Close()
		if p.hangup != nil {
			p.hangup()
		}
	})
}

func (p *Port) send(env transport.Envelope) {
	data, err := protocol.Marshal(env.Message)
	if err != nil {
		p.logger.Warn("dropping unencodable message", "kind", env.Message.Kind(), "error", err)
		return
	}
	if err := p.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		p.logger.Debug("link send failed", "error", err)
		p.finish(err)
	}
}

func (p *Port) recvLoop() {
	for {
		frame := &wrapperspb.BytesValue{}
		if err := p.stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			p.finish(err)
			return
		}

		msg, err := protocol.Unmarshal(frame.GetValue())
		if err != nil {
			p.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if err := p.inbound.Push(transport.Envelope{Message: msg, Source: p}); err != nil {
			return
		}
	}
}
