// ABOUTME: Tests for the gRPC mesh link over an in-process bufconn listener
// ABOUTME: Covers round trips in both directions, transfer rejection and shutdown

package grpclink

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/transport"
	"github.com/2389/coven-mesh/internal/transport/memory"
)

type linkHarness struct {
	accepted chan *Port
	conn     *grpc.ClientConn
}

func setupLink(t *testing.T) *linkHarness {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	h := &linkHarness{accepted: make(chan *Port, 4)}
	Register(srv, func(p *Port) { h.accepted <- p }, nil)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	return h
}

func (h *linkHarness) dial(t *testing.T) (client, server *Port) {
	t.Helper()

	client, err := Dial(testCtx(t), h.conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// The server only sees the stream once the first frame is sent.
	require.NoError(t, client.Post(transport.Envelope{Message: protocol.Announce{
		Header: protocol.Header{SourceAgentID: "client", Phase: protocol.Routing},
	}}))

	select {
	case server = <-h.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to accept link")
	}
	return client, server
}

func TestLink_RoundTrip(t *testing.T) {
	h := setupLink(t)
	client, server := h.dial(t)

	server.Listen(func(env transport.Envelope) {
		intent, ok := env.Message.(protocol.IntentMessage)
		if !ok {
			return
		}
		_ = env.Source.Post(transport.Envelope{Message: protocol.Response{
			Header:        protocol.Header{SourceAgentID: intent.SourceAgentID, Phase: protocol.Propagating},
			CorrelationID: intent.CorrelationID,
			Intent:        intent.Intent,
			Response:      "pong",
		}})
	})

	replies := make(chan protocol.Response, 1)
	client.Listen(func(env transport.Envelope) {
		if resp, ok := env.Message.(protocol.Response); ok {
			replies <- resp
		}
	})

	require.NoError(t, client.Post(transport.Envelope{Message: protocol.IntentMessage{
		Header:        protocol.Header{SourceAgentID: "client", Phase: protocol.Propagating},
		CorrelationID: "corr-1",
		Intent:        protocol.Intent{Type: "ping"},
	}}))

	select {
	case resp := <-replies:
		assert.Equal(t, "corr-1", resp.CorrelationID)
		assert.Equal(t, "pong", resp.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestLink_ErrorMessageSurvivesWire(t *testing.T) {
	h := setupLink(t)
	client, server := h.dial(t)

	errs := make(chan protocol.Error, 1)
	client.Listen(func(env transport.Envelope) {
		if e, ok := env.Message.(protocol.Error); ok {
			errs <- e
		}
	})

	require.NoError(t, server.Post(transport.Envelope{Message: protocol.Error{
		Header:        protocol.Header{SourceAgentID: "client", Phase: protocol.Propagating},
		CorrelationID: "corr-2",
		Intent:        protocol.Intent{Type: "ping"},
		Err:           assert.AnError,
	}}))

	select {
	case e := <-errs:
		assert.Equal(t, assert.AnError.Error(), e.Err.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestLink_RejectsTransferredPorts(t *testing.T) {
	h := setupLink(t)
	client, _ := h.dial(t)

	_, remote := memory.NewChannel()
	err := client.Post(transport.Envelope{
		Message: protocol.Link{Header: protocol.Header{SourceAgentID: "client", Phase: protocol.Routing}},
		Ports:   []transport.Port{remote},
	})
	assert.ErrorIs(t, err, transport.ErrTransferUnsupported)
}

func TestLink_ClientCloseEndsServerPort(t *testing.T) {
	h := setupLink(t)
	client, server := h.dial(t)

	require.NoError(t, client.Close())

	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server port still open after client close")
	}
	assert.ErrorIs(t, client.Post(transport.Envelope{Message: protocol.Announce{}}), transport.ErrClosed)
}

func TestLink_ServerCloseEndsClientPort(t *testing.T) {
	h := setupLink(t)
	client, server := h.dial(t)

	require.NoError(t, server.Close())

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client port still open after server close")
	}
	assert.NoError(t, client.Err())
}
