// ABOUTME: Client side of the mesh link: opens a Connect stream on an existing connection.

package grpclink

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
)

// Dial opens a link over conn. The link ends when ctx is cancelled, when
// the returned port is closed, or when the server goes away.
func Dial(ctx context.Context, conn *grpc.ClientConn) (*Port, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening link stream: %w", err)
	}

	hangup := func() {
		_ = stream.CloseSend()
		cancel()
	}
	return newPort(stream, hangup, slog.Default().With("component", "grpclink")), nil
}
