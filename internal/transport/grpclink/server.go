// ABOUTME: Server side of the mesh link: every inbound Connect stream becomes a Port.

package grpclink

import (
	"log/slog"

	"google.golang.org/grpc"
)

// Acceptor takes ownership of a newly connected link.
type Acceptor func(p *Port)

type server struct {
	accept Acceptor
	logger *slog.Logger
}

// Register installs the link service on s. Pass nil logger for default.
func Register(s *grpc.Server, accept Acceptor, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.RegisterService(&serviceDesc, &server{
		accept: accept,
		logger: logger.With("component", "grpclink"),
	})
}

// connect serves one link until either side ends it.
func (s *server) connect(stream grpc.ServerStream) error {
	p := newPort(stream, nil, s.logger)
	s.logger.Debug("link accepted")
	s.accept(p)

	select {
	case <-p.Done():
	case <-stream.Context().Done():
		p.finish(stream.Context().Err())
	}
	s.logger.Debug("link closed")
	return nil
}
