// ABOUTME: gRPC stream interceptor authenticating bridge links with bearer JWTs
// ABOUTME: Extracts the token from metadata and populates the stream context

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string) {
	if logger == nil {
		return
	}
	attrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", attrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates
// link streams. The optional logger records failures.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		principal, err := authenticate(ss.Context(), tokens, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithPrincipal(ss.Context(), principal),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func authenticate(ctx context.Context, tokens TokenVerifier, logger *slog.Logger) (*Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		logAuthFailure(logger, ctx, "missing authorization header")
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	authHeader := authHeaders[0]
	if !strings.HasPrefix(authHeader, "Bearer ") {
		logAuthFailure(logger, ctx, "invalid authorization header format")
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	subject, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			logAuthFailure(logger, ctx, "token expired")
			return nil, status.Error(codes.Unauthenticated, "token expired")
		}
		logAuthFailure(logger, ctx, "invalid token")
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	principal := &Principal{Subject: subject}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		principal.PeerAddr = p.Addr.String()
	}
	return principal, nil
}
