// ABOUTME: Per-RPC credentials attaching a bearer JWT to outgoing link streams
// ABOUTME: Used by the raise command when dialing a secured bridge

package auth

import (
	"context"

	"google.golang.org/grpc/credentials"
)

type bearerToken struct {
	token  string
	secure bool
}

// BearerToken returns credentials that send token in the authorization
// header. requireTLS should be true unless the link runs over a trusted
// network such as a tailnet or loopback.
func BearerToken(token string, requireTLS bool) credentials.PerRPCCredentials {
	return bearerToken{token: token, secure: requireTLS}
}

func (b bearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearerToken) RequireTransportSecurity() bool {
	return b.secure
}
