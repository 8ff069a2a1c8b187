// Package auth authenticates gRPC bridge links for coven-mesh.
//
// # Tokens
//
// Remote agents present an HS256 JWT signed with the configured
// bridge.jwt_secret. The "sub" claim names the link's principal, and
// becomes the analytics identity for events raised over that link.
//
//	v := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("worker-7", 24*time.Hour)
//	principal, err := v.Verify(token)
//
// # gRPC
//
// StreamInterceptor rejects link streams without a valid bearer token and
// stores the Principal in the stream context. Clients attach a token with
// BearerToken as per-RPC credentials:
//
//	grpc.NewClient(addr, grpc.WithPerRPCCredentials(auth.BearerToken(token, true)))
//
// When no secret is configured the server installs no interceptor and
// PrincipalFromContext reports nothing.
package auth
