// ABOUTME: Authenticated principal carried through link stream contexts
// ABOUTME: Provides WithPrincipal/PrincipalFromContext for the serve command

package auth

import "context"

// Principal is the authenticated identity behind one link.
type Principal struct {
	Subject  string
	PeerAddr string
}

type principalKey struct{}

// WithPrincipal returns a new context with p attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the Principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
