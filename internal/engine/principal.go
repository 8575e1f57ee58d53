package engine

import (
	"context"
	"time"

	"fieldgate.org/internal/authn"
	"fieldgate.org/internal/authz"
	"fieldgate.org/internal/token"
)

// Principal is a verified bearer: the identity behind the token, the
// device it was issued on and the token claims.
type Principal struct {
	Identity authn.Identity
	Device   authn.Identity
	Claims   *token.Claims
}

// ID is the identity id.
func (p Principal) ID() string { return p.Identity.ID }

// Override reports whether the bearer presented a supervisor-override token.
func (p Principal) Override() bool { return p.Claims != nil && p.Claims.Override }

// TokenID is the presented token's jti.
func (p Principal) TokenID() string {
	if p.Claims == nil {
		return ""
	}
	return p.Claims.ID
}

// ExpiresAt is the presented token's expiry.
func (p Principal) ExpiresAt() time.Time {
	if p.Claims == nil {
		return time.Time{}
	}
	return p.Claims.Expiry()
}

// Request builds an authorization request for the principal.
func (p Principal) Request(resource, action string, scope authz.Scope) authz.Request {
	return authz.Request{
		IdentityID: p.Identity.ID,
		Resource:   resource,
		Action:     action,
		Scope:      scope,
		Override:   p.Override(),
	}
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
