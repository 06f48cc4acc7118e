package auth

import (
	"context"

	"careledger.org/internal/consent"
)

type callerContextKey struct{}

// Caller is the resolved identity attached to a request context.
type Caller struct {
	Principal consent.PrincipalID
	Role      consent.Role
}

// ContextWithCaller attaches the authenticated caller to the context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	if caller.Principal == "" {
		return ctx
	}
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the authenticated caller from the context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	c, ok := ctx.Value(callerContextKey{}).(Caller)
	if !ok || c.Principal == "" {
		return Caller{}, false
	}
	return c, true
}

// PrincipalFromContext returns just the caller's principal id.
func PrincipalFromContext(ctx context.Context) (consent.PrincipalID, bool) {
	c, ok := CallerFromContext(ctx)
	return c.Principal, ok
}

// HasRole reports whether the context caller holds the given role.
func HasRole(ctx context.Context, role consent.Role) bool {
	c, ok := CallerFromContext(ctx)
	return ok && c.Role == role
}
