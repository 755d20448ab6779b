package auth

import "context"

type principalContextKey struct{}

// Principal is the caller resolved from a server-issued session. It never
// carries a client-asserted role: ActiveRole comes from the stored session.
type Principal struct {
	SessionID        string
	UserID           string
	TenantID         string
	ActiveRole       Role
	ImpersonatorID   string
	PlatformOperator bool
}

// Impersonated reports whether an operator is acting through this session.
func (p Principal) Impersonated() bool { return p.ImpersonatorID != "" }

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
