package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/session"
	"campusgov.org/internal/tenant"
)

// OpenRequest asks for a session after an external authenticator has
// vouched for UserID.
type OpenRequest struct {
	UserID   string
	TenantID string
	Role     auth.Role
	Device   string
}

// OpenSession creates a session whose active role is either permanent or
// backed by a live override. Override-backed sessions end with the grant.
func (r *Resolver) OpenSession(ctx context.Context, req OpenRequest) (session.Session, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.UserID == "" {
		return session.Session{}, fmt.Errorf("%w: user id is required", auth.ErrInvalidInput)
	}
	if !req.Role.Valid() {
		return session.Session{}, fmt.Errorf("%w: unknown role", auth.ErrInvalidInput)
	}
	u, err := r.users.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return session.Session{}, fmt.Errorf("%w: unknown or disabled user", auth.ErrUnauthorized)
		}
		return session.Session{}, err
	}
	if !u.Active() || u.TenantID != req.TenantID {
		return session.Session{}, fmt.Errorf("%w: unknown or disabled user", auth.ErrUnauthorized)
	}
	// Operators stay able to sign in during a lockdown so they can lift it.
	if u.TenantID != "" {
		if _, err := r.tenants.Admit(ctx, u.TenantID); err != nil {
			if errors.Is(err, tenant.ErrSuspended) || errors.Is(err, tenant.ErrLockdown) {
				return session.Session{}, fmt.Errorf("%w: %s", auth.ErrForbidden, ReasonTenantSuspended.Message())
			}
			return session.Session{}, err
		}
	}

	params := session.CreateParams{UserID: u.ID, TenantID: u.TenantID, ActiveRole: req.Role, Device: req.Device}
	if !u.Roles.Has(req.Role) {
		g, ok, err := r.grants.FindActiveOverride(ctx, u.ID, req.Role)
		if err != nil {
			return session.Session{}, err
		}
		if !ok {
			return session.Session{}, fmt.Errorf("%w: %s", auth.ErrForbidden, ReasonInsufficientPrivilege.Message())
		}
		params.GrantID = g.ID
		params.ExpiresAt = g.ExpiresAt
	}
	return r.sessions.Create(ctx, params)
}
