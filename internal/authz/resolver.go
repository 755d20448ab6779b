// Package authz is the request-time authorization entry point.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/grant"
	"campusgov.org/internal/obs"
	"campusgov.org/internal/session"
	"campusgov.org/internal/tenant"
)

// Auditor is the slice of the audit ledger the resolver needs.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Request asks whether the session may perform Action with RequiredRole in
// TenantID. An empty TenantID addresses platform scope. ResourceTenantID,
// when set, is additionally checked by the isolation guard.
type Request struct {
	TenantID         string    `json:"tenant_id"`
	SessionID        string    `json:"session_id"`
	RequiredRole     auth.Role `json:"required_role"`
	Action           string    `json:"action"`
	ResourceTenantID string    `json:"resource_tenant_id,omitempty"`
}

// Resolver combines tenant, session, identity and grant state into one
// decision per request.
type Resolver struct {
	tenants  *tenant.Registry
	guard    *tenant.Guard
	sessions *session.Registry
	users    auth.UserStore
	grants   *grant.Manager
	ledger   Auditor
	now      func() time.Time
}

// Deps bundles the resolver's collaborators.
type Deps struct {
	Tenants  *tenant.Registry
	Guard    *tenant.Guard
	Sessions *session.Registry
	Users    auth.UserStore
	Grants   *grant.Manager
	Ledger   Auditor
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver wires a resolver.
func NewResolver(d Deps, opts ...Option) *Resolver {
	r := &Resolver{
		tenants:  d.Tenants,
		guard:    d.Guard,
		sessions: d.Sessions,
		users:    d.Users,
		grants:   d.Grants,
		ledger:   d.Ledger,
		now:      time.Now,
	}
	if r.guard == nil {
		r.guard = tenant.NewGuard(d.Ledger)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// resolution carries what the steps learned, for the ledger entry.
type resolution struct {
	action  Action
	sess    session.Session
	user    auth.User
	touched bool
}

// Authorize runs the decision chain: platform and tenant status, session
// validity, tenant scope, module gating, impersonation limits, then the
// effective role set. Sensitive actions are recorded before the decision
// is returned; if that write fails the error is auth.ErrAuditWrite and no
// decision is returned.
func (r *Resolver) Authorize(ctx context.Context, req Request) (Decision, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.ResourceTenantID = strings.TrimSpace(req.ResourceTenantID)
	act, err := LookupAction(req.Action)
	if err != nil {
		return Decision{}, err
	}
	if !req.RequiredRole.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown required role", auth.ErrInvalidInput)
	}

	res := resolution{action: act}
	d, err := r.decide(ctx, req, &res)
	if err != nil {
		return Decision{}, err
	}
	d.Action = act.Name
	d.RequiredRole = req.RequiredRole
	d.TenantID = req.TenantID
	d.SessionID = req.SessionID
	d.UserID = res.sess.UserID
	d.ImpersonatorID = res.sess.ImpersonatorID

	if act.Sensitive {
		entry, err := r.record(ctx, req, res, d)
		if err != nil {
			return Decision{}, err
		}
		d.AuditEntryID = entry.ID
	}
	if res.touched {
		if err := r.sessions.Touch(ctx, res.sess.ID); err != nil && !errors.Is(err, session.ErrInvalid) {
			obs.LogEvent(obs.LevelWarn, "session touch failed", map[string]any{"session_id": res.sess.ID, "error": err})
		}
	}
	obs.ObserveDecision(d.Allowed, string(d.Reason))
	return d, nil
}

func (r *Resolver) decide(ctx context.Context, req Request, res *resolution) (Decision, error) {
	act := res.action

	// 1. Kill switch and tenant status.
	var t tenant.Tenant
	if req.TenantID != "" {
		admitted, err := r.tenants.Admit(ctx, req.TenantID)
		switch {
		case err == nil:
			t = admitted
		case errors.Is(err, tenant.ErrSuspended) || errors.Is(err, tenant.ErrLockdown):
			if !act.ReadsAudit {
				return deny(ReasonTenantSuspended), nil
			}
		default:
			return Decision{}, err
		}
	}

	// 2. Session.
	s, err := r.sessions.Check(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrInvalid) {
			return deny(ReasonSessionInvalid), nil
		}
		return Decision{}, err
	}
	res.sess = s
	u, err := r.users.GetUser(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return deny(ReasonSessionInvalid), nil
		}
		return Decision{}, err
	}
	res.user = u
	if !u.Active() {
		return deny(ReasonSessionInvalid), nil
	}
	if s.GrantID != "" {
		g, err := r.grants.Get(ctx, s.GrantID)
		if err != nil && !errors.Is(err, auth.ErrNotFound) {
			return Decision{}, err
		}
		if err != nil || !g.ActiveAt(r.now().UTC()) {
			return deny(ReasonSessionInvalid), nil
		}
	}
	res.touched = true

	// 3. Tenant scope.
	caller := tenant.Caller{
		UserID:           s.UserID,
		TenantID:         s.TenantID,
		PlatformOperator: u.IsPlatformOperator() && !s.Impersonated(),
	}
	if req.TenantID == "" {
		if s.TenantID != "" || !caller.PlatformOperator {
			return deny(ReasonTenantScope), nil
		}
	} else {
		for _, scope := range scopes(req) {
			if err := r.guard.EnsureScope(ctx, caller, scope); err != nil {
				if errors.Is(err, auth.ErrForbidden) {
					return deny(ReasonTenantScope), nil
				}
				return Decision{}, err
			}
		}
	}

	// 4. Module gating.
	if req.TenantID != "" && t.ID != "" && !t.ModuleEnabled(act.Module) {
		return deny(ReasonModuleDisabled), nil
	}

	// 5. Impersonation limits.
	if s.Impersonated() && act.FinanciallyMutating() {
		return deny(ReasonImpersonationRestricted), nil
	}

	// 6. Effective role set.
	if s.Impersonated() {
		// An impersonator acts only with the target's permanent roles.
		if u.Roles.Has(req.RequiredRole) {
			return allow(SourceImpersonation, s.GrantID), nil
		}
		return deny(ReasonInsufficientPrivilege), nil
	}
	if u.Roles.Has(req.RequiredRole) {
		return allow(SourcePermanent, ""), nil
	}
	overrides, err := r.grants.ActiveOverrides(ctx, u.ID)
	if err != nil {
		return Decision{}, err
	}
	now := r.now().UTC()
	for _, g := range overrides {
		if g.Role == req.RequiredRole && g.ActiveAt(now) && g.TenantID == u.TenantID {
			return allow(SourceOverride, g.ID), nil
		}
	}
	return deny(ReasonInsufficientPrivilege), nil
}

// EffectiveRoles returns permanent roles unioned with live overrides.
func (r *Resolver) EffectiveRoles(ctx context.Context, userID string) (auth.RoleSet, error) {
	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := auth.NewRoleSet(u.Roles.Sorted()...)
	overrides, err := r.grants.ActiveOverrides(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	for _, g := range overrides {
		if g.ActiveAt(now) {
			set.Add(g.Role)
		}
	}
	return set, nil
}

func (r *Resolver) record(ctx context.Context, req Request, res resolution, d Decision) (audit.Entry, error) {
	action := audit.ActionAuthzAllow
	severity := audit.SeverityInfo
	if !d.Allowed {
		action = audit.ActionAuthzDeny
		severity = audit.SeverityWarning
	}
	actor := res.sess.UserID
	delta := map[string]any{
		"action":        res.action.Name,
		"required_role": req.RequiredRole,
		"session_id":    req.SessionID,
	}
	if d.Allowed {
		delta["source"] = d.Source
		if d.GrantID != "" {
			delta["grant_id"] = d.GrantID
		}
	} else {
		delta["reason"] = d.Reason
	}
	if res.sess.Impersonated() {
		actor = res.sess.ImpersonatorID
		delta["on_behalf_of"] = res.sess.UserID
	}
	if req.ResourceTenantID != "" {
		delta["resource_tenant_id"] = req.ResourceTenantID
	}
	return r.ledger.Append(ctx, audit.Record{
		TenantID:    req.TenantID,
		ActorUserID: actor,
		Action:      action,
		Target:      res.action.Name,
		Severity:    severity,
		Delta:       delta,
	})
}

func scopes(req Request) []string {
	out := []string{req.TenantID}
	if req.ResourceTenantID != "" && req.ResourceTenantID != req.TenantID {
		out = append(out, req.ResourceTenantID)
	}
	return out
}
