package httpapi

import (
	"errors"
	"net/http"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/authz"
)

// gate authorizes a governance call through the resolver. Operators act
// with PLATFORM_OPERATOR; everyone else needs TENANT_ADMIN in tenantID.
// An empty tenantID addresses platform scope. It writes the response and
// returns false when the call must stop.
func (a *API) gate(w http.ResponseWriter, r *http.Request, p auth.Principal, action, tenantID string) bool {
	act, err := authz.LookupAction(action)
	if err != nil {
		handleError(w, r, err)
		return false
	}
	if p.Impersonated() && act.Mutating {
		writeDenied(w, r, authz.Decision{
			Reason:  authz.ReasonImpersonationRestricted,
			Message: authz.ReasonImpersonationRestricted.Message(),
		})
		return false
	}
	role := auth.RoleTenantAdmin
	if p.PlatformOperator {
		role = auth.RolePlatformOperator
	}
	d, err := a.Resolver.Authorize(r.Context(), authz.Request{
		TenantID:     tenantID,
		SessionID:    p.SessionID,
		RequiredRole: role,
		Action:       action,
	})
	if err != nil {
		handleError(w, r, err)
		return false
	}
	if !d.Allowed {
		writeDenied(w, r, d)
		return false
	}
	return true
}

// actorOf is the user recorded as acting: the operator behind an
// impersonation, otherwise the session user.
func actorOf(p auth.Principal) string {
	if p.ImpersonatorID != "" {
		return p.ImpersonatorID
	}
	return p.UserID
}

// scopeOf maps a ledger tenant to the authorization scope that guards it.
func scopeOf(tenantID string) string {
	if tenantID == "" || tenantID == audit.GlobalTenant {
		return ""
	}
	return tenantID
}

// visibleScope picks the tenant a call on an existing-or-missing resource
// is gated against. Outside platform operation a resource in another
// tenant reads as missing, so the caller is gated on their own tenant and
// the two cases answer alike.
func visibleScope(p auth.Principal, found bool, resourceTenantID string) (string, bool) {
	if found && (p.PlatformOperator || resourceTenantID == p.TenantID) {
		return resourceTenantID, true
	}
	return p.TenantID, false
}

// lookup folds auth.ErrNotFound into found=false and passes other errors on.
func lookup(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, auth.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func writeNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "resource not found")
}
