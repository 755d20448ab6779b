package httpapi

import (
	"net/http"
	"strings"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/authz"
)

type authorizeRequest struct {
	TenantID         *string `json:"tenant_id"`
	RequiredRole     string  `json:"required_role"`
	Action           string  `json:"action"`
	ResourceTenantID string  `json:"resource_tenant_id"`
}

// authorize is the policy decision point for domain services. The session
// is always the bearer's own; denials are 200 responses carrying the
// decision.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.RequiredRole)
	if err != nil {
		handleError(w, r, err)
		return
	}
	tenantID := p.TenantID
	if req.TenantID != nil {
		tenantID = strings.TrimSpace(*req.TenantID)
	}
	d, err := a.Resolver.Authorize(r.Context(), authz.Request{
		TenantID:         tenantID,
		SessionID:        p.SessionID,
		RequiredRole:     role,
		Action:           req.Action,
		ResourceTenantID: req.ResourceTenantID,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) listActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": authz.Actions()})
}
