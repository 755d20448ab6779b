package httpapi

import (
	"net/http"

	"campusgov.org/internal/authz"
	"campusgov.org/internal/tenant"
)

type tenantStatusRequest struct {
	Status string `json:"status"`
}

type lockdownRequest struct {
	Lockdown bool `json:"lockdown"`
}

// setTenantStatus is gated at platform scope so a suspended tenant can
// still be reactivated.
func (a *API) setTenantStatus(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req tenantStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := tenant.ParseStatus(req.Status)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.gate(w, r, p, authz.ActionTenantsManage, "") {
		return
	}
	t, err := a.Tenants.SetStatus(r.Context(), p.UserID, r.PathValue("id"), status)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) setLockdown(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req lockdownRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.gate(w, r, p, authz.ActionPlatformLockdown, "") {
		return
	}
	pl, err := a.Tenants.SetLockdown(r.Context(), p.UserID, req.Lockdown)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pl)
}
