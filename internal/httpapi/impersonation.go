package httpapi

import (
	"net/http"
	"strings"
	"time"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/authz"
	"campusgov.org/internal/impersonation"
)

type startImpersonationRequest struct {
	TargetUserID  string `json:"target_user_id"`
	Role          string `json:"role"`
	Minutes       int    `json:"minutes"`
	Justification string `json:"justification"`
	Device        string `json:"device"`
}

type impersonationResponse struct {
	impersonation.Started
	Token string `json:"token"`
}

// Impersonation is platform scoped: only an operator's own tenantless
// session passes the gate.
func (a *API) startImpersonation(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req startImpersonationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.gate(w, r, p, authz.ActionImpersonationStart, "") {
		return
	}
	var role auth.Role
	if strings.TrimSpace(req.Role) != "" {
		if role, err = auth.ParseRole(req.Role); err != nil {
			handleError(w, r, err)
			return
		}
	}
	started, err := a.Impersonation.Start(r.Context(), impersonation.StartRequest{
		OperatorID:    p.UserID,
		TargetID:      req.TargetUserID,
		Role:          role,
		Duration:      time.Duration(req.Minutes) * time.Minute,
		Justification: req.Justification,
		Device:        req.Device,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	s := started.Session
	token, err := a.Tokens.Issue(s.ID, s.UserID, s.TenantID, s.ExpiresAt)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, impersonationResponse{Started: started, Token: token})
}

func (a *API) listImpersonations(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.gate(w, r, p, authz.ActionOverridesRead, "") {
		return
	}
	items, err := a.Impersonation.Active(r.Context(), r.URL.Query().Get("operator_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantList{Items: items})
}

func (a *API) endImpersonation(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.gate(w, r, p, authz.ActionImpersonationEnd, "") {
		return
	}
	g, err := a.Impersonation.End(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
