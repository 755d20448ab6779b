package httpapi

import (
	"net/http"
	"strings"
	"time"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/authz"
	"campusgov.org/internal/grant"
)

type issueOverrideRequest struct {
	SubjectUserID string  `json:"subject_user_id"`
	Role          string  `json:"role"`
	DurationHours float64 `json:"duration_hours"`
	Justification string  `json:"justification"`
}

type grantList struct {
	Items []grant.Grant `json:"items"`
}

func (a *API) issueOverride(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req issueOverrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject, err := a.Users.GetUser(r.Context(), strings.TrimSpace(req.SubjectUserID))
	found, err := lookup(err)
	if err != nil {
		handleError(w, r, err)
		return
	}
	scope, visible := visibleScope(p, found, subject.TenantID)
	if !a.gate(w, r, p, authz.ActionOverridesIssue, scope) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	gr := grant.Request{
		IssuerID:      p.UserID,
		SubjectID:     req.SubjectUserID,
		Role:          role,
		Duration:      time.Duration(req.DurationHours * float64(time.Hour)),
		Justification: req.Justification,
	}
	if !visible {
		// Answer exactly as the manager does for a subject it cannot find.
		if _, err := a.Grants.Validate(gr); err != nil {
			handleError(w, r, err)
			return
		}
		handleError(w, r, grant.ErrSubjectInactive)
		return
	}
	g, err := a.Grants.Request(r.Context(), gr)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/overrides/"+g.ID)
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) listOverrides(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := grant.Filter{
		Kind:      grant.KindOverride,
		TenantID:  p.TenantID,
		SubjectID: strings.TrimSpace(q.Get("subject_id")),
		IssuerID:  strings.TrimSpace(q.Get("issuer_id")),
	}
	if p.PlatformOperator {
		f.TenantID = strings.TrimSpace(q.Get("tenant_id"))
	}
	if raw := q.Get("status"); raw != "" {
		if f.Status, err = grant.ParseStatus(raw); err != nil {
			handleError(w, r, err)
			return
		}
	}
	if raw := q.Get("role"); raw != "" {
		if f.Role, err = auth.ParseRole(raw); err != nil {
			handleError(w, r, err)
			return
		}
	}
	if !a.gate(w, r, p, authz.ActionOverridesRead, f.TenantID) {
		return
	}
	items, err := a.Grants.List(r.Context(), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantList{Items: items})
}

func (a *API) revokeOverride(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	g, err := a.Grants.Lookup(r.Context(), r.PathValue("id"))
	found, err := lookup(err)
	if err != nil {
		handleError(w, r, err)
		return
	}
	found = found && g.Kind == grant.KindOverride
	scope, visible := visibleScope(p, found, g.TenantID)
	if !a.gate(w, r, p, authz.ActionOverridesRevoke, scope) {
		return
	}
	if !visible {
		writeNotFound(w, r)
		return
	}
	revoked, err := a.Grants.Revoke(r.Context(), g.ID, p.UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}
