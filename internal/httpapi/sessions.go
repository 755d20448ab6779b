package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/authz"
	"campusgov.org/internal/session"
)

type openSessionRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Device   string `json:"device"`
}

type sessionResponse struct {
	Session session.Session `json:"session"`
	Token   string          `json:"token"`
}

// openSession is called by the upstream authenticator once it has verified
// the user's credentials.
func (a *API) openSession(w http.ResponseWriter, r *http.Request) {
	if !a.authenticatorOK(r) {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req openSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	s, err := a.Resolver.OpenSession(r.Context(), authz.OpenRequest{
		UserID:   req.UserID,
		TenantID: req.TenantID,
		Role:     role,
		Device:   strings.TrimSpace(req.Device),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	token, err := a.Tokens.Issue(s.ID, s.UserID, s.TenantID, s.ExpiresAt)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: s, Token: token})
}

// revokeSession logs the caller out of their own session, or lets an
// administrator end someone else's.
func (a *API) revokeSession(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	s, err := a.Sessions.Get(r.Context(), r.PathValue("id"))
	found, err := lookup(err)
	if err != nil {
		handleError(w, r, err)
		return
	}
	reason := session.ReasonLogout
	if !found || s.ID != p.SessionID {
		scope, visible := visibleScope(p, found, s.TenantID)
		if !a.gate(w, r, p, authz.ActionSessionsRevoke, scope) {
			return
		}
		if !visible {
			writeNotFound(w, r)
			return
		}
		reason = session.ReasonForceLogout
	}
	revoked, err := a.Sessions.Revoke(r.Context(), s.ID, actorOf(p), reason)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

func (a *API) forceLogout(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	u, err := a.Users.GetUser(r.Context(), r.PathValue("id"))
	found, err := lookup(err)
	if err != nil {
		handleError(w, r, err)
		return
	}
	scope, visible := visibleScope(p, found, u.TenantID)
	if !a.gate(w, r, p, authz.ActionSessionsForce, scope) {
		return
	}
	if !visible {
		writeNotFound(w, r)
		return
	}
	n, err := a.Sessions.RevokeAllForUser(r.Context(), u.ID, actorOf(p), session.ReasonForceLogout)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": u.ID, "revoked": n})
}

// me reports the caller's session and effective roles.
func (a *API) me(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	roles, err := a.Resolver.EffectiveRoles(r.Context(), p.UserID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":      p.SessionID,
		"user_id":         p.UserID,
		"tenant_id":       p.TenantID,
		"active_role":     p.ActiveRole,
		"impersonator_id": p.ImpersonatorID,
		"effective_roles": roles,
	})
}
