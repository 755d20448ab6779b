// Package httpapi exposes the governance core over HTTP+JSON.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/authz"
	"campusgov.org/internal/grant"
	"campusgov.org/internal/impersonation"
	"campusgov.org/internal/obs"
	"campusgov.org/internal/session"
	"campusgov.org/internal/stream"
	"campusgov.org/internal/tenant"
)

const serviceName = "campusgov-api"

// ReadyChecker reports whether backing stores are reachable.
type ReadyChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadyChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Deps bundles the components the API serves.
type Deps struct {
	Tokens        *auth.TokenIssuer
	Users         auth.UserStore
	Tenants       *tenant.Registry
	Sessions      *session.Registry
	Grants        *grant.Manager
	Impersonation *impersonation.Broker
	Resolver      *authz.Resolver
	Ledger        *audit.Ledger
	Stream        *stream.Stream
	Ready         ReadyChecker

	// AuthenticatorKey must accompany session-open calls from the
	// upstream identity provider. Empty disables the endpoint.
	AuthenticatorKey string
	Version          string
	RateBurst        int
	RatePerSec       float64
}

// API is the HTTP layer.
type API struct {
	Deps
	mux *http.ServeMux
}

// New registers every route.
func New(d Deps) *API {
	if d.Ready == nil {
		d.Ready = ReadyFunc(nil)
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 100
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 50
	}
	a := &API{Deps: d, mux: http.NewServeMux()}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/sessions", a.openSession)
	a.mux.HandleFunc("PATCH /v1/sessions/{id}/revoke", a.revokeSession)
	a.mux.HandleFunc("PATCH /v1/users/{id}/force-logout", a.forceLogout)

	a.mux.HandleFunc("GET /v1/me", a.me)
	a.mux.HandleFunc("POST /v1/authorize", a.authorize)
	a.mux.HandleFunc("GET /v1/actions", a.listActions)

	a.mux.HandleFunc("POST /v1/overrides", a.issueOverride)
	a.mux.HandleFunc("GET /v1/overrides", a.listOverrides)
	a.mux.HandleFunc("PATCH /v1/overrides/{id}/revoke", a.revokeOverride)

	a.mux.HandleFunc("POST /v1/impersonation", a.startImpersonation)
	a.mux.HandleFunc("GET /v1/impersonation", a.listImpersonations)
	a.mux.HandleFunc("PATCH /v1/impersonation/{id}/end", a.endImpersonation)

	a.mux.HandleFunc("GET /v1/audit", a.queryAudit)
	a.mux.HandleFunc("GET /v1/audit/verify", a.verifyAudit)
	a.mux.HandleFunc("GET /v1/audit/stream", a.streamAudit)

	a.mux.HandleFunc("PATCH /v1/tenants/{id}/status", a.setTenantStatus)
	a.mux.HandleFunc("PATCH /v1/platform/lockdown", a.setLockdown)

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.RateBurst, a.RatePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}
