package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/session"
)

const (
	authHeader          = "Authorization"
	authenticatorHeader = "X-Authenticator-Key"
	bearer              = "Bearer "
)

var publicPaths = map[string]bool{
	"/healthz":     true,
	"/readyz":      true,
	"/metrics":     true,
	"/v1/info":     true,
	"/v1/sessions": true,
}

// withAuth resolves the bearer token to a live stored session. The token
// names a session only; roles always come from the session record.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="campusgov"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="campusgov", error="invalid_token"`)
			}
			handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

func (a *API) authenticate(ctx context.Context, token string) (auth.Principal, error) {
	claims, err := a.Tokens.Parse(token)
	if err != nil {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	s, err := a.Sessions.Check(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrInvalid) {
			return auth.Principal{}, auth.ErrUnauthorized
		}
		return auth.Principal{}, err
	}
	if s.UserID != claims.Subject {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	u, err := a.Users.GetUser(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Principal{}, auth.ErrUnauthorized
		}
		return auth.Principal{}, err
	}
	if !u.Active() {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	return auth.Principal{
		SessionID:        s.ID,
		UserID:           s.UserID,
		TenantID:         s.TenantID,
		ActiveRole:       s.ActiveRole,
		ImpersonatorID:   s.ImpersonatorID,
		PlatformOperator: u.IsPlatformOperator() && !s.Impersonated(),
	}, nil
}

// authenticatorOK checks the shared key the identity provider presents.
func (a *API) authenticatorOK(r *http.Request) bool {
	want := strings.TrimSpace(a.AuthenticatorKey)
	got := strings.TrimSpace(r.Header.Get(authenticatorHeader))
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func principalFrom(r *http.Request) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	return p, nil
}
