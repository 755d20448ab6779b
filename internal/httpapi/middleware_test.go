package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/obs"
)

// serve runs one request through the full middleware chain in-process.
func (c *apiClient) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	c.srv.Config.Handler.ServeHTTP(rr, req)
	return rr
}

func TestRequestIDStampsLedgerEntries(t *testing.T) {
	c := newTestAPI(t)
	code, body := c.do(http.MethodPost, "/v1/sessions", "", map[string]any{
		"user_id": "subject42", "tenant_id": "t1", "role": auth.RoleFaculty,
	}, map[string]string{authenticatorHeader: testAuthenticatorKey, "X-Request-ID": "gw-77"})
	if code != http.StatusCreated {
		t.Fatalf("login: %d %v", code, body)
	}

	res, err := c.ledger.Query(context.Background(), "t1", audit.Filter{Action: audit.ActionSessionCreated}, audit.Page{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].RequestID != "gw-77" {
		t.Fatalf("expected session.created stamped with gw-77, got %+v", res.Entries)
	}

	rr := c.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rid := rr.Header().Get("X-Request-ID"); !strings.HasPrefix(rid, "req_") {
		t.Fatalf("expected generated request id, got %q", rid)
	}
}

func TestRateLimitIsPerClient(t *testing.T) {
	handler := RequestID(RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), 1, 0.001))

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/authorize", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := call("198.51.100.4"); rr.Code != http.StatusNoContent {
		t.Fatalf("first call: %d", rr.Code)
	}
	rr := call("198.51.100.4")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After")
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "rate limit exceeded" || body["request_id"] != rr.Header().Get("X-Request-ID") {
		t.Fatalf("unexpected 429 body %v", body)
	}

	if rr := call("198.51.100.5"); rr.Code != http.StatusNoContent {
		t.Fatalf("other client throttled: %d", rr.Code)
	}
}

func TestDeniedCallIsLoggedWithRequestContext(t *testing.T) {
	c := newTestAPI(t)
	token := c.login("acct", "t1", auth.RoleAccountant)

	logger := obs.Logger()
	orig := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(orig)

	req := httptest.NewRequest(http.MethodPatch, "/v1/users/subject42/force-logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "gw-403")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("User-Agent", "registrar-portal")
	if rr := c.serve(req); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		if m["msg"] == "request_complete" {
			entry = m
		}
	}
	if entry == nil {
		t.Fatalf("no request_complete line in %q", buf.String())
	}
	want := map[string]any{
		"request_id": "gw-403",
		"method":     http.MethodPatch,
		"path":       "/v1/users/subject42/force-logout",
		"status":     float64(http.StatusForbidden),
		"remote_ip":  "203.0.113.9",
		"user_agent": "registrar-portal",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s = %v, want %v", k, entry[k], v)
		}
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatal("expected duration_ms")
	}
}

func TestSecurityHeadersOnErrors(t *testing.T) {
	c := newTestAPI(t)
	rr := c.serve(httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	for k, v := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	} {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
	if !strings.Contains(rr.Header().Get("Content-Security-Policy"), "default-src 'none'") {
		t.Fatalf("missing CSP: %q", rr.Header().Get("Content-Security-Policy"))
	}
}

func TestOversizedBodyOpensNoSession(t *testing.T) {
	c := newTestAPI(t)
	count := func() int {
		res, err := c.ledger.Query(context.Background(), "t1", audit.Filter{}, audit.Page{Limit: 500})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		return len(res.Entries)
	}
	before := count()

	payload, _ := json.Marshal(map[string]any{
		"user_id": strings.Repeat("x", 2<<20), "tenant_id": "t1", "role": auth.RoleFaculty,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(payload))
	req.Header.Set(authenticatorHeader, testAuthenticatorKey)
	rr := c.serve(req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if after := count(); after != before {
		t.Fatalf("ledger grew from %d to %d", before, after)
	}
}
