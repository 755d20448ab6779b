package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/authz"
)

// ledgerTenant picks the chain a caller reads: the requested one, or the
// caller's own tenant (the global chain for operators).
func ledgerTenant(r *http.Request, p auth.Principal) string {
	if t := strings.TrimSpace(r.URL.Query().Get("tenant_id")); t != "" {
		return t
	}
	return audit.NormalizeTenant(p.TenantID)
}

func (a *API) queryAudit(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	q := r.URL.Query()
	tenantID := ledgerTenant(r, p)
	filter := audit.Filter{
		ActorUserID: strings.TrimSpace(q.Get("user_id")),
		Action:      strings.TrimSpace(q.Get("action")),
	}
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		handleError(w, r, err)
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		handleError(w, r, err)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			handleError(w, r, fmt.Errorf("%w: limit must be a positive integer", auth.ErrInvalidInput))
			return
		}
	}
	if !a.gate(w, r, p, authz.ActionAuditRead, scopeOf(tenantID)) {
		return
	}
	res, err := a.Ledger.Query(r.Context(), tenantID, filter, audit.Page{Cursor: q.Get("cursor"), Limit: limit})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) verifyAudit(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	tenantID := ledgerTenant(r, p)
	if !a.gate(w, r, p, authz.ActionAuditVerify, scopeOf(tenantID)) {
		return
	}
	report, err := a.Ledger.Verify(r.Context(), tenantID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// streamAudit sends committed entries as server-sent events. Operators
// only; tenant_id narrows the feed.
func (a *API) streamAudit(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if a.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	if !a.gate(w, r, p, authz.ActionAuditStream, "") {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.Stream.Subscribe(ctx, strings.TrimSpace(r.URL.Query().Get("tenant_id")))

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s:%d\nevent: audit\ndata: %s\n\n", e.TenantID, e.Sequence, payload)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamps must be RFC 3339", auth.ErrInvalidInput)
	}
	return t.UTC(), nil
}
