package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Governance metrics.
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome and deny reason.",
		},
		[]string{"outcome", "reason"},
	)

	grantTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grant_transitions_total",
			Help: "Override and impersonation grant lifecycle transitions.",
		},
		[]string{"kind", "status"},
	)

	auditAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_appends_total",
		Help: "Audit ledger entries durably appended.",
	})

	auditAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_append_failures_total",
		Help: "Audit ledger append failures. Any increase needs operator attention.",
	})

	sessionRevocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_revocations_total",
			Help: "Sessions revoked by cause.",
		},
		[]string{"cause"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the last readiness check succeeded.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, grantTransitions, auditAppends, auditAppendFailures,
			sessionRevocations, ready,
		)
	})
}

// Handler exposes the Prometheus endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts an authorization outcome. reason is empty for allows.
func ObserveDecision(allowed bool, reason string) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
		reason = "none"
	}
	authzDecisions.WithLabelValues(outcome, reason).Inc()
}

// ObserveGrantTransition counts a grant entering status.
func ObserveGrantTransition(kind, status string) {
	grantTransitions.WithLabelValues(kind, status).Inc()
}

// ObserveAuditAppend records the result of one ledger append.
func ObserveAuditAppend(err error) {
	if err != nil {
		auditAppendFailures.Inc()
		return
	}
	auditAppends.Inc()
}

// ObserveSessionRevocations adds n revoked sessions for cause.
func ObserveSessionRevocations(cause string, n int) {
	if n <= 0 {
		return
	}
	sessionRevocations.WithLabelValues(cause).Add(float64(n))
}

// SetReady mirrors the readiness check result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// resource collections whose second segment is an identifier.
var idCollections = map[string]struct{}{
	"overrides":     {},
	"impersonation": {},
	"users":         {},
	"sessions":      {},
	"tenants":       {},
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" {
		if _, ok := idCollections[parts[1]]; ok {
			return "/v1/" + parts[1] + "/:id/" + parts[3]
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
