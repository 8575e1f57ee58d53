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

// HTTP metrics
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

// Engine metrics
var (
	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldgate_auth_attempts_total",
			Help: "Authentication attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldgate_tokens_issued_total",
			Help: "Tokens minted by kind.",
		},
		[]string{"kind"},
	)

	tokensRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldgate_tokens_revoked_total",
			Help: "Token identifiers written to the revocation ledger by reason.",
		},
		[]string{"reason"},
	)

	revocationsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldgate_revocations_pruned_total",
		Help: "Revocation entries removed after their token expired.",
	})

	policiesSigned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldgate_policy_signed_total",
			Help: "Policy documents signed, split by cache outcome.",
		},
		[]string{"source"},
	)

	permissionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldgate_permission_checks_total",
			Help: "Permission resolutions by decision and cache outcome.",
		},
		[]string{"decision", "cache"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fieldgate_ready",
		Help: "1 when the service passes its readiness check.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authAttempts, tokensIssued, tokensRevoked, revocationsPruned,
			policiesSigned, permissionChecks, ready,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthAttempt counts an authentication outcome (success, invalid, locked, limited, error).
func AuthAttempt(outcome string) { authAttempts.WithLabelValues(outcome).Inc() }

// TokenIssued counts a minted token.
func TokenIssued(kind string) { tokensIssued.WithLabelValues(kind).Inc() }

// TokenRevoked counts a ledger insert.
func TokenRevoked(reason string) { tokensRevoked.WithLabelValues(reason).Inc() }

// RevocationsPruned counts entries removed by the sweeper.
func RevocationsPruned(n int) { revocationsPruned.Add(float64(n)) }

// PolicySigned counts a signing operation; source is "fresh", "anchor" or "reissue".
func PolicySigned(source string) { policiesSigned.WithLabelValues(source).Inc() }

// PermissionCheck counts a resolver decision.
func PermissionCheck(allowed, cached bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	cache := "miss"
	if cached {
		cache = "hit"
	}
	permissionChecks.WithLabelValues(decision, cache).Inc()
}

// SetReady records the readiness check result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps a handler with request count, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "devices" && parts[3] == "policy":
		parts[2] = ":id"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "devices" && parts[3] == "policy" && parts[4] == "reissue":
		parts[2] = ":id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "supervisor" && parts[2] == "override":
		parts[3] = ":jti"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sessions":
		parts[2] = ":jti"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "identities" && parts[3] == "secrets":
		parts[2] = ":id"
	default:
		return raw
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent events working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
