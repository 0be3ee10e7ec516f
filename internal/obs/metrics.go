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

// Общие HTTP-метрики
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

// Auth outcomes. outcome is "success" or an error kind.
var (
	authLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	authRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)

	authLogouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logouts_total",
			Help: "Logouts by outcome.",
		},
		[]string{"outcome"},
	)

	authFamilyRevocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_family_revocations_total",
		Help: "Refresh token families revoked after reuse of a revoked token.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authLogins, authRefreshes, authLogouts, authFamilyRevocations,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLogin counts one login attempt.
func RecordLogin(outcome string) { authLogins.WithLabelValues(outcome).Inc() }

// RecordRefresh counts one rotation attempt.
func RecordRefresh(outcome string) { authRefreshes.WithLabelValues(outcome).Inc() }

// RecordLogout counts one logout attempt.
func RecordLogout(outcome string) { authLogouts.WithLabelValues(outcome).Inc() }

// RecordFamilyRevocation counts one reuse-triggered family revocation.
func RecordFamilyRevocation() { authFamilyRevocations.Inc() }

// Instrument measures request rate, latency and in-flight requests.
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

var userSubresources = map[string]struct{}{
	"role":           {},
	"status":         {},
	"password-reset": {},
}

// CanonicalPath collapses user ids so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "users" {
		return path
	}
	switch len(parts) {
	case 3:
		return "/v1/users/:id"
	case 4:
		if _, ok := userSubresources[parts[3]]; ok {
			return "/v1/users/:id/" + parts[3]
		}
	}
	return path
}

// statusWriter records the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
