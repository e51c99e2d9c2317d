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

	loginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leora_auth_login_total",
			Help: "Credential login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	guardDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leora_auth_guard_decisions_total",
			Help: "Guard evaluations by guard and outcome.",
		},
		[]string{"guard", "outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leora_auth_lockouts_total",
		Help: "Account lockouts triggered.",
	})

	sweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leora_ratelimit_swept_total",
			Help: "Expired entries reclaimed by the periodic sweep.",
		},
		[]string{"store"},
	)

	entriesHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leora_ratelimit_entries",
			Help: "Attempt and lockout entries held in process memory after the last sweep.",
		},
		[]string{"store", "kind"},
	)

	initOnce sync.Once
)

// Init registers metrics with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginTotal, guardDecisions, lockoutsTotal, sweptTotal, entriesHeld,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt outcome ("success" or a denial reason).
func ObserveLogin(outcome string) {
	loginTotal.WithLabelValues(outcome).Inc()
}

// ObserveGuard counts a guard decision.
func ObserveGuard(guard, outcome string) {
	guardDecisions.WithLabelValues(guard, outcome).Inc()
}

// ObserveLockout counts a newly triggered lockout.
func ObserveLockout() {
	lockoutsTotal.Inc()
}

// ObserveSweep adds n reclaimed entries for the named store.
func ObserveSweep(store string, n int) {
	if n <= 0 {
		return
	}
	sweptTotal.WithLabelValues(store).Add(float64(n))
}

// ObserveEntries records how many entries a store holds.
func ObserveEntries(store string, attempts, lockouts int) {
	entriesHeld.WithLabelValues(store, "attempts").Set(float64(attempts))
	entriesHeld.WithLabelValues(store, "lockouts").Set(float64(lockouts))
}

// Instrument wraps next with in-flight, count and latency metrics.
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

// CanonicalPath collapses unbounded path segments so metric label
// cardinality stays fixed.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "identities" {
		parts[2] = ":id"
		return "/" + strings.Join(parts, "/")
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
