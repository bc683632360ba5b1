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

// Auth metrics
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Access token refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	refreshStoreDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_store_degraded_total",
		Help: "Logins that succeeded without persisting the refresh token.",
	})

	notificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_notifications_dropped_total",
		Help: "Notifications dropped because the dispatch queue was full.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, refreshRequests, refreshStoreDegraded, notificationsDropped, ready,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt outcome (e.g. "success", "bad_credentials", "throttled").
func ObserveLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// ObserveRefresh counts a refresh outcome.
func ObserveRefresh(outcome string) { refreshRequests.WithLabelValues(outcome).Inc() }

// RefreshStoreDegraded records a login whose refresh token could not be persisted.
func RefreshStoreDegraded() { refreshStoreDegraded.Inc() }

// NotificationDropped records a notification that never reached the sender.
func NotificationDropped() { notificationsDropped.Inc() }

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures request rate, latency and in-flight count.
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

// CanonicalPath keeps metric label cardinality bounded: token and username path segments
// are collapsed and query strings are dropped.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	const resetPrefix = "/api/user/reset-password/"
	if strings.HasPrefix(p, resetPrefix) && len(p) > len(resetPrefix) {
		return resetPrefix + ":token"
	}
	const usersPrefix = "/api/users/"
	if rest, ok := strings.CutPrefix(p, usersPrefix); ok && rest != "" {
		if strings.HasSuffix(rest, "/status") {
			return usersPrefix + ":username/status"
		}
		return usersPrefix + ":username"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
