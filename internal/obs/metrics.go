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

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattguard_authz_decisions_total",
			Help: "Authorization decisions by outcome and reason code.",
		},
		[]string{"decision", "reason"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattguard_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattguard_token_refresh_total",
			Help: "Refresh token exchanges by outcome.",
		},
		[]string{"outcome"},
	)

	auditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattguard_audit_writes_total",
			Help: "Audit log persistence attempts by outcome.",
		},
		[]string{"outcome"},
	)

	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wattguard_audit_queue_depth",
		Help: "Audit entries waiting to be persisted.",
	})

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wattguard_rate_limited_total",
			Help: "Requests rejected by the principal rate limiter.",
		},
		[]string{"class", "tier"},
	)

	streamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wattguard_audit_stream_subscribers",
		Help: "Live audit stream subscribers.",
	})

	streamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wattguard_audit_stream_dropped_total",
		Help: "Audit entries skipped for slow stream subscribers.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wattguard_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, loginAttempts, tokenRefreshes,
			auditWrites, auditQueueDepth, rateLimited, readyGauge,
			streamSubscribers, streamDropped,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one authorization decision.
func ObserveDecision(allowed bool, reason string) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authzDecisions.WithLabelValues(decision, reason).Inc()
}

// ObserveLogin counts a login attempt outcome such as "success" or "locked".
func ObserveLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// ObserveRefresh counts a refresh outcome.
func ObserveRefresh(outcome string) { tokenRefreshes.WithLabelValues(outcome).Inc() }

// ObserveAuditWrite counts an audit persistence outcome.
func ObserveAuditWrite(outcome string) { auditWrites.WithLabelValues(outcome).Inc() }

// SetAuditQueueDepth publishes the current audit backlog.
func SetAuditQueueDepth(n int) { auditQueueDepth.Set(float64(n)) }

// ObserveRateLimited counts a limiter rejection.
func ObserveRateLimited(class, tier string) { rateLimited.WithLabelValues(class, tier).Inc() }

// SetStreamSubscribers publishes the number of live audit stream subscribers.
func SetStreamSubscribers(n int) { streamSubscribers.Set(float64(n)) }

// ObserveStreamDropped counts an entry a slow subscriber missed.
func ObserveStreamDropped() { streamDropped.Inc() }

// SetReady records the readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument records RPS, latency and in-flight requests for next.
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

// CanonicalPath collapses identifier segments so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return "/" + strings.Join(parts, "/")
	}
	// /v1/<collection>/<id>[/<sub>[/<id>...]]
	for i := 2; i < len(parts); i += 2 {
		parts[i] = ":id"
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

// Flush lets streaming handlers behind Instrument flush partial responses.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
