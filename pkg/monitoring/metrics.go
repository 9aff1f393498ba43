package monitoring

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code", "service"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "service"},
	)

	// Database metrics
	dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"query_type", "service"},
	)

	// Queue metrics
	tokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"service"},
	)

	tokenLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_token_limit_rejections_total",
			Help: "Token requests refused because the doctor's daily cap was reached",
		},
		[]string{"service"},
	)

	queueTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_transitions_total",
			Help: "Token status transitions by target status",
		},
		[]string{"to", "service"},
	)

	visitHandlingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_visit_handling_seconds",
			Help:    "Time between calling a patient in and completing the visit",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		},
		[]string{"service"},
	)

	// Push subscription metrics
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of published change events",
		},
		[]string{"type", "service"},
	)

	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Events dropped because a subscriber was too slow",
		},
		[]string{"service"},
	)

	eventSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_subscribers",
			Help: "Number of live event subscriptions",
		},
		[]string{"transport", "service"},
	)

	// Authentication metrics
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"method", "status", "service"},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"service"},
	)

	// System metrics
	systemErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "system_errors_total",
			Help: "Total number of system errors",
		},
		[]string{"error_type", "service", "component"},
	)

	registerOnce sync.Once
)

// MetricsCollector handles Prometheus metrics collection. A nil collector is
// valid and records nothing.
type MetricsCollector struct {
	serviceName string
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string) *MetricsCollector {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			dbQueryDuration,
			tokensIssuedTotal,
			tokenLimitRejections,
			queueTransitionsTotal,
			visitHandlingSeconds,
			eventsPublishedTotal,
			eventsDroppedTotal,
			eventSubscribers,
			authAttemptsTotal,
			rateLimitedTotal,
			systemErrors,
		)
	})

	return &MetricsCollector{
		serviceName: serviceName,
	}
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordDBQuery records database query metrics
func (m *MetricsCollector) RecordDBQuery(queryType string, duration time.Duration) {
	if m == nil {
		return
	}
	dbQueryDuration.WithLabelValues(queryType, m.serviceName).Observe(duration.Seconds())
}

// RecordTokenIssued counts an issued token
func (m *MetricsCollector) RecordTokenIssued() {
	if m == nil {
		return
	}
	tokensIssuedTotal.WithLabelValues(m.serviceName).Inc()
}

// RecordTokenLimitRejection counts a request refused at the daily cap
func (m *MetricsCollector) RecordTokenLimitRejection() {
	if m == nil {
		return
	}
	tokenLimitRejections.WithLabelValues(m.serviceName).Inc()
}

// RecordTransition counts a status transition
func (m *MetricsCollector) RecordTransition(to string) {
	if m == nil {
		return
	}
	queueTransitionsTotal.WithLabelValues(to, m.serviceName).Inc()
}

// RecordVisitHandling observes the In-Progress duration of a completed visit
func (m *MetricsCollector) RecordVisitHandling(duration time.Duration) {
	if m == nil {
		return
	}
	visitHandlingSeconds.WithLabelValues(m.serviceName).Observe(duration.Seconds())
}

// RecordEventPublished counts a published event
func (m *MetricsCollector) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	eventsPublishedTotal.WithLabelValues(eventType, m.serviceName).Inc()
}

// RecordEventDropped counts an event a slow subscriber missed
func (m *MetricsCollector) RecordEventDropped() {
	if m == nil {
		return
	}
	eventsDroppedTotal.WithLabelValues(m.serviceName).Inc()
}

// AddSubscriber moves the live subscriber gauge by delta
func (m *MetricsCollector) AddSubscriber(transport string, delta float64) {
	if m == nil {
		return
	}
	eventSubscribers.WithLabelValues(transport, m.serviceName).Add(delta)
}

// RecordAuthAttempt records authentication attempt metrics
func (m *MetricsCollector) RecordAuthAttempt(method, status string) {
	if m == nil {
		return
	}
	authAttemptsTotal.WithLabelValues(method, status, m.serviceName).Inc()
}

// RecordRateLimited counts a request rejected by the rate limiter
func (m *MetricsCollector) RecordRateLimited() {
	if m == nil {
		return
	}
	rateLimitedTotal.WithLabelValues(m.serviceName).Inc()
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	if m == nil {
		return
	}
	systemErrors.WithLabelValues(errorType, m.serviceName, component).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware records request counts and latencies labelled by route
// template, so path parameters do not explode label cardinality.
func (m *MetricsCollector) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		m.RecordHTTPRequest(r.Method, routeTemplate(r), strconv.Itoa(wrapper.statusCode), time.Since(start))
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets WebSocket upgrades pass through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
