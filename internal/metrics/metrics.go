package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_submitted_total",
			Help: "Notifications accepted by channel",
		},
		[]string{"channel"},
	)

	duplicateRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_duplicate_requests_total",
			Help: "Submissions answered with an existing notification, by lookup source",
		},
		[]string{"source"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time spent in the provider call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retries_scheduled_total",
			Help: "Failed attempts rescheduled with backoff",
		},
		[]string{"channel"},
	)

	finalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_failed_total",
			Help: "Notifications that exhausted their retries",
		},
		[]string{"channel"},
	)

	notificationsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_expired_total",
			Help: "PENDING notifications moved to EXPIRED",
		},
		[]string{"channel"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_sweep_duration_seconds",
			Help:    "Duration of one retry sweep cycle",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10},
		},
	)

	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_dispatch_queue_depth",
			Help: "Notifications waiting in the in-process dispatch queue",
		},
	)

	dispatchDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_dispatch_dropped_total",
			Help: "Dispatches refused because the queue was full",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	auditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_audit_dropped_total",
			Help: "Audit entries dropped because the buffer was full",
		},
	)

	auditWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_audit_write_errors_total",
			Help: "Failed audit batch writes by sink",
		},
		[]string{"sink"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSubmitted records an accepted notification
func RecordSubmitted(channel string) {
	notificationsSubmitted.WithLabelValues(channel).Inc()
}

// RecordDuplicate records a submission resolved to an existing notification.
// source is "cache" or "store".
func RecordDuplicate(source string) {
	duplicateRequests.WithLabelValues(source).Inc()
}

// RecordDeliveryAttempt records the outcome of one sender call
func RecordDeliveryAttempt(channel, outcome string) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryLatency records provider call time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRetryScheduled records a failed attempt that will be retried
func RecordRetryScheduled(channel string) {
	retriesScheduled.WithLabelValues(channel).Inc()
}

// RecordFinalFailure records a notification that ran out of retries
func RecordFinalFailure(channel string) {
	finalFailures.WithLabelValues(channel).Inc()
}

// RecordExpired records a notification swept to EXPIRED
func RecordExpired(channel string) {
	notificationsExpired.WithLabelValues(channel).Inc()
}

// RecordSweep records how long a sweep cycle took
func RecordSweep(duration time.Duration) {
	sweepDuration.Observe(duration.Seconds())
}

// SetDispatchQueueDepth sets the in-process queue depth
func SetDispatchQueueDepth(depth int) {
	dispatchQueueDepth.Set(float64(depth))
}

// RecordDispatchDropped records a dispatch refused by a full queue
func RecordDispatchDropped() {
	dispatchDropped.Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordAuditDropped records an audit entry lost to a full buffer
func RecordAuditDropped() {
	auditDropped.Inc()
}

// RecordAuditWriteError records a failed batch write to a sink
func RecordAuditWriteError(sink string) {
	auditWriteErrors.WithLabelValues(sink).Inc()
}

// SetCircuitState publishes a breaker's state as a number
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled with the chi route pattern so ids in paths don't explode the
// label space.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
