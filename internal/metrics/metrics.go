package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propush_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propush_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propush_actions_total",
			Help: "Push actions handled by action name and HTTP status",
		},
		[]string{"action", "status"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propush_deliveries_total",
			Help: "Delivery attempts by provider and outcome (success, expired, other)",
		},
		[]string{"provider", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propush_delivery_duration_seconds",
			Help:    "Latency of one provider call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	eligibilityBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propush_eligibility_blocks_total",
			Help: "Sends suppressed by user preferences, by reason",
		},
		[]string{"reason"},
	)

	subscriptionsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propush_subscriptions_registered_total",
			Help: "Subscription registrations by result (created, updated)",
		},
		[]string{"result"},
	)

	subscriptionsDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propush_subscriptions_deactivated_total",
			Help: "Subscriptions deactivated by cause (expired, unsubscribe)",
		},
		[]string{"cause"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propush_dispatch_duration_seconds",
			Help:    "Time to complete a dispatch call by kind (single, bulk)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "propush_provider_breaker_state",
			Help: "Provider host circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"host"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "propush_idempotency_hits_total",
			Help: "Send actions served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propush_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter, by caller kind",
		},
		[]string{"caller"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "propush_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "propush_redis_connections_active",
			Help: "Open Redis connections",
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

// RecordAction records the outcome of one push action.
func RecordAction(action string, status int) {
	actionsTotal.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

// RecordDelivery records one provider call.
func RecordDelivery(provider, outcome string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(provider, outcome).Inc()
	deliveryDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordBlocked records a send suppressed by eligibility.
func RecordBlocked(reason string) {
	eligibilityBlocks.WithLabelValues(reason).Inc()
}

// RecordSubscriptionRegistered records a subscribe call.
func RecordSubscriptionRegistered(updated bool) {
	result := "created"
	if updated {
		result = "updated"
	}
	subscriptionsRegistered.WithLabelValues(result).Inc()
}

// RecordSubscriptionDeactivated records a subscription leaving the active set.
func RecordSubscriptionDeactivated(cause string) {
	subscriptionsDeactivated.WithLabelValues(cause).Inc()
}

// RecordDispatch records the duration of a SendToUser or SendBulk call.
func RecordDispatch(kind string, duration time.Duration) {
	dispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetBreakerState publishes a provider host breaker state.
func SetBreakerState(host string, state int) {
	breakerState.WithLabelValues(host).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(caller string) {
	rateLimitRejections.WithLabelValues(caller).Inc()
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets open Redis connection count
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

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
