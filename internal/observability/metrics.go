package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	PoolActiveWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_active_workers",
			Help: "Workers currently executing a task, by pool",
		},
		[]string{"pool"},
	)
	PoolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_queue_depth",
			Help: "Tasks waiting in the submission queue, by pool",
		},
		[]string{"pool"},
	)
	PoolTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_tasks_total",
			Help: "Completed pool tasks by pool and outcome",
		},
		[]string{"pool", "outcome"},
	)
	PoolSaturationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_saturation_total",
			Help: "Submissions rejected because a pool queue was full",
		},
		[]string{"pool"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_transitions_total",
			Help: "Circuit breaker state transitions by adapter",
		},
		[]string{"adapter", "from", "to"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Current circuit state by adapter (0 closed, 1 half-open, 2 open)",
		},
		[]string{"adapter"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by scope and window",
		},
		[]string{"scope", "window"},
	)

	AdapterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adapter_requests_total",
			Help: "Retrieval executions by adapter and outcome",
		},
		[]string{"adapter", "outcome"},
	)
	AdapterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adapter_request_duration_seconds",
			Help:    "Retrieval duration in seconds by adapter",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"adapter"},
	)

	RetrievalTruncationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_truncations_total",
			Help: "Retrievals that returned fewer documents than were available",
		},
		[]string{"adapter"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Upstream provider calls by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Upstream provider call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	ModerationVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_verdicts_total",
			Help: "Moderation verdicts by stage and outcome",
		},
		[]string{"stage", "verdict"},
	)

	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_streams_active",
			Help: "SSE chat streams currently open",
		},
	)
	StreamsStoppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_streams_stopped_total",
			Help: "Chat streams cancelled via the stop endpoint",
		},
	)
)

// InitMetrics registers all collectors with the default registry. Call once
// at startup.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PoolActiveWorkers)
	prometheus.MustRegister(PoolQueueDepth)
	prometheus.MustRegister(PoolTasksTotal)
	prometheus.MustRegister(PoolSaturationTotal)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(AdapterRequestsTotal)
	prometheus.MustRegister(AdapterRequestDuration)
	prometheus.MustRegister(RetrievalTruncationsTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ModerationVerdictsTotal)
	prometheus.MustRegister(StreamsActive)
	prometheus.MustRegister(StreamsStoppedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveProviderCall records one upstream provider call.
func ObserveProviderCall(provider, operation string, start time.Time) {
	ProviderRequestsTotal.WithLabelValues(provider, operation).Inc()
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// ObserveAdapterCall records one retrieval execution.
func ObserveAdapterCall(adapter, outcome string, start time.Time) {
	AdapterRequestsTotal.WithLabelValues(adapter, outcome).Inc()
	AdapterRequestDuration.WithLabelValues(adapter).Observe(time.Since(start).Seconds())
}
