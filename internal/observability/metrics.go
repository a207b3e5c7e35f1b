package observability

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap API call rate by endpoint (weather, forecast) and status.
	// Watch for: rate_limited growth (quota exhausted).
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Cache reads by kind (weather, forecast) and result (hit, miss). Hit rate = hit/(hit+miss).
	CacheReadsTotal *prometheus.CounterVec

	// Failed refills after a miss. Watch for: any sustained rate (callers see 503).
	CacheRefillErrorsTotal *prometheus.CounterVec

	// Concurrent misses for the same location observed at miss time.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Misses served by an already running fetch (only with coalescing enabled).
	RequestCoalescingHitsTotal *prometheus.CounterVec

	// Location metadata cache lookups by result (hit, miss, error).
	LocationCacheLookupsTotal *prometheus.CounterVec

	// Location cache warm runs. Watch for: errors growing (store unreachable at boot).
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Refresh cycles by job and result (success, error). Watch for: consecutive errors.
	RefreshCyclesTotal *prometheus.CounterVec

	// Refresh cycle wall time. Watch for: durations approaching the interval.
	RefreshCycleDuration *prometheus.HistogramVec

	// Rows upserted by committed refresh cycles.
	RefreshRowsTotal *prometheus.CounterVec

	// Boundaries coalesced because a cycle ran longer than its interval.
	RefreshOverrunsTotal *prometheus.CounterVec

	// Unix time of the last successful cycle per job. Alert when older than 2 intervals.
	RefreshLastSuccessTimestamp *prometheus.GaugeVec

	// Circuit breaker transitions for the provider.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	registerOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	CacheReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheReadsTotal",
			Help: "Durable cache reads by kind and result (hit, miss)",
		},
		[]string{"kind", "result"},
	)
	CacheRefillErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheRefillErrorsTotal",
			Help: "Cache misses whose fetch or upsert failed",
		},
		[]string{"kind", "category"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped another miss for the same location",
		},
		[]string{"kind"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Cache misses that shared an in-flight fetch",
		},
		[]string{"kind"},
	)
	LocationCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationCacheLookupsTotal",
			Help: "Location metadata cache lookups by result",
		},
		[]string{"result"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Location cache warm runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Location cache warm runs with at least one failure",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Location cache warm duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	RefreshCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshCyclesTotal",
			Help: "Bulk refresh cycles by job and result",
		},
		[]string{"job", "result"},
	)
	RefreshCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refreshCycleDurationSeconds",
			Help:    "Bulk refresh cycle duration in seconds",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"job"},
	)
	RefreshRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshRowsTotal",
			Help: "Rows upserted by committed refresh cycles",
		},
		[]string{"job"},
	)
	RefreshOverrunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshOverrunsTotal",
			Help: "Interval boundaries coalesced because a cycle overran",
		},
		[]string{"job"},
	)
	RefreshLastSuccessTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "refreshLastSuccessTimestampSeconds",
			Help: "Unix time of the last committed refresh cycle",
		},
		[]string{"job"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		CacheReadsTotal, CacheRefillErrorsTotal, CacheStampedeDetectedTotal, RequestCoalescingHitsTotal,
		LocationCacheLookupsTotal, CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RefreshCyclesTotal, RefreshCycleDuration, RefreshRowsTotal, RefreshOverrunsTotal, RefreshLastSuccessTimestamp,
		CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterTrackedLocationsGauge exposes the number of tracked locations, evaluated at scrape time.
// count is typically backed by a store query; errors should be reported as -1.
func RegisterTrackedLocationsGauge(count func() float64) {
	registerOnce.Do(func() {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "trackedLocations",
				Help: "Distinct locations with at least one subscriber",
			},
			count,
		))
	})
}

// RecordCacheRead records a durable cache read outcome for kind (weather, forecast).
func RecordCacheRead(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheReadsTotal.WithLabelValues(kind, result).Inc()
}

// RecordRefreshCycle records the outcome of one bulk refresh cycle.
func RecordRefreshCycle(job string, rows int, seconds float64, err error) {
	RefreshCycleDuration.WithLabelValues(job).Observe(seconds)
	if err != nil {
		RefreshCyclesTotal.WithLabelValues(job, "error").Inc()
		return
	}
	RefreshCyclesTotal.WithLabelValues(job, "success").Inc()
	RefreshRowsTotal.WithLabelValues(job).Add(float64(rows))
}

// RecordCircuitBreakerTransition records a provider circuit breaker state change.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// StatusLabel maps an HTTP status code to a stable label for provider metrics.
func StatusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "status_" + strconv.Itoa(statusCode)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
