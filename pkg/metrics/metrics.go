// Package metrics exposes xstream's Prometheus metrics: gauges and
// counters for the Stream Manager, Browser Pool, Rate-Limit Registry,
// Agent Orchestrator and Event Bus, plus a Timer helper for histogram
// observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream Manager metrics
	StreamsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xstream_streams_total",
			Help: "Total number of streams by kind and state",
		},
		[]string{"kind", "state"},
	)

	StreamConsecutiveErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xstream_stream_consecutive_errors",
			Help: "Consecutive error count per stream",
		},
		[]string{"stream_id"},
	)

	StreamPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_stream_polls_total",
			Help: "Total number of poll attempts by stream kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	StreamPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xstream_stream_poll_duration_seconds",
			Help:    "Time taken for one poll cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_events_emitted_total",
			Help: "Total number of events emitted onto the event bus by topic",
		},
		[]string{"topic"},
	)

	// Browser Pool metrics
	PoolHandlesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xstream_pool_handles_total",
			Help: "Total number of browser handles by connection state",
		},
		[]string{"state"},
	)

	PoolPagesInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xstream_pool_pages_in_use",
			Help: "Total number of pages currently leased out",
		},
	)

	PoolAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xstream_pool_acquire_duration_seconds",
			Help:    "Time taken to acquire a page lease in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolAcquireTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xstream_pool_acquire_timeouts_total",
			Help: "Total number of page-lease acquisitions that timed out",
		},
	)

	PoolHandlesRecycledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xstream_pool_handles_recycled_total",
			Help: "Total number of browser handles destroyed (over max age, disconnected, or pool closed)",
		},
	)

	// Scraper operation metrics
	ScraperOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_scraper_operations_total",
			Help: "Total number of scraper operations by name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	ScraperOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xstream_scraper_operation_duration_seconds",
			Help:    "Scraper operation duration in seconds by name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Rate-Limit Registry metrics
	RateLimitRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xstream_rate_limit_remaining",
			Help: "Remaining request budget per endpoint in the current window",
		},
		[]string{"endpoint"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_rate_limited_total",
			Help: "Total number of requests throttled or rejected by endpoint",
		},
		[]string{"endpoint"},
	)

	RateLimitWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xstream_rate_limit_wait_duration_seconds",
			Help:    "Time spent blocked in Throttle by endpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Agent Orchestrator metrics
	AgentActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_agent_actions_total",
			Help: "Total number of agent actions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	AgentQuotaRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xstream_agent_quota_remaining",
			Help: "Remaining daily quota by agent and action kind",
		},
		[]string{"agent_id", "kind"},
	)

	AgentLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xstream_agent_loop_duration_seconds",
			Help:    "Time taken for one agent orchestrator loop iteration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// State Store metrics
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xstream_store_operations_total",
			Help: "Total number of state store operations by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xstream_store_operation_duration_seconds",
			Help:    "State store operation duration in seconds by verb",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)
)

func init() {
	prometheus.MustRegister(StreamsTotal)
	prometheus.MustRegister(StreamConsecutiveErrors)
	prometheus.MustRegister(StreamPollsTotal)
	prometheus.MustRegister(StreamPollDuration)
	prometheus.MustRegister(EventsEmittedTotal)

	prometheus.MustRegister(PoolHandlesTotal)
	prometheus.MustRegister(PoolPagesInUse)
	prometheus.MustRegister(PoolAcquireDuration)
	prometheus.MustRegister(PoolAcquireTimeoutsTotal)
	prometheus.MustRegister(PoolHandlesRecycledTotal)

	prometheus.MustRegister(ScraperOperationsTotal)
	prometheus.MustRegister(ScraperOperationDuration)

	prometheus.MustRegister(RateLimitRemaining)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(RateLimitWaitDuration)

	prometheus.MustRegister(AgentActionsTotal)
	prometheus.MustRegister(AgentQuotaRemaining)
	prometheus.MustRegister(AgentLoopDuration)

	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(StoreOperationDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
