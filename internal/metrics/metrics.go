package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the engine's Prometheus metrics. Quorum failures and
// the all-providers-failed condition get dedicated counters so pipeline-wide
// degradation stands out from ordinary per-provider failures.
type Recorder struct {
	decisions        *prometheus.CounterVec
	decideDuration   *prometheus.HistogramVec
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	breakerTrips     *prometheus.CounterVec
	quorumFailures   prometheus.Counter
	allFailed        prometheus.Counter
	executions       *prometheus.CounterVec
	streamPublishes  *prometheus.CounterVec
}

// New creates a new Prometheus metrics recorder. Call it once per process;
// collectors register on the default registry.
func New() *Recorder {
	return &Recorder{
		decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisory_decisions_total",
				Help: "Consensus decisions produced, by strategy, action and fallback tier",
			},
			[]string{"strategy", "action", "tier"},
		),
		decideDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "advisory_decide_duration_seconds",
				Help:    "End-to-end duration of one pipeline invocation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		providerRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisory_provider_requests_total",
				Help: "Provider invocations, by provider and terminal status",
			},
			[]string{"provider", "status"},
		),
		providerLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "advisory_provider_latency_seconds",
				Help:    "Latency of provider invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "advisory_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half_open, 2 open)",
			},
			[]string{"breaker"},
		),
		breakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisory_breaker_trips_total",
				Help: "Circuit breaker trips, by breaker",
			},
			[]string{"breaker"},
		),
		quorumFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "advisory_quorum_failures_total",
				Help: "Invocations rejected because too few providers survived",
			},
		),
		allFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "advisory_all_providers_failed_total",
				Help: "Invocations in which every enabled provider failed",
			},
		),
		executions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisory_executions_total",
				Help: "Execution stage outcomes, by platform and status",
			},
			[]string{"platform", "status"},
		),
		streamPublishes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisory_stream_publishes_total",
				Help: "Decisions published to the Kafka stream, by topic and result",
			},
			[]string{"topic", "result"},
		),
	}
}

// RecordDecision records one produced consensus decision.
func (r *Recorder) RecordDecision(strategy, action, tier string) {
	r.decisions.WithLabelValues(strategy, action, tier).Inc()
}

// RecordDecideDuration records the duration of one pipeline invocation.
func (r *Recorder) RecordDecideDuration(strategy string, d time.Duration) {
	r.decideDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordProviderRequest records one provider invocation outcome.
func (r *Recorder) RecordProviderRequest(provider, status string) {
	r.providerRequests.WithLabelValues(provider, status).Inc()
}

// RecordProviderLatency records the latency of one provider invocation.
func (r *Recorder) RecordProviderLatency(provider string, d time.Duration) {
	r.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// SetBreakerState records the current state of a breaker.
func (r *Recorder) SetBreakerState(breaker, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	r.breakerState.WithLabelValues(breaker).Set(v)
}

// RecordBreakerTrip records one breaker trip.
func (r *Recorder) RecordBreakerTrip(breaker string) {
	r.breakerTrips.WithLabelValues(breaker).Inc()
}

// RecordQuorumFailure records one quorum rejection.
func (r *Recorder) RecordQuorumFailure() {
	r.quorumFailures.Inc()
}

// RecordAllProvidersFailed records one all-failed invocation.
func (r *Recorder) RecordAllProvidersFailed() {
	r.allFailed.Inc()
}

// RecordExecution records one execution stage outcome.
func (r *Recorder) RecordExecution(platform, status string) {
	r.executions.WithLabelValues(platform, status).Inc()
}

// RecordStreamPublish records one stream publish attempt.
func (r *Recorder) RecordStreamPublish(topic, result string) {
	r.streamPublishes.WithLabelValues(topic, result).Inc()
}
