package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"app_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgateway_request_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"app_id", "provider", "model", "type"},
	)

	CreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_credits_total",
			Help: "Total credits charged",
		},
		[]string{"app_id", "provider", "model"},
	)

	StreamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_stream_outcomes_total",
			Help: "Terminal outcome of translated streams (completed, errored, canceled, timeout)",
		},
		[]string{"provider", "outcome"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelgateway_active_streams",
			Help: "Number of streams currently being translated",
		},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	SignatureRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_signature_rejections_total",
			Help: "Inbound requests rejected by envelope or token verification",
		},
		[]string{"reason"},
	)

	ForwardRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_forward_requests_total",
			Help: "Requests proxied to internal services",
		},
		[]string{"target", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelgateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"target"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgateway_phase_duration_seconds",
			Help:    "Duration of named request phases",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"phase"},
	)

	CallsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_calls_recorded_total",
			Help: "Raw model calls recorded, by status",
		},
		[]string{"status"},
	)

	BucketsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_usage_buckets_written_total",
			Help: "Usage bucket rows written by the aggregator",
		},
		[]string{"time_type"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgateway_job_runs_total",
			Help: "Background job runs by outcome",
		},
		[]string{"job", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgateway_job_duration_seconds",
			Help:    "Background job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelgateway_rate_limited_total",
			Help: "Chat requests rejected by the per-scope rate limit",
		},
	)

	RowsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelgateway_rows_archived_total",
			Help: "Raw model calls moved to cold storage",
		},
	)
)

func RecordRequest(appID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(appID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(appID, provider, model string, promptTokens, completionTokens int64) {
	TokensTotal.WithLabelValues(appID, provider, model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(appID, provider, model, "completion").Add(float64(completionTokens))
}

func RecordCredits(appID, provider, model string, credits float64) {
	CreditsTotal.WithLabelValues(appID, provider, model).Add(credits)
}

func RecordStreamOutcome(provider, outcome string) {
	StreamOutcomes.WithLabelValues(provider, outcome).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordSignatureRejection(reason string) {
	SignatureRejections.WithLabelValues(reason).Inc()
}

func RecordForward(target, result string) {
	ForwardRequests.WithLabelValues(target, result).Inc()
}

func SetCircuitBreakerState(target string, state int) {
	CircuitBreakerState.WithLabelValues(target).Set(float64(state))
}

func ObservePhase(phase string, seconds float64) {
	PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

func RecordCall(status string) {
	CallsRecorded.WithLabelValues(status).Inc()
}

func RecordBucketsWritten(timeType string, n int) {
	BucketsWritten.WithLabelValues(timeType).Add(float64(n))
}

func RecordJobRun(job, status string, durationSec float64) {
	JobRuns.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(durationSec)
}

func RecordArchived(n int64) {
	RowsArchived.Add(float64(n))
}

func RecordRateLimited() {
	RateLimited.Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
