package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PipelinesStarted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_started_total", Help: "Pipelines accepted at the entry point"})
	LockContention          = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_lock_contention_total", Help: "Entry requests rejected because the attachment is already processing"})
	RateLimitRejects        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Entry requests rejected by the rate limiter"})
	StepOutcomes            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_step_outcomes_total", Help: "Step worker invocations by outcome"}, []string{"step", "outcome"})
	RetriesScheduled        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_retries_scheduled_total", Help: "Retries scheduled after transient upstream failures"}, []string{"step"})
	UpstreamErrors          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_upstream_errors_total", Help: "Classified upstream failures"}, []string{"step", "kind"})
	EmbeddingBackendResults = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_embedding_backend_results_total", Help: "Embedding backend calls by model and result"}, []string{"model", "result"})
	EnqueueCounter          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queue_enqueued_total", Help: "Messages enqueued by kind"}, []string{"kind"})
	Deliveries              = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queue_deliveries_total", Help: "Push deliveries by result"}, []string{"result"})
	DeadLetters             = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_dead_letter_total", Help: "Messages moved to the DLQ"})
	QueueDepthGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth", Help: "Ready queue depth"})
	InFlightGauge           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_inflight", Help: "Messages currently being delivered"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PipelinesStarted,
			LockContention,
			RateLimitRejects,
			StepOutcomes,
			RetriesScheduled,
			UpstreamErrors,
			EmbeddingBackendResults,
			EnqueueCounter,
			Deliveries,
			DeadLetters,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
