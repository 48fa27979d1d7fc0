package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_pipeline_results_total",
			Help: "Total pipeline results by result kind and error kind.",
		},
		[]string{"kind", "error_kind"},
	)
	pipelineStageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckask_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"stage"},
	)
	generationAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckask_generation_attempts",
			Help:    "SQL generation attempts used per request.",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_sql_validations_total",
			Help: "SQL validation outcomes.",
		},
		[]string{"outcome"},
	)
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_auth_failures_total",
			Help: "Rejected API requests by reason.",
		},
		[]string{"reason"},
	)
	classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_classifications_total",
			Help: "Intent classifications by category.",
		},
		[]string{"category", "fallback"},
	)
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_llm_calls_total",
			Help: "Language model calls by task and status.",
		},
		[]string{"task", "status"},
	)
	llmCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckask_llm_call_duration_seconds",
			Help:    "Language model call latency including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"task"},
	)
	metadataSnapshotAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duckask_metadata_snapshot_age_seconds",
			Help: "Age of the cached metadata snapshot.",
		},
	)
	metadataSnapshotAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duckask_metadata_snapshot_available",
			Help: "1 when a fresh metadata snapshot is cached.",
		},
	)
	metadataRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_metadata_refresh_total",
			Help: "Metadata cache refreshes by outcome.",
		},
		[]string{"outcome"},
	)
	metadataPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_metadata_publish_total",
			Help: "Metadata publish runs by status.",
		},
		[]string{"status"},
	)
	metadataExamplesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckask_metadata_examples_dropped_total",
			Help: "Synthesized examples dropped because they failed validation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineResultsTotal,
		pipelineStageSeconds,
		generationAttempts,
		validationsTotal,
		classificationsTotal,
		authFailuresTotal,
		llmCallsTotal,
		llmCallSeconds,
		metadataSnapshotAgeSeconds,
		metadataSnapshotAvailable,
		metadataRefreshTotal,
		metadataPublishTotal,
		metadataExamplesDropped,
	)
}

func ObservePipelineResult(kind, errorKind string, attempts int) {
	pipelineResultsTotal.WithLabelValues(kind, errorKind).Inc()
	if attempts > 0 {
		generationAttempts.Observe(float64(attempts))
	}
}

func ObserveAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}

func ObserveStage(stage string, elapsed time.Duration) {
	pipelineStageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func ObserveValidation(valid bool) {
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	validationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveClassification(category string, fallback bool) {
	classificationsTotal.WithLabelValues(category, boolLabel(fallback)).Inc()
}

func ObserveLLMCall(task, status string, elapsed time.Duration) {
	llmCallsTotal.WithLabelValues(task, status).Inc()
	llmCallSeconds.WithLabelValues(task).Observe(elapsed.Seconds())
}

func SetMetadataSnapshotState(available bool, ageSeconds float64) {
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	metadataSnapshotAgeSeconds.Set(ageSeconds)
	if available {
		metadataSnapshotAvailable.Set(1)
	} else {
		metadataSnapshotAvailable.Set(0)
	}
}

func ObserveMetadataRefresh(outcome string) {
	metadataRefreshTotal.WithLabelValues(outcome).Inc()
}

func ObserveMetadataPublish(status string, droppedExamples int) {
	metadataPublishTotal.WithLabelValues(status).Inc()
	if droppedExamples > 0 {
		metadataExamplesDropped.Add(float64(droppedExamples))
	}
}

func boolLabel(value bool) string {
	if value {
		return "true"
	}
	return "false"
}
