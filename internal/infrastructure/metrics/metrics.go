package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appforge"

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_requests_total",
		Help:      "Inbound task requests by disposition.",
	}, []string{"disposition"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_runs_total",
		Help:      "Task runs that reached a terminal state.",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_run_duration_seconds",
		Help:      "Wall time of a task run from start to terminal state.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	ArtifactCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifact_commits_total",
		Help:      "Per-file commit attempts by outcome.",
	}, []string{"file", "outcome"})

	GeneratorFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generator_fallbacks_total",
		Help:      "Runs that used templated artifacts instead of generated ones.",
	})

	NotificationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_attempts_total",
		Help:      "Evaluation callback attempts by result.",
	}, []string{"result"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
