package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus metrics for approvalflow
type Metrics struct {
	// Workflow metrics
	StepExecutions   *prometheus.CounterVec
	WorkflowOutcomes *prometheus.CounterVec
	WorkflowRetries  *prometheus.CounterVec

	// Integration metrics
	IntegrationRequests *prometheus.CounterVec
	IntegrationLatency  *prometheus.HistogramVec

	// System metrics
	LockContention  prometheus.Counter
	EventsPublished *prometheus.CounterVec
	LogEntries      *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration
// happens once per process; later calls return the same set.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			StepExecutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approvalflow_step_executions_total",
					Help: "Steps processed by the engine, by outcome (executed, skipped, awaiting_action, failed)",
				},
				[]string{"workflow_id", "step_type", "outcome"},
			),
			WorkflowOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approvalflow_workflow_passes_total",
					Help: "Forward passes through a workflow, by final status",
				},
				[]string{"workflow_id", "status"},
			),
			WorkflowRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approvalflow_workflow_retries_total",
					Help: "Retries of a failed integration step issued by the runner",
				},
				[]string{"workflow_id"},
			),

			IntegrationRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approvalflow_integration_requests_total",
					Help: "Integration dispatches by provider and result",
				},
				[]string{"provider", "success"},
			),
			IntegrationLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "approvalflow_integration_duration_seconds",
					Help:    "Integration dispatch duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
				},
				[]string{"provider"},
			),

			LockContention: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "approvalflow_lock_contention_total",
					Help: "Attempts to advance a request that another writer was already advancing",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approvalflow_events_published_total",
					Help: "Total number of workflow events published",
				},
				[]string{"event_type"},
			),
			LogEntries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approvalflow_log_entries_total",
					Help: "Log entries collected by the log manager, by level",
				},
				[]string{"level"},
			),
		}
	})
	return sharedMetrics
}

// RecordIntegration records one integration dispatch
func (m *Metrics) RecordIntegration(provider string, success bool, latencySeconds float64) {
	successStr := "false"
	if success {
		successStr = "true"
	}
	m.IntegrationRequests.WithLabelValues(provider, successStr).Inc()
	m.IntegrationLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// Push sends the default registry to a Prometheus Pushgateway. Short-lived
// CLI runs use this instead of exposing a scrape endpoint.
func Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
