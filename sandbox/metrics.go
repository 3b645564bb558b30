package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpexec_sandbox_executions_total",
			Help: "Total sandboxed script executions by outcome",
		},
		[]string{"outcome"},
	)

	executionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcpexec_sandbox_execution_duration_seconds",
			Help:    "Wall-clock duration of sandboxed script executions",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

func recordExecution(result ExecutionResult, duration float64) {
	outcome := "success"
	switch {
	case result.TimeoutOccurred:
		outcome = "timeout"
	case result.ExitCode != ExitCodeSuccess:
		outcome = "failure"
	}
	executions.WithLabelValues(outcome).Inc()
	executionDuration.Observe(duration)
}
