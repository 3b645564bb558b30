package mcpclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serverConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpexec_server_connects_total",
			Help: "Total MCP server connection attempts by result",
		},
		[]string{"server", "result"},
	)

	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpexec_tool_calls_total",
			Help: "Total dispatched tool calls by status",
		},
		[]string{"server", "status"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpexec_tool_call_duration_seconds",
			Help:    "Duration of dispatched tool calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)
)

func recordConnect(server string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	serverConnects.WithLabelValues(server, result).Inc()
}

func recordToolCall(server string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	toolCalls.WithLabelValues(server, status).Inc()
	toolCallDuration.WithLabelValues(server).Observe(duration)
}
