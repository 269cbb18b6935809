// Package metrics defines the Prometheus instrumentation for the engine and
// HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowmill"

var (
	// Run lifecycle

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "runs_total",
		Help:      "Total runs by terminal status.",
	}, []string{"status"})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "runs_active",
		Help:      "Number of runs currently executing.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of completed runs.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	// Node execution

	NodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "nodes_total",
		Help:      "Total node executions by node type and terminal status.",
	}, []string{"node_type", "status"})

	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "node_duration_seconds",
		Help:      "Node execution duration by node type.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"node_type"})

	NodeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "node_retries_total",
		Help:      "Retry attempts beyond the first, by node type.",
	}, []string{"node_type"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "events_total",
		Help:      "Run events appended, by event type.",
	}, []string{"type"})

	// HTTP surface

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, normalized path and status code.",
	}, []string{"method", "path", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and normalized path.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	SSEActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "sse_active_connections",
		Help:      "Open SSE event stream connections.",
	})

	SSEConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "sse_connection_duration_seconds",
		Help:      "Lifetime of closed SSE connections.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	WSActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "ws_active_connections",
		Help:      "Open WebSocket event stream connections.",
	})
)
