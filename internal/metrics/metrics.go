// Package metrics provides Prometheus metrics for the flow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts flow runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowengine",
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Total number of flow runs by final status",
		},
		[]string{"status"}, // "succeeded", "partially_failed", "failed"
	)

	// RunDuration tracks flow run duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowengine",
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Flow run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// NodesTotal counts node executions by terminal status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowengine",
			Subsystem: "executor",
			Name:      "nodes_total",
			Help:      "Total number of nodes by terminal status",
		},
		[]string{"kind", "status"}, // kind: "function", "integration"
	)

	// NodeDuration tracks node execution duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowengine",
			Subsystem: "executor",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// NodeRetries tracks attempts per node.
	NodeRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowengine",
			Subsystem: "executor",
			Name:      "node_retries",
			Help:      "Number of attempts per node",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// ConnectorSends counts connector sends by type and result.
	ConnectorSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowengine",
			Subsystem: "connector",
			Name:      "sends_total",
			Help:      "Total number of connector sends by result",
		},
		[]string{"type", "result"},
	)

	// SandboxFaults counts script faults by kind.
	SandboxFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowengine",
			Subsystem: "sandbox",
			Name:      "faults_total",
			Help:      "Total number of script faults by kind",
		},
		[]string{"kind"}, // "timeout", "step_limit", "runtime_error"
	)

	// CompileErrors counts flow compilation failures.
	CompileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowengine",
			Subsystem: "flowgraph",
			Name:      "compile_errors_total",
			Help:      "Total number of flow compilation failures",
		},
		[]string{"kind"},
	)

	// EventsTotal counts ingestion events handled by the dispatcher.
	EventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowengine",
			Subsystem: "dispatcher",
			Name:      "events_total",
			Help:      "Total number of ingestion events dispatched",
		},
	)

	// FlowsPerEvent tracks how many flows each event fans out to.
	FlowsPerEvent = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowengine",
			Subsystem: "dispatcher",
			Name:      "flows_per_event",
			Help:      "Number of flow runs launched per ingestion event",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)
)
