// Package metrics provides Prometheus metrics for TuTu Flow: engine
// executions, node latency, generation calls, pipeline throughput and the
// HTTP ingest queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Engine ─────────────────────────────────────────────────────────────────

// EngineExecutions counts engine runs by task type and outcome.
var EngineExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutuflow",
	Name:      "engine_executions_total",
	Help:      "Total engine executions by task type and status.",
}, []string{"task_type", "status"})

// EngineLatency tracks whole-DAG execution time in seconds.
var EngineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tutuflow",
	Name:      "engine_execution_seconds",
	Help:      "Engine execution duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"task_type"})

// NodeLatency tracks per-node execution time in seconds.
var NodeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tutuflow",
	Name:      "node_execution_seconds",
	Help:      "Node execution duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"node"})

// ─── Generation ─────────────────────────────────────────────────────────────

// GenerationRequests counts backend generation calls by model and outcome.
var GenerationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutuflow",
	Name:      "generation_requests_total",
	Help:      "Total generation requests by model and status.",
}, []string{"model", "status"})

// GenerationLatency tracks single generation call latency.
var GenerationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tutuflow",
	Name:      "generation_latency_seconds",
	Help:      "Generation request duration in seconds.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"model"})

// GenerationRetries counts backend retries.
var GenerationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutuflow",
	Name:      "generation_retries_total",
	Help:      "Total generation retries by model.",
}, []string{"model"})

// ─── Pipeline ───────────────────────────────────────────────────────────────

// StageMessages counts messages leaving each stage.
var StageMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutuflow",
	Name:      "stage_messages_total",
	Help:      "Messages emitted by each pipeline stage.",
}, []string{"stage"})

// StageErrors counts dropped messages per stage.
var StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutuflow",
	Name:      "stage_errors_total",
	Help:      "Messages dropped by each pipeline stage because of an error.",
}, []string{"stage"})

// ─── Ingest ─────────────────────────────────────────────────────────────────

// IngestRecords counts records accepted by the HTTP source.
var IngestRecords = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tutuflow",
	Name:      "ingest_records_total",
	Help:      "Records accepted by the HTTP ingest endpoint.",
})

// IngestRejected counts rejected ingest requests by reason.
var IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutuflow",
	Name:      "ingest_rejected_total",
	Help:      "Rejected ingest requests by reason.",
}, []string{"reason"})

// IngestQueueDepth tracks payloads waiting in the ingest queue.
var IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tutuflow",
	Name:      "ingest_queue_depth",
	Help:      "Payloads waiting in the ingest queue.",
})
