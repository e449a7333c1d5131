// Package metrics provides Prometheus collectors for Kiln: instance
// lifecycle gauges, acquire latency, and task outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Pool ───────────────────────────────────────────────────────────────────

// InstancesByState tracks live instances per model and lifecycle state.
var InstancesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "pool_instances",
	Help:      "Live instances per model and state.",
}, []string{"model", "state"})

// WaitersQueued tracks acquires blocked in the per-model waiter queue.
var WaitersQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "pool_waiters",
	Help:      "Acquires queued waiting for an instance.",
}, []string{"model"})

// AcquireLatency tracks time from acquire to lease issuance.
var AcquireLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "kiln",
	Name:      "pool_acquire_seconds",
	Help:      "Time from acquire to lease issuance.",
	Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
}, []string{"model"})

// EvictionsTotal counts TTL evictions per model.
var EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "pool_evictions_total",
	Help:      "Idle instances disposed on TTL expiry.",
}, []string{"model"})

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksTotal counts finished tasks by kind and finish reason.
var TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "tasks_total",
	Help:      "Finished tasks by kind and finish reason.",
}, []string{"kind", "finish_reason"})

// TaskDuration tracks task execution time.
var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "kiln",
	Name:      "task_duration_seconds",
	Help:      "Task execution duration.",
	Buckets:   prometheus.DefBuckets,
}, []string{"kind"})

// ─── Store ──────────────────────────────────────────────────────────────────

// DownloadBytes counts bytes downloaded per model.
var DownloadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "store_download_bytes_total",
	Help:      "Model file bytes downloaded.",
}, []string{"model"})
