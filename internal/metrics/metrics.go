// Package metrics provides Prometheus metrics for DMA benchmark runs.
//
// The package exposes metrics at /metrics when a listen address is
// configured:
//
// Run Metrics:
//   - dmabench_run_info: Run identifier, device and build version
//   - dmabench_context_state: Current engine context state by device
//
// Batch Metrics:
//   - dmabench_batches_total: Batches awaited by benchmark and mode
//   - dmabench_tasks_total: Terminal task callbacks by status
//   - dmabench_batch_duration_seconds: Submit-to-done latency histogram
//   - dmabench_notifier_wakeups_total: Event mode notifier wakeups
//
// Result Metrics:
//   - dmabench_throughput_ops_per_second: Throughput of the last run
//   - dmabench_latency_microseconds: Latency statistics of the last run
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunInfo identifies the current run
	RunInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmabench_run_info",
			Help: "Benchmark run information",
		},
		[]string{"run_id", "device", "version"},
	)

	// ContextState tracks the engine context state (1 = current)
	ContextState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmabench_context_state",
			Help: "Engine context state (1 = current, 0 = other)",
		},
		[]string{"device", "state"},
	)

	// BatchesTotal counts awaited batches
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmabench_batches_total",
			Help: "Total number of task batches awaited",
		},
		[]string{"benchmark", "mode"},
	)

	// TasksTotal counts terminal task callbacks
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmabench_tasks_total",
			Help: "Total number of DMA tasks by terminal status",
		},
		[]string{"benchmark", "mode", "status"},
	)

	// BatchDuration tracks the time from first submission to last completion
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmabench_batch_duration_seconds",
			Help:    "Batch duration from submission to last completion in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-6, 2, 24),
		},
		[]string{"benchmark", "mode"},
	)

	// NotifierWakeups counts notifier wakeups in event mode
	NotifierWakeups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmabench_notifier_wakeups_total",
			Help: "Total number of completion notifier wakeups",
		},
		[]string{"benchmark"},
	)

	// Throughput is the throughput of the last completed run
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmabench_throughput_ops_per_second",
			Help: "Throughput of the last completed run in operations per second",
		},
		[]string{"benchmark", "mode"},
	)

	// Latency holds the latency statistics of the last completed run
	Latency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmabench_latency_microseconds",
			Help: "Per-iteration latency statistics of the last completed run",
		},
		[]string{"benchmark", "mode", "stat"},
	)

	// ErrorsTotal counts run failures by error code
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmabench_errors_total",
			Help: "Total number of benchmark failures by error code",
		},
		[]string{"code"},
	)
)

// Version is set at build time
var Version = "dev"

var contextStates = []string{"idle", "starting", "running", "stopping"}

// Init records the run identity.
func Init(runID, device string) {
	RunInfo.WithLabelValues(runID, device, Version).Set(1)
}

// RecordBatch records one awaited batch of size tasks, failed of which
// completed with an error.
func RecordBatch(benchmark, mode string, size, failed int, duration time.Duration) {
	BatchesTotal.WithLabelValues(benchmark, mode).Inc()
	TasksTotal.WithLabelValues(benchmark, mode, "completed").Add(float64(size - failed))

	if failed > 0 {
		TasksTotal.WithLabelValues(benchmark, mode, "failed").Add(float64(failed))
	}

	BatchDuration.WithLabelValues(benchmark, mode).Observe(duration.Seconds())
}

// AddWakeups adds notifier wakeups.
func AddWakeups(benchmark string, n int64) {
	if n > 0 {
		NotifierWakeups.WithLabelValues(benchmark).Add(float64(n))
	}
}

// SetResult publishes the figures of a completed run.
func SetResult(benchmark, mode string, opsPerSec, minUs, maxUs, meanUs, stddevUs float64) {
	Throughput.WithLabelValues(benchmark, mode).Set(opsPerSec)
	Latency.WithLabelValues(benchmark, mode, "min").Set(minUs)
	Latency.WithLabelValues(benchmark, mode, "max").Set(maxUs)
	Latency.WithLabelValues(benchmark, mode, "mean").Set(meanUs)
	Latency.WithLabelValues(benchmark, mode, "stddev").Set(stddevUs)
}

// SetContextState marks state as the current state of device.
func SetContextState(device, state string) {
	for _, s := range contextStates {
		ContextState.WithLabelValues(device, s).Set(0)
	}

	ContextState.WithLabelValues(device, state).Set(1)
}

// RecordError records a failed run.
func RecordError(code string) {
	ErrorsTotal.WithLabelValues(code).Inc()
}
