package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for teardown monitoring.
var (
	// teardownDuration tracks the duration of the last unwind.
	teardownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmabench_teardown_duration_seconds",
		Help: "Duration of the last resource teardown in seconds",
	})

	// releasesTotal counts resources released successfully.
	releasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmabench_teardown_releases_total",
		Help: "Total number of resources released during teardown",
	})

	// teardownErrors counts failed releases.
	teardownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmabench_teardown_errors_total",
		Help: "Total number of errors during teardown",
	})
)

// SetTeardownDuration sets the teardown duration metric.
func SetTeardownDuration(d time.Duration) {
	teardownDuration.Set(d.Seconds())
}

// IncrementReleases increments the released resources counter.
func IncrementReleases() {
	releasesTotal.Inc()
}

// IncrementTeardownErrors increments the teardown errors counter.
func IncrementTeardownErrors() {
	teardownErrors.Inc()
}
