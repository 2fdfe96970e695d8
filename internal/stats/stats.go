// Package stats collects per-iteration timings and reduces them to the
// latency and throughput figures a benchmark reports.
package stats

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// Collector records one duration per iteration. Storage is allocated up
// front so recording inside a timed loop does not allocate.
type Collector struct {
	started time.Time
	samples []time.Duration
}

// NewCollector creates a collector sized for capacity samples.
func NewCollector(capacity int) *Collector {
	return &Collector{samples: make([]time.Duration, 0, max(capacity, 0))}
}

// Begin marks the start of an iteration.
func (c *Collector) Begin() {
	c.started = time.Now()
}

// End records the time since Begin and returns it.
func (c *Collector) End() time.Duration {
	d := time.Since(c.started)
	c.samples = append(c.samples, d)

	return d
}

// Record adds a measured duration.
func (c *Collector) Record(d time.Duration) {
	c.samples = append(c.samples, d)
}

// Len returns the number of samples.
func (c *Collector) Len() int { return len(c.samples) }

// Samples returns the recorded durations.
func (c *Collector) Samples() []time.Duration { return c.samples }

// Reduction holds the basic statistics of a sample set.
type Reduction struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

// Reduce computes min, max, mean and population standard deviation. An
// empty input reduces to zeros and a single sample has zero deviation.
func Reduce(x []float64) Reduction {
	switch len(x) {
	case 0:
		return Reduction{}
	case 1:
		return Reduction{Min: x[0], Max: x[0], Mean: x[0]}
	}

	mean, std := stat.PopMeanStdDev(x, nil)

	return Reduction{
		Min:    floats.Min(x),
		Max:    floats.Max(x),
		Mean:   mean,
		StdDev: std,
	}
}

// Summary is the report of one benchmark run. Latencies are per
// iteration, in microseconds.
type Summary struct {
	Iterations int           `json:"iterations" yaml:"iterations"`
	BatchSize  int           `json:"batch_size" yaml:"batch_size"`
	MinUs      float64       `json:"min_us" yaml:"min_us"`
	MaxUs      float64       `json:"max_us" yaml:"max_us"`
	MeanUs     float64       `json:"mean_us" yaml:"mean_us"`
	StdDevUs   float64       `json:"stddev_us" yaml:"stddev_us"`
	P50Us      float64       `json:"p50_us" yaml:"p50_us"`
	P99Us      float64       `json:"p99_us" yaml:"p99_us"`
	Total      time.Duration `json:"total" yaml:"total"`
	OpsPerSec  float64       `json:"ops_per_sec" yaml:"ops_per_sec"`
}

// Summary reduces the samples. batchSize is the number of tasks each
// iteration completed and scales the throughput figure.
func (c *Collector) Summary(batchSize int) Summary {
	s := Summary{Iterations: len(c.samples), BatchSize: batchSize}
	if len(c.samples) == 0 {
		return s
	}

	us := make([]float64, len(c.samples))
	for i, d := range c.samples {
		us[i] = float64(d) / float64(time.Microsecond)
		s.Total += d
	}

	r := Reduce(us)
	s.MinUs, s.MaxUs, s.MeanUs, s.StdDevUs = r.Min, r.Max, r.Mean, r.StdDev

	slices.Sort(us)
	s.P50Us = stat.Quantile(0.5, stat.Empirical, us, nil)
	s.P99Us = stat.Quantile(0.99, stat.Empirical, us, nil)

	if s.Total > 0 {
		s.OpsPerSec = float64(len(c.samples)*batchSize) / s.Total.Seconds()
	}

	return s
}

// Throughput returns the throughput in unit.
func (s Summary) Throughput(unit Unit) float64 {
	return s.OpsPerSec / unit.Scale()
}

// Unit is a throughput display unit.
type Unit string

// Throughput units.
const (
	UnitOps  Unit = "ops"
	UnitKops Unit = "kops"
	UnitMops Unit = "mops"
)

// ParseUnit validates a unit name, case-insensitively.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(s)); u {
	case UnitOps, UnitKops, UnitMops:
		return u, nil
	default:
		return "", dmaerrors.ErrConfiguration.WithMessage(fmt.Sprintf("unknown throughput unit %q", s))
	}
}

// Scale returns the number of operations per unit.
func (u Unit) Scale() float64 {
	switch u {
	case UnitKops:
		return 1e3
	case UnitMops:
		return 1e6
	default:
		return 1
	}
}

// Label returns the per-second display label.
func (u Unit) Label() string {
	switch u {
	case UnitKops:
		return "Kops/s"
	case UnitMops:
		return "Mops/s"
	default:
		return "ops/s"
	}
}
