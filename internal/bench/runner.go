// Package bench drives latency and throughput runs against a DMA engine.
//
// A run acquires its resources in a fixed order, pushing a release for
// each onto a shutdown stack:
//
//  1. Engine context opened on the configured device
//  2. Task callbacks configured and the context started
//  3. Local region allocated and registered
//  4. Peer region imported from the exchange artifacts
//  5. Task pool registered between the two regions
//  6. Completion notifier (event mode only)
//
// The timed loop then submits one batch per iteration and waits for it
// in poll or event mode. Any failure unwinds only what was acquired.
package bench

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/piwi3910/dmabench/internal/config"
	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/exchange"
	"github.com/piwi3910/dmabench/internal/health"
	"github.com/piwi3910/dmabench/internal/metrics"
	"github.com/piwi3910/dmabench/internal/pool"
	"github.com/piwi3910/dmabench/internal/report"
	"github.com/piwi3910/dmabench/internal/shutdown"
	"github.com/piwi3910/dmabench/internal/stats"
	"github.com/piwi3910/dmabench/internal/tracker"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// Kind selects the benchmark.
type Kind string

const (
	// KindLatency times single-task batches.
	KindLatency Kind = "latency"

	// KindThroughput times full batches.
	KindThroughput Kind = "throughput"
)

// Local region fill bytes. The exporter fills its region with
// ExportFill so a read run can check what arrived.
const (
	LocalFill  = '0'
	ExportFill = '1'
)

// Result is the outcome of a completed run.
type Result struct {
	RunID        string
	Kind         Kind
	Device       string
	Mode         tracker.Mode
	Direction    pool.Direction
	TransferSize uint64
	StartedAt    time.Time
	Summary      stats.Summary
	Tasks        tracker.Stats
	Unit         stats.Unit

	// Verified is set when both regions are addressable and the
	// destination matched the source after the last batch.
	Verified bool
}

// Report converts the result for rendering.
func (r *Result) Report() *report.Report {
	return &report.Report{
		RunID:        r.RunID,
		Benchmark:    string(r.Kind),
		Device:       r.Device,
		Mode:         string(r.Mode),
		Direction:    string(r.Direction),
		TransferSize: r.TransferSize,
		StartedAt:    r.StartedAt,
		Summary:      r.Summary,
		Unit:         r.Unit,
		Throughput:   r.Summary.Throughput(r.Unit),
		Completed:    r.Tasks.Completed,
		Failed:       r.Tasks.Failed,
		Wakeups:      r.Tasks.Wakeups,
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithHealth reports context state and task failures to checker.
func WithHealth(checker *health.Checker) Option {
	return func(r *Runner) { r.checker = checker }
}

// WithRunID sets the run identifier. A random one is used otherwise.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// Runner runs benchmarks with one configuration. A Runner is not safe for
// concurrent use.
type Runner struct {
	engine   dpu.Engine
	cfg      *config.Config
	fs       afero.Fs
	checker  *health.Checker
	runID    string
	released []string
}

// NewRunner creates a runner. Exchange artifacts are read from fs.
func NewRunner(engine dpu.Engine, cfg *config.Config, fs afero.Fs, opts ...Option) *Runner {
	r := &Runner{
		engine:  engine,
		cfg:     cfg,
		fs:      fs,
		checker: health.NewChecker(),
		runID:   uuid.NewString(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RunID returns the run identifier.
func (r *Runner) RunID() string { return r.runID }

// Released returns the resources the last run or export released, in
// release order.
func (r *Runner) Released() []string {
	return append([]string{}, r.released...)
}

// session holds the resources of one run.
type session struct {
	ctx      dpu.Context
	local    *dpu.Region
	remote   *dpu.Region
	pool     *pool.Pool
	notifier dpu.Notifier
}

func (r *Runner) sizes(kind Kind) (batch, iterations int, err error) {
	switch kind {
	case KindLatency:
		return 1, r.cfg.Latency.Iterations, nil
	case KindThroughput:
		return r.cfg.Throughput.BatchSize, r.cfg.Throughput.Iterations, nil
	default:
		return 0, 0, dmaerrors.ErrConfiguration.WithMessage(fmt.Sprintf("unknown benchmark %q", kind))
	}
}

// Run executes one benchmark. Resources are released before it returns,
// whether or not the run succeeded.
func (r *Runner) Run(ctx context.Context, kind Kind) (res *Result, err error) {
	batch, iterations, err := r.sizes(kind)
	if err != nil {
		return nil, err
	}

	mode := r.cfg.ParsedMode()
	direction := r.cfg.ParsedDirection()

	// The artifacts are read before any engine resource is taken so a
	// missing peer fails without touching the device.
	desc, err := exchange.New(r.fs, r.cfg.Paths()).Load()
	if err != nil {
		return nil, err
	}

	stack := shutdown.NewStack(string(kind))
	defer func() {
		if uerr := stack.Unwind(); uerr != nil {
			res = nil
			err = multierr.Append(err, dmaerrors.ErrResource.WithOp("teardown").Wrap(uerr))
		}

		r.released = stack.Released()

		if err != nil {
			recordError(err)
		}
	}()

	s, err := r.setup(stack, desc, batch, mode, direction)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("benchmark", string(kind)).
		Str("device", r.cfg.Device).
		Str("mode", string(mode)).
		Str("direction", string(direction)).
		Int("batch_size", batch).
		Int("iterations", iterations).
		Uint64("transfer_size", s.pool.TransferSize()).
		Msg("Starting benchmark")

	res = &Result{
		RunID:        r.runID,
		Kind:         kind,
		Device:       r.cfg.Device,
		Mode:         mode,
		Direction:    direction,
		TransferSize: s.pool.TransferSize(),
		StartedAt:    time.Now(),
		Unit:         r.cfg.ParsedUnit(),
	}

	tr, err := tracker.New(s.ctx, mode, s.notifier)
	if err != nil {
		return nil, err
	}

	collector := stats.NewCollector(iterations)

	if err := r.loop(ctx, s, tr, collector, kind, batch, iterations); err != nil {
		quiesce(s.ctx)
		return nil, err
	}

	res.Summary = collector.Summary(batch)
	res.Tasks = tr.Stats()
	res.Verified = verify(s, direction)

	metrics.AddWakeups(string(kind), res.Tasks.Wakeups)
	metrics.SetResult(string(kind), string(mode), res.Summary.OpsPerSec,
		res.Summary.MinUs, res.Summary.MaxUs, res.Summary.MeanUs, res.Summary.StdDevUs)

	log.Info().
		Str("benchmark", string(kind)).
		Float64("mean_us", res.Summary.MeanUs).
		Float64("stddev_us", res.Summary.StdDevUs).
		Float64("ops_per_sec", res.Summary.OpsPerSec).
		Int64("failed", res.Tasks.Failed).
		Bool("verified", res.Verified).
		Msg("Benchmark completed")

	return res, nil
}

func (r *Runner) loop(ctx context.Context, s *session, tr *tracker.Tracker, col *stats.Collector, kind Kind, batch, iterations int) error {
	tasks := s.pool.Tasks(batch)
	mode := string(tr.Mode())

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			log.Warn().Int("iteration", i).Msg("Benchmark interrupted")
			return fmt.Errorf("benchmark interrupted after %d of %d iterations: %w", i, iterations, err)
		}

		col.Begin()

		b, err := tr.Submit(tasks)
		if err != nil {
			return err
		}

		failed, err := tr.Wait(b)
		d := col.End()

		if err != nil {
			return err
		}

		metrics.RecordBatch(string(kind), mode, b.Size, failed, d)
		r.checker.AddFailures(failed)

		if s.ctx.State() == dpu.StateStopping {
			drain(s.ctx)

			return dmaerrors.ErrEngineTask.
				WithOp("run").
				WithMessage(fmt.Sprintf("engine context stopped at iteration %d", i))
		}
	}

	return nil
}

func recordError(err error) {
	code, ok := dmaerrors.CodeOf(err)
	if !ok {
		code = "unclassified"
	}

	metrics.RecordError(string(code))
}

// quiesce stops a running context and flushes whatever is still in flight
// so teardown never releases buffers under a live task.
func quiesce(c dpu.Context) {
	if c.State() == dpu.StateRunning {
		if err := c.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping engine context")
			return
		}
	}

	drain(c)
}

// drain delivers flushed completions until a stopping context is idle.
func drain(c dpu.Context) {
	for c.State() == dpu.StateStopping {
		c.Progress()
	}
}

func verify(s *session, direction pool.Direction) bool {
	src, dst := s.remote, s.local
	if direction == pool.DirectionWrite {
		src, dst = s.local, s.remote
	}

	n := s.pool.TransferSize()
	if src.Bytes() == nil || dst.Bytes() == nil {
		return false
	}

	return bytes.Equal(src.Bytes()[:n], dst.Bytes()[:n])
}
