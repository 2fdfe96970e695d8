package bench

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/health"
	"github.com/piwi3910/dmabench/internal/metrics"
	tu "github.com/piwi3910/dmabench/internal/testutil"
	"github.com/piwi3910/dmabench/internal/testutil/mocks"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

var fullTeardown = []string{
	ResourcePool,
	ResourceRemote,
	ResourceLocal,
	ResourceStarted,
	ResourceContext,
}

func newSimulated(t *testing.T) (*dpu.SimulatedEngine, afero.Fs, []byte) {
	t.Helper()

	cfg := dpu.DefaultSimulatedConfig()
	cfg.TaskDelay = 0

	engine := dpu.NewSimulatedEngine(cfg)
	fs := afero.NewMemMapFs()
	peer := tu.PublishPeerRegion(t, fs, engine, tu.DefaultTestRegionSize, tu.DefaultTestFill)

	return engine, fs, peer
}

func newMock(t *testing.T) (*mocks.MockEngine, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	tu.WriteDescriptor(t, fs, []byte("mock-export-1"), 0x1000, tu.DefaultTestRegionSize)

	return mocks.NewMockEngine(), fs
}

func TestRunThroughputCompletesEveryTask(t *testing.T) {
	for _, mode := range []string{"poll", "event"} {
		t.Run(mode, func(t *testing.T) {
			engine, fs, _ := newSimulated(t)

			cfg := tu.NewTestConfig()
			cfg.Mode = mode

			r := NewRunner(engine, cfg, fs)

			res, err := r.Run(context.Background(), KindThroughput)
			require.NoError(t, err)

			batch, reps := cfg.Throughput.BatchSize, cfg.Throughput.Iterations
			assert.Equal(t, int64(batch*reps), res.Tasks.Completed)
			assert.Zero(t, res.Tasks.Failed)
			assert.Equal(t, uint64(reps), res.Tasks.Batches)
			assert.Equal(t, reps, res.Summary.Iterations)
			assert.Equal(t, batch, res.Summary.BatchSize)
			assert.Equal(t, uint64(tu.DefaultTestRegionSize), res.TransferSize)
			assert.Greater(t, res.Summary.OpsPerSec, 0.0)
			assert.True(t, res.Verified)

			if mode == "event" {
				assert.Positive(t, res.Tasks.Wakeups)
			} else {
				assert.Zero(t, res.Tasks.Wakeups)
			}

			released := fullTeardown
			if mode == "event" {
				released = append([]string{ResourceNotifier}, fullTeardown...)
			}

			assert.Equal(t, released, r.Released())
			assert.Equal(t, 1, engine.OpenContexts(), "only the peer context stays open")
		})
	}
}

func TestRunLatencyUsesSingleTaskBatches(t *testing.T) {
	engine, fs, _ := newSimulated(t)

	cfg := tu.NewTestConfig()
	cfg.Latency.Iterations = 25

	res, err := NewRunner(engine, cfg, fs).Run(context.Background(), KindLatency)
	require.NoError(t, err)

	assert.Equal(t, 25, res.Summary.Iterations)
	assert.Equal(t, 1, res.Summary.BatchSize)
	assert.Equal(t, int64(25), res.Tasks.Completed)
	assert.LessOrEqual(t, res.Summary.MinUs, res.Summary.MeanUs)
	assert.LessOrEqual(t, res.Summary.MeanUs, res.Summary.MaxUs)
}

func TestRunWriteDirectionFillsPeerRegion(t *testing.T) {
	engine, fs, peer := newSimulated(t)

	cfg := tu.NewTestConfig()
	cfg.Direction = "write"

	res, err := NewRunner(engine, cfg, fs).Run(context.Background(), KindThroughput)
	require.NoError(t, err)

	assert.True(t, res.Verified)
	assert.Equal(t, tu.Pattern(tu.DefaultTestRegionSize, LocalFill), peer)
}

func TestRunCanBeRepeated(t *testing.T) {
	engine, fs, _ := newSimulated(t)
	r := NewRunner(engine, tu.NewTestConfig(), fs)

	for i := 0; i < 3; i++ {
		_, err := r.Run(context.Background(), KindLatency)
		require.NoError(t, err, "run %d", i)
	}

	assert.Equal(t, 1, engine.OpenContexts())
}

func TestRunSetupFailureUnwindsAcquiredResources(t *testing.T) {
	injected := errors.New("injected")

	tests := []struct {
		name     string
		mode     string
		inject   func(m *mocks.MockEngine)
		released []string
		calls    []string
	}{
		{
			name:     "open",
			inject:   func(m *mocks.MockEngine) { m.SetOpenError(injected) },
			released: []string{},
			calls:    []string{"Open"},
		},
		{
			name:     "start",
			inject:   func(m *mocks.MockEngine) { m.SetStartError(injected) },
			released: []string{ResourceContext},
			calls:    []string{"Open", "ConfigureTasks", "Start", "Close"},
		},
		{
			name:     "local region",
			inject:   func(m *mocks.MockEngine) { m.SetCreateRegionError(injected) },
			released: []string{ResourceStarted, ResourceContext},
			calls:    []string{"Open", "ConfigureTasks", "Start", "CreateRegion", "Stop", "Close"},
		},
		{
			name:     "import",
			inject:   func(m *mocks.MockEngine) { m.SetImportRegionError(injected) },
			released: []string{ResourceLocal, ResourceStarted, ResourceContext},
			calls: []string{
				"Open", "ConfigureTasks", "Start", "CreateRegion", "ImportRegion",
				"DestroyRegion", "Stop", "Close",
			},
		},
		{
			name:     "pool",
			inject:   func(m *mocks.MockEngine) { m.SetRegisterBufferError(5, injected) },
			released: []string{ResourceRemote, ResourceLocal, ResourceStarted, ResourceContext},
			calls: []string{
				"Open", "ConfigureTasks", "Start", "CreateRegion", "ImportRegion",
				"DestroyRegion", "DestroyRegion", "Stop", "Close",
			},
		},
		{
			name:     "notifier",
			mode:     "event",
			inject:   func(m *mocks.MockEngine) { m.SetNotifierError(injected) },
			released: fullTeardown,
			calls: []string{
				"Open", "ConfigureTasks", "Start", "CreateRegion", "ImportRegion", "Notifier",
				"DestroyRegion", "DestroyRegion", "Stop", "Close",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, fs := newMock(t)
			tt.inject(engine)

			cfg := tu.NewTestConfig()
			if tt.mode != "" {
				cfg.Mode = tt.mode
			}

			r := NewRunner(engine, cfg, fs)

			res, err := r.Run(context.Background(), KindThroughput)
			assert.Nil(t, res)
			tu.AssertErrorCode(t, dmaerrors.CodeResource, err)
			assert.ErrorIs(t, err, injected)

			assert.Equal(t, tt.released, r.Released())
			assert.Equal(t, tt.calls, engine.Calls())
			tu.AssertNoLeaks(t, engine)

			t.Run("retry succeeds", func(t *testing.T) {
				engine.ClearErrors()

				res, err := NewRunner(engine, cfg, fs).Run(context.Background(), KindThroughput)
				require.NoError(t, err)

				batch, reps := cfg.Throughput.BatchSize, cfg.Throughput.Iterations
				assert.Equal(t, int64(batch*reps), res.Tasks.Completed)
				assert.Equal(t, "Open", engine.Calls()[0])
				assert.Equal(t, "Close", engine.Calls()[len(engine.Calls())-1])
				tu.AssertNoLeaks(t, engine)
			})
		})
	}
}

func TestRunOversizedRemoteRegion(t *testing.T) {
	for _, length := range []uint64{1 << 63, 1 << 40} {
		engine := mocks.NewMockEngine()
		fs := afero.NewMemMapFs()
		tu.WriteDescriptor(t, fs, []byte("mock-export-1"), 0x1000, length)

		r := NewRunner(engine, tu.NewTestConfig(), fs)

		var err error
		require.NotPanics(t, func() { _, err = r.Run(context.Background(), KindLatency) })

		tu.AssertErrorCode(t, dmaerrors.CodeIO, err)
		assert.Empty(t, engine.Calls())
	}
}

func TestRunOversizedRegionSize(t *testing.T) {
	engine, fs := newMock(t)

	cfg := tu.NewTestConfig()
	cfg.RegionSize = 1 << 63

	r := NewRunner(engine, cfg, fs)

	var err error
	require.NotPanics(t, func() { _, err = r.Run(context.Background(), KindLatency) })

	tu.AssertErrorCode(t, dmaerrors.CodeConfiguration, err)
	assert.Empty(t, engine.Calls())
	assert.Empty(t, r.Released())
}

func TestRunMissingDescriptorTouchesNoDevice(t *testing.T) {
	engine := mocks.NewMockEngine()

	_, err := NewRunner(engine, tu.NewTestConfig(), afero.NewMemMapFs()).Run(context.Background(), KindLatency)

	tu.AssertErrorCode(t, dmaerrors.CodeIO, err)
	assert.Empty(t, engine.Calls())
}

func TestRunCountsTaskFailures(t *testing.T) {
	engine, fs := newMock(t)
	engine.SetFailTasks(false, 0, 5)

	cfg := tu.NewTestConfig()
	checker := health.NewChecker()

	res, err := NewRunner(engine, cfg, fs, WithHealth(checker)).Run(context.Background(), KindThroughput)
	require.NoError(t, err)

	reps := int64(cfg.Throughput.Iterations)
	assert.Equal(t, 2*reps, res.Tasks.Failed)
	assert.Equal(t, int64(cfg.Throughput.BatchSize)*reps-2*reps, res.Tasks.Completed)
	assert.Equal(t, health.StatusDegraded, checker.CheckTasks().Status)
	tu.AssertNoLeaks(t, engine)
}

func TestRunFatalFailureDrainsAndFails(t *testing.T) {
	engine, fs := newMock(t)
	engine.SetFailTasks(true, 3)

	r := NewRunner(engine, tu.NewTestConfig(), fs)

	_, err := r.Run(context.Background(), KindThroughput)

	tu.AssertErrorCode(t, dmaerrors.CodeEngineTask, err)
	assert.Equal(t, fullTeardown, r.Released())
	assert.Zero(t, engine.LastContext().InFlight())
	tu.AssertNoLeaks(t, engine)
}

func TestRunSubmitRejection(t *testing.T) {
	engine, fs := newMock(t)
	engine.SetSubmitError(10, errors.New("queue full"))

	_, err := NewRunner(engine, tu.NewTestConfig(), fs).Run(context.Background(), KindThroughput)

	tu.AssertErrorCode(t, dmaerrors.CodeEngineTask, err)
	tu.AssertNoLeaks(t, engine)
}

func TestRunNotificationFailure(t *testing.T) {
	engine, fs := newMock(t)
	engine.SetNotifyErrors(nil, errors.New("epoll failed"), nil)

	cfg := tu.NewTestConfig()
	cfg.Mode = "event"

	_, err := NewRunner(engine, cfg, fs).Run(context.Background(), KindLatency)

	tu.AssertErrorCode(t, dmaerrors.CodeNotification, err)
	tu.AssertNoLeaks(t, engine)
}

func TestRunTeardownErrorsAreReported(t *testing.T) {
	engine, fs := newMock(t)
	engine.SetDestroyRegionError(errors.New("busy"))

	r := NewRunner(engine, tu.NewTestConfig(), fs)

	res, err := r.Run(context.Background(), KindLatency)

	assert.Nil(t, res)
	tu.AssertErrorCode(t, dmaerrors.CodeResource, err)
	assert.Equal(t, fullTeardown, r.Released(), "every release still runs")
}

func TestRunStopsWhenCancelled(t *testing.T) {
	engine, fs := newMock(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(engine, tu.NewTestConfig(), fs).Run(ctx, KindThroughput)

	assert.ErrorIs(t, err, context.Canceled)
	tu.AssertNoLeaks(t, engine)
}

func TestRunUnknownKind(t *testing.T) {
	engine, fs := newMock(t)

	_, err := NewRunner(engine, tu.NewTestConfig(), fs).Run(context.Background(), Kind("bandwidth"))

	tu.AssertErrorCode(t, dmaerrors.CodeConfiguration, err)
	assert.Empty(t, engine.Calls())
}

func TestRunPublishesMetricsAndHealth(t *testing.T) {
	metrics.BatchesTotal.Reset()
	metrics.ContextState.Reset()

	engine, fs := newMock(t)
	checker := health.NewChecker()

	cfg := tu.NewTestConfig()
	_, err := NewRunner(engine, cfg, fs, WithHealth(checker), WithRunID("run-42")).Run(context.Background(), KindThroughput)
	require.NoError(t, err)

	assert.Equal(t, float64(cfg.Throughput.Iterations),
		testutil.ToFloat64(metrics.BatchesTotal.WithLabelValues("throughput", "poll")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.ContextState.WithLabelValues(tu.DefaultTestDevice, "idle")))
	assert.False(t, checker.IsReady())
}

func TestResultReport(t *testing.T) {
	engine, fs, _ := newSimulated(t)

	cfg := tu.NewTestConfig()
	cfg.Throughput.Unit = "mops"

	r := NewRunner(engine, cfg, fs, WithRunID("run-7"))
	res, err := r.Run(context.Background(), KindThroughput)
	require.NoError(t, err)

	rep := res.Report()
	assert.Equal(t, "run-7", rep.RunID)
	assert.Equal(t, "throughput", rep.Benchmark)
	assert.Equal(t, tu.DefaultTestDevice, rep.Device)
	assert.Equal(t, "poll", rep.Mode)
	assert.Equal(t, "read", rep.Direction)
	assert.InDelta(t, res.Summary.OpsPerSec/1e6, rep.Throughput, 1e-9)
	assert.Equal(t, res.Tasks.Completed, rep.Completed)
}

func TestRunUsesConfiguredTransferSize(t *testing.T) {
	engine, fs, _ := newSimulated(t)

	cfg := tu.NewTestConfig()
	cfg.TransferSize = 512

	res, err := NewRunner(engine, cfg, fs).Run(context.Background(), KindLatency)
	require.NoError(t, err)
	assert.Equal(t, uint64(512), res.TransferSize)

	cfg.TransferSize = 1 << 20
	_, err = NewRunner(engine, cfg, fs).Run(context.Background(), KindLatency)
	tu.AssertErrorCode(t, dmaerrors.CodeConfiguration, err)
}
