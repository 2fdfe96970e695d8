package bench

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/exchange"
	tu "github.com/piwi3910/dmabench/internal/testutil"
	"github.com/piwi3910/dmabench/internal/testutil/mocks"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

func TestExportServesConsumerRun(t *testing.T) {
	cfg := dpu.DefaultSimulatedConfig()
	cfg.TaskDelay = 0

	engine := dpu.NewSimulatedEngine(cfg)
	fs := afero.NewMemMapFs()

	producer := NewRunner(engine, tu.NewTestConfig(), fs)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan *exchange.Descriptor, 1)
	done := make(chan error, 1)

	go func() {
		done <- producer.Export(ctx, func(d *exchange.Descriptor) { ready <- d })
	}()

	var desc *exchange.Descriptor
	select {
	case desc = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("export did not publish")
	}

	assert.Equal(t, uint64(DefaultExportSize), desc.Length)

	res, err := NewRunner(engine, tu.NewTestConfig(), fs).Run(context.Background(), KindThroughput)
	require.NoError(t, err)
	assert.True(t, res.Verified)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("export did not stop")
	}

	assert.Equal(t, []string{ResourceExport, ResourceLocal, ResourceContext}, producer.Released())
	assert.Zero(t, engine.OpenContexts())

	for _, path := range []string{tu.DefaultTestDescriptorPath, tu.DefaultTestBufferInfoPath} {
		exists, err := afero.Exists(fs, path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}
}

func TestExportUsesConfiguredRegionSize(t *testing.T) {
	engine := mocks.NewMockEngine()
	fs := afero.NewMemMapFs()

	cfg := tu.NewTestConfig()
	cfg.RegionSize = 64 << 10

	ctx, cancel := context.WithCancel(context.Background())

	var got *exchange.Descriptor

	err := NewRunner(engine, cfg, fs).Export(ctx, func(d *exchange.Descriptor) {
		got = d
		cancel()
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(64<<10), got.Length)
	assert.Equal(t, []string{"Open", "CreateRegion", "ExportRegion", "DestroyRegion", "Close"}, engine.Calls())
	tu.AssertNoLeaks(t, engine)
}

func TestExportFailureUnwinds(t *testing.T) {
	engine := mocks.NewMockEngine()
	engine.SetExportRegionError(errors.New("not exportable"))

	r := NewRunner(engine, tu.NewTestConfig(), afero.NewMemMapFs())

	err := r.Export(context.Background(), nil)

	tu.AssertErrorCode(t, dmaerrors.CodeResource, err)
	assert.Equal(t, []string{ResourceLocal, ResourceContext}, r.Released())
	tu.AssertNoLeaks(t, engine)
}

func TestExportWriteFailureIsIOError(t *testing.T) {
	engine := mocks.NewMockEngine()
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())

	err := NewRunner(engine, tu.NewTestConfig(), fs).Export(context.Background(), nil)

	tu.AssertErrorCode(t, dmaerrors.CodeIO, err)
	tu.AssertNoLeaks(t, engine)
}
