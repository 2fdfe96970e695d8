package testutil

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dmabench/internal/config"
	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/exchange"
)

// Test fixture constants.
const (
	// DefaultTestDevice is the device every test engine exposes.
	DefaultTestDevice = "b1:00.0"
	// DefaultTestDescriptorPath is where tests publish the export blob.
	DefaultTestDescriptorPath = "/run/dmabench/export_desc.txt"
	// DefaultTestBufferInfoPath is where tests publish the region coordinates.
	DefaultTestBufferInfoPath = "/run/dmabench/buffer_info.txt"
	// DefaultTestRegionSize is the size of peer regions in tests.
	DefaultTestRegionSize = 4096
	// DefaultTestFill is the byte peer regions are filled with.
	DefaultTestFill = '1'
)

// NewTestConfig returns a valid configuration sized for unit tests.
// Override fields as needed for specific test cases.
func NewTestConfig() *config.Config {
	sim := dpu.DefaultSimulatedConfig()
	sim.TaskDelay = 0

	return &config.Config{
		Device:         DefaultTestDevice,
		DescriptorPath: DefaultTestDescriptorPath,
		BufferInfoPath: DefaultTestBufferInfoPath,
		Mode:           "poll",
		Direction:      "read",
		Latency:        config.LatencyConfig{Iterations: 50},
		Throughput: config.ThroughputConfig{
			BatchSize:  64,
			Iterations: 4,
			Unit:       "kops",
		},
		Engine: config.EngineConfig{
			Driver:        config.DriverSimulated,
			TaskDelay:     sim.TaskDelay,
			MaxTasks:      sim.MaxTasks,
			MaxBufferSize: sim.MaxBufferSize,
			InventorySize: sim.InventorySize,
		},
		LogLevel: "debug",
	}
}

// TestPaths returns the artifact paths of NewTestConfig.
func TestPaths() exchange.Paths {
	return exchange.Paths{
		Descriptor: DefaultTestDescriptorPath,
		BufferInfo: DefaultTestBufferInfoPath,
	}
}

// WriteDescriptor writes exchange artifacts directly.
func WriteDescriptor(t *testing.T, fs afero.Fs, blob []byte, addr, length uint64) {
	t.Helper()

	ex := exchange.New(fs, TestPaths())
	require.NoError(t, ex.Write(&exchange.Descriptor{Blob: blob, Addr: addr, Length: length}))
}

// PublishPeerRegion plays the exporting side of a run: it opens a second
// context on engine, registers size bytes of fill and publishes the
// descriptor to fs. The peer is torn down when the test ends.
func PublishPeerRegion(t *testing.T, fs afero.Fs, engine dpu.Engine, size int, fill byte) []byte {
	t.Helper()

	ctx, err := engine.Open(DefaultTestDevice)
	require.NoError(t, err)

	mem := Pattern(size, fill)

	region, err := ctx.CreateRegion(mem)
	require.NoError(t, err)

	_, err = exchange.New(fs, TestPaths()).Publish(ctx, region)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, ctx.DestroyRegion(region))
		require.NoError(t, ctx.Close())
	})

	return mem
}
