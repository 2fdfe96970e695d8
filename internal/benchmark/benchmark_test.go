// Package benchmark provides Go benchmarks for the hot paths of a DMA run.
// Run with: go test -bench=. -benchmem ./internal/benchmark/...
package benchmark

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/piwi3910/dmabench/internal/bench"
	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/exchange"
	"github.com/piwi3910/dmabench/internal/pool"
	"github.com/piwi3910/dmabench/internal/stats"
	tu "github.com/piwi3910/dmabench/internal/testutil"
	"github.com/piwi3910/dmabench/internal/tracker"
)

// Benchmark data sizes
const (
	KB = 1024
	MB = 1024 * KB
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func newEngine() *dpu.SimulatedEngine {
	cfg := dpu.DefaultSimulatedConfig()
	cfg.TaskDelay = 0

	return dpu.NewSimulatedEngine(cfg)
}

// openPair opens a context with a local and a peer region of size bytes and
// returns a pool of batch tasks between them.
func openPair(b *testing.B, size uint64, batch int) (dpu.Context, *pool.Pool) {
	b.Helper()

	engine := newEngine()

	c, err := engine.Open(tu.DefaultTestDevice)
	if err != nil {
		b.Fatal(err)
	}

	if err := c.ConfigureTasks(batch, tracker.Callbacks()); err != nil {
		b.Fatal(err)
	}

	if err := c.Start(); err != nil {
		b.Fatal(err)
	}

	local, err := c.CreateRegion(make([]byte, size))
	if err != nil {
		b.Fatal(err)
	}

	peer, err := c.CreateRegion(tu.Pattern(int(size), tu.DefaultTestFill))
	if err != nil {
		b.Fatal(err)
	}

	exp, err := c.ExportRegion(peer)
	if err != nil {
		b.Fatal(err)
	}

	remote, err := c.ImportRegion(exp.Blob, exp.Addr, exp.Length)
	if err != nil {
		b.Fatal(err)
	}

	p, err := pool.New(c, local, remote, pool.Config{Direction: pool.DirectionRead, BatchSize: batch})
	if err != nil {
		b.Fatal(err)
	}

	return c, p
}

// BenchmarkPollBatch benchmarks one submit-and-poll batch on the simulated engine.
func BenchmarkPollBatch(b *testing.B) {
	for _, batch := range []int{1, 64, 1024} {
		b.Run(fmt.Sprintf("batch=%d", batch), func(b *testing.B) {
			c, p := openPair(b, 4*KB, batch)

			tr, err := tracker.New(c, tracker.ModePoll, nil)
			if err != nil {
				b.Fatal(err)
			}

			tasks := p.Tasks(batch)

			b.ResetTimer()
			b.SetBytes(int64(p.TransferSize()) * int64(batch))

			for i := 0; i < b.N; i++ {
				bt, err := tr.Submit(tasks)
				if err != nil {
					b.Fatal(err)
				}

				if _, err := tr.Wait(bt); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkEventBatch benchmarks one batch completed through the notifier.
func BenchmarkEventBatch(b *testing.B) {
	c, p := openPair(b, 4*KB, 64)

	n, err := c.Notifier()
	if err != nil {
		b.Skipf("notifier unavailable: %v", err)
	}
	defer n.Close()

	tr, err := tracker.New(c, tracker.ModeEvent, n)
	if err != nil {
		b.Fatal(err)
	}

	tasks := p.Tasks(64)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bt, err := tr.Submit(tasks)
		if err != nil {
			b.Fatal(err)
		}

		if _, err := tr.Wait(bt); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReduce benchmarks the latency reduction at various sample counts.
func BenchmarkReduce(b *testing.B) {
	for _, n := range []int{100, 5000, 100000} {
		b.Run(fmt.Sprintf("samples=%d", n), func(b *testing.B) {
			x := make([]float64, n)
			for i := range x {
				x[i] = rand.Float64() * 100
			}

			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				stats.Reduce(x)
			}
		})
	}
}

// BenchmarkSummary benchmarks summarizing a default latency run.
func BenchmarkSummary(b *testing.B) {
	col := stats.NewCollector(5000)
	for i := 0; i < 5000; i++ {
		col.Record(time.Duration(rand.Intn(10000)) * time.Nanosecond)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		col.Summary(1)
	}
}

// BenchmarkParseBufferInfo benchmarks parsing the region coordinates file.
func BenchmarkParseBufferInfo(b *testing.B) {
	const info = "140737488355328\n4096\n"

	for i := 0; i < b.N; i++ {
		if _, _, err := exchange.ParseBufferInfo(strings.NewReader(info)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkThroughputRun benchmarks a complete throughput run including
// setup and teardown.
func BenchmarkThroughputRun(b *testing.B) {
	engine := newEngine()
	fs := afero.NewMemMapFs()

	peer, err := engine.Open(tu.DefaultTestDevice)
	if err != nil {
		b.Fatal(err)
	}

	region, err := peer.CreateRegion(tu.Pattern(tu.DefaultTestRegionSize, tu.DefaultTestFill))
	if err != nil {
		b.Fatal(err)
	}

	if _, err := exchange.New(fs, tu.TestPaths()).Publish(peer, region); err != nil {
		b.Fatal(err)
	}

	cfg := tu.NewTestConfig()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := bench.NewRunner(engine, cfg, fs).Run(context.Background(), bench.KindThroughput); err != nil {
			b.Fatal(err)
		}
	}
}
