package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/piwi3910/dmabench/internal/bench"
	"github.com/piwi3910/dmabench/internal/exchange"
	"github.com/piwi3910/dmabench/internal/health"
	"github.com/piwi3910/dmabench/internal/report"
)

// NewLatencyCmd creates the latency command
func NewLatencyCmd(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latency",
		Short: "Measure single-task DMA latency",
		Long: `Submit one copy task per iteration and time each until its completion
has been observed. Reports min, mean, max and standard deviation in
microseconds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBenchmark(cmd, g, bench.KindLatency)
		},
	}

	cmd.Flags().IntVarP(&g.Options.Iterations, "iterations", "n", 0, "Number of iterations (default 5000)")

	return cmd
}

// NewThroughputCmd creates the throughput command
func NewThroughputCmd(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "throughput",
		Short: "Measure batched DMA throughput",
		Long: `Submit a batch of copy tasks per iteration and time each batch until
every completion has been observed. Reports per-batch latency and the
overall rate in operations per second.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBenchmark(cmd, g, bench.KindThroughput)
		},
	}

	cmd.Flags().IntVarP(&g.Options.Iterations, "iterations", "n", 0, "Number of batches (default 100)")
	cmd.Flags().IntVarP(&g.Options.BatchSize, "batch-size", "b", 0, "Tasks per batch (default 1024)")

	return cmd
}

func runBenchmark(cmd *cobra.Command, g *Globals, kind bench.Kind) error {
	cfg, runID, err := g.load()
	if err != nil {
		return err
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	checker := health.NewChecker()
	runner := bench.NewRunner(engine, cfg, fs, bench.WithHealth(checker), bench.WithRunID(runID))

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *bench.Result

	err = serve(ctx, cfg, checker, func(ctx context.Context) error {
		var rerr error
		res, rerr = runner.Run(ctx, kind)
		return rerr
	})
	if err != nil {
		log.Error().Err(err).Str("benchmark", string(kind)).Msg("Benchmark failed")
		return err
	}

	rep := res.Report()

	if err := report.WriteTable(cmd.OutOrStdout(), rep); err != nil {
		return err
	}

	if cfg.Report.Path != "" {
		if err := report.Save(fs, cfg.Report.Path, rep); err != nil {
			return err
		}

		log.Info().Str("path", cfg.Report.Path).Msg("Report written")
	}

	return nil
}

// NewExportCmd creates the export command
func NewExportCmd(g *Globals) *cobra.Command {
	var regionSize uint64

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a memory region for a peer benchmark",
		Long: `Register a memory region filled with '1' bytes, export it and write the
descriptor and buffer info files for the peer. The region stays
registered until the command is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, runID, err := g.load()
			if err != nil {
				return err
			}

			if regionSize > 0 {
				cfg.RegionSize = regionSize
			}

			engine, err := newEngine(cfg)
			if err != nil {
				return err
			}

			checker := health.NewChecker()
			runner := bench.NewRunner(engine, cfg, afero.NewOsFs(), bench.WithHealth(checker), bench.WithRunID(runID))

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, checker, func(ctx context.Context) error {
				return runner.Export(ctx, func(d *exchange.Descriptor) {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Exported %d bytes at %#x\n", d.Length, d.Addr)
					fmt.Fprintf(out, "  descriptor:  %s\n", cfg.DescriptorPath)
					fmt.Fprintf(out, "  buffer info: %s\n", cfg.BufferInfoPath)
				})
			})
		},
	}

	cmd.Flags().Uint64Var(&regionSize, "size", 0, "Exported region size in bytes (default 4096)")

	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}

	return context.Background()
}
