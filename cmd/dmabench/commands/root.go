// Package commands implements the dmabench command line.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/dmabench/internal/config"
	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/health"
	"github.com/piwi3910/dmabench/internal/metrics"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// Globals are the flags shared by every command.
type Globals struct {
	ConfigPath string
	Debug      bool
	Options    config.Options
}

// NewRootCmd creates the dmabench command tree.
func NewRootCmd(version, commit string) *cobra.Command {
	g := &Globals{}

	rootCmd := &cobra.Command{
		Use:   "dmabench",
		Short: "DMA latency and throughput benchmark for BlueField DPUs",
		Long: `dmabench measures DMA copy latency and throughput between host and DPU
memory. One side exports a region with "dmabench export"; the other side
imports it and runs "dmabench latency" or "dmabench throughput".

Configuration is read from dmabench.yaml, DMABENCH_* environment
variables and the flags below, in increasing order of precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.ConfigPath, "config", "", "Path to configuration file")
	flags.BoolVar(&g.Debug, "debug", false, "Enable debug logging")
	flags.StringVarP(&g.Options.Device, "device", "d", "", "PCI address of the DMA device (default b1:00.0)")
	flags.StringVar(&g.Options.DescriptorPath, "descriptor-path", "", "Export descriptor file (default /tmp/export_desc.txt)")
	flags.StringVar(&g.Options.BufferInfoPath, "buffer-info-path", "", "Buffer info file (default /tmp/buffer_info.txt)")
	flags.StringVar(&g.Options.Mode, "mode", "", "Completion mode: poll or event")
	flags.StringVar(&g.Options.Direction, "direction", "", "Transfer direction: read or write")
	flags.StringVar(&g.Options.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.StringVar(&g.Options.ReportPath, "report", "", "Write a YAML report to this file")

	metrics.Version = version

	rootCmd.AddCommand(NewLatencyCmd(g))
	rootCmd.AddCommand(NewThroughputCmd(g))
	rootCmd.AddCommand(NewExportCmd(g))
	rootCmd.AddCommand(NewDevicesCmd(g))
	rootCmd.AddCommand(NewConfigCmd(g))
	rootCmd.AddCommand(NewVersionCmd(version, commit))

	return rootCmd
}

// load reads the configuration and sets up logging for one run. Every log
// line of the run carries the returned run ID.
func (g *Globals) load() (*config.Config, string, error) {
	cfg, err := config.Load(g.ConfigPath, g.Options)
	if err != nil {
		return nil, "", err
	}

	setupLogging(cfg.LogLevel, g.Debug)

	runID := uuid.NewString()
	log.Logger = log.With().Str("run_id", runID).Logger()

	metrics.Init(runID, cfg.Device)

	return cfg, runID, nil
}

func setupLogging(level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		return
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// newEngine creates the engine named by the configuration.
func newEngine(cfg *config.Config) (dpu.Engine, error) {
	switch cfg.Engine.Driver {
	case config.DriverSimulated:
		return dpu.NewSimulatedEngine(cfg.Engine.Simulated()), nil
	default:
		return nil, dmaerrors.ErrConfiguration.WithMessage(fmt.Sprintf("unknown engine driver %q", cfg.Engine.Driver))
	}
}

// serve runs fn, alongside the metrics server when one is configured.
// The server stops once fn returns.
func serve(ctx context.Context, cfg *config.Config, checker *health.Checker, fn func(context.Context) error) error {
	if cfg.Metrics.ListenAddr == "" {
		return fn(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)

	g.Go(func() error {
		return metrics.NewServer(cfg.Metrics.ListenAddr, checker).Run(srvCtx)
	})

	g.Go(func() error {
		defer stopServer()
		return fn(gctx)
	})

	return g.Wait()
}
