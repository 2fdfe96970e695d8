// Package config provides configuration management for dmabench.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (DMABENCH_* prefix)
//  3. Configuration file (dmabench.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/dmabench/dmabench.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal().Err(err).Msg("bad configuration")
//	}
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/exchange"
	"github.com/piwi3910/dmabench/internal/pool"
	"github.com/piwi3910/dmabench/internal/stats"
	"github.com/piwi3910/dmabench/internal/tracker"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// DefaultDevice is the PCI address of the DPU DMA device.
const DefaultDevice = "b1:00.0"

// Engine drivers.
const (
	DriverSimulated = "simulated"
)

// Config holds all configuration for a benchmark run
type Config struct {
	// Device is the PCI address of the DMA device to open
	Device string `mapstructure:"device" yaml:"device"`

	// Descriptor exchange artifacts
	DescriptorPath string `mapstructure:"descriptor_path" yaml:"descriptor_path"`
	BufferInfoPath string `mapstructure:"buffer_info_path" yaml:"buffer_info_path"`

	// Mode is poll or event
	Mode string `mapstructure:"mode" yaml:"mode"`

	// Direction is read (remote to local) or write (local to remote)
	Direction string `mapstructure:"direction" yaml:"direction"`

	// RegionSize is the size of the local region. Zero matches the remote
	// region when consuming and falls back to 4 KiB when exporting.
	RegionSize uint64 `mapstructure:"region_size" yaml:"region_size"`

	// TransferSize is the bytes moved per task. Zero uses the largest
	// size the regions and engine allow.
	TransferSize uint64 `mapstructure:"transfer_size" yaml:"transfer_size"`

	Latency    LatencyConfig    `mapstructure:"latency" yaml:"latency"`
	Throughput ThroughputConfig `mapstructure:"throughput" yaml:"throughput"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Report     ReportConfig     `mapstructure:"report" yaml:"report"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// LatencyConfig configures the single-task latency benchmark
type LatencyConfig struct {
	Iterations int `mapstructure:"iterations" yaml:"iterations"`
}

// ThroughputConfig configures the batched throughput benchmark
type ThroughputConfig struct {
	// BatchSize is the number of tasks in flight per iteration
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// Iterations is the number of batches
	Iterations int `mapstructure:"iterations" yaml:"iterations"`

	// Unit is ops, kops or mops
	Unit string `mapstructure:"unit" yaml:"unit"`
}

// EngineConfig selects and tunes the DMA engine
type EngineConfig struct {
	// Driver names the engine implementation
	Driver string `mapstructure:"driver" yaml:"driver"`

	TaskDelay      time.Duration `mapstructure:"task_delay" yaml:"task_delay"`
	MaxTasks       int           `mapstructure:"max_tasks" yaml:"max_tasks"`
	MaxBufferSize  uint64        `mapstructure:"max_buffer_size" yaml:"max_buffer_size"`
	InventorySize  int           `mapstructure:"inventory_size" yaml:"inventory_size"`
	FailEvery      int           `mapstructure:"fail_every" yaml:"fail_every"`
	FatalOnFailure bool          `mapstructure:"fatal_on_failure" yaml:"fatal_on_failure"`
}

// Simulated returns the simulated engine settings.
func (e EngineConfig) Simulated() dpu.SimulatedConfig {
	return dpu.SimulatedConfig{
		TaskDelay:      e.TaskDelay,
		MaxTasks:       e.MaxTasks,
		MaxBufferSize:  e.MaxBufferSize,
		InventorySize:  e.InventorySize,
		FailEvery:      e.FailEvery,
		FatalOnFailure: e.FatalOnFailure,
	}
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// ListenAddr enables /metrics when set, e.g. ":9464"
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// ReportConfig configures the report file
type ReportConfig struct {
	// Path writes a YAML report when set
	Path string `mapstructure:"path" yaml:"path"`
}

// Options are command line overrides
type Options struct {
	Device         string
	DescriptorPath string
	BufferInfoPath string
	Mode           string
	Direction      string
	MetricsAddr    string
	ReportPath     string
	Iterations     int
	BatchSize      int
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, dmaerrors.ErrConfiguration.WithOp("read_config").Wrap(err)
		}
	} else {
		v.SetConfigName("dmabench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dmabench")
		v.AddConfigPath("$HOME/.dmabench")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("DMABENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyOptions(v, opts)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, dmaerrors.ErrConfiguration.WithOp("unmarshal_config").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyOptions(v *viper.Viper, opts Options) {
	set := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}

	set("device", opts.Device)
	set("descriptor_path", opts.DescriptorPath)
	set("buffer_info_path", opts.BufferInfoPath)
	set("mode", opts.Mode)
	set("direction", opts.Direction)
	set("metrics.listen_addr", opts.MetricsAddr)
	set("report.path", opts.ReportPath)

	if opts.Iterations > 0 {
		v.Set("latency.iterations", opts.Iterations)
		v.Set("throughput.iterations", opts.Iterations)
	}
	if opts.BatchSize > 0 {
		v.Set("throughput.batch_size", opts.BatchSize)
	}
}

func setDefaults(v *viper.Viper) {
	paths := exchange.DefaultPaths()
	sim := dpu.DefaultSimulatedConfig()

	v.SetDefault("device", DefaultDevice)
	v.SetDefault("descriptor_path", paths.Descriptor)
	v.SetDefault("buffer_info_path", paths.BufferInfo)
	v.SetDefault("mode", string(tracker.ModePoll))
	v.SetDefault("direction", string(pool.DirectionRead))
	v.SetDefault("region_size", 0)
	v.SetDefault("transfer_size", 0)

	// Benchmarks
	v.SetDefault("latency.iterations", 5000)
	v.SetDefault("throughput.batch_size", 1024)
	v.SetDefault("throughput.iterations", 100)
	v.SetDefault("throughput.unit", string(stats.UnitKops))

	// Engine
	v.SetDefault("engine.driver", DriverSimulated)
	v.SetDefault("engine.task_delay", sim.TaskDelay)
	v.SetDefault("engine.max_tasks", sim.MaxTasks)
	v.SetDefault("engine.max_buffer_size", sim.MaxBufferSize)
	v.SetDefault("engine.inventory_size", sim.InventorySize)
	v.SetDefault("engine.fail_every", 0)
	v.SetDefault("engine.fatal_on_failure", false)

	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("report.path", "")

	// Logging
	v.SetDefault("log_level", "info")
}

// Validate checks the configuration for values no run can use.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return dmaerrors.ErrConfiguration.WithOp("validate").WithMessage(fmt.Sprintf(format, args...))
	}

	if c.Device == "" {
		return invalid("device cannot be empty")
	}

	if c.DescriptorPath == "" || c.BufferInfoPath == "" {
		return invalid("descriptor_path and buffer_info_path are required")
	}

	if c.DescriptorPath == c.BufferInfoPath {
		return invalid("descriptor_path and buffer_info_path must differ")
	}

	if _, err := tracker.ParseMode(c.Mode); err != nil {
		return err
	}

	if _, err := pool.ParseDirection(c.Direction); err != nil {
		return err
	}

	if _, err := stats.ParseUnit(c.Throughput.Unit); err != nil {
		return err
	}

	if c.RegionSize > exchange.MaxRegionSize {
		return invalid("region_size %d exceeds limit %d", c.RegionSize, exchange.MaxRegionSize)
	}

	if c.Latency.Iterations <= 0 {
		return invalid("latency.iterations must be positive, got %d", c.Latency.Iterations)
	}

	if c.Throughput.Iterations <= 0 {
		return invalid("throughput.iterations must be positive, got %d", c.Throughput.Iterations)
	}

	if c.Throughput.BatchSize <= 0 {
		return invalid("throughput.batch_size must be positive, got %d", c.Throughput.BatchSize)
	}

	if c.Engine.Driver != DriverSimulated {
		return invalid("unknown engine driver %q", c.Engine.Driver)
	}

	if c.Engine.MaxTasks <= 0 || c.Engine.InventorySize <= 0 || c.Engine.MaxBufferSize == 0 {
		return invalid("engine limits must be positive")
	}

	if c.Engine.TaskDelay < 0 {
		return invalid("engine.task_delay cannot be negative")
	}

	if c.Engine.FailEvery < 0 {
		return invalid("engine.fail_every cannot be negative")
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return invalid("invalid log_level %q", c.LogLevel)
	}

	return nil
}

// ParsedMode returns the validated completion mode.
func (c *Config) ParsedMode() tracker.Mode {
	m, _ := tracker.ParseMode(c.Mode)
	return m
}

// ParsedDirection returns the validated transfer direction.
func (c *Config) ParsedDirection() pool.Direction {
	d, _ := pool.ParseDirection(c.Direction)
	return d
}

// ParsedUnit returns the validated throughput unit.
func (c *Config) ParsedUnit() stats.Unit {
	u, _ := stats.ParseUnit(c.Throughput.Unit)
	return u
}

// Paths returns the descriptor exchange paths.
func (c *Config) Paths() exchange.Paths {
	return exchange.Paths{Descriptor: c.DescriptorPath, BufferInfo: c.BufferInfoPath}
}
