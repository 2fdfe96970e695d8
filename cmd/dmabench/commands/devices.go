package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/dmabench/internal/config"
	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/hardware"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd(g *Globals) *cobra.Command {
	var (
		scan      bool
		sysfsRoot string
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List DMA devices the configured engine can open",
		Long: `List DMA devices the configured engine can open.

With --scan the host's sysfs is searched for BlueField DPUs instead, which
works without opening the engine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var devices []dpu.DeviceInfo

			if scan {
				devices = hardware.NewDetector(afero.NewOsFs(), sysfsRoot).Detect()
			} else {
				cfg, err := config.Load(g.ConfigPath, g.Options)
				if err != nil {
					return err
				}

				engine, err := newEngine(cfg)
				if err != nil {
					return err
				}

				devices = engine.Devices()
			}

			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No DMA devices found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PCI ADDRESS\tMODEL\tSERIAL\tFIRMWARE\tSDK")

			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.PCIAddress, d.Model, d.SerialNumber, d.FirmwareVersion, d.SDKVersion)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&scan, "scan", false, "Scan sysfs for BlueField DPUs")
	cmd.Flags().StringVar(&sysfsRoot, "sysfs-root", hardware.DefaultSysfsRoot, "RDMA device directory to scan")

	return cmd
}

// NewConfigCmd creates the config command
func NewConfigCmd(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the configuration after files, environment and flags are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.ConfigPath, g.Options)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)

			if err := enc.Encode(cfg); err != nil {
				return err
			}

			return enc.Close()
		},
	})

	return cmd
}

// NewVersionCmd creates the version command
func NewVersionCmd(version, commit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dmabench %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit: %s\n", commit)
		},
	}
}
