// Package hardware discovers DMA-capable NVIDIA BlueField devices on the
// host by scanning sysfs.
package hardware

import (
	"bufio"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/piwi3910/dmabench/internal/dpu"
)

// DefaultSysfsRoot is where RDMA devices are listed.
const DefaultSysfsRoot = "/sys/class/infiniband"

// BlueField HCA part numbers as reported in hca_type and board_id.
var blueFieldModels = []struct {
	marker string
	model  string
}{
	{"MT41692", "BlueField-3 DPU"},
	{"BF3", "BlueField-3 DPU"},
	{"MT42822", "BlueField-2 DPU"},
	{"BF2", "BlueField-2 DPU"},
	{"MT41682", "BlueField DPU"},
}

// Detector scans an RDMA device directory for BlueField functions.
type Detector struct {
	fs   afero.Fs
	root string
}

// NewDetector creates a detector reading root through fs.
func NewDetector(fs afero.Fs, root string) *Detector {
	if root == "" {
		root = DefaultSysfsRoot
	}

	return &Detector{fs: fs, root: root}
}

// Detect returns the BlueField devices found, ordered by PCI address. A
// host without RDMA devices yields an empty list.
func (d *Detector) Detect() []dpu.DeviceInfo {
	entries, err := afero.ReadDir(d.fs, d.root)
	if err != nil {
		log.Debug().Err(err).Str("path", d.root).Msg("No RDMA devices found in sysfs")
		return nil
	}

	seen := make(map[string]bool)

	var devices []dpu.DeviceInfo

	for _, entry := range entries {
		devicePath := filepath.Join(d.root, entry.Name())

		model := blueFieldModel(
			d.readSysfsFile(filepath.Join(devicePath, "hca_type")),
			d.readSysfsFile(filepath.Join(devicePath, "board_id")),
		)
		if model == "" {
			continue
		}

		addr := d.pciAddress(filepath.Join(devicePath, "device", "uevent"))
		if addr == "" || seen[addr] {
			continue
		}

		seen[addr] = true

		devices = append(devices, dpu.DeviceInfo{
			PCIAddress:      addr,
			Model:           model,
			SerialNumber:    d.readSysfsFile(filepath.Join(devicePath, "node_guid")),
			FirmwareVersion: d.readSysfsFile(filepath.Join(devicePath, "fw_ver")),
		})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].PCIAddress < devices[j].PCIAddress })

	return devices
}

func blueFieldModel(hcaType, boardID string) string {
	for _, m := range blueFieldModels {
		if strings.Contains(hcaType, m.marker) || strings.Contains(boardID, m.marker) {
			return m.model
		}
	}

	return ""
}

// pciAddress reads PCI_SLOT_NAME from a uevent file and drops the PCI
// domain, matching the bus:device.function form used for --device.
func (d *Detector) pciAddress(ueventPath string) string {
	f, err := d.fs.Open(ueventPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if slot, ok := strings.CutPrefix(sc.Text(), "PCI_SLOT_NAME="); ok {
			return strings.TrimPrefix(strings.TrimSpace(slot), "0000:")
		}
	}

	return ""
}

// readSysfsFile reads a sysfs file and returns its content.
func (d *Detector) readSysfsFile(path string) string {
	data, err := afero.ReadFile(d.fs, path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
