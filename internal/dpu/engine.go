// Package dpu abstracts the DMA engine of an NVIDIA BlueField DPU.
//
// A benchmark talks to the engine through a Context opened on a device:
// it registers memory Regions, builds Buffer views over them, submits copy
// Tasks and drives completion delivery with Progress. Completions are only
// ever delivered from inside Progress, on the caller's goroutine, through
// the callbacks installed with ConfigureTasks. An optional Notifier lets
// the caller sleep until the engine has completions ready.
//
// This package provides:
// - Engine and Context interfaces that a hardware binding implements
// - Region, Buffer, Task and Completion bookkeeping shared by all engines
// - SimulatedEngine, a software engine for development and testing
// - an eventfd/epoll backed Notifier on Linux
package dpu

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrDeviceNotFound     = errors.New("dma device not found")
	ErrContextClosed      = errors.New("engine context closed")
	ErrContextNotIdle     = errors.New("engine context not idle")
	ErrContextNotRunning  = errors.New("engine context not running")
	ErrTasksNotConfigured = errors.New("task callbacks not configured")
	ErrInvalidTaskCount   = errors.New("invalid task count")
	ErrInvalidCallbacks   = errors.New("task callbacks must both be set")
	ErrTaskQueueFull      = errors.New("in-flight task limit reached")
	ErrInvalidTask        = errors.New("invalid task")
	ErrBufferTooLarge     = errors.New("transfer exceeds maximum buffer size")
	ErrInvalidRegion      = errors.New("invalid memory region")
	ErrRegionInUse        = errors.New("memory region still referenced")
	ErrRegionDestroyed    = errors.New("memory region destroyed")
	ErrOutOfBounds        = errors.New("buffer outside region bounds")
	ErrBufferReleased     = errors.New("buffer already released")
	ErrInventoryExhausted = errors.New("buffer inventory exhausted")
	ErrInvalidDescriptor  = errors.New("invalid export descriptor")
	ErrTransferFailed     = errors.New("dma transfer failed")
	ErrTaskFlushed        = errors.New("task flushed by context stop")
	ErrWaitTimeout        = errors.New("notification wait timed out")
	ErrNotifierClosed     = errors.New("notifier closed")
)

// ErrorCode maps a task failure to a short code for logs and metrics.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrTaskFlushed):
		return "flushed"
	default:
		return "unknown"
	}
}

// NoTimeout makes Notifier.Wait block until a notification arrives.
const NoTimeout time.Duration = -1

// ContextState is the lifecycle state of an engine context.
type ContextState int

const (
	// StateIdle is the state before Start and after a stop has drained.
	StateIdle ContextState = iota

	// StateStarting is reported while the context brings up its queues.
	StateStarting

	// StateRunning accepts task submissions.
	StateRunning

	// StateStopping rejects submissions and flushes in-flight tasks.
	StateStopping
)

func (s ContextState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a DMA-capable device.
type DeviceInfo struct {
	PCIAddress      string `json:"pci_address" yaml:"pci_address"`
	Model           string `json:"model" yaml:"model"`
	SerialNumber    string `json:"serial_number" yaml:"serial_number"`
	FirmwareVersion string `json:"firmware_version" yaml:"firmware_version"`
	SDKVersion      string `json:"sdk_version" yaml:"sdk_version"`
}

// Capabilities reports the limits of an opened context.
type Capabilities struct {
	MaxBufferSize uint64 `json:"max_buffer_size" yaml:"max_buffer_size"`
	MaxTasks      int    `json:"max_tasks" yaml:"max_tasks"`
	InventorySize int    `json:"inventory_size" yaml:"inventory_size"`
}

// TaskCallbacks are invoked exactly once per submitted task, from inside
// Progress.
type TaskCallbacks struct {
	OnComplete func(t *Task)
	OnError    func(t *Task, err error)
}

// StateChangeFunc observes context state transitions.
type StateChangeFunc func(prev, next ContextState)

// Export is the transferable description of an exported region.
type Export struct {
	Blob   []byte
	Addr   uint64
	Length uint64
}

// Engine opens contexts on DMA devices.
type Engine interface {
	// Devices lists the devices the engine can open.
	Devices() []DeviceInfo

	// Open opens a context on the device with the given PCI address.
	Open(device string) (Context, error)
}

// Context is an opened DMA context on one device.
type Context interface {
	Device() DeviceInfo
	State() ContextState
	Capabilities() Capabilities

	// SetStateChangeHook installs an observer for state transitions.
	SetStateChangeHook(fn StateChangeFunc)

	// ConfigureTasks sets the in-flight limit and completion callbacks.
	// It must be called while the context is idle.
	ConfigureTasks(maxTasks int, cb TaskCallbacks) error

	Start() error

	// Stop moves a running context to stopping. The context reaches idle
	// once Progress has flushed every in-flight task.
	Stop() error

	// Close releases the context. It fails while the context is not idle
	// or while regions are still registered.
	Close() error

	// CreateRegion registers local memory with the device.
	CreateRegion(mem []byte) (*Region, error)

	// ImportRegion maps a region exported by a peer.
	ImportRegion(blob []byte, addr, length uint64) (*Region, error)

	// ExportRegion produces the descriptor a peer needs to import r.
	ExportRegion(r *Region) (Export, error)

	DestroyRegion(r *Region) error

	// RegisterBuffer takes a buffer from the inventory viewing
	// [offset, offset+length) of r.
	RegisterBuffer(r *Region, offset, length uint64) (*Buffer, error)

	ReleaseBuffer(b *Buffer) error

	// Submit queues a copy task. A returned error is a synchronous
	// rejection and no callback will fire for the task.
	Submit(t *Task) error

	// Progress delivers at most one completion and reports whether it did.
	Progress() bool

	// Notifier returns the completion notifier of the context.
	Notifier() (Notifier, error)
}

// Notifier is a one-shot completion notification channel. After Arm, the
// next completion (or one already pending) wakes a single Wait. Clear
// acknowledges delivered notifications before the caller drains with
// Progress and re-arms.
type Notifier interface {
	Arm() error
	Clear() error
	Wait(timeout time.Duration) error
	Close() error
}
