package dpu

// a simulated DMA engine for testing.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	simRegionBase = 0x7f0000000000
	simBlobMagic  = "DMASIM01"
	simBlobHeader = len(simBlobMagic) + 16 + 8 + 8
)

// SimulatedConfig tunes the simulated engine.
type SimulatedConfig struct {
	// TaskDelay is the time a task spends in flight before it is ready.
	TaskDelay time.Duration `json:"task_delay" yaml:"task_delay"`

	// MaxTasks is the largest in-flight limit a context accepts.
	MaxTasks int `json:"max_tasks" yaml:"max_tasks"`

	// MaxBufferSize is the largest single transfer.
	MaxBufferSize uint64 `json:"max_buffer_size" yaml:"max_buffer_size"`

	// InventorySize is the number of buffers a context can hand out.
	InventorySize int `json:"inventory_size" yaml:"inventory_size"`

	// FailEvery makes every Nth submitted task fail. Zero disables it.
	FailEvery int `json:"fail_every" yaml:"fail_every"`

	// FatalOnFailure moves the context to stopping on a task failure.
	FatalOnFailure bool `json:"fatal_on_failure" yaml:"fatal_on_failure"`
}

// DefaultSimulatedConfig returns the limits of a BlueField-3 DMA context.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		TaskDelay:     2 * time.Microsecond,
		MaxTasks:      8192,
		MaxBufferSize: 2 << 20,
		InventorySize: 4096,
	}
}

// SimulatedEngine provides a software DMA engine. Copies between regions
// that are addressable in this process move real bytes.
type SimulatedEngine struct {
	exports  map[uuid.UUID]*Region
	devices  []DeviceInfo
	cfg      SimulatedConfig
	nextID   uint64
	contexts int
	mu       sync.Mutex
}

// NewSimulatedEngine creates a simulated engine exposing a BlueField-3 at
// b1:00.0 and a BlueField-2 at 03:00.0.
func NewSimulatedEngine(cfg SimulatedConfig) *SimulatedEngine {
	return &SimulatedEngine{
		cfg:     cfg,
		exports: make(map[uuid.UUID]*Region),
		devices: []DeviceInfo{
			{
				PCIAddress:      "b1:00.0",
				Model:           "BlueField-3 DPU",
				SerialNumber:    "BF3-SIM-0001",
				FirmwareVersion: "32.41.1000",
				SDKVersion:      "2.8.0",
			},
			{
				PCIAddress:      "03:00.0",
				Model:           "BlueField-2 DPU",
				SerialNumber:    "BF2-SIM-0001",
				FirmwareVersion: "24.40.1000",
				SDKVersion:      "2.6.0",
			},
		},
	}
}

// Devices returns the simulated devices.
func (e *SimulatedEngine) Devices() []DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]DeviceInfo, len(e.devices))
	copy(out, e.devices)

	return out
}

// Open opens a context on a simulated device. The PCI address may carry a
// domain prefix.
func (e *SimulatedEngine) Open(device string) (Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := strings.ToLower(strings.TrimPrefix(device, "0000:"))
	for _, d := range e.devices {
		if d.PCIAddress != want {
			continue
		}

		e.contexts++

		log.Debug().
			Str("device", d.PCIAddress).
			Str("model", d.Model).
			Msg("Opened simulated DMA context")

		return &simContext{
			engine:  e,
			device:  d,
			cfg:     e.cfg,
			regions: make(map[uint64]*Region),
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
}

// OpenContexts returns the number of contexts not yet closed.
func (e *SimulatedEngine) OpenContexts() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.contexts
}

// SetTaskDelay sets the in-flight time of tasks submitted on contexts
// opened afterwards.
func (e *SimulatedEngine) SetTaskDelay(d time.Duration) {
	e.mu.Lock()
	e.cfg.TaskDelay = d
	e.mu.Unlock()
}

// SetFailEvery makes every nth task fail on contexts opened afterwards.
func (e *SimulatedEngine) SetFailEvery(n int, fatal bool) {
	e.mu.Lock()
	e.cfg.FailEvery = n
	e.cfg.FatalOnFailure = fatal
	e.mu.Unlock()
}

func (e *SimulatedEngine) allocID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++

	return e.nextID
}

func (e *SimulatedEngine) publish(token uuid.UUID, r *Region) {
	e.mu.Lock()
	e.exports[token] = r
	e.mu.Unlock()
}

func (e *SimulatedEngine) lookup(token uuid.UUID) *Region {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.exports[token]
	if r != nil && r.Destroyed() {
		delete(e.exports, token)
		return nil
	}

	return r
}

func (e *SimulatedEngine) closed() {
	e.mu.Lock()
	e.contexts--
	e.mu.Unlock()
}

type simTask struct {
	readyAt time.Time
	task    *Task
	fail    bool
}

type simContext struct {
	engine     *SimulatedEngine
	hook       StateChangeFunc
	notifier   *eventNotifier
	regions    map[uint64]*Region
	callbacks  TaskCallbacks
	device     DeviceInfo
	queue      []simTask
	cfg        SimulatedConfig
	maxTasks   int
	buffers    int
	submitted  uint64
	state      ContextState
	mu         sync.Mutex
	configured bool
	closed     bool
}

func (c *simContext) Device() DeviceInfo { return c.device }

func (c *simContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *simContext) Capabilities() Capabilities {
	return Capabilities{
		MaxBufferSize: c.cfg.MaxBufferSize,
		MaxTasks:      c.cfg.MaxTasks,
		InventorySize: c.cfg.InventorySize,
	}
}

func (c *simContext) SetStateChangeHook(fn StateChangeFunc) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// transition moves from one of the given states to next and runs the hook
// outside the lock. It is a no-op when the current state is not in from.
func (c *simContext) transition(next ContextState, from ...ContextState) {
	c.mu.Lock()

	prev := c.state
	allowed := false

	for _, s := range from {
		if s == prev {
			allowed = true
			break
		}
	}

	if !allowed {
		c.mu.Unlock()
		return
	}

	c.state = next
	hook := c.hook
	c.mu.Unlock()

	log.Debug().
		Str("device", c.device.PCIAddress).
		Stringer("from", prev).
		Stringer("to", next).
		Msg("DMA context state changed")

	if hook != nil {
		hook(prev, next)
	}
}

func (c *simContext) ConfigureTasks(maxTasks int, cb TaskCallbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrContextClosed
	}

	if c.state != StateIdle {
		return ErrContextNotIdle
	}

	if maxTasks <= 0 || maxTasks > c.cfg.MaxTasks {
		return fmt.Errorf("%w: %d (limit %d)", ErrInvalidTaskCount, maxTasks, c.cfg.MaxTasks)
	}

	if cb.OnComplete == nil || cb.OnError == nil {
		return ErrInvalidCallbacks
	}

	c.maxTasks = maxTasks
	c.callbacks = cb
	c.configured = true

	return nil
}

func (c *simContext) Start() error {
	c.mu.Lock()

	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrContextClosed
	case c.state != StateIdle:
		c.mu.Unlock()
		return ErrContextNotIdle
	case !c.configured:
		c.mu.Unlock()
		return ErrTasksNotConfigured
	}

	c.mu.Unlock()

	c.transition(StateStarting, StateIdle)
	c.transition(StateRunning, StateStarting)

	return nil
}

func (c *simContext) Stop() error {
	c.mu.Lock()
	state := c.state
	inflight := len(c.queue)
	c.mu.Unlock()

	if state != StateRunning {
		return nil
	}

	c.transition(StateStopping, StateRunning)

	if inflight == 0 {
		c.transition(StateIdle, StateStopping)
	}

	return nil
}

func (c *simContext) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}

	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContextNotIdle, c.state)
	}

	if len(c.regions) > 0 {
		n := len(c.regions)
		c.mu.Unlock()

		return fmt.Errorf("%w: %d regions registered", ErrRegionInUse, n)
	}

	c.closed = true
	n := c.notifier
	c.notifier = nil
	c.mu.Unlock()

	if n != nil {
		_ = n.Close()
	}

	c.engine.closed()

	log.Debug().Str("device", c.device.PCIAddress).Msg("Closed simulated DMA context")

	return nil
}

func (c *simContext) addRegion(r *Region) {
	c.mu.Lock()
	c.regions[r.ID()] = r
	c.mu.Unlock()
}

func (c *simContext) CreateRegion(mem []byte) (*Region, error) {
	if len(mem) == 0 {
		return nil, fmt.Errorf("%w: empty memory", ErrInvalidRegion)
	}

	if c.isClosed() {
		return nil, ErrContextClosed
	}

	id := c.engine.allocID()
	r := NewLocalRegion(id, simRegionBase+id<<32, mem)
	c.addRegion(r)

	return r, nil
}

func (c *simContext) ExportRegion(r *Region) (Export, error) {
	if r == nil || r.Remote() || r.Destroyed() {
		return Export{}, fmt.Errorf("%w: cannot export", ErrInvalidRegion)
	}

	token := uuid.New()
	c.engine.publish(token, r)

	var buf bytes.Buffer

	buf.WriteString(simBlobMagic)
	buf.Write(token[:])
	_ = binary.Write(&buf, binary.BigEndian, r.Addr())
	_ = binary.Write(&buf, binary.BigEndian, r.Len())
	buf.WriteString(c.device.PCIAddress)

	return Export{Blob: buf.Bytes(), Addr: r.Addr(), Length: r.Len()}, nil
}

func (c *simContext) ImportRegion(blob []byte, addr, length uint64) (*Region, error) {
	if c.isClosed() {
		return nil, ErrContextClosed
	}

	if len(blob) < simBlobHeader || string(blob[:len(simBlobMagic)]) != simBlobMagic {
		return nil, fmt.Errorf("%w: unrecognized blob (%d bytes)", ErrInvalidDescriptor, len(blob))
	}

	var token uuid.UUID

	copy(token[:], blob[len(simBlobMagic):])
	base := binary.BigEndian.Uint64(blob[len(simBlobMagic)+16:])
	size := binary.BigEndian.Uint64(blob[len(simBlobMagic)+24:])

	if length == 0 || addr < base || addr-base > size || length > size-(addr-base) {
		return nil, fmt.Errorf("%w: range %#x+%d outside exported %#x+%d",
			ErrInvalidDescriptor, addr, length, base, size)
	}

	var mem []byte
	if src := c.engine.lookup(token); src != nil {
		off := addr - base
		mem = src.Bytes()[off : off+length]
	}

	r := NewRemoteRegion(c.engine.allocID(), addr, length, mem)
	c.addRegion(r)

	return r, nil
}

func (c *simContext) DestroyRegion(r *Region) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.regions[r.ID()]; !ok {
		return fmt.Errorf("%w: region %d not registered", ErrInvalidRegion, r.ID())
	}

	if err := r.MarkDestroyed(); err != nil {
		return err
	}

	delete(c.regions, r.ID())

	return nil
}

func (c *simContext) RegisterBuffer(r *Region, offset, length uint64) (*Buffer, error) {
	id := c.engine.allocID()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrContextClosed
	}

	if c.buffers >= c.cfg.InventorySize {
		return nil, fmt.Errorf("%w: %d buffers", ErrInventoryExhausted, c.buffers)
	}

	b, err := NewBuffer(id, r, offset, length)
	if err != nil {
		return nil, err
	}

	c.buffers++

	return b, nil
}

func (c *simContext) ReleaseBuffer(b *Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := b.Release()
	if err != nil {
		return err
	}

	if last {
		c.buffers--
	}

	return nil
}

func (c *simContext) Submit(t *Task) error {
	if t == nil || t.Src == nil || t.Dst == nil || t.Slot == nil {
		return fmt.Errorf("%w: missing buffer or completion", ErrInvalidTask)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return fmt.Errorf("%w: %s", ErrContextNotRunning, c.state)
	}

	if len(c.queue) >= c.maxTasks {
		return fmt.Errorf("%w: %d", ErrTaskQueueFull, c.maxTasks)
	}

	n := t.Src.DataLen()
	if n == 0 || n > t.Dst.Len() {
		return fmt.Errorf("%w: %d bytes into %d byte destination", ErrInvalidTask, n, t.Dst.Len())
	}

	if n > c.cfg.MaxBufferSize {
		return fmt.Errorf("%w: %d > %d", ErrBufferTooLarge, n, c.cfg.MaxBufferSize)
	}

	c.submitted++
	c.queue = append(c.queue, simTask{
		task:    t,
		readyAt: time.Now().Add(c.cfg.TaskDelay),
		fail:    c.cfg.FailEvery > 0 && c.submitted%uint64(c.cfg.FailEvery) == 0,
	})

	if c.notifier != nil {
		c.notifier.signalAfter(c.cfg.TaskDelay)
	}

	return nil
}

// Progress delivers the oldest ready task. While stopping every in-flight
// task is ready and is flushed as a failure.
func (c *simContext) Progress() bool {
	c.mu.Lock()

	if len(c.queue) == 0 {
		stopping := c.state == StateStopping
		c.mu.Unlock()

		if stopping {
			c.transition(StateIdle, StateStopping)
		}

		return false
	}

	head := c.queue[0]
	stopping := c.state == StateStopping

	if !stopping && time.Now().Before(head.readyAt) {
		c.mu.Unlock()
		return false
	}

	c.queue[0] = simTask{}
	c.queue = c.queue[1:]
	cb := c.callbacks
	fatal := !stopping && head.fail && c.cfg.FatalOnFailure
	c.mu.Unlock()

	switch {
	case stopping:
		cb.OnError(head.task, ErrTaskFlushed)
	case head.fail:
		cb.OnError(head.task, fmt.Errorf("%w: task %d", ErrTransferFailed, head.task.ID))
	default:
		copyTask(head.task)
		cb.OnComplete(head.task)
	}

	if fatal {
		log.Warn().
			Str("device", c.device.PCIAddress).
			Int("task_id", head.task.ID).
			Msg("Fatal DMA task failure, stopping context")
		c.transition(StateStopping, StateRunning)
	}

	return true
}

func copyTask(t *Task) {
	n := t.Src.DataLen()
	if dst, src := t.Dst.Bytes(), t.Src.Data(); dst != nil && src != nil {
		copy(dst[:n], src)
	}

	_ = t.Dst.SetData(0, n)
}

func (c *simContext) Notifier() (Notifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrContextClosed
	}

	if c.notifier == nil {
		n, err := newEventNotifier()
		if err != nil {
			return nil, err
		}

		c.notifier = n
	}

	return c.notifier, nil
}

func (c *simContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}
