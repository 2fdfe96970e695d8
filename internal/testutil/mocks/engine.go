// Package mocks provides a scripted DMA engine for testing benchmark
// components without timing dependence.
package mocks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/piwi3910/dmabench/internal/dpu"
)

// MockEngine implements dpu.Engine. Contexts it opens share its error
// injection settings, delivery script and resource counters.
type MockEngine struct {
	mu sync.Mutex

	caps     dpu.Capabilities
	devices  []dpu.DeviceInfo
	calls    []string
	contexts []*MockContext

	// Delivery script
	wakePlan   []int
	failTasks  map[int]bool
	fatal      bool
	submitErrN int
	submits    int

	// Counters
	liveContexts int
	liveRegions  int
	liveBuffers  int
	arms         int
	waits        int
	clears       int
	nextID       uint64

	// Error injection
	openErr          error
	configureErr     error
	startErr         error
	stopErr          error
	closeErr         error
	createRegionErr  error
	importRegionErr  error
	exportRegionErr  error
	destroyRegionErr error
	registerErr      error
	registerErrAfter int
	releaseErr       error
	submitErr        error
	notifierErr      error
	armErr           error
	waitErr          error
	clearErr         error
}

// NewMockEngine creates a mock engine with one device at b1:00.0.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		caps: dpu.Capabilities{
			MaxBufferSize: 1 << 20,
			MaxTasks:      4096,
			InventorySize: 8192,
		},
		devices: []dpu.DeviceInfo{
			{PCIAddress: "b1:00.0", Model: "BlueField-3 DPU", SerialNumber: "BF3-MOCK-0001"},
		},
		failTasks: make(map[int]bool),
	}
}

// SetCapabilities overrides the capabilities reported by contexts.
func (m *MockEngine) SetCapabilities(c dpu.Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.caps = c
}

// SetOpenError sets the error to return on Open calls.
func (m *MockEngine) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openErr = err
}

// SetConfigureError sets the error to return on ConfigureTasks calls.
func (m *MockEngine) SetConfigureError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configureErr = err
}

// SetStartError sets the error to return on Start calls.
func (m *MockEngine) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startErr = err
}

// SetStopError sets the error to return on Stop calls.
func (m *MockEngine) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopErr = err
}

// SetCloseError sets the error to return on Close calls.
func (m *MockEngine) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeErr = err
}

// SetCreateRegionError sets the error to return on CreateRegion calls.
func (m *MockEngine) SetCreateRegionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createRegionErr = err
}

// SetImportRegionError sets the error to return on ImportRegion calls.
func (m *MockEngine) SetImportRegionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.importRegionErr = err
}

// SetExportRegionError sets the error to return on ExportRegion calls.
func (m *MockEngine) SetExportRegionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.exportRegionErr = err
}

// SetDestroyRegionError sets the error to return on DestroyRegion calls.
func (m *MockEngine) SetDestroyRegionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.destroyRegionErr = err
}

// SetRegisterBufferError makes RegisterBuffer fail once after buffers
// have been registered successfully.
func (m *MockEngine) SetRegisterBufferError(after int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registerErr = err
	m.registerErrAfter = after
}

// SetReleaseBufferError sets the error to return on ReleaseBuffer calls.
func (m *MockEngine) SetReleaseBufferError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseErr = err
}

// SetSubmitError makes the nth Submit call (1-based) fail with err.
func (m *MockEngine) SetSubmitError(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitErrN = n
	m.submitErr = err
}

// SetNotifierError sets the error to return on Notifier calls.
func (m *MockEngine) SetNotifierError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifierErr = err
}

// SetNotifyErrors sets the errors returned by notifier Arm, Wait and Clear.
func (m *MockEngine) SetNotifyErrors(arm, wait, clear error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.armErr = arm
	m.waitErr = wait
	m.clearErr = clear
}

// SetWakePlan gates delivery on the notifier: the ith Wait makes the next
// counts[i] tasks ready. Once the plan is exhausted each Wait readies
// everything in flight. Without a plan tasks are ready on submission.
func (m *MockEngine) SetWakePlan(counts ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wakePlan = append([]int{}, counts...)
}

// SetFailTasks makes tasks with the given IDs complete with an error.
// With fatal set the first such failure moves the context to stopping.
func (m *MockEngine) SetFailTasks(fatal bool, ids ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fatal = fatal
	for _, id := range ids {
		m.failTasks[id] = true
	}
}

// ClearErrors removes every injected error and resets the call log, so a
// test can run again on the same engine.
func (m *MockEngine) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openErr = nil
	m.configureErr = nil
	m.startErr = nil
	m.stopErr = nil
	m.closeErr = nil
	m.createRegionErr = nil
	m.importRegionErr = nil
	m.exportRegionErr = nil
	m.destroyRegionErr = nil
	m.registerErr = nil
	m.registerErrAfter = 0
	m.releaseErr = nil
	m.submitErr = nil
	m.notifierErr = nil
	m.armErr = nil
	m.waitErr = nil
	m.clearErr = nil
	m.calls = nil
}

// Calls returns the recorded context operations in call order.
func (m *MockEngine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string{}, m.calls...)
}

// LastContext returns the most recently opened context.
func (m *MockEngine) LastContext() *MockContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.contexts) == 0 {
		return nil
	}

	return m.contexts[len(m.contexts)-1]
}

// Live returns the number of open contexts, registered regions and
// outstanding buffers.
func (m *MockEngine) Live() (contexts, regions, buffers int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.liveContexts, m.liveRegions, m.liveBuffers
}

// NotifyCounts returns how many times notifiers were armed, waited on and
// cleared.
func (m *MockEngine) NotifyCounts() (arms, waits, clears int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.arms, m.waits, m.clears
}

func (m *MockEngine) record(call string) {
	m.calls = append(m.calls, call)
}

// Devices implements dpu.Engine.
func (m *MockEngine) Devices() []dpu.DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]dpu.DeviceInfo{}, m.devices...)
}

// Open implements dpu.Engine.
func (m *MockEngine) Open(device string) (dpu.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("Open")

	if m.openErr != nil {
		return nil, m.openErr
	}

	for _, d := range m.devices {
		if d.PCIAddress == device {
			c := &MockContext{engine: m, device: d}
			m.contexts = append(m.contexts, c)
			m.liveContexts++

			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", dpu.ErrDeviceNotFound, device)
}

// MockContext implements dpu.Context on behalf of a MockEngine.
type MockContext struct {
	engine    *MockEngine
	hook      dpu.StateChangeFunc
	notifier  *MockNotifier
	callbacks dpu.TaskCallbacks
	device    dpu.DeviceInfo
	queue     []*dpu.Task
	ready     int
	state     dpu.ContextState
	closed    bool
}

// Device implements dpu.Context.
func (c *MockContext) Device() dpu.DeviceInfo { return c.device }

// State implements dpu.Context.
func (c *MockContext) State() dpu.ContextState {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	return c.state
}

// Capabilities implements dpu.Context.
func (c *MockContext) Capabilities() dpu.Capabilities {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	return c.engine.caps
}

// SetStateChangeHook implements dpu.Context.
func (c *MockContext) SetStateChangeHook(fn dpu.StateChangeFunc) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	c.hook = fn
}

// setState must be called without the engine lock held.
func (c *MockContext) setState(next dpu.ContextState) {
	c.engine.mu.Lock()
	prev := c.state
	c.state = next
	hook := c.hook
	c.engine.mu.Unlock()

	if hook != nil && prev != next {
		hook(prev, next)
	}
}

// ConfigureTasks implements dpu.Context.
func (c *MockContext) ConfigureTasks(maxTasks int, cb dpu.TaskCallbacks) error {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("ConfigureTasks")

	if m.configureErr != nil {
		return m.configureErr
	}

	if maxTasks <= 0 || maxTasks > m.caps.MaxTasks {
		return fmt.Errorf("%w: %d", dpu.ErrInvalidTaskCount, maxTasks)
	}

	c.callbacks = cb

	return nil
}

// Start implements dpu.Context.
func (c *MockContext) Start() error {
	m := c.engine
	m.mu.Lock()
	m.record("Start")
	err := m.startErr
	m.mu.Unlock()

	if err != nil {
		return err
	}

	c.setState(dpu.StateStarting)
	c.setState(dpu.StateRunning)

	return nil
}

// Stop implements dpu.Context.
func (c *MockContext) Stop() error {
	m := c.engine
	m.mu.Lock()
	m.record("Stop")
	err := m.stopErr
	state := c.state
	inflight := len(c.queue)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if state != dpu.StateRunning {
		return nil
	}

	c.setState(dpu.StateStopping)

	if inflight == 0 {
		c.setState(dpu.StateIdle)
	}

	return nil
}

// Close implements dpu.Context.
func (c *MockContext) Close() error {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("Close")

	if m.closeErr != nil {
		return m.closeErr
	}

	if c.closed {
		return dpu.ErrContextClosed
	}

	if c.state != dpu.StateIdle {
		return dpu.ErrContextNotIdle
	}

	c.closed = true
	m.liveContexts--

	return nil
}

func (m *MockEngine) allocID() uint64 {
	m.nextID++
	return m.nextID
}

// CreateRegion implements dpu.Context.
func (c *MockContext) CreateRegion(mem []byte) (*dpu.Region, error) {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("CreateRegion")

	if m.createRegionErr != nil {
		return nil, m.createRegionErr
	}

	if len(mem) == 0 {
		return nil, dpu.ErrInvalidRegion
	}

	id := m.allocID()
	m.liveRegions++

	return dpu.NewLocalRegion(id, id<<32, mem), nil
}

// ImportRegion implements dpu.Context.
func (c *MockContext) ImportRegion(blob []byte, addr, length uint64) (*dpu.Region, error) {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("ImportRegion")

	if m.importRegionErr != nil {
		return nil, m.importRegionErr
	}

	if len(blob) == 0 || length == 0 {
		return nil, dpu.ErrInvalidDescriptor
	}

	m.liveRegions++

	return dpu.NewRemoteRegion(m.allocID(), addr, length, nil), nil
}

// ExportRegion implements dpu.Context.
func (c *MockContext) ExportRegion(r *dpu.Region) (dpu.Export, error) {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("ExportRegion")

	if m.exportRegionErr != nil {
		return dpu.Export{}, m.exportRegionErr
	}

	return dpu.Export{
		Blob:   []byte(fmt.Sprintf("mock-export-%d", r.ID())),
		Addr:   r.Addr(),
		Length: r.Len(),
	}, nil
}

// DestroyRegion implements dpu.Context.
func (c *MockContext) DestroyRegion(r *dpu.Region) error {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("DestroyRegion")

	if m.destroyRegionErr != nil {
		return m.destroyRegionErr
	}

	if err := r.MarkDestroyed(); err != nil {
		return err
	}

	m.liveRegions--

	return nil
}

// RegisterBuffer implements dpu.Context.
func (c *MockContext) RegisterBuffer(r *dpu.Region, offset, length uint64) (*dpu.Buffer, error) {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registerErr != nil {
		if m.registerErrAfter == 0 {
			err := m.registerErr
			m.registerErr = nil

			return nil, err
		}

		m.registerErrAfter--
	}

	b, err := dpu.NewBuffer(m.allocID(), r, offset, length)
	if err != nil {
		return nil, err
	}

	m.liveBuffers++

	return b, nil
}

// ReleaseBuffer implements dpu.Context.
func (c *MockContext) ReleaseBuffer(b *dpu.Buffer) error {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.releaseErr != nil {
		return m.releaseErr
	}

	last, err := b.Release()
	if err != nil {
		return err
	}

	if last {
		m.liveBuffers--
	}

	return nil
}

// Submit implements dpu.Context.
func (c *MockContext) Submit(t *dpu.Task) error {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submits++

	if m.submitErr != nil && m.submits == m.submitErrN {
		return m.submitErr
	}

	if c.state != dpu.StateRunning {
		return dpu.ErrContextNotRunning
	}

	c.queue = append(c.queue, t)
	if m.wakePlan == nil {
		c.ready++
	}

	return nil
}

// Progress implements dpu.Context.
func (c *MockContext) Progress() bool {
	m := c.engine
	m.mu.Lock()

	stopping := c.state == dpu.StateStopping

	if len(c.queue) == 0 {
		m.mu.Unlock()

		if stopping {
			c.setState(dpu.StateIdle)
		}

		return false
	}

	if c.ready == 0 && !stopping {
		m.mu.Unlock()
		return false
	}

	t := c.queue[0]
	c.queue = c.queue[1:]

	if c.ready > 0 {
		c.ready--
	}

	cb := c.callbacks
	fail := m.failTasks[t.ID]
	fatal := fail && m.fatal && !stopping
	m.mu.Unlock()

	switch {
	case stopping:
		cb.OnError(t, dpu.ErrTaskFlushed)
	case fail:
		cb.OnError(t, dpu.ErrTransferFailed)
	default:
		cb.OnComplete(t)
	}

	if fatal {
		c.setState(dpu.StateStopping)
	}

	return true
}

// Notifier implements dpu.Context.
func (c *MockContext) Notifier() (dpu.Notifier, error) {
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("Notifier")

	if m.notifierErr != nil {
		return nil, m.notifierErr
	}

	if c.notifier == nil {
		c.notifier = &MockNotifier{ctx: c}
	}

	return c.notifier, nil
}

// InFlight returns the number of submitted tasks not yet delivered.
func (c *MockContext) InFlight() int {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	return len(c.queue)
}

// MockNotifier implements dpu.Notifier for a MockContext. Wait never
// blocks; it releases the next step of the engine's wake plan.
type MockNotifier struct {
	ctx    *MockContext
	closed bool
}

// Arm implements dpu.Notifier.
func (n *MockNotifier) Arm() error {
	m := n.ctx.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.closed {
		return dpu.ErrNotifierClosed
	}

	m.arms++

	return m.armErr
}

// Wait implements dpu.Notifier.
func (n *MockNotifier) Wait(_ time.Duration) error {
	m := n.ctx.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.closed {
		return dpu.ErrNotifierClosed
	}

	if m.waitErr != nil {
		return m.waitErr
	}

	m.waits++

	c := n.ctx
	pending := len(c.queue) - c.ready

	release := pending
	if len(m.wakePlan) > 0 {
		release = min(m.wakePlan[0], pending)
		m.wakePlan = m.wakePlan[1:]
	}

	c.ready += release

	return nil
}

// Clear implements dpu.Notifier.
func (n *MockNotifier) Clear() error {
	m := n.ctx.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.closed {
		return dpu.ErrNotifierClosed
	}

	m.clears++

	return m.clearErr
}

// Close implements dpu.Notifier.
func (n *MockNotifier) Close() error {
	m := n.ctx.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("CloseNotifier")

	if n.closed {
		return errors.New("mock notifier already closed")
	}

	n.closed = true

	return nil
}
