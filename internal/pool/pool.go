// Package pool pre-builds the buffers and tasks of a benchmark batch so
// that no engine resource is acquired inside a timed loop.
package pool

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// Direction selects which side of the copy is the peer's memory.
type Direction string

const (
	// DirectionRead copies from the remote region into local memory.
	DirectionRead Direction = "read"

	// DirectionWrite copies from local memory into the remote region.
	DirectionWrite Direction = "write"
)

// ParseDirection validates a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionRead, DirectionWrite:
		return d, nil
	default:
		return "", dmaerrors.ErrConfiguration.WithMessage(fmt.Sprintf("unknown direction %q", s))
	}
}

// Registrar hands out buffers from a context's inventory.
type Registrar interface {
	Capabilities() dpu.Capabilities
	RegisterBuffer(r *dpu.Region, offset, length uint64) (*dpu.Buffer, error)
	ReleaseBuffer(b *dpu.Buffer) error
}

// Config sizes a pool.
type Config struct {
	Direction Direction
	BatchSize int

	// TransferSize is the bytes moved per task. Zero means the largest
	// size both regions and the engine allow.
	TransferSize uint64
}

// Pool owns BatchSize source/destination buffer pairs and one task per
// pair. All tasks report to a single shared Completion.
type Pool struct {
	reg      Registrar
	buffers  []*dpu.Buffer
	tasks    []*dpu.Task
	slot     dpu.Completion
	cfg      Config
	released bool
}

// New registers the buffers of a pool between a local and a remote region.
// It panics when remote is nil, since that means the peer region was used
// before it was imported.
func New(reg Registrar, local, remote *dpu.Region, cfg Config) (*Pool, error) {
	if remote == nil {
		panic("pool: remote region used before import")
	}

	if local == nil {
		panic("pool: nil local region")
	}

	caps := reg.Capabilities()

	if cfg.BatchSize <= 0 {
		return nil, dmaerrors.ErrConfiguration.WithMessage(fmt.Sprintf("batch size %d", cfg.BatchSize))
	}

	if cfg.BatchSize > caps.MaxTasks {
		return nil, dmaerrors.ErrResource.WithOp("pool").WithMessage(
			fmt.Sprintf("batch of %d exceeds engine task limit %d", cfg.BatchSize, caps.MaxTasks))
	}

	if caps.InventorySize > 0 && 2*cfg.BatchSize > caps.InventorySize {
		return nil, dmaerrors.ErrResource.WithOp("pool").WithMessage(
			fmt.Sprintf("batch of %d needs %d buffers, inventory holds %d", cfg.BatchSize, 2*cfg.BatchSize, caps.InventorySize))
	}

	size := min(local.Len(), remote.Len(), caps.MaxBufferSize)
	if cfg.TransferSize > 0 {
		if cfg.TransferSize > size {
			return nil, dmaerrors.ErrConfiguration.WithMessage(
				fmt.Sprintf("transfer size %d exceeds limit %d", cfg.TransferSize, size))
		}

		size = cfg.TransferSize
	}

	src, dst := remote, local
	if cfg.Direction == DirectionWrite {
		src, dst = local, remote
	}

	cfg.TransferSize = size

	p := &Pool{
		reg:     reg,
		cfg:     cfg,
		buffers: make([]*dpu.Buffer, 0, 2*cfg.BatchSize),
		tasks:   make([]*dpu.Task, 0, cfg.BatchSize),
	}

	for i := range cfg.BatchSize {
		sb, err := p.register(src, size)
		if err != nil {
			return nil, p.abort(err)
		}

		if err := sb.SetData(0, size); err != nil {
			return nil, p.abort(err)
		}

		db, err := p.register(dst, size)
		if err != nil {
			return nil, p.abort(err)
		}

		p.tasks = append(p.tasks, &dpu.Task{ID: i, Src: sb, Dst: db, Slot: &p.slot})
	}

	log.Debug().
		Str("direction", string(cfg.Direction)).
		Int("batch_size", cfg.BatchSize).
		Uint64("transfer_size", size).
		Msg("Task pool built")

	return p, nil
}

func (p *Pool) register(r *dpu.Region, size uint64) (*dpu.Buffer, error) {
	b, err := p.reg.RegisterBuffer(r, 0, size)
	if err != nil {
		return nil, err
	}

	p.buffers = append(p.buffers, b)

	return b, nil
}

func (p *Pool) abort(cause error) error {
	err := dmaerrors.ErrResource.WithOp("register_buffer").Wrap(cause)
	if rerr := p.Release(); rerr != nil {
		log.Error().Err(rerr).Msg("Error releasing partially built pool")
	}

	return err
}

// Tasks returns the first n tasks. n must not exceed the batch size.
func (p *Pool) Tasks(n int) []*dpu.Task {
	if n < 0 || n > len(p.tasks) {
		panic(fmt.Sprintf("pool: %d tasks requested from a pool of %d", n, len(p.tasks)))
	}

	return p.tasks[:n]
}

// Completion returns the counter shared by every task of the pool.
func (p *Pool) Completion() *dpu.Completion {
	return &p.slot
}

// BatchSize returns the number of tasks in the pool.
func (p *Pool) BatchSize() int { return len(p.tasks) }

// TransferSize returns the bytes moved per task.
func (p *Pool) TransferSize() uint64 { return p.cfg.TransferSize }

// Direction returns the copy direction.
func (p *Pool) Direction() Direction { return p.cfg.Direction }

// Release returns every buffer to the inventory, newest first. Calling it
// again is a no-op.
func (p *Pool) Release() error {
	if p.released {
		return nil
	}

	p.released = true

	var errs error

	for i := len(p.buffers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, p.reg.ReleaseBuffer(p.buffers[i]))
	}

	p.buffers = nil
	p.tasks = nil

	if errs != nil {
		return dmaerrors.ErrResource.WithOp("release_pool").Wrap(errs)
	}

	return nil
}
