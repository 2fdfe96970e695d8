package bench

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/internal/exchange"
	"github.com/piwi3910/dmabench/internal/metrics"
	"github.com/piwi3910/dmabench/internal/pool"
	"github.com/piwi3910/dmabench/internal/shutdown"
	"github.com/piwi3910/dmabench/internal/tracker"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// Names of the resources pushed onto the teardown stack.
const (
	ResourceContext  = "context"
	ResourceStarted  = "started_context"
	ResourceLocal    = "local_region"
	ResourceRemote   = "remote_region"
	ResourcePool     = "pool"
	ResourceNotifier = "notifier"
	ResourceExport   = "export_artifacts"
)

func (r *Runner) setup(stack *shutdown.Stack, desc *exchange.Descriptor, batch int, mode tracker.Mode, direction pool.Direction) (*session, error) {
	s := &session{}

	size := r.cfg.RegionSize
	if size == 0 {
		size = desc.Length
	}

	mem, err := regionMemory(size, LocalFill)
	if err != nil {
		return nil, err
	}

	c, err := r.open(stack)
	if err != nil {
		return nil, err
	}

	s.ctx = c

	if err := r.start(stack, c, batch); err != nil {
		return nil, err
	}

	if s.local, err = createRegion(stack, c, mem); err != nil {
		return nil, err
	}

	remote, err := exchange.Import(c, desc)
	if err != nil {
		return nil, err
	}

	s.remote = remote
	stack.Push(ResourceRemote, func() error { return c.DestroyRegion(remote) })

	log.Debug().
		Uint64("addr", remote.Addr()).
		Uint64("length", remote.Len()).
		Msg("Imported peer region")

	p, err := pool.New(c, s.local, s.remote, pool.Config{
		Direction:    direction,
		BatchSize:    batch,
		TransferSize: r.cfg.TransferSize,
	})
	if err != nil {
		return nil, err
	}

	s.pool = p
	stack.Push(ResourcePool, p.Release)

	if mode == tracker.ModeEvent {
		n, err := c.Notifier()
		if err != nil {
			return nil, dmaerrors.ErrResource.WithOp("notifier").Wrap(err)
		}

		s.notifier = n
		stack.Push(ResourceNotifier, n.Close)
	}

	return s, nil
}

// open opens the context and installs the state observer.
func (r *Runner) open(stack *shutdown.Stack) (dpu.Context, error) {
	c, err := r.engine.Open(r.cfg.Device)
	if err != nil {
		return nil, dmaerrors.ErrResource.WithOp("open_context").Wrap(err)
	}

	device := c.Device().PCIAddress

	r.checker.Opened(device)
	metrics.SetContextState(device, c.State().String())

	c.SetStateChangeHook(func(prev, next dpu.ContextState) {
		log.Info().
			Str("device", device).
			Stringer("from", prev).
			Stringer("to", next).
			Msg("Engine context state changed")
		metrics.SetContextState(device, next.String())
		r.checker.ObserveState(prev, next)
	})

	stack.Push(ResourceContext, func() error {
		if err := c.Close(); err != nil {
			return err
		}

		r.checker.Closed()

		return nil
	})

	log.Debug().
		Str("device", device).
		Str("model", c.Device().Model).
		Msg("Opened engine context")

	return c, nil
}

// start configures the in-flight limit and moves the context to running.
func (r *Runner) start(stack *shutdown.Stack, c dpu.Context, batch int) error {
	if err := c.ConfigureTasks(batch, tracker.Callbacks()); err != nil {
		return dmaerrors.ErrResource.WithOp("configure_tasks").Wrap(err)
	}

	if err := c.Start(); err != nil {
		return dmaerrors.ErrResource.WithOp("start_context").Wrap(err)
	}

	stack.Push(ResourceStarted, func() error {
		if err := c.Stop(); err != nil {
			return err
		}

		drain(c)

		return nil
	})

	return nil
}

// regionMemory allocates size bytes set to fill. Sizes above
// exchange.MaxRegionSize are rejected before anything is allocated.
func regionMemory(size uint64, fill byte) ([]byte, error) {
	if size == 0 || size > exchange.MaxRegionSize {
		return nil, dmaerrors.ErrConfiguration.WithOp("region_size").WithMessage(
			fmt.Sprintf("region of %d bytes outside (0, %d]", size, exchange.MaxRegionSize))
	}

	return bytes.Repeat([]byte{fill}, int(size)), nil
}

func createRegion(stack *shutdown.Stack, c dpu.Context, mem []byte) (*dpu.Region, error) {
	local, err := c.CreateRegion(mem)
	if err != nil {
		return nil, dmaerrors.ErrResource.WithOp("create_region").Wrap(err)
	}

	stack.Push(ResourceLocal, func() error { return c.DestroyRegion(local) })

	return local, nil
}
