package bench

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/piwi3910/dmabench/internal/exchange"
	"github.com/piwi3910/dmabench/internal/shutdown"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// DefaultExportSize is the exported region size when none is configured.
const DefaultExportSize = 4096

// Export plays the peer of a run: it registers a region filled with
// ExportFill, publishes its descriptor and keeps it registered until ctx
// is cancelled. ready, when set, is called once the artifacts are
// written.
func (r *Runner) Export(ctx context.Context, ready func(*exchange.Descriptor)) (err error) {
	stack := shutdown.NewStack("export")
	defer func() {
		if uerr := stack.Unwind(); uerr != nil {
			err = multierr.Append(err, dmaerrors.ErrResource.WithOp("teardown").Wrap(uerr))
		}

		r.released = stack.Released()

		if err != nil {
			recordError(err)
		}
	}()

	size := r.cfg.RegionSize
	if size == 0 {
		size = DefaultExportSize
	}

	mem, err := regionMemory(size, ExportFill)
	if err != nil {
		return err
	}

	c, err := r.open(stack)
	if err != nil {
		return err
	}

	region, err := createRegion(stack, c, mem)
	if err != nil {
		return err
	}

	ex := exchange.New(r.fs, r.cfg.Paths())

	desc, err := ex.Publish(c, region)
	if err != nil {
		return err
	}

	stack.Push(ResourceExport, ex.Remove)

	log.Info().
		Str("device", r.cfg.Device).
		Str("addr", fmt.Sprintf("%#x", desc.Addr)).
		Uint64("length", desc.Length).
		Int("blob_size", len(desc.Blob)).
		Str("descriptor_path", r.cfg.DescriptorPath).
		Str("buffer_info_path", r.cfg.BufferInfoPath).
		Msg("Region exported, waiting for the peer to finish")

	if ready != nil {
		ready(desc)
	}

	<-ctx.Done()

	log.Info().Msg("Export stopped")

	return nil
}
