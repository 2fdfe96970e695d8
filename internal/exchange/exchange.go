// Package exchange moves a region export descriptor between the host that
// exports memory and the DPU that imports it.
//
// Two artifacts are written side by side: the opaque descriptor blob, and
// a text file holding the region's address and length on two lines.
package exchange

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/piwi3910/dmabench/internal/dpu"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// MaxBlobSize caps the descriptor blob. Longer blobs are truncated.
const MaxBlobSize = 1 << 20

// MaxRegionSize caps the region length accepted from a coordinates file,
// since the importing side allocates a local region of the same size.
const MaxRegionSize = 1 << 30

// Default artifact locations.
const (
	DefaultDescriptorPath = "/tmp/export_desc.txt"
	DefaultBufferInfoPath = "/tmp/buffer_info.txt"
)

// Descriptor is everything a peer needs to import a region.
type Descriptor struct {
	Blob   []byte
	Addr   uint64
	Length uint64
}

// Paths locates the two artifacts.
type Paths struct {
	Descriptor string `json:"descriptor" yaml:"descriptor"`
	BufferInfo string `json:"buffer_info" yaml:"buffer_info"`
}

// DefaultPaths returns the conventional artifact locations.
func DefaultPaths() Paths {
	return Paths{
		Descriptor: DefaultDescriptorPath,
		BufferInfo: DefaultBufferInfoPath,
	}
}

// Exporter produces an export descriptor for a local region.
type Exporter interface {
	ExportRegion(r *dpu.Region) (dpu.Export, error)
}

// Importer maps a region described by a peer's descriptor.
type Importer interface {
	ImportRegion(blob []byte, addr, length uint64) (*dpu.Region, error)
}

// Exchange reads and writes descriptor artifacts on a filesystem.
type Exchange struct {
	fs    afero.Fs
	paths Paths
}

// New creates an exchange over fs.
func New(fs afero.Fs, paths Paths) *Exchange {
	return &Exchange{fs: fs, paths: paths}
}

// Paths returns the artifact locations.
func (e *Exchange) Paths() Paths {
	return e.paths
}

// Publish exports r and writes both artifacts.
func (e *Exchange) Publish(exp Exporter, r *dpu.Region) (*Descriptor, error) {
	out, err := exp.ExportRegion(r)
	if err != nil {
		return nil, dmaerrors.ErrResource.WithOp("export_region").Wrap(err)
	}

	d := &Descriptor{Blob: out.Blob, Addr: out.Addr, Length: out.Length}
	if err := e.Write(d); err != nil {
		return nil, err
	}

	return d, nil
}

// Write stores d as the two artifacts.
func (e *Exchange) Write(d *Descriptor) error {
	blob := d.Blob
	if len(blob) > MaxBlobSize {
		log.Warn().
			Int("size", len(blob)).
			Int("max", MaxBlobSize).
			Msg("Export descriptor truncated")

		blob = blob[:MaxBlobSize]
	}

	if err := afero.WriteFile(e.fs, e.paths.Descriptor, blob, 0o600); err != nil {
		return dmaerrors.ErrIO.WithMessage("write export descriptor").WithOp(e.paths.Descriptor).Wrap(err)
	}

	info := fmt.Sprintf("%#x\n%d\n", d.Addr, d.Length)
	if err := afero.WriteFile(e.fs, e.paths.BufferInfo, []byte(info), 0o600); err != nil {
		if rerr := e.fs.Remove(e.paths.Descriptor); rerr != nil {
			err = multierr.Append(err, rerr)
		}

		return dmaerrors.ErrIO.WithMessage("write buffer info").WithOp(e.paths.BufferInfo).Wrap(err)
	}

	log.Info().
		Str("descriptor", e.paths.Descriptor).
		Str("buffer_info", e.paths.BufferInfo).
		Str("addr", fmt.Sprintf("%#x", d.Addr)).
		Uint64("length", d.Length).
		Msg("Export descriptor published")

	return nil
}

// Load reads both artifacts. Any missing, empty or unparsable artifact is
// an IOError, and so is a region of length zero or above MaxRegionSize.
func (e *Exchange) Load() (*Descriptor, error) {
	blob, err := e.readBlob()
	if err != nil {
		return nil, err
	}

	f, err := e.fs.Open(e.paths.BufferInfo)
	if err != nil {
		return nil, dmaerrors.ErrIO.WithMessage("open buffer info").WithOp(e.paths.BufferInfo).Wrap(err)
	}
	defer f.Close()

	addr, length, err := ParseBufferInfo(f)
	if err != nil {
		return nil, dmaerrors.ErrIO.WithMessage("parse buffer info").WithOp(e.paths.BufferInfo).Wrap(err)
	}

	if length == 0 {
		return nil, dmaerrors.ErrIO.WithMessage("zero-length remote region").WithOp(e.paths.BufferInfo)
	}

	if length > MaxRegionSize {
		return nil, dmaerrors.ErrIO.
			WithMessage(fmt.Sprintf("remote region of %d bytes exceeds limit %d", length, MaxRegionSize)).
			WithOp(e.paths.BufferInfo)
	}

	return &Descriptor{Blob: blob, Addr: addr, Length: length}, nil
}

func (e *Exchange) readBlob() ([]byte, error) {
	f, err := e.fs.Open(e.paths.Descriptor)
	if err != nil {
		return nil, dmaerrors.ErrIO.WithMessage("open export descriptor").WithOp(e.paths.Descriptor).Wrap(err)
	}
	defer f.Close()

	blob, err := io.ReadAll(io.LimitReader(f, MaxBlobSize))
	if err != nil {
		return nil, dmaerrors.ErrIO.WithMessage("read export descriptor").WithOp(e.paths.Descriptor).Wrap(err)
	}

	if len(blob) == 0 {
		return nil, dmaerrors.ErrIO.WithMessage("empty export descriptor").WithOp(e.paths.Descriptor)
	}

	if info, err := f.Stat(); err == nil && info.Size() > MaxBlobSize {
		log.Warn().
			Int64("size", info.Size()).
			Int("max", MaxBlobSize).
			Msg("Export descriptor truncated on read")
	}

	return blob, nil
}

// ParseBufferInfo parses an address line and a length line. Both accept
// decimal, 0x hex and 0 octal notation.
func ParseBufferInfo(r io.Reader) (addr, length uint64, err error) {
	sc := bufio.NewScanner(r)

	var fields []string

	for len(fields) < 2 && sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		fields = append(fields, line)
	}

	if err := sc.Err(); err != nil {
		return 0, 0, err
	}

	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("expected address and length, got %d fields", len(fields))
	}

	if addr, err = strconv.ParseUint(fields[0], 0, 64); err != nil {
		return 0, 0, fmt.Errorf("address: %w", err)
	}

	if length, err = strconv.ParseUint(fields[1], 0, 64); err != nil {
		return 0, 0, fmt.Errorf("length: %w", err)
	}

	return addr, length, nil
}

// Import maps d through imp.
func Import(imp Importer, d *Descriptor) (*dpu.Region, error) {
	r, err := imp.ImportRegion(d.Blob, d.Addr, d.Length)
	if err != nil {
		return nil, dmaerrors.ErrResource.WithOp("import_region").Wrap(err)
	}

	log.Debug().
		Str("addr", fmt.Sprintf("%#x", d.Addr)).
		Uint64("length", d.Length).
		Msg("Remote region imported")

	return r, nil
}

// Remove deletes both artifacts. Missing artifacts are ignored.
func (e *Exchange) Remove() error {
	var errs error

	for _, p := range []string{e.paths.Descriptor, e.paths.BufferInfo} {
		if err := e.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		return dmaerrors.ErrIO.WithMessage("remove descriptor artifacts").Wrap(errs)
	}

	return nil
}

