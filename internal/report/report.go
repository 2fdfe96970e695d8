// Package report renders benchmark results as a console table and as a
// YAML file.
package report

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/dmabench/internal/stats"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

// Report describes one completed benchmark run.
type Report struct {
	RunID        string        `json:"run_id" yaml:"run_id"`
	Benchmark    string        `json:"benchmark" yaml:"benchmark"`
	Device       string        `json:"device" yaml:"device"`
	Mode         string        `json:"mode" yaml:"mode"`
	Direction    string        `json:"direction" yaml:"direction"`
	TransferSize uint64        `json:"transfer_size" yaml:"transfer_size"`
	StartedAt    time.Time     `json:"started_at" yaml:"started_at"`
	Summary      stats.Summary `json:"summary" yaml:"summary"`
	Unit         stats.Unit    `json:"unit" yaml:"unit"`
	Throughput   float64       `json:"throughput" yaml:"throughput"`
	Completed    int64         `json:"completed" yaml:"completed"`
	Failed       int64         `json:"failed" yaml:"failed"`
	Wakeups      int64         `json:"wakeups,omitempty" yaml:"wakeups,omitempty"`
}

// WriteTable prints the latency table followed by the throughput line.
func WriteTable(w io.Writer, r *Report) error {
	fmt.Fprintf(w, "%s benchmark on %s (%s, %s, %d bytes per task)\n",
		r.Benchmark, r.Device, r.Mode, r.Direction, r.TransferSize)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ITERATIONS\tBATCH\tMin(us)\tAvg(us)\tMax(us)\tStdDev(us)\tP99(us)")
	fmt.Fprintf(tw, "%d\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\n",
		r.Summary.Iterations, r.Summary.BatchSize,
		r.Summary.MinUs, r.Summary.MeanUs, r.Summary.MaxUs, r.Summary.StdDevUs, r.Summary.P99Us)

	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "Throughput: %.3f %s (%d completed, %d failed, total %s)\n",
		r.Throughput, r.Unit.Label(), r.Completed, r.Failed, r.Summary.Total)

	return err
}

// Save writes r as YAML to path.
func Save(fs afero.Fs, path string, r *Report) error {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(r); err != nil {
		return dmaerrors.ErrIO.WithOp("encode_report").Wrap(err)
	}

	if err := enc.Close(); err != nil {
		return dmaerrors.ErrIO.WithOp("encode_report").Wrap(err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o750); err != nil {
			return dmaerrors.ErrIO.WithOp("write_report").Wrap(err)
		}
	}

	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return dmaerrors.ErrIO.WithOp("write_report").Wrap(err)
	}

	return nil
}

// Load reads a report saved with Save.
func Load(fs afero.Fs, path string) (*Report, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, dmaerrors.ErrIO.WithOp("read_report").Wrap(err)
	}

	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, dmaerrors.ErrIO.WithOp("decode_report").Wrap(err)
	}

	return &r, nil
}
