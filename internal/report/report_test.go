package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/dmabench/internal/stats"
	"github.com/piwi3910/dmabench/pkg/dmaerrors"
)

func sampleReport() *Report {
	return &Report{
		RunID:        "6f1c2b9e-0000-4000-8000-000000000001",
		Benchmark:    "throughput",
		Device:       "b1:00.0",
		Mode:         "event",
		Direction:    "read",
		TransferSize: 4096,
		StartedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Summary: stats.Summary{
			Iterations: 3,
			BatchSize:  1024,
			MinUs:      10,
			MaxUs:      30,
			MeanUs:     20,
			StdDevUs:   8.16496580927726,
			P99Us:      30,
			Total:      60 * time.Microsecond,
			OpsPerSec:  51200000,
		},
		Unit:       stats.UnitMops,
		Throughput: 51.2,
		Completed:  3072,
		Wakeups:    6,
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteTable(&buf, sampleReport()))

	out := buf.String()
	assert.Contains(t, out, "throughput benchmark on b1:00.0 (event, read, 4096 bytes per task)")
	assert.Contains(t, out, "Min(us)")
	assert.Contains(t, out, "StdDev(us)")
	assert.Contains(t, out, "20.000")
	assert.Contains(t, out, "8.165")
	assert.Contains(t, out, "Throughput: 51.200 Mops/s")
	assert.Contains(t, out, "3072 completed, 0 failed")
}

func TestSaveAndLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	want := sampleReport()

	require.NoError(t, Save(fs, "/var/lib/dmabench/run.yaml", want))

	data, err := afero.ReadFile(fs, "/var/lib/dmabench/run.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "benchmark: throughput")
	assert.Contains(t, string(data), "stddev_us:")

	got, err := Load(fs, "/var/lib/dmabench/run.yaml")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveReadOnlyFs(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())

	err := Save(fs, "/run.yaml", sampleReport())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dmaerrors.ErrIO))
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/missing.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dmaerrors.ErrIO))
}
