package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	RunInfo.Reset()

	Init("run-1", "b1:00.0")

	assert.Equal(t, float64(1), testutil.ToFloat64(RunInfo.WithLabelValues("run-1", "b1:00.0", Version)))
}

func TestRecordBatch(t *testing.T) {
	BatchesTotal.Reset()
	TasksTotal.Reset()
	BatchDuration.Reset()

	RecordBatch("throughput", "poll", 1024, 0, 150*time.Microsecond)
	RecordBatch("throughput", "poll", 1024, 4, 120*time.Microsecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(BatchesTotal.WithLabelValues("throughput", "poll")))
	assert.Equal(t, float64(2044), testutil.ToFloat64(TasksTotal.WithLabelValues("throughput", "poll", "completed")))
	assert.Equal(t, float64(4), testutil.ToFloat64(TasksTotal.WithLabelValues("throughput", "poll", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(BatchDuration))
}

func TestAddWakeups(t *testing.T) {
	NotifierWakeups.Reset()

	AddWakeups("latency", 3)
	AddWakeups("latency", 0)

	assert.Equal(t, float64(3), testutil.ToFloat64(NotifierWakeups.WithLabelValues("latency")))
}

func TestSetResult(t *testing.T) {
	Throughput.Reset()
	Latency.Reset()

	SetResult("latency", "event", 250000, 3.5, 12, 4, 0.5)

	assert.Equal(t, float64(250000), testutil.ToFloat64(Throughput.WithLabelValues("latency", "event")))
	assert.Equal(t, 3.5, testutil.ToFloat64(Latency.WithLabelValues("latency", "event", "min")))
	assert.Equal(t, float64(12), testutil.ToFloat64(Latency.WithLabelValues("latency", "event", "max")))
	assert.Equal(t, float64(4), testutil.ToFloat64(Latency.WithLabelValues("latency", "event", "mean")))
	assert.Equal(t, 0.5, testutil.ToFloat64(Latency.WithLabelValues("latency", "event", "stddev")))
}

func TestSetContextState(t *testing.T) {
	ContextState.Reset()

	SetContextState("b1:00.0", "running")
	SetContextState("b1:00.0", "stopping")

	assert.Equal(t, float64(0), testutil.ToFloat64(ContextState.WithLabelValues("b1:00.0", "running")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ContextState.WithLabelValues("b1:00.0", "stopping")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ContextState.WithLabelValues("b1:00.0", "idle")))
}

func TestRecordError(t *testing.T) {
	ErrorsTotal.Reset()

	RecordError("ResourceError")
	RecordError("ResourceError")

	assert.Equal(t, float64(2), testutil.ToFloat64(ErrorsTotal.WithLabelValues("ResourceError")))
}

func TestRouter(t *testing.T) {
	srv := httptest.NewServer(Router(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	RecordError("IOError")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dmabench_errors_total")
}

func TestServerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- NewServer(ln.Addr().String(), nil).Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
