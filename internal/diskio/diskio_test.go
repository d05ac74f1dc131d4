package diskio

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestWorker(t *testing.T, ringDepth int) (*Worker, func()) {
	t.Helper()
	return newTestWorkerWithGauge(t, ringDepth, nil)
}

func newTestWorkerWithGauge(t *testing.T, ringDepth int, gauge *prometheus.GaugeVec) (*Worker, func()) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "disk0-*.store")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64*1024))
	w := NewWorker(0, 1, f, 4096, ringDepth, gauge)
	return w, func() { _ = f.Close() }
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	w, cleanup := newTestWorker(t, 4)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	payload := make([]byte, 4096)
	copy(payload, []byte("segment zero contents"))

	writeDone := make(chan error, 1)
	require.NoError(t, w.Submit(ctx, &Op{SegmentID: 0, Data: payload, Write: true, Done: writeDone}))
	require.NoError(t, <-writeDone)

	readBuf := make([]byte, 4096)
	readDone := make(chan error, 1)
	require.NoError(t, w.Submit(ctx, &Op{SegmentID: 0, Data: readBuf, Write: false, Done: readDone}))
	require.NoError(t, <-readDone)

	require.Equal(t, payload, readBuf)

	cancel()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Close())
}

func TestSubmitRetriesOnFullRingUntilDrained(t *testing.T) {
	w, cleanup := newTestWorker(t, 1)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fill the ring before starting the worker so the next Submit must
	// poll-and-retry past the 10ms ring backpressure window.
	first := &Op{SegmentID: 0, Data: make([]byte, 4096), Write: true, Done: make(chan error, 1)}
	require.NoError(t, w.Submit(ctx, first))

	go w.Run(ctx)

	second := &Op{SegmentID: 1, Data: make([]byte, 4096), Write: true, Done: make(chan error, 1)}
	require.NoError(t, w.Submit(ctx, second))

	require.NoError(t, <-first.Done)
	require.NoError(t, <-second.Done)

	cancel()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Close())
}

func TestSubmitAbortsOnContextCancel(t *testing.T) {
	w, cleanup := newTestWorker(t, 1)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())

	// Fill the ring; worker is never started, so a second Submit can
	// never make progress until ctx is cancelled.
	require.NoError(t, w.Submit(ctx, &Op{SegmentID: 0, Data: make([]byte, 4096), Write: true}))

	cancel()
	err := w.Submit(ctx, &Op{SegmentID: 1, Data: make([]byte, 4096), Write: true})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSubmitUpdatesRingDepthGauge(t *testing.T) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_ring_depth"}, []string{"disk"})
	w, cleanup := newTestWorkerWithGauge(t, 4, gauge)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Submit(ctx, &Op{SegmentID: 0, Data: make([]byte, 4096), Write: true}))
	require.NoError(t, w.Submit(ctx, &Op{SegmentID: 1, Data: make([]byte, 4096), Write: true}))
	require.Equal(t, float64(2), testutil.ToFloat64(gauge.WithLabelValues("0")))

	done := make(chan error, 2)
	go w.Run(ctx)
	for i := 0; i < 2; i++ {
		require.NoError(t, w.Submit(ctx, &Op{SegmentID: uint32(i), Data: make([]byte, 4096), Write: false, Done: done}))
		require.NoError(t, <-done)
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(gauge.WithLabelValues("0")) == 0
	}, time.Second, time.Millisecond)

	cancel()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Close())
}

func TestRunDrainsRingOnCancelBeforeExiting(t *testing.T) {
	w, cleanup := newTestWorker(t, 8)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())

	dones := make([]chan error, 4)
	for i := range dones {
		dones[i] = make(chan error, 1)
		require.NoError(t, w.Submit(ctx, &Op{
			SegmentID: uint32(i),
			Data:      make([]byte, 4096),
			Write:     true,
			Done:      dones[i],
		}))
	}

	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	cancel()
	<-finished

	for _, d := range dones {
		require.NoError(t, <-d)
	}
	require.NoError(t, w.Close())
}
