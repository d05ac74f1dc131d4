// Package diskio implements the per-disk I/O workers of spec.md §3/§4.2
// (component C3): one worker per disk, each owning a bounded
// single-producer/single-consumer ring of pending segment operations and
// a blocking file handle to that disk's store file.
//
// The ring is a buffered Go channel; channel send/receive already gives
// the single-producer/single-consumer discipline spec.md calls for.
// Submit additionally polls in 10ms slices while the ring is full,
// mirroring original_source's
// m_conditionVariableMainThread.timed_wait(..., milliseconds(10)) retry
// loop (spec.md §5 "Cancellation & timeouts") — responsiveness to
// shutdown, not semantic cancellation.
package diskio

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtnrelay/core/pkg/direrror"
	"github.com/dtnrelay/core/pkg/dtnlog"
)

// ringPollInterval is the bounded timeout a producer waits on a full ring
// before re-checking, per spec.md §5.
const ringPollInterval = 10 * time.Millisecond

// ErrReadFailed and ErrWriteFailed are the sentinel per-segment I/O error
// kinds of spec.md §7.
var (
	ErrReadFailed  = direrror.New("segment read failed")
	ErrWriteFailed = direrror.New("segment write failed")

	// ErrReadPastEnd is returned instead of ErrReadFailed when the
	// requested offset lies at or beyond the disk file's current length —
	// the signal the restore scan (internal/store) uses to know it has
	// walked past the last segment ever written to this disk (spec.md
	// §4.3 "terminate the scan when the first potential head segment
	// lies past end-of-file on its disk").
	ErrReadPastEnd = direrror.New("segment read past end of file")
)

// Op is one pending segment operation on a disk's ring: a write of
// already-laid-out segment bytes, or a read into a caller-provided buffer.
type Op struct {
	SegmentID uint32
	Data      []byte // exactly SegmentSize bytes
	Write     bool
	// Done, if non-nil, receives the operation's result exactly once.
	// Callers that don't need per-operation completion (fire-and-forget
	// writes) may leave it nil.
	Done chan error
}

// Worker owns one disk: its ring, its store file, and the goroutine that
// drains the ring performing blocking reads/writes.
type Worker struct {
	diskIndex   int
	numDisks    int
	segmentSize int64
	file        *os.File
	ring        chan *Op
	log         dtnlog.Logger

	ringDepth *prometheus.GaugeVec // metrics.Store.RingDepth, labeled by disk; nil if unwired
}

// NewWorker constructs a worker for diskIndex of numDisks total disks,
// reading/writing file in segmentSize-byte units, with a ring of the given
// depth. ringDepthGauge, if non-nil, is set to the ring's current occupancy on
// every enqueue and dequeue (spec.md §4.2's per-disk ring depth gauge);
// pass nil to skip metrics entirely.
func NewWorker(diskIndex, numDisks int, file *os.File, segmentSize, ringDepth int, ringDepthGauge *prometheus.GaugeVec) *Worker {
	return &Worker{
		diskIndex:   diskIndex,
		numDisks:    numDisks,
		segmentSize: int64(segmentSize),
		file:        file,
		ring:        make(chan *Op, ringDepth),
		log:         dtnlog.With("component", "diskio", "disk", diskIndex),
		ringDepth:   ringDepthGauge,
	}
}

// reportRingDepth samples the ring's current occupancy into the injected
// gauge, if any.
func (w *Worker) reportRingDepth() {
	if w.ringDepth == nil {
		return
	}
	w.ringDepth.WithLabelValues(strconv.Itoa(w.diskIndex)).Set(float64(len(w.ring)))
}

// Submit enqueues op on the ring, retrying in ringPollInterval slices
// while the ring is full, until it is accepted, ctx is done, or the
// worker has been stopped.
func (w *Worker) Submit(ctx context.Context, op *Op) error {
	for {
		select {
		case w.ring <- op:
			w.reportRingDepth()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		timer := time.NewTimer(ringPollInterval)
		select {
		case w.ring <- op:
			timer.Stop()
			w.reportRingDepth()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Run drains the ring until ctx is cancelled, performing each operation's
// blocking read or write in producer order. On cancellation it drains
// whatever remains queued (spec.md §4.2 "the disk workers never drop
// entries") before returning.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case op, ok := <-w.ring:
			if !ok {
				return
			}
			w.reportRingDepth()
			w.process(op)
		case <-ctx.Done():
			w.drainAndExit()
			return
		}
	}
}

func (w *Worker) drainAndExit() {
	for {
		select {
		case op, ok := <-w.ring:
			if !ok {
				return
			}
			w.reportRingDepth()
			w.process(op)
		default:
			return
		}
	}
}

func (w *Worker) process(op *Op) {
	offset := int64(op.SegmentID/uint32(w.numDisks)) * w.segmentSize
	var err error
	if op.Write {
		_, werr := w.file.WriteAt(op.Data, offset)
		if werr != nil {
			err = direrror.Wrap("write segment", ErrWriteFailed, "segmentId", op.SegmentID, "cause", werr.Error())
		}
	} else {
		_, rerr := w.file.ReadAt(op.Data, offset)
		if errors.Is(rerr, io.EOF) {
			err = direrror.Wrap("read segment", ErrReadPastEnd, "segmentId", op.SegmentID)
		} else if rerr != nil {
			err = direrror.Wrap("read segment", ErrReadFailed, "segmentId", op.SegmentID, "cause", rerr.Error())
		}
	}
	if err != nil {
		w.log.Error("segment io failed", "segmentId", op.SegmentID, "write", op.Write, "err", err)
	}
	if op.Done != nil {
		op.Done <- err
	}
}

// Close flushes and closes the worker's file handle. Run must have
// returned (or never been started) before Close is called.
func (w *Worker) Close() error {
	if err := w.file.Sync(); err != nil {
		return direrror.Wrap("sync disk file", err, "disk", w.diskIndex)
	}
	return w.file.Close()
}
