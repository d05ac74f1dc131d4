package store

import (
	"context"
	"encoding/binary"

	"github.com/dtnrelay/core/internal/bpv"
	"github.com/dtnrelay/core/internal/diskio"
	"github.com/dtnrelay/core/internal/metrics"
	"github.com/dtnrelay/core/internal/segmem"
	"github.com/dtnrelay/core/pkg/direrror"
	"github.com/dtnrelay/core/pkg/dtnlog"
)

// SentinelSize marks a non-head segment's bundleSizeBytes field, and a
// head segment whose chain has been removed (spec.md §6).
const SentinelSize = ^uint64(0)

// SentinelNext marks the last segment in a chain's nextSegmentId field
// (spec.md §6).
const SentinelNext = ^uint32(0)

// Error kinds of spec.md §7 "Storage".
var (
	ErrSessionInvalid           = direrror.New("session invalid")
	ErrChainLinkageInconsistent = direrror.New("chain linkage inconsistent")
	ErrNoBundleAvailable        = direrror.New("no bundle available for destinations")
)

// Layout is the on-disk segment layout of spec.md §6: SEGMENT_SIZE =
// SEGMENT_RESERVED_SPACE + PER_SEGMENT_PAYLOAD, with an 8-byte
// bundleSizeBytes field and a 4-byte nextSegmentId field at the front of
// the reserved area.
type Layout struct {
	SegmentSize   int
	ReservedSpace int
}

// PayloadSize returns PER_SEGMENT_PAYLOAD.
func (l Layout) PayloadSize() int { return l.SegmentSize - l.ReservedSpace }

// DefaultLayout is spec.md §8's concrete scenario layout
// (SEGMENT_SIZE=4096, SEGMENT_RESERVED_SPACE=20).
var DefaultLayout = Layout{SegmentSize: 4096, ReservedSpace: 20}

func ceilDivInt(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// WriteSession carries the state of one in-progress push, mirroring
// original_source's session struct: chainInfo, nextLogicalSegment,
// destLinkID, priorityIndex, absExpiration.
type WriteSession struct {
	chainInfo             ChainInfo
	nextLogicalSegment    int
	destLinkID            uint64
	priorityIndex         int
	absExpiration         uint64
	totalSegmentsRequired int
}

// ReadSession carries the state of one in-progress pop/read, plus a small
// read-ahead pipeline of outstanding segment reads.
type ReadSession struct {
	entry              *catalogEntry
	nextLogicalSegment int
	scheduled          map[int]*pendingRead
}

type pendingRead struct {
	buf  []byte
	done chan error
}

func (s *ReadSession) readComplete() bool {
	return s.nextLogicalSegment >= len(s.entry.chain.SegmentIDChain)
}

// ReadCacheDepth is the number of segments topSegment pre-schedules ahead
// of the caller's current read position (spec.md §4.3).
const ReadCacheDepth = 4

// Store implements the push/pop/read/remove/restore API of spec.md §4.3
// over a Catalog, a segment memory manager, and one diskio.Worker per
// disk.
type Store struct {
	layout Layout
	disks  []*diskio.Worker
	segMgr *segmem.Manager
	cat    *Catalog
	m      *metrics.Store
	log    dtnlog.Logger
}

// New constructs a Store. disks must be indexed by diskIndex = segmentId
// mod len(disks), matching the striping rule of spec.md §3.
func New(layout Layout, disks []*diskio.Worker, segMgr *segmem.Manager, cat *Catalog, m *metrics.Store) *Store {
	return &Store{
		layout: layout,
		disks:  disks,
		segMgr: segMgr,
		cat:    cat,
		m:      m,
		log:    dtnlog.With("component", "store"),
	}
}

func (s *Store) diskFor(segID uint32) *diskio.Worker {
	return s.disks[int(segID)%len(s.disks)]
}

func (s *Store) submit(ctx context.Context, segID uint32, data []byte, write bool) error {
	done := make(chan error, 1)
	if err := s.diskFor(segID).Submit(ctx, &diskio.Op{SegmentID: segID, Data: data, Write: write, Done: done}); err != nil {
		return err
	}
	return <-done
}

// Push reserves totalSegmentsRequired = ceil(bundleSize / PER_SEGMENT_PAYLOAD)
// segment IDs and opens a WriteSession over them. PushSegment must be
// called exactly totalSegmentsRequired times afterward (spec.md §4.3).
func (s *Store) Push(primary bpv.PrimaryBlock, bundleSize uint64, destLinkID uint64) (*WriteSession, error) {
	totalSegmentsRequired := ceilDivInt(int(bundleSize), s.layout.PayloadSize())
	if totalSegmentsRequired == 0 {
		totalSegmentsRequired = 1
	}
	chain, err := s.segMgr.Allocate(totalSegmentsRequired)
	if err != nil {
		return nil, direrror.Wrap("push: reserve segments", err, "bundleSize", bundleSize)
	}
	return &WriteSession{
		chainInfo:             ChainInfo{BundleSizeBytes: bundleSize, SegmentIDChain: chain},
		destLinkID:            destLinkID,
		priorityIndex:         int(primary.Priority()),
		absExpiration:         primary.AbsoluteExpiration(),
		totalSegmentsRequired: totalSegmentsRequired,
	}, nil
}

// PushSegment writes one segment of payload for session, advancing its
// cursor. On the final call, the completed chain is inserted into the
// catalog (spec.md §4.3).
func (s *Store) PushSegment(ctx context.Context, session *WriteSession, payload []byte) error {
	idx := session.nextLogicalSegment
	if idx >= len(session.chainInfo.SegmentIDChain) {
		return direrror.Wrap("pushSegment: session already complete", ErrSessionInvalid)
	}
	segID := session.chainInfo.SegmentIDChain[idx]

	sizeField := SentinelSize
	if idx == 0 {
		sizeField = session.chainInfo.BundleSizeBytes
	}
	nextID := SentinelNext
	if idx+1 < len(session.chainInfo.SegmentIDChain) {
		nextID = session.chainInfo.SegmentIDChain[idx+1]
	}

	buf := make([]byte, s.layout.SegmentSize)
	binary.LittleEndian.PutUint64(buf[0:8], sizeField)
	binary.LittleEndian.PutUint32(buf[8:12], nextID)
	copy(buf[s.layout.ReservedSpace:], payload)

	if err := s.submit(ctx, segID, buf, true); err != nil {
		return direrror.Wrap("pushSegment: write failed", err, "segmentId", segID)
	}

	session.nextLogicalSegment++
	if session.nextLogicalSegment == len(session.chainInfo.SegmentIDChain) {
		s.cat.Insert(session.destLinkID, session.priorityIndex, session.absExpiration, session.chainInfo)
		if s.m != nil {
			s.m.BundlesStored.Inc()
		}
	}
	return nil
}

// PopTop detaches the front chain across availableDestLinks per spec.md
// §4.3's priority/expiration/LIFO ordering and returns a fresh
// ReadSession over it, or ErrNoBundleAvailable if no chain is available.
func (s *Store) PopTop(availableDestLinks []uint64) (*ReadSession, error) {
	entry, ok := s.cat.PopTop(availableDestLinks)
	if !ok {
		return nil, ErrNoBundleAvailable
	}
	return &ReadSession{entry: entry, scheduled: make(map[int]*pendingRead)}, nil
}

// ReturnTop re-inserts session's chain at the front of its original
// expiration bucket, used when a transmission attempt fails without
// consuming custody (spec.md §4.3). The session must not have begun
// reading.
func (s *Store) ReturnTop(session *ReadSession) {
	s.cat.ReturnTop(session.entry)
}

func (s *Store) scheduleRead(ctx context.Context, session *ReadSession, idx int) {
	if idx >= len(session.entry.chain.SegmentIDChain) {
		return
	}
	if _, ok := session.scheduled[idx]; ok {
		return
	}
	segID := session.entry.chain.SegmentIDChain[idx]
	pr := &pendingRead{buf: make([]byte, s.layout.SegmentSize), done: make(chan error, 1)}
	session.scheduled[idx] = pr
	_ = s.diskFor(segID).Submit(ctx, &diskio.Op{SegmentID: segID, Data: pr.buf, Write: false, Done: pr.done})
}

// TopSegment pre-schedules up to ReadCacheDepth read-ahead segments,
// blocks on the current segment's completion, validates its header
// linkage against the in-memory chain, and returns the segment's payload
// bytes, trimmed to the real length on the final segment (spec.md §4.3).
func (s *Store) TopSegment(ctx context.Context, session *ReadSession) ([]byte, error) {
	idx := session.nextLogicalSegment
	chain := session.entry.chain.SegmentIDChain
	if idx >= len(chain) {
		return nil, direrror.Wrap("topSegment: session already complete", ErrSessionInvalid)
	}

	for ahead := idx; ahead < idx+ReadCacheDepth && ahead < len(chain); ahead++ {
		s.scheduleRead(ctx, session, ahead)
	}

	pr := session.scheduled[idx]
	delete(session.scheduled, idx)
	select {
	case err := <-pr.done:
		if err != nil {
			return nil, direrror.Wrap("topSegment: read failed", err, "segmentId", chain[idx])
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sizeField := binary.LittleEndian.Uint64(pr.buf[0:8])
	nextID := binary.LittleEndian.Uint32(pr.buf[8:12])

	if idx == 0 {
		if sizeField != session.entry.chain.BundleSizeBytes {
			return nil, direrror.Wrap("topSegment: head size mismatch", ErrChainLinkageInconsistent,
				"segmentId", chain[idx], "want", session.entry.chain.BundleSizeBytes, "got", sizeField)
		}
	} else if sizeField != SentinelSize {
		return nil, direrror.Wrap("topSegment: non-head segment missing sentinel size", ErrChainLinkageInconsistent,
			"segmentId", chain[idx])
	}

	wantNext := SentinelNext
	if idx+1 < len(chain) {
		wantNext = chain[idx+1]
	}
	if nextID != wantNext {
		return nil, direrror.Wrap("topSegment: next segment linkage mismatch", ErrChainLinkageInconsistent,
			"segmentId", chain[idx], "want", wantNext, "got", nextID)
	}

	payload := pr.buf[s.layout.ReservedSpace:]
	if idx == len(chain)-1 {
		finalLen := int(session.entry.chain.BundleSizeBytes % uint64(s.layout.PayloadSize()))
		if finalLen == 0 {
			finalLen = s.layout.PayloadSize()
		}
		payload = payload[:finalLen]
	}

	session.nextLogicalSegment++
	if session.readComplete() && s.m != nil {
		s.m.BundlesSentToEgress.Inc()
	}
	return payload, nil
}

// ReadAll drains a ReadSession to completion and returns the concatenated
// bundle bytes. A convenience built on repeated TopSegment calls.
func (s *Store) ReadAll(ctx context.Context, session *ReadSession) ([]byte, error) {
	out := make([]byte, 0, session.entry.chain.BundleSizeBytes)
	for !session.readComplete() {
		seg, err := s.TopSegment(ctx, session)
		if err != nil {
			return nil, err
		}
		out = append(out, seg...)
	}
	return out, nil
}

// RemoveReadBundleFromDisk overwrites the chain's head segment's
// bundleSizeBytes with SentinelSize (so a restore scan skips it as a
// non-head segment) and frees every segment ID in the chain. It fails
// with ErrSessionInvalid if the session's read is not complete and force
// is false — resolving spec.md §9 Open Question (a) in favor of
// surfacing an error rather than silently no-op'ing.
func (s *Store) RemoveReadBundleFromDisk(ctx context.Context, session *ReadSession, force bool) error {
	if !session.readComplete() && !force {
		return direrror.Wrap("removeReadBundleFromDisk: read not complete", ErrSessionInvalid,
			"read", session.nextLogicalSegment, "total", len(session.entry.chain.SegmentIDChain))
	}

	chain := session.entry.chain.SegmentIDChain
	headBuf := make([]byte, s.layout.SegmentSize)
	binary.LittleEndian.PutUint64(headBuf[0:8], SentinelSize)
	binary.LittleEndian.PutUint32(headBuf[8:12], SentinelNext)
	if err := s.submit(ctx, chain[0], headBuf, true); err != nil {
		return direrror.Wrap("removeReadBundleFromDisk: head overwrite failed", err, "segmentId", chain[0])
	}

	s.segMgr.Free(chain)
	if s.m != nil {
		s.m.BundlesDeletedFromStorage.Inc()
	}
	return nil
}
