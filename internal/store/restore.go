package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dtnrelay/core/internal/bpv"
	"github.com/dtnrelay/core/internal/diskio"
	"github.com/dtnrelay/core/pkg/direrror"
)

// RestoreStats reports the exact counts spec.md §8 property 3 checks
// after a restart: totalBundlesRestored, totalBytesRestored,
// totalSegmentsRestored.
type RestoreStats struct {
	BundlesRestored  uint64
	BytesRestored    uint64
	SegmentsRestored uint64
}

// primaryDecodeCache memoizes a head segment's decoded primary block by
// segment ID during the restart scan. Restore creates a new cache on each
// call, so the cache lives for one scan only: re-running Restore after a
// transient disk read error decodes every head again, including heads
// already resolved by the earlier run.
type primaryDecodeCache struct {
	c *gocache.Cache
}

func newPrimaryDecodeCache() *primaryDecodeCache {
	return &primaryDecodeCache{c: gocache.New(gocache.NoExpiration, 0)}
}

func (p *primaryDecodeCache) get(segID uint32) (bpv.PrimaryBlock, bool) {
	v, ok := p.c.Get(fmt.Sprintf("%d", segID))
	if !ok {
		return bpv.PrimaryBlock{}, false
	}
	return v.(bpv.PrimaryBlock), true
}

func (p *primaryDecodeCache) put(segID uint32, pb bpv.PrimaryBlock) {
	p.c.Set(fmt.Sprintf("%d", segID), pb, time.Hour)
}

// Restore scans potential head segment IDs [0, maxSegments) in order, per
// spec.md §4.3: for each ID currently free in the memory manager, read
// its segment; a non-sentinel bundleSizeBytes marks it a head, whose
// primary block is decoded to recover destination, priority, and
// expiration, and whose nextSegmentId linkage is walked to recover the
// rest of the chain, re-allocating each segment ID and re-cataloging the
// chain. The scan terminates the moment a potential head lies past
// end-of-file on its disk. Any linkage inconsistency aborts the whole
// restore with an error (spec.md §4.3 "fatal for restore").
func (s *Store) Restore(ctx context.Context, maxSegments uint32) (*RestoreStats, error) {
	stats := &RestoreStats{}
	cache := newPrimaryDecodeCache()

	for id := uint32(0); id < maxSegments; id++ {
		if !s.segMgr.IsFree(id) {
			continue
		}

		buf := make([]byte, s.layout.SegmentSize)
		if err := s.submit(ctx, id, buf, false); err != nil {
			if errors.Is(err, diskio.ErrReadPastEnd) {
				s.log.Info("restore scan reached end of disk", "segmentId", id)
				break
			}
			return nil, direrror.Wrap("restore: read potential head", err, "segmentId", id)
		}

		sizeField := binary.LittleEndian.Uint64(buf[0:8])
		if sizeField == SentinelSize {
			continue
		}

		// A segment whose bundleSizeBytes isn't the sentinel is only a
		// head if a primary block actually decodes from its payload
		// prefix; otherwise it's an ordinary zero-filled (never written)
		// segment, per spec.md §6 and §9 Open Question (b) — applied
		// uniformly to any non-sentinel size, not specially to zero.
		primary, ok := cache.get(id)
		if !ok {
			var err error
			primary, err = bpv.DecodePrimaryV7Prefix(buf[s.layout.ReservedSpace:])
			if err != nil {
				s.log.Debug("restore: segment is not a decodable head, skipping", "segmentId", id, "sizeField", sizeField)
				continue
			}
			cache.put(id, primary)
		}

		totalSegmentsRequired := ceilDivInt(int(sizeField), s.layout.PayloadSize())
		if totalSegmentsRequired == 0 {
			totalSegmentsRequired = 1
		}

		chainIDs := make([]uint32, totalSegmentsRequired)
		chainIDs[0] = id
		nextIDField := binary.LittleEndian.Uint32(buf[8:12])

		for i := 1; i < totalSegmentsRequired; i++ {
			if nextIDField == SentinelNext {
				return nil, direrror.Wrap("restore: chain ends early", ErrChainLinkageInconsistent,
					"headSegmentId", id, "expectedSegments", totalSegmentsRequired, "got", i)
			}
			currentID := nextIDField
			segBuf := make([]byte, s.layout.SegmentSize)
			if err := s.submit(ctx, currentID, segBuf, false); err != nil {
				return nil, direrror.Wrap("restore: read chain segment", err, "segmentId", currentID)
			}
			segSize := binary.LittleEndian.Uint64(segBuf[0:8])
			if segSize != SentinelSize {
				return nil, direrror.Wrap("restore: non-head segment missing sentinel size", ErrChainLinkageInconsistent,
					"segmentId", currentID)
			}
			chainIDs[i] = currentID
			nextIDField = binary.LittleEndian.Uint32(segBuf[8:12])
		}
		if nextIDField != SentinelNext {
			return nil, direrror.Wrap("restore: chain does not terminate with sentinel", ErrChainLinkageInconsistent,
				"headSegmentId", id)
		}

		for _, segID := range chainIDs {
			s.segMgr.AllocateSpecific(segID)
		}

		s.cat.Insert(primary.Destination.NodeID, int(primary.Priority()), primary.AbsoluteExpiration(),
			ChainInfo{BundleSizeBytes: sizeField, SegmentIDChain: chainIDs})

		stats.BundlesRestored++
		stats.BytesRestored += sizeField
		stats.SegmentsRestored += uint64(totalSegmentsRequired)
	}

	if s.m != nil {
		s.m.BundlesRestored.Add(float64(stats.BundlesRestored))
		s.m.BytesRestored.Add(float64(stats.BytesRestored))
		s.m.SegmentsRestored.Add(float64(stats.SegmentsRestored))
	}
	return stats, nil
}
