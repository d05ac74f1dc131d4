// Package store implements the Bundle Store (spec.md §3/§4.3, component
// C4): the priority x destination x expiration catalog over segment
// chains, and the push/pop/read/remove/restore session API layered on top
// of the segment memory manager (internal/segmem) and the per-disk I/O
// workers (internal/diskio).
//
// Directly grounded on original_source's BundleStorageManagerBase.cpp:
// field names chainInfo, nextLogicalSegment, destLinkId, priorityIndex,
// absExpiration carry over as chainInfo, nextLogicalSegment, destLinkID,
// priorityIndex, absExpiration.
package store

import (
	"sort"
	"sync"

	"github.com/dtnrelay/core/pkg/dtnlog"
)

// NumPriorities is the size of the priority dimension: 0 (bulk), 1
// (normal), 2 (expedited), per spec.md §3.
const NumPriorities = 3

// ChainInfo is a pair (bundleSizeBytes, segmentIdChain): the real size of
// the stored bundle and the ordered list of segment IDs whose concatenated
// payload reconstructs it (spec.md §3).
type ChainInfo struct {
	BundleSizeBytes uint64
	SegmentIDChain  []uint32
}

// catalogEntry is one chain together with the catalog coordinates it was
// filed under, carried alongside the chain so ReturnTop can re-insert at
// the same coordinates without the caller repeating them.
type catalogEntry struct {
	chain         ChainInfo
	destLinkID    uint64
	priorityIndex int
	absExpiration uint64
}

// expirationBucket holds every chain destined for one (destLinkID,
// priorityIndex, absExpiration) triple, in LIFO order: index 0 is the
// most recently pushed (or returned) chain.
type expirationBucket struct {
	expiration uint64
	entries    []*catalogEntry
}

// priorityLane indexes one priority's expiration buckets, kept sorted
// ascending by expiration so the smallest-expiration lookup in PopTop is
// a linear scan of an already-ordered slice rather than a full rescan —
// std::map<uint64, ...>'s ordered-key behavior in the original, achieved
// here with a sorted slice plus a key->bucket map for O(1) bucket lookup
// on insert.
type priorityLane struct {
	buckets      []*expirationBucket // ascending by expiration
	byExpiration map[uint64]*expirationBucket
}

func newPriorityLane() *priorityLane {
	return &priorityLane{byExpiration: make(map[uint64]*expirationBucket)}
}

func (l *priorityLane) bucketFor(expiration uint64) *expirationBucket {
	if b, ok := l.byExpiration[expiration]; ok {
		return b
	}
	b := &expirationBucket{expiration: expiration}
	l.byExpiration[expiration] = b
	i := sort.Search(len(l.buckets), func(i int) bool { return l.buckets[i].expiration >= expiration })
	l.buckets = append(l.buckets, nil)
	copy(l.buckets[i+1:], l.buckets[i:])
	l.buckets[i] = b
	return b
}

func (l *priorityLane) pushFront(expiration uint64, e *catalogEntry) {
	b := l.bucketFor(expiration)
	b.entries = append([]*catalogEntry{e}, b.entries...)
}

// smallestNonEmpty returns the lowest-expiration non-empty bucket, or nil.
func (l *priorityLane) smallestNonEmpty() *expirationBucket {
	for _, b := range l.buckets {
		if len(b.entries) > 0 {
			return b
		}
	}
	return nil
}

func (b *expirationBucket) popFront() *catalogEntry {
	e := b.entries[0]
	b.entries = b.entries[1:]
	return e
}

// destEntry holds one destination's three priority lanes.
type destEntry struct {
	lanes [NumPriorities]*priorityLane
}

func newDestEntry() *destEntry {
	d := &destEntry{}
	for i := range d.lanes {
		d.lanes[i] = newPriorityLane()
	}
	return d
}

// Catalog is the mapping destinationNodeId -> priorityIndex[0..2] ->
// expirationTime -> list<ChainInfo> of spec.md §3, guarded by a single
// mutex (spec.md §5 "the memory manager, the catalog, ... sit behind a
// single mutex").
type Catalog struct {
	mu   sync.Mutex
	dest map[uint64]*destEntry
	log  dtnlog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		dest: make(map[uint64]*destEntry),
		log:  dtnlog.With("component", "store.catalog"),
	}
}

// Insert files chain at [destLinkID][priorityIndex][absExpiration],
// pushed to the front of that bucket's LIFO list (spec.md §3 "insertion
// order within an expiration bucket is LIFO").
func (c *Catalog) Insert(destLinkID uint64, priorityIndex int, absExpiration uint64, chain ChainInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dest[destLinkID]
	if !ok {
		d = newDestEntry()
		c.dest[destLinkID] = d
	}
	d.lanes[priorityIndex].pushFront(absExpiration, &catalogEntry{
		chain:         chain,
		destLinkID:    destLinkID,
		priorityIndex: priorityIndex,
		absExpiration: absExpiration,
	})
}

// PopTop picks, across availableDestLinks only, the highest-priority
// non-empty lane, then within that lane the smallest-expiration non-empty
// bucket, and detaches its front (most recently inserted) entry (spec.md
// §4.3 "pick the (link, expiration) with the smallest expiration across
// all three priorities, scanning priorities from highest to lowest").
//
// Destinations absent from availableDestLinks are strictly invisible to
// PopTop, resolving spec.md §9 Open Question (c).
func (c *Catalog) PopTop(availableDestLinks []uint64) (*catalogEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for priority := NumPriorities - 1; priority >= 0; priority-- {
		var best *expirationBucket
		for _, link := range availableDestLinks {
			d, ok := c.dest[link]
			if !ok {
				continue
			}
			b := d.lanes[priority].smallestNonEmpty()
			if b == nil {
				continue
			}
			if best == nil || b.expiration < best.expiration {
				best = b
			}
		}
		if best != nil {
			return best.popFront(), true
		}
	}
	return nil, false
}

// ReturnTop re-inserts entry at the front of the same expiration bucket it
// came from (spec.md §4.3 "used when transmission fails without consuming
// custody").
func (c *Catalog) ReturnTop(entry *catalogEntry) {
	c.Insert(entry.destLinkID, entry.priorityIndex, entry.absExpiration, entry.chain)
}

// Len returns the total number of chains filed across every destination,
// priority, and expiration bucket — used by tests and restore accounting.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.dest {
		for _, lane := range d.lanes {
			for _, b := range lane.buckets {
				n += len(b.entries)
			}
		}
	}
	return n
}
