// Package segmem implements the Segment Memory Manager (spec.md §3/§4.1,
// component C2): ownership of the free/used state of every storage segment
// for the lifetime of the process.
//
// spec.md describes the free-state structure as a perfectly balanced
// binary tree whose leaves are segment IDs and whose interior nodes hold a
// bitmap of which children have a free leaf underneath. We generalize that
// to a counting segment tree (each interior node holds the number of free
// leaves in its subtree, fan-out 2): smallest-ID-first allocation becomes
// "descend into the left child if its count is nonzero, else the right
// child", which is the same O(log MAX_SEGMENTS) traversal-with-clustering
// behavior the bitmap-tree design calls for, grounded in the
// chunk/bitmap free-space accounting of the APFS space manager reference
// (deploymenttheory-go-apfs space_manager.go) and qtplatypus-bar's bitmap
// index nodes. Unlike a per-node child bitmap, the root's count is the
// total number of free segments, which Allocate checks before taking any
// segment and FreeCount returns directly.
package segmem

import (
	"sync"

	"github.com/dtnrelay/core/pkg/direrror"
	"github.com/dtnrelay/core/pkg/dtnlog"
)

// ErrOutOfSpace is returned by Allocate when fewer than the requested
// number of segments are free.
var ErrOutOfSpace = direrror.New("out of space")

// SegmentID names one fixed-size block in the logical global storage
// address space (spec.md §3).
type SegmentID = uint32

// Manager owns the free/used bitmap for all segments in [0, MaxSegments).
// All mutating operations are thread-safe under one coarse mutex
// (spec.md §4.1, §9 "Coarse-grained shared state"); this suffices because
// allocations are batched per bundle.
type Manager struct {
	mu          sync.Mutex
	maxSegments uint32
	treeSize    uint32   // number of leaf slots, next power of two >= maxSegments
	tree        []uint32 // 1-indexed; tree[1] is the root; leaves at [treeSize, 2*treeSize)

	log dtnlog.Logger
}

// New creates a Manager governing segment IDs [0, maxSegments).
func New(maxSegments uint32) *Manager {
	treeSize := uint32(1)
	for treeSize < maxSegments {
		treeSize <<= 1
	}
	if treeSize == 0 {
		treeSize = 1
	}
	m := &Manager{
		maxSegments: maxSegments,
		treeSize:    treeSize,
		tree:        make([]uint32, 2*treeSize),
		log:         dtnlog.With("component", "segmem"),
	}
	for i := uint32(0); i < treeSize; i++ {
		leaf := treeSize + i
		if i < maxSegments {
			m.tree[leaf] = 1
		}
	}
	for i := treeSize - 1; i >= 1; i-- {
		m.tree[i] = m.tree[2*i] + m.tree[2*i+1]
		if i == 1 {
			break
		}
	}
	return m
}

// MaxSegments returns the size of the governed address space.
func (m *Manager) MaxSegments() uint32 { return m.maxSegments }

func (m *Manager) leafIndex(id SegmentID) uint32 { return m.treeSize + id }

// allocateOneLocked descends the tree choosing the smallest free leaf
// ID, so allocations cluster at the low end of the address space
// (spec.md §4.1 "improving restart-scan locality"). Caller holds m.mu.
func (m *Manager) allocateOneLocked() (SegmentID, bool) {
	if m.tree[1] == 0 {
		return 0, false
	}
	node := uint32(1)
	for node < m.treeSize {
		left := 2 * node
		if m.tree[left] > 0 {
			node = left
		} else {
			node = left + 1
		}
	}
	id := node - m.treeSize
	m.setLeafLocked(id, false)
	return id, true
}

func (m *Manager) setLeafLocked(id SegmentID, free bool) {
	node := m.leafIndex(id)
	newVal := uint32(0)
	if free {
		newVal = 1
	}
	if m.tree[node] == newVal {
		return
	}
	m.tree[node] = newVal
	for node > 1 {
		node /= 2
		m.tree[node] = m.tree[2*node] + m.tree[2*node+1]
	}
}

// Allocate atomically sets n free segments to used and returns their IDs,
// smallest-ID-first. It fails with ErrOutOfSpace if fewer than n segments
// are free.
func (m *Manager) Allocate(n int) ([]SegmentID, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(m.tree[1]) < n {
		return nil, direrror.Wrap("allocate segments", ErrOutOfSpace, "requested", n, "free", m.tree[1])
	}
	out := make([]SegmentID, 0, n)
	for i := 0; i < n; i++ {
		id, ok := m.allocateOneLocked()
		if !ok {
			// Unreachable given the free-count check above, but fail
			// safe and release anything already taken this call.
			for _, taken := range out {
				m.setLeafLocked(taken, true)
			}
			return nil, direrror.Wrap("allocate segments", ErrOutOfSpace, "requested", n)
		}
		out = append(out, id)
	}
	return out, nil
}

// Free returns chain's segments to the free pool. Freeing a segment that
// is not currently allocated is a no-op for that segment (idempotent only
// on not-currently-free segments, per spec.md §4.1).
func (m *Manager) Free(chain []SegmentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chain {
		m.setLeafLocked(id, true)
	}
}

// IsFree inspects whether id is currently free. Used only during restore;
// callers must ensure no concurrent Allocate/Free runs, per spec.md §4.1.
func (m *Manager) IsFree(id SegmentID) bool {
	return m.tree[m.leafIndex(id)] == 1
}

// AllocateSpecific marks id used unconditionally, without checking its
// prior state. Used only during restore to rehydrate on-disk state into
// the memory manager (spec.md §4.1).
func (m *Manager) AllocateSpecific(id SegmentID) {
	m.setLeafLocked(id, false)
}

// Backup snapshots the free/used state of every governed segment, for
// tests that assert the memory manager returns to an identical state
// after a push/pop/remove cycle or a restart (spec.md §8 property 1, 3).
func (m *Manager) Backup() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, m.maxSegments)
	for i := uint32(0); i < m.maxSegments; i++ {
		out[i] = m.tree[m.leafIndex(i)] == 1
	}
	return out
}

// IsBackupEqual reports whether vec matches the manager's current state.
func (m *Manager) IsBackupEqual(vec []bool) bool {
	cur := m.Backup()
	if len(cur) != len(vec) {
		return false
	}
	for i := range cur {
		if cur[i] != vec[i] {
			m.log.Debug("backup mismatch", "segment", i, "want", vec[i], "got", cur[i])
			return false
		}
	}
	return true
}

// FreeCount returns the number of currently free segments.
func (m *Manager) FreeCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree[1]
}
