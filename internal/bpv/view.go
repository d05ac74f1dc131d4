// Package bpv implements the bundle view: a mutable, rerenderable
// in-memory representation of a Bundle Protocol v6/v7 bundle and its
// canonical blocks (spec.md §3/§4, component C1).
//
// Canonical blocks refer to each other only by block number, never by
// owning reference (spec.md §9): BundleView keeps one owning slice plus
// an index keyed by block number, avoiding a double-owning graph.
package bpv

import (
	"github.com/dtnrelay/core/pkg/direrror"
)

// PrimaryBlock is the mandatory first block of a bundle (RFC 9171 §4.2.2).
type PrimaryBlock struct {
	Version             uint8
	Flags               uint64
	CRCType              uint8
	Destination         EID
	Source              EID
	ReportTo            EID
	CreationTimestamp   uint64 // DTN time, seconds since the bundle epoch
	SequenceNumber      uint64
	Lifetime            uint64 // seconds
	HasFragmentFields   bool
	FragmentOffset      uint64
	TotalADUBytes       uint64
}

// Priority decodes the two-bit priority field from Flags (bits 7-8),
// per original_source's comment in BundleStorageManagerBase.cpp: 00=bulk,
// 01=normal, 10=expedited.
func (p PrimaryBlock) Priority() uint8 {
	return uint8((p.Flags >> 7) & 3)
}

// SetPriority sets the two-bit priority field in Flags.
func (p *PrimaryBlock) SetPriority(priority uint8) {
	p.Flags = (p.Flags &^ (3 << 7)) | (uint64(priority&3) << 7)
}

// AbsoluteExpiration returns CreationTimestamp + Lifetime, the absolute
// expiration time used as the catalog's third index key (spec.md §3).
func (p PrimaryBlock) AbsoluteExpiration() uint64 {
	return p.CreationTimestamp + p.Lifetime
}

// CanonicalBlockHeader is the fixed-layout prefix of a canonical block
// (RFC 9171 §4.3.2), shared by every block type.
type CanonicalBlockHeader struct {
	BlockType            BlockTypeCode
	BlockNumber          uint64
	ProcessingFlags      BlockProcessingFlags
	CRCType              uint8
}

// CanonicalBlockView is one canonical block's mutable view: its header,
// a mark-for-deletion flag, a dirty (manually-modified) flag, and a
// reference to the underlying byte range (spec.md §3).
type CanonicalBlockView struct {
	Header             CanonicalBlockHeader
	Data               []byte // block-type-specific data field, opaque to bpv
	MarkedForDeletion  bool
	Dirty              bool

	original []byte   // the block's original encoded bytes, for byte-exact re-render when untouched
	digest   [32]byte // blockDigest(Data) as of when original was cached, validates the cache is still current
}

// MarkDirty flags the block as manually modified, forcing RenderInPlace to
// re-serialize it from Header/Data rather than reuse the cached original
// bytes.
func (v *CanonicalBlockView) MarkDirty() { v.Dirty = true }

// BundleView is the mutable, rerenderable container of spec.md §3: a
// primary block plus an ordered list of canonical block views, the
// payload block always last.
type BundleView struct {
	Primary PrimaryBlock

	blocks   []*CanonicalBlockView
	byNumber map[uint64]*CanonicalBlockView
	nextNum  uint64

	primaryOriginal []byte
}

// ErrBlockNumberInUse reports a block number already present in the view.
// AddCanonicalBlock assigns block numbers itself and never returns it; no
// function in this package returns this error.
var ErrBlockNumberInUse = direrror.New("block number already in use")

// ErrPayloadNotLast reports a violation of the invariant that the payload
// block is always last (spec.md §3). AddCanonicalBlock keeps the payload
// last by inserting other blocks before it; no function in this package
// returns this error.
var ErrPayloadNotLast = direrror.New("payload block must be last")

// NewBundleView creates an empty view around the given primary block.
func NewBundleView(primary PrimaryBlock) *BundleView {
	return &BundleView{
		Primary:  primary,
		byNumber: make(map[uint64]*CanonicalBlockView),
		nextNum:  1,
	}
}

// AddCanonicalBlock appends a new canonical block, assigning it the next
// unused block number, and returns the created view. The payload block
// (BlockTypePayload) is kept last by construction: adding any other block
// type after the payload has been added reorders the payload back to the
// tail.
func (bv *BundleView) AddCanonicalBlock(blockType BlockTypeCode, flags BlockProcessingFlags, crcType uint8, data []byte) *CanonicalBlockView {
	num := bv.nextNum
	bv.nextNum++
	v := &CanonicalBlockView{
		Header: CanonicalBlockHeader{
			BlockType:       blockType,
			BlockNumber:     num,
			ProcessingFlags: flags,
			CRCType:         crcType,
		},
		Data:  data,
		Dirty: true,
	}
	bv.byNumber[num] = v
	bv.insertKeepingPayloadLast(v)
	return v
}

// InsertCanonicalBlockAfterPrimary inserts a new canonical block
// immediately after the primary block (used by BPSec to place a BIB right
// after the primary, per spec.md §4.4 "placed immediately after the
// primary block").
func (bv *BundleView) InsertCanonicalBlockAfterPrimary(blockType BlockTypeCode, flags BlockProcessingFlags, crcType uint8, data []byte) *CanonicalBlockView {
	num := bv.nextNum
	bv.nextNum++
	v := &CanonicalBlockView{
		Header: CanonicalBlockHeader{
			BlockType:       blockType,
			BlockNumber:     num,
			ProcessingFlags: flags,
			CRCType:         crcType,
		},
		Data:  data,
		Dirty: true,
	}
	bv.byNumber[num] = v
	bv.blocks = append([]*CanonicalBlockView{v}, bv.blocks...)
	return v
}

func (bv *BundleView) insertKeepingPayloadLast(v *CanonicalBlockView) {
	if v.Header.BlockType == BlockTypePayload {
		bv.blocks = append(bv.blocks, v)
		return
	}
	// Find the payload, if present, and insert just before it.
	for i, b := range bv.blocks {
		if b.Header.BlockType == BlockTypePayload {
			bv.blocks = append(bv.blocks[:i], append([]*CanonicalBlockView{v}, bv.blocks[i:]...)...)
			return
		}
	}
	bv.blocks = append(bv.blocks, v)
}

// BlockByNumber looks up a canonical block by its unique block number.
func (bv *BundleView) BlockByNumber(num uint64) (*CanonicalBlockView, bool) {
	v, ok := bv.byNumber[num]
	return v, ok
}

// BlocksByType enumerates canonical blocks matching the given type code, in
// bundle order.
func (bv *BundleView) BlocksByType(t BlockTypeCode) []*CanonicalBlockView {
	var out []*CanonicalBlockView
	for _, b := range bv.blocks {
		if b.Header.BlockType == t {
			out = append(out, b)
		}
	}
	return out
}

// Blocks returns every canonical block view, in bundle order (payload last).
func (bv *BundleView) Blocks() []*CanonicalBlockView {
	return bv.blocks
}

// PayloadBlock returns the bundle's payload block view, if present.
func (bv *BundleView) PayloadBlock() (*CanonicalBlockView, bool) {
	if len(bv.blocks) == 0 {
		return nil, false
	}
	last := bv.blocks[len(bv.blocks)-1]
	if last.Header.BlockType != BlockTypePayload {
		return nil, false
	}
	return last, true
}

// RemoveMarkedBlocks strips every block flagged MarkedForDeletion from the
// view, dropping its entry from the block-number index too.
func (bv *BundleView) RemoveMarkedBlocks() {
	kept := bv.blocks[:0:0]
	for _, b := range bv.blocks {
		if b.MarkedForDeletion {
			delete(bv.byNumber, b.Header.BlockNumber)
			continue
		}
		kept = append(kept, b)
	}
	bv.blocks = kept
}
