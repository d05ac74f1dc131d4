package bpv

// BlockTypeCode identifies the type of a canonical block, per RFC 9171 §4.3.
// There is no dispatch table or per-type handler keyed by this code: the
// codecs carry every canonical block's Data as opaque bytes, and callers
// pick blocks out by comparing this code (BundleView.BlocksByType).
type BlockTypeCode uint64

// Canonical block type codes defined by RFC 9171 and RFC 9172.
const (
	BlockTypePayload      BlockTypeCode = 1
	BlockTypePreviousNode BlockTypeCode = 6
	BlockTypeBundleAge    BlockTypeCode = 7
	BlockTypeHopCount     BlockTypeCode = 10
	BlockTypeBIB          BlockTypeCode = 11 // Block Integrity Block (BPSec)
	BlockTypeBCB          BlockTypeCode = 12 // Block Confidentiality Block (BPSec)
)

func (t BlockTypeCode) String() string {
	switch t {
	case BlockTypePayload:
		return "payload"
	case BlockTypePreviousNode:
		return "previous-node"
	case BlockTypeBundleAge:
		return "bundle-age"
	case BlockTypeHopCount:
		return "hop-count"
	case BlockTypeBIB:
		return "bib"
	case BlockTypeBCB:
		return "bcb"
	default:
		return "unknown"
	}
}

// BlockProcessingFlags are the per-block processing control flags of
// RFC 9171 §4.3.3.
type BlockProcessingFlags uint64

const (
	BlockFlagMustBeReplicated            BlockProcessingFlags = 1 << 0
	BlockFlagStatusReportOnCannotProcess BlockProcessingFlags = 1 << 1
	BlockFlagDeleteBundleOnCannotProcess BlockProcessingFlags = 1 << 2
	BlockFlagDiscardOnCannotProcess      BlockProcessingFlags = 1 << 4
)
