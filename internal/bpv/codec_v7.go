package bpv

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/dtnrelay/core/pkg/direrror"
)

// v7EIDScheme is the ipn URI scheme code of RFC 9171 §4.2.5.1.1.
const v7EIDScheme = 2

// wireEIDSSP is the ipn scheme-specific part, [nodeId, serviceId].
type wireEIDSSP struct {
	_       struct{} `cbor:",toarray"`
	Node    uint64
	Service uint64
}

// wireEID is [scheme, schemeSpecificPart].
type wireEID struct {
	_      struct{} `cbor:",toarray"`
	Scheme uint64
	SSP    wireEIDSSP
}

func toWireEID(e EID) wireEID {
	return wireEID{Scheme: v7EIDScheme, SSP: wireEIDSSP{Node: e.NodeID, Service: e.ServiceID}}
}

func fromWireEID(w wireEID) EID {
	return EID{NodeID: w.SSP.Node, ServiceID: w.SSP.Service}
}

// wirePrimary is the CBOR array encoding of the primary block (RFC 9171
// §4.2.2), fragment fields always present (zero when not fragmented) —
// a deliberate simplification of the RFC's conditional fragment fields,
// recorded in DESIGN.md.
type wirePrimary struct {
	_               struct{} `cbor:",toarray"`
	Version         uint8
	Flags           uint64
	CRCType         uint8
	Destination     wireEID
	Source          wireEID
	ReportTo        wireEID
	CreationTime    uint64
	SeqNum          uint64
	Lifetime        uint64
	FragmentOffset  uint64
	TotalADUBytes   uint64
}

// wireCanonicalBlock is the CBOR array encoding of a canonical block
// (RFC 9171 §4.3.2).
type wireCanonicalBlock struct {
	_               struct{} `cbor:",toarray"`
	BlockType       uint64
	BlockNumber     uint64
	ProcessingFlags uint64
	CRCType         uint8
	Data            []byte
}

var (
	// ErrMalformedBundle is the sentinel DecodeV6 wraps for a structurally
	// invalid v6 bundle (truncated input, a length field past the end of
	// the buffer). DecodeV7 wraps the CBOR decoder's own errors instead.
	ErrMalformedBundle = direrror.New("malformed bundle")
)

func marshalPrimaryRaw(p PrimaryBlock) (cbor.RawMessage, error) {
	w := wirePrimary{
		Version:        p.Version,
		Flags:          p.Flags,
		CRCType:        p.CRCType,
		Destination:    toWireEID(p.Destination),
		Source:         toWireEID(p.Source),
		ReportTo:       toWireEID(p.ReportTo),
		CreationTime:   p.CreationTimestamp,
		SeqNum:         p.SequenceNumber,
		Lifetime:       p.Lifetime,
		FragmentOffset: p.FragmentOffset,
		TotalADUBytes:  p.TotalADUBytes,
	}
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, direrror.Wrap("encode primary block", err)
	}
	return cbor.RawMessage(b), nil
}

func marshalCanonicalRaw(h CanonicalBlockHeader, data []byte) (cbor.RawMessage, error) {
	w := wireCanonicalBlock{
		BlockType:       uint64(h.BlockType),
		BlockNumber:     h.BlockNumber,
		ProcessingFlags: uint64(h.ProcessingFlags),
		CRCType:         h.CRCType,
		Data:            data,
	}
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, direrror.Wrap("encode canonical block", err, "blockNumber", h.BlockNumber)
	}
	return cbor.RawMessage(b), nil
}

// RenderInPlaceV7 produces a byte-exact CBOR encoding of the bundle's
// current logical state (spec.md §3's render-in-place invariant): blocks
// that are neither Dirty nor MarkedForDeletion, and whose Data still
// matches the digest taken when their original bytes were cached, reuse
// those cached bytes; everything else is freshly marshaled and its cache
// updated. The digest check catches Data mutated without a MarkDirty call.
// The payload block is always emitted last, per the ordering BundleView
// maintains.
//
// The wire bundle is a concatenation of self-delimiting CBOR data items
// (primary block item, then one item per canonical block) rather than a
// single outer CBOR array. This is a deliberate deviation from RFC 9171's
// literal array-of-blocks framing: concatenation lets the segment store's
// restore path (spec.md §4.3) recover just the primary block from a head
// segment's payload prefix via DecodePrimaryV7Prefix without needing the
// rest of the bundle's bytes, which a definite-length CBOR array would not
// permit (a truncated array is malformed CBOR). Recorded in DESIGN.md.
func RenderInPlaceV7(bv *BundleView) ([]byte, error) {
	var out []byte

	primRaw, err := marshalPrimaryRaw(bv.Primary)
	if err != nil {
		return nil, err
	}
	out = append(out, primRaw...)

	for _, b := range bv.blocks {
		if b.MarkedForDeletion {
			continue
		}
		if !b.Dirty && b.original != nil && blockDigest(b.Data) == b.digest {
			out = append(out, b.original...)
			continue
		}
		raw, err := marshalCanonicalRaw(b.Header, b.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, raw...)
		b.original = []byte(raw)
		b.digest = blockDigest(b.Data)
		b.Dirty = false
	}

	return out, nil
}

// EncodeV7 renders a freshly constructed BundleView to its initial wire
// form. It is RenderInPlaceV7 under another name: a newly-added block has
// no cached original, so the two code paths are identical.
func EncodeV7(bv *BundleView) ([]byte, error) { return RenderInPlaceV7(bv) }

// DecodeV7 parses a concatenated-CBOR-item bundle into a BundleView,
// retaining each canonical block's original encoded bytes so a subsequent
// RenderInPlaceV7 call that touches none of them reproduces the input
// byte-for-byte.
func DecodeV7(data []byte) (*BundleView, error) {
	primRaw, rest, err := nextRawItem(data)
	if err != nil {
		return nil, direrror.Wrap("decode primary block", err)
	}
	var wp wirePrimary
	if err := cbor.Unmarshal(primRaw, &wp); err != nil {
		return nil, direrror.Wrap("decode primary block", err)
	}
	primary := primaryFromWire(wp)

	bv := NewBundleView(primary)
	bv.primaryOriginal = primRaw

	var maxNum uint64
	for len(rest) > 0 {
		raw, remainder, err := nextRawItem(rest)
		if err != nil {
			return nil, direrror.Wrap("decode canonical block", err)
		}
		rest = remainder

		var wc wireCanonicalBlock
		if err := cbor.Unmarshal(raw, &wc); err != nil {
			return nil, direrror.Wrap("decode canonical block", err)
		}
		v := &CanonicalBlockView{
			Header: CanonicalBlockHeader{
				BlockType:       BlockTypeCode(wc.BlockType),
				BlockNumber:     wc.BlockNumber,
				ProcessingFlags: BlockProcessingFlags(wc.ProcessingFlags),
				CRCType:         wc.CRCType,
			},
			Data:     wc.Data,
			original: raw,
			digest:   blockDigest(wc.Data),
		}
		bv.blocks = append(bv.blocks, v)
		bv.byNumber[wc.BlockNumber] = v
		if wc.BlockNumber > maxNum {
			maxNum = wc.BlockNumber
		}
	}
	bv.nextNum = maxNum + 1
	return bv, nil
}

func primaryFromWire(wp wirePrimary) PrimaryBlock {
	return PrimaryBlock{
		Version:           wp.Version,
		Flags:             wp.Flags,
		CRCType:           wp.CRCType,
		Destination:       fromWireEID(wp.Destination),
		Source:            fromWireEID(wp.Source),
		ReportTo:          fromWireEID(wp.ReportTo),
		CreationTimestamp: wp.CreationTime,
		SequenceNumber:    wp.SeqNum,
		Lifetime:          wp.Lifetime,
		FragmentOffset:    wp.FragmentOffset,
		TotalADUBytes:     wp.TotalADUBytes,
		HasFragmentFields: wp.FragmentOffset != 0 || wp.TotalADUBytes != 0,
	}
}

// nextRawItem peels exactly one self-delimiting CBOR data item off the
// front of data and returns it alongside whatever bytes follow it.
func nextRawItem(data []byte) (item []byte, rest []byte, err error) {
	var raw cbor.RawMessage
	rest, err = cbor.UnmarshalFirst(data, &raw)
	if err != nil {
		return nil, nil, err
	}
	return []byte(raw), rest, nil
}

// DecodePrimaryV7Prefix decodes only the leading primary-block CBOR item
// from data, ignoring anything that follows (or is missing) — the prefix
// of a v7 bundle's first segment is enough to recover the fields restore
// needs (destination, priority, creation+lifetime) without the full chain.
func DecodePrimaryV7Prefix(data []byte) (PrimaryBlock, error) {
	primRaw, _, err := nextRawItem(data)
	if err != nil {
		return PrimaryBlock{}, direrror.Wrap("decode primary block prefix", err)
	}
	var wp wirePrimary
	if err := cbor.Unmarshal(primRaw, &wp); err != nil {
		return PrimaryBlock{}, direrror.Wrap("decode primary block prefix", err)
	}
	return primaryFromWire(wp), nil
}
