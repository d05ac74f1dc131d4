package bpv

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/dtnrelay/core/pkg/direrror"
)

// ASB is the Abstract Security Block content of RFC 9172 §3.6 (GLOSSARY
// "ASB"): the type-specific Data payload of a BIB or BCB canonical block.
// One ASB carries one or more security operations, each a target block
// number paired with a security result, all sharing one security context
// and source (spec.md §3 "BPSec Policy", §4.4).
type ASB struct {
	SecurityTargets   []uint64
	SecurityContextID uint64
	SecuritySource    EID
	IV                []byte   // present only on a BCB's AEAD context parameters
	SecurityResults   [][]byte // parallel to SecurityTargets: HMAC tag (BIB) or empty (BCB, whose tag rides with its target's ciphertext)
}

// PlaceholderTargetBlockNumber marks a BCB target slot reserved for the
// BIB's block number, to be backfilled once the BIB has been assigned one
// (spec.md §4.4 "reserve a placeholder to be backfilled with the BIB's
// assigned block number"). Block number 0 is never assigned by
// BundleView.AddCanonicalBlock (numbering starts at 1), so it is safe as
// a sentinel.
const PlaceholderTargetBlockNumber = 0

// wireASB is the CBOR array encoding of an ASB, loosely following RFC
// 9172 §3.6's [targets, contextId, source, parameters, results] shape
// with the context parameters collapsed to a single IV byte string,
// which is the only parameter this implementation's security contexts
// carry (recorded in DESIGN.md).
type wireASB struct {
	_                 struct{} `cbor:",toarray"`
	SecurityTargets   []uint64
	SecurityContextID uint64
	SourceNode        uint64
	SourceService     uint64
	IV                []byte
	SecurityResults   [][]byte
}

// ErrMalformedASB is the sentinel for an ASB that fails to decode from a
// BIB/BCB block's Data field.
var ErrMalformedASB = direrror.New("malformed abstract security block")

// EncodeASB serializes a into a canonical block's Data bytes.
func EncodeASB(a ASB) ([]byte, error) {
	w := wireASB{
		SecurityTargets:   a.SecurityTargets,
		SecurityContextID: a.SecurityContextID,
		SourceNode:        a.SecuritySource.NodeID,
		SourceService:     a.SecuritySource.ServiceID,
		IV:                a.IV,
		SecurityResults:   a.SecurityResults,
	}
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, direrror.Wrap("encode asb", err)
	}
	return b, nil
}

// DecodeASB parses an ASB from a BIB/BCB canonical block's Data bytes.
func DecodeASB(data []byte) (ASB, error) {
	var w wireASB
	if err := cbor.Unmarshal(data, &w); err != nil {
		return ASB{}, direrror.Wrap("decode asb", ErrMalformedASB, "cause", err.Error())
	}
	return ASB{
		SecurityTargets:   w.SecurityTargets,
		SecurityContextID: w.SecurityContextID,
		SecuritySource:    EID{NodeID: w.SourceNode, ServiceID: w.SourceService},
		IV:                w.IV,
		SecurityResults:   w.SecurityResults,
	}, nil
}

// TargetIndex returns the index of blockNumber within a.SecurityTargets,
// or -1 if it is not a target of this ASB.
func (a *ASB) TargetIndex(blockNumber uint64) int {
	for i, t := range a.SecurityTargets {
		if t == blockNumber {
			return i
		}
	}
	return -1
}

// RemoveTargetAt strips the security operation (target+result pair) at
// index i from the ASB, per spec.md §4.4 "remove this security operation
// (target+result pair) from the ASB".
func (a *ASB) RemoveTargetAt(i int) {
	a.SecurityTargets = append(a.SecurityTargets[:i], a.SecurityTargets[i+1:]...)
	if i < len(a.SecurityResults) {
		a.SecurityResults = append(a.SecurityResults[:i], a.SecurityResults[i+1:]...)
	}
}

// Empty reports whether the ASB has no security operations left, the
// trigger for marking the owning BIB/BCB block itself for deletion
// (spec.md §4.4 "if the ASB has no operations left, mark the ASB itself
// for deletion").
func (a *ASB) Empty() bool { return len(a.SecurityTargets) == 0 }
