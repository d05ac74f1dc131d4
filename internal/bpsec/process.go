// Process.go implements spec.md §4.4's two bundle-processing pipelines:
// ProcessReceivedBundle (BCBs then BIBs, failure-action dispatch) and
// ProcessOutgoingBundle (BIB then BCB, target-array population), directly
// grounded on original_source's BpSecPolicyManager.h
// ProcessReceivedBundle / PopulateTargetArraysForSecuritySource /
// ProcessOutgoingBundle / FindPolicyAndProcessOutgoingBundle.
package bpsec

import (
	"github.com/dtnrelay/core/internal/bpsec/crypto"
	"github.com/dtnrelay/core/internal/bpv"
	"github.com/dtnrelay/core/pkg/direrror"
)

// Security context IDs this engine assigns to the ASBs it creates. Purely
// local bookkeeping (spec.md does not mandate IANA context IDs); a peer
// interoperating over the wire would need these pinned to RFC 9173's
// registered values, out of scope for the core.
const (
	SecurityContextBIBHMAC   uint64 = 1
	SecurityContextBCBAESGCM uint64 = 2
)

// Error kinds of spec.md §7 "BPSec".
var (
	ErrPolicyMissing        = direrror.New("policy missing")
	ErrDecryptFailedPayload = direrror.New("payload decryption failed")
	ErrSOPCorrupted         = direrror.New("security operation corrupted")
	ErrSOPMisconfigured     = direrror.New("security operation misconfigured")
	ErrBPSecInternal        = direrror.New("bpsec internal error")
)

func variantOf(p *SecurityContextParams) crypto.Variant { return crypto.Variant(p.Variant) }

// resolveKey returns a security context's DEK: params.Key directly if the
// policy carries a plaintext key, or params.WrappedKey unwrapped under
// params.KEK if it carries a wrapped one (spec.md §3 "key-encryption keys",
// §6 "key-wrapping per AES Key Wrap"). config.ToRuleInputs guarantees
// at most one of the two shapes reaches a merged policy; with neither,
// the returned key is nil.
func resolveKey(params *SecurityContextParams) ([]byte, error) {
	if params.KEK == nil {
		return params.Key, nil
	}
	key, err := crypto.UnwrapKey(params.KEK, params.WrappedKey)
	if err != nil {
		return nil, direrror.Wrap("unwrap dek", ErrBPSecInternal, "cause", err.Error())
	}
	return key, nil
}

func computeAAD(scopeMask uint8, bv *bpv.BundleView) []byte {
	if scopeMask == 0 {
		return nil
	}
	// A non-zero scope mask folds the primary block's destination and
	// creation timestamp into the AAD, binding the security operation to
	// this specific bundle instance without re-rendering the whole
	// primary block.
	aad := make([]byte, 0, 24)
	var tmp [8]byte
	putU64 := func(v uint64) {
		for i := 7; i >= 0; i-- {
			tmp[i] = byte(v)
			v >>= 8
		}
		aad = append(aad, tmp[:]...)
	}
	putU64(bv.Primary.Destination.NodeID)
	putU64(bv.Primary.CreationTimestamp)
	putU64(bv.Primary.Lifetime)
	return aad
}

// payloadBlockNumber returns the block number of bv's payload block, or 0
// (never a valid block number) if the bundle has none.
func payloadBlockNumber(bv *bpv.BundleView) uint64 {
	p, ok := bv.PayloadBlock()
	if !ok {
		return 0
	}
	return p.Header.BlockNumber
}

// deriveEvent maps (role, errorCode) to the failure-event kind of spec.md
// §4.4 "Failure actions".
func deriveEvent(role Role, code crypto.ErrorCode) EventType {
	switch {
	case role == RoleAcceptor && code == crypto.ErrorCorrupted:
		return EventSOPCorruptedAtAcceptor
	case role == RoleVerifier && code == crypto.ErrorCorrupted:
		return EventSOPCorruptedAtVerifier
	case role == RoleAcceptor && code == crypto.ErrorMisconfigured:
		return EventSOPMisconfiguredAtAcceptor
	default:
		return EventSOPMisconfiguredAtVerifier
	}
}

// applyFailureAction implements spec.md §4.4's failure-action priority
// ladder for one reported TargetError. It mutates bv/asb in place
// (marking blocks for deletion, shrinking the ASB) and reports whether
// the whole bundle must be dropped.
func applyFailureAction(role Role, service Service, policy *Policy, bv *bpv.BundleView, asb *bpv.ASB, targetErr crypto.TargetError) (drop bool) {
	target := targetErr.TargetBlockNumber
	isPayload := target == payloadBlockNumber(bv)

	// Priority 1: BCB acceptor special rule — unconditional drop.
	if service == ServiceConfidentiality && role == RoleAcceptor && isPayload {
		return true
	}

	event := deriveEvent(role, targetErr.Code)
	mask, ok := policy.FailureEvents[event]

	if !ok || mask == 0 {
		// No action specified: a verifier drops the bundle; an acceptor
		// logs and moves on (the BCB-acceptor-payload rule above already
		// covers the one acceptor case that must still drop).
		return role == RoleVerifier
	}

	// Priority 2: fail forwarding.
	if mask&ActionFailBundleForwarding != 0 {
		return true
	}

	// Priority 3: remove the security operation's target block.
	if mask&ActionRemoveSecurityOperationTargetBlock != 0 {
		if isPayload {
			return true
		}
		if blk, ok := bv.BlockByNumber(target); ok {
			blk.MarkedForDeletion = true
		}
		removeSecurityOperation(bv, asb, target)
		return false
	}

	// Priority 4: remove the security operation only, verifier-only per
	// spec.md ("independent of forwarding").
	if role == RoleVerifier && mask&ActionRemoveSecurityOperation != 0 {
		removeSecurityOperation(bv, asb, target)
		return false
	}

	return role == RoleVerifier
}

// removeSecurityOperation strips the target+result pair from asb. It does
// not mark the owning block; processASBList marks that block for deletion
// once the ASB is empty (spec.md §4.4).
func removeSecurityOperation(bv *bpv.BundleView, asb *bpv.ASB, target uint64) {
	if i := asb.TargetIndex(target); i >= 0 {
		asb.RemoveTargetAt(i)
	}
}

// processASBList runs the shared BCB-or-BIB receive flow of spec.md §4.4
// over every block of blockType, looking up ACCEPTOR then VERIFIER
// policy, decrypting/verifying through ctx.Crypto, applying failure
// actions, and re-encoding each surviving ASB back into its owning
// block's Data. It returns whether the whole bundle must be dropped.
func processASBList(ctx *BpSecPolicyProcessingContext, bv *bpv.BundleView, blockType bpv.BlockTypeCode, service Service, bundleSource, bundleFinalDest bpv.EID, atFinalDest bool) (drop bool, err error) {
	for _, blk := range bv.BlocksByType(blockType) {
		if blk.MarkedForDeletion {
			continue
		}
		asb, derr := bpv.DecodeASB(blk.Data)
		if derr != nil {
			return false, direrror.Wrap("decode asb", derr, "blockNumber", blk.Header.BlockNumber)
		}

		var policy *Policy
		var role Role
		var consume bool

		if p, found := ctx.FindPolicyWithCache(asb.SecuritySource, bundleSource, bundleFinalDest, RoleAcceptor); found {
			policy, role, consume = p, RoleAcceptor, true
		} else if atFinalDest {
			event := EventSOPMissingAtAcceptor
			ctx.Log.Error("bpsec policy missing at acceptor", "securitySource", asb.SecuritySource,
				"bundleSource", bundleSource, "bundleFinalDest", bundleFinalDest, "blockType", blockType)
			// No policy to consult for an action mask; emulate the
			// no-policy-found branch of applyFailureAction directly: an
			// acceptor with a missing policy still must drop if the
			// target is the payload and this is a BCB (priority 1 rule).
			if service == ServiceConfidentiality {
				for _, t := range asb.SecurityTargets {
					if t == payloadBlockNumber(bv) {
						return true, direrror.Wrap(string(event), ErrPolicyMissing, "securitySource", asb.SecuritySource)
					}
				}
			}
			continue
		} else if p, found := ctx.FindPolicyWithCache(asb.SecuritySource, bundleSource, bundleFinalDest, RoleVerifier); found {
			policy, role, consume = p, RoleVerifier, false
		} else {
			continue
		}

		params := policy.Integrity
		if service == ServiceConfidentiality {
			params = policy.Confidentiality
		}
		if params == nil {
			continue
		}

		targetData := make([][]byte, len(asb.SecurityTargets))
		for i, t := range asb.SecurityTargets {
			tblk, ok := bv.BlockByNumber(t)
			if !ok {
				return false, direrror.Wrap("security target block missing", ErrBPSecInternal, "blockNumber", t)
			}
			targetData[i] = tblk.Data
		}
		aad := computeAAD(params.ScopeMask, bv)
		key, kerr := resolveKey(params)
		if kerr != nil {
			return false, direrror.Wrap("resolve security context key", kerr, "blockNumber", blk.Header.BlockNumber)
		}

		var targetErrs []crypto.TargetError
		if service == ServiceConfidentiality {
			plaintexts, errs, cerr := ctx.Crypto.DecryptBCB(variantOf(params), key, asb.IV, aad, targetData, asb.SecurityTargets)
			if cerr != nil {
				return false, direrror.Wrap("decrypt bcb", cerr, "blockNumber", blk.Header.BlockNumber)
			}
			for i, t := range asb.SecurityTargets {
				if plaintexts[i] == nil {
					continue
				}
				tblk, _ := bv.BlockByNumber(t)
				tblk.Data = plaintexts[i]
				tblk.MarkDirty()
			}
			targetErrs = errs
		} else {
			errs, verr := ctx.Crypto.VerifyBIB(variantOf(params), key, aad, targetData, asb.SecurityTargets, asb.SecurityResults)
			if verr != nil {
				return false, direrror.Wrap("verify bib", verr, "blockNumber", blk.Header.BlockNumber)
			}
			targetErrs = errs
		}

		for _, te := range targetErrs {
			if applyFailureAction(role, service, policy, bv, &asb, te) {
				return true, nil
			}
		}

		if consume || asb.Empty() {
			blk.MarkedForDeletion = true
		} else {
			reencoded, eerr := bpv.EncodeASB(asb)
			if eerr != nil {
				return false, direrror.Wrap("re-encode asb", eerr, "blockNumber", blk.Header.BlockNumber)
			}
			blk.Data = reencoded
			blk.MarkDirty()
		}
	}
	return false, nil
}

// ProcessReceivedBundle applies spec.md §4.4's receive pipeline: all BCB
// blocks first (because a BCB may encrypt a BIB), then all BIB blocks.
// atFinalDest tells the engine whether the local node is the bundle's
// final destination, which governs the POLICY_MISSING special case.
// On return, drop reports whether the bundle must be discarded. When the
// bundle is kept without error, bv.RemoveMarkedBlocks() has already been
// called; on a drop or an error it has not, and blocks flagged
// MarkedForDeletion are still in bv.
func (ctx *BpSecPolicyProcessingContext) ProcessReceivedBundle(bv *bpv.BundleView, bundleSource, bundleFinalDest bpv.EID, atFinalDest bool) (drop bool, err error) {
	drop, err = processASBList(ctx, bv, bpv.BlockTypeBCB, ServiceConfidentiality, bundleSource, bundleFinalDest, atFinalDest)
	if drop || err != nil {
		return drop, err
	}
	drop, err = processASBList(ctx, bv, bpv.BlockTypeBIB, ServiceIntegrity, bundleSource, bundleFinalDest, atFinalDest)
	if drop || err != nil {
		return drop, err
	}
	bv.RemoveMarkedBlocks()
	return false, nil
}

// populateTargetArrays enumerates the canonical blocks matching policy's
// integrity and confidentiality target types, per spec.md §4.4
// "PopulateTargetArraysForSecuritySource". If the BIB's block type is
// among the confidentiality targets (it will be added, not yet present),
// a PlaceholderTargetBlockNumber slot is reserved for it.
func populateTargetArrays(policy *Policy, bv *bpv.BundleView) (bibTargets, bcbTargets []uint64, bibPlaceholderIdx int) {
	bibPlaceholderIdx = -1
	if policy.Integrity != nil {
		for _, t := range policy.Integrity.TargetBlockTypes {
			for _, blk := range bv.BlocksByType(t) {
				bibTargets = append(bibTargets, blk.Header.BlockNumber)
			}
		}
	}
	if policy.Confidentiality != nil {
		for _, t := range policy.Confidentiality.TargetBlockTypes {
			if t == bpv.BlockTypeBIB {
				bibPlaceholderIdx = len(bcbTargets)
				bcbTargets = append(bcbTargets, bpv.PlaceholderTargetBlockNumber)
				continue
			}
			for _, blk := range bv.BlocksByType(t) {
				bcbTargets = append(bcbTargets, blk.Header.BlockNumber)
			}
		}
	}
	return bibTargets, bcbTargets, bibPlaceholderIdx
}

// ProcessOutgoingBundle applies spec.md §4.4's send pipeline as a
// security source: add a BIB (if the policy's integrity half is set)
// immediately after the primary block, backfill any BCB placeholder with
// the BIB's assigned block number, then add a BCB (if the policy's
// confidentiality half is set) over the populated target arrays. Any
// processor failure aborts with an error before the corresponding block
// is added — callers must discard bv rather than emit it on error
// (spec.md §4.4 "a partially processed bundle must not be emitted").
//
// Grounds original_source's FindPolicyAndProcessOutgoingBundle: the
// policy lookup and the processing are one call here.
func (ctx *BpSecPolicyProcessingContext) ProcessOutgoingBundle(bv *bpv.BundleView, securitySource, bundleSource, bundleFinalDest bpv.EID) error {
	policy, found := ctx.FindPolicyWithCache(securitySource, bundleSource, bundleFinalDest, RoleSource)
	if !found {
		return nil
	}

	bibTargets, bcbTargets, bibPlaceholderIdx := populateTargetArrays(policy, bv)

	if policy.Integrity != nil {
		targetData := make([][]byte, len(bibTargets))
		for i, t := range bibTargets {
			blk, ok := bv.BlockByNumber(t)
			if !ok {
				return direrror.Wrap("bib target block missing", ErrBPSecInternal, "blockNumber", t)
			}
			targetData[i] = blk.Data
		}
		aad := computeAAD(policy.Integrity.ScopeMask, bv)
		key, err := resolveKey(policy.Integrity)
		if err != nil {
			return direrror.Wrap("resolve integrity key", err)
		}
		tags, err := ctx.Crypto.ComputeBIB(variantOf(policy.Integrity), key, aad, targetData)
		if err != nil {
			return direrror.Wrap("compute bib", err)
		}

		asb := bpv.ASB{
			SecurityTargets:   bibTargets,
			SecurityContextID: SecurityContextBIBHMAC,
			SecuritySource:    securitySource,
			SecurityResults:   tags,
		}
		data, err := bpv.EncodeASB(asb)
		if err != nil {
			return direrror.Wrap("encode bib asb", err)
		}
		bibView := bv.InsertCanonicalBlockAfterPrimary(bpv.BlockTypeBIB, 0, 0, data)

		if bibPlaceholderIdx >= 0 {
			bcbTargets[bibPlaceholderIdx] = bibView.Header.BlockNumber
		}
	}

	if policy.Confidentiality != nil {
		use12Byte := policy.Confidentiality.IVSizeBytes == 12
		iv := ctx.IVGen.SerializeAndIncrement(use12Byte)

		plaintexts := make([][]byte, len(bcbTargets))
		for i, t := range bcbTargets {
			blk, ok := bv.BlockByNumber(t)
			if !ok {
				return direrror.Wrap("bcb target block missing", ErrBPSecInternal, "blockNumber", t)
			}
			plaintexts[i] = blk.Data
		}
		aad := computeAAD(policy.Confidentiality.ScopeMask, bv)
		key, err := resolveKey(policy.Confidentiality)
		if err != nil {
			return direrror.Wrap("resolve confidentiality key", err)
		}
		ciphertexts, err := ctx.Crypto.EncryptBCB(variantOf(policy.Confidentiality), key, iv, aad, plaintexts)
		if err != nil {
			return direrror.Wrap("encrypt bcb", err)
		}
		for i, t := range bcbTargets {
			blk, _ := bv.BlockByNumber(t)
			blk.Data = ciphertexts[i]
			blk.MarkDirty()
		}

		asb := bpv.ASB{
			SecurityTargets:   bcbTargets,
			SecurityContextID: SecurityContextBCBAESGCM,
			SecuritySource:    securitySource,
			IV:                iv,
		}
		data, err := bpv.EncodeASB(asb)
		if err != nil {
			return direrror.Wrap("encode bcb asb", err)
		}
		bv.AddCanonicalBlock(bpv.BlockTypeBCB, 0, 0, data)
	}

	return nil
}
