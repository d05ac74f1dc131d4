// Package bpsec implements the BPSec Policy Engine (spec.md §3/§4.4/§4.5,
// component C5): the cascading wildcard policy index, per-bundle
// processing that applies or verifies integrity (BIB) and confidentiality
// (BCB) operations, and failure-action dispatch, grounded on
// original_source's BpSecPolicyManager.h / BPSecManager.h.
package bpsec

import (
	"github.com/dtnrelay/core/internal/bpv"
	"github.com/dtnrelay/core/pkg/direrror"
)

// Role identifies which of the three roles a policy rule plays, per
// spec.md §3 "BPSec Policy".
type Role int

const (
	RoleSource Role = iota
	RoleVerifier
	RoleAcceptor
	numRoles
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "SOURCE"
	case RoleVerifier:
		return "VERIFIER"
	case RoleAcceptor:
		return "ACCEPTOR"
	default:
		return "UNKNOWN"
	}
}

// Service names the half of a policy rule being merged, per spec.md §4.4
// "merge the integrity or confidentiality half".
type Service int

const (
	ServiceIntegrity Service = iota
	ServiceConfidentiality
)

// ErrDuplicateServiceMerge is returned by MergeService when the named
// service half of a Policy has already been set, per spec.md §4.4
// "Duplicate-service merges are rejected."
var ErrDuplicateServiceMerge = direrror.New("duplicate service merge")

// ErrPolicyInvalid is returned by validateAndFinalize when a rule's
// confidentiality targets overlap its integrity targets without also
// targeting the integrity block itself, per spec.md §4.4 "Validation at
// SOURCE".
var ErrPolicyInvalid = direrror.New("bpsec policy invalid")

// SecurityContextParams is one security-context half (integrity or
// confidentiality) of a merged Policy, per spec.md §3 "BPSec Policy":
// cipher/hash variant, key material, IV size, scope mask, CRC choice, and
// target block types.
type SecurityContextParams struct {
	Variant          string // e.g. "HMAC_SHA384", "A256GCM"
	Key              []byte
	KEK              []byte // key-encryption key, if the data key travels wrapped
	WrappedKey       []byte // the DEK, AES-Key-Wrapped under KEK; resolved to Key's value via crypto.UnwrapKey before use
	IVSizeBytes      int    // 12 or 16, per spec.md §3
	CRCType          uint8
	ScopeMask        uint8
	TargetBlockTypes []bpv.BlockTypeCode
}

func (p *SecurityContextParams) targets(t bpv.BlockTypeCode) bool {
	for _, bt := range p.TargetBlockTypes {
		if bt == t {
			return true
		}
	}
	return false
}

// FailureEventSet maps a failure event kind to an action mask, per spec.md
// §3 "Security Failure Event Set".
type FailureEventSet map[EventType]ActionMask

// EventType is a BPSec security-operation failure event, per spec.md §4.4
// "Failure actions".
type EventType string

const (
	EventSOPMissingAtAcceptor       EventType = "SOP_MISSING_AT_ACCEPTOR"
	EventSOPCorruptedAtAcceptor     EventType = "SOP_CORRUPTED_AT_ACCEPTOR"
	EventSOPCorruptedAtVerifier     EventType = "SOP_CORRUPTED_AT_VERIFIER"
	EventSOPMisconfiguredAtAcceptor EventType = "SOP_MISCONFIGURED_AT_ACCEPTOR"
	EventSOPMisconfiguredAtVerifier EventType = "SOP_MISCONFIGURED_AT_VERIFIER"
)

// ActionMask is a subset of the three failure actions of spec.md §3.
type ActionMask uint8

const (
	ActionRemoveSecurityOperation           ActionMask = 1 << 0
	ActionRemoveSecurityOperationTargetBlock ActionMask = 1 << 1
	ActionFailBundleForwarding               ActionMask = 1 << 2
)

// Policy is the terminal record of the Policy Filter Trie: a merged rule
// for one (securitySource, bundleSource, bundleFinalDest, role) key, per
// spec.md §3 "BPSec Policy".
type Policy struct {
	Role            Role
	Integrity       *SecurityContextParams
	Confidentiality *SecurityContextParams
	FailureEvents   FailureEventSet

	// Derived flags recomputed by validateAndFinalize, spec.md §4.4
	// "Validation at SOURCE".
	BCBTargetsPayloadBlock bool
	BIBMustBeEncrypted     bool
}

// MergeService merges one security-context half into p, rejecting a
// duplicate merge of the same service.
func (p *Policy) MergeService(service Service, params *SecurityContextParams) error {
	switch service {
	case ServiceIntegrity:
		if p.Integrity != nil {
			return direrror.Wrap("integrity half already set", ErrDuplicateServiceMerge)
		}
		p.Integrity = params
	case ServiceConfidentiality:
		if p.Confidentiality != nil {
			return direrror.Wrap("confidentiality half already set", ErrDuplicateServiceMerge)
		}
		p.Confidentiality = params
	}
	return nil
}

// validateAndFinalize recomputes BCBTargetsPayloadBlock and
// BIBMustBeEncrypted, and rejects a rule whose BCB must cover the BIB but
// doesn't, per spec.md §4.4.
func (p *Policy) validateAndFinalize() error {
	if p.Confidentiality != nil {
		p.BCBTargetsPayloadBlock = p.Confidentiality.targets(bpv.BlockTypePayload)
	}
	if p.Integrity != nil && p.Confidentiality != nil {
		overlap := false
		for _, t := range p.Integrity.TargetBlockTypes {
			if p.Confidentiality.targets(t) {
				overlap = true
				break
			}
		}
		p.BIBMustBeEncrypted = overlap
		if overlap && !p.Confidentiality.targets(bpv.BlockTypeBIB) {
			return direrror.Wrap(
				"bcb must also target the integrity block when its targets overlap the bib's",
				ErrPolicyInvalid)
		}
	}
	return nil
}
