package bpsec

import (
	"github.com/dtnrelay/core/internal/bpv"
	"github.com/dtnrelay/core/pkg/direrror"
)

// ErrInvalidEventType and ErrInvalidActionMaskEntry are config-load error
// kinds of spec.md §7 "Config".
var (
	ErrInvalidEventType        = direrror.New("invalid failure event type")
	ErrInvalidActionMaskEntry  = direrror.New("invalid failure action mask entry")
)

// ParseEventType maps a policy document's failure-event-set key string to
// an EventType, rejecting anything not in spec.md §3's named set.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventSOPMissingAtAcceptor, EventSOPCorruptedAtAcceptor, EventSOPCorruptedAtVerifier,
		EventSOPMisconfiguredAtAcceptor, EventSOPMisconfiguredAtVerifier:
		return EventType(s), nil
	default:
		return "", direrror.Wrap("unknown event type", ErrInvalidEventType, "eventType", s)
	}
}

// ParseActionMask ORs together the named actions of spec.md §3's
// {REMOVE_SECURITY_OPERATION, REMOVE_SECURITY_OPERATION_TARGET_BLOCK,
// FAIL_BUNDLE_FORWARDING} set.
func ParseActionMask(actions []string) (ActionMask, error) {
	var mask ActionMask
	for _, a := range actions {
		switch a {
		case "REMOVE_SECURITY_OPERATION":
			mask |= ActionRemoveSecurityOperation
		case "REMOVE_SECURITY_OPERATION_TARGET_BLOCK":
			mask |= ActionRemoveSecurityOperationTargetBlock
		case "FAIL_BUNDLE_FORWARDING":
			mask |= ActionFailBundleForwarding
		default:
			return 0, direrror.Wrap("unknown action", ErrInvalidActionMaskEntry, "action", a)
		}
	}
	return mask, nil
}

// RuleInput is the decoupled, already-parsed shape of one policy document
// rule (spec.md §6): every EID has been resolved to an bpv.EIDPattern,
// every key decoded from hex, every enum validated. internal/config
// converts its on-wire PolicyRuleDoc into a RuleInput so this package
// never needs to import internal/config (which already imports bpsec for
// role/trie types), avoiding an import cycle.
type RuleInput struct {
	Role                   Role
	Service                Service
	SecuritySource         bpv.EIDPattern
	BundleSource           []bpv.EIDPattern
	BundleFinalDestination []bpv.EIDPattern
	TargetBlockTypes       []bpv.BlockTypeCode
	Variant                string
	IVSizeBytes            int
	CRCType                uint8
	ScopeMask              uint8
	Key                    []byte
	KEK                    []byte
	WrappedKey             []byte
	FailureEvents          FailureEventSet
}

// LoadFromConfig builds a PolicyFilterTrie from a list of already-parsed
// rules, grounded on original_source's BpSecPolicyManager::LoadFromConfig:
// for every (bundleSource, bundleFinalDest) pair in a rule's cross
// product, merge the rule's service half into the trie's terminal policy,
// then validateAndFinalize every touched policy once all rules have been
// merged (spec.md §4.4 "Policy construction").
func LoadFromConfig(rules []RuleInput) (*PolicyFilterTrie, error) {
	trie := NewPolicyFilterTrie()
	touched := map[*Policy]struct{}{}

	for _, r := range rules {
		params := &SecurityContextParams{
			Variant:          r.Variant,
			Key:              r.Key,
			KEK:              r.KEK,
			WrappedKey:       r.WrappedKey,
			IVSizeBytes:      r.IVSizeBytes,
			CRCType:          r.CRCType,
			ScopeMask:        r.ScopeMask,
			TargetBlockTypes: r.TargetBlockTypes,
		}
		for _, bsrc := range r.BundleSource {
			for _, bdst := range r.BundleFinalDestination {
				policy := trie.CreateOrGetPolicy(r.SecuritySource, bsrc, bdst, r.Role)
				if err := policy.MergeService(r.Service, params); err != nil {
					return nil, direrror.Wrap("merge policy rule", err,
						"securitySource", r.SecuritySource, "bundleSource", bsrc, "bundleFinalDest", bdst, "role", r.Role)
				}
				for k, v := range r.FailureEvents {
					policy.FailureEvents[k] = v
				}
				touched[policy] = struct{}{}
			}
		}
	}

	for policy := range touched {
		if err := policy.validateAndFinalize(); err != nil {
			return nil, direrror.Wrap("validate policy", err, "role", policy.Role)
		}
	}

	return trie, nil
}
