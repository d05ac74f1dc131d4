package bpsec

import (
	"sync/atomic"

	"github.com/dtnrelay/core/internal/bpv"
)

// level is one of the three cascading lookup levels of the Policy Filter
// Trie (spec.md §3): an exact-EID map, a node-only-wildcard map, and a
// single "any-EID" child, generic over the child node type T.
type level[T any] struct {
	exact        map[bpv.EID]T
	nodeWildcard map[uint64]T
	any          T
	anySet       bool
}

func newLevel[T any]() *level[T] {
	return &level[T]{
		exact:        make(map[bpv.EID]T),
		nodeWildcard: make(map[uint64]T),
	}
}

// getOrCreate returns the child keyed by pattern, creating it with
// newChild if absent.
func (l *level[T]) getOrCreate(pattern bpv.EIDPattern, newChild func() T) T {
	switch {
	case pattern.IsAny():
		if !l.anySet {
			l.any = newChild()
			l.anySet = true
		}
		return l.any
	case pattern.IsNodeWildcard():
		if v, ok := l.nodeWildcard[pattern.NodeID]; ok {
			return v
		}
		v := newChild()
		l.nodeWildcard[pattern.NodeID] = v
		return v
	default:
		key := bpv.EID{NodeID: pattern.NodeID, ServiceID: pattern.ServiceID}
		if v, ok := l.exact[key]; ok {
			return v
		}
		v := newChild()
		l.exact[key] = v
		return v
	}
}

// lookup cascades exact -> node-wildcard -> any for a concrete eid, per
// spec.md §4.4 "Lookup".
func (l *level[T]) lookup(eid bpv.EID) (T, bool) {
	if v, ok := l.exact[eid]; ok {
		return v, true
	}
	if v, ok := l.nodeWildcard[eid.NodeID]; ok {
		return v, true
	}
	if l.anySet {
		return l.any, true
	}
	var zero T
	return zero, false
}

// terminal holds the per-role policies at one (securitySource,
// bundleSource, bundleFinalDest) leaf of the trie.
type terminal struct {
	policies [numRoles]*Policy
}

func newTerminal() *terminal { return &terminal{} }

type destLevel = level[*terminal]
type sourceLevel = level[*destLevel]
type secSrcLevel = level[*sourceLevel]

// PolicyFilterTrie is the three-level trie of spec.md §3: keyed
// successively by securitySource, bundleSource, bundleFinalDest.
type PolicyFilterTrie struct {
	root *secSrcLevel

	// walks counts actual FindPolicy trie traversals, instrumentation
	// for spec.md §8 property 7's cache-hit assertion ("observable via
	// an instrumented counter"), not used by production lookup logic.
	walks atomic.Int64
}

// NewPolicyFilterTrie constructs an empty trie.
func NewPolicyFilterTrie() *PolicyFilterTrie {
	return &PolicyFilterTrie{root: newLevel[*sourceLevel]()}
}

// CreateOrGetPolicy returns the terminal Policy for the given
// (securitySource, bundleSource, bundleFinalDest, role) key, creating
// every intermediate trie node and the terminal policy if absent, per
// spec.md §4.4 "look up or create the terminal policy".
func (t *PolicyFilterTrie) CreateOrGetPolicy(securitySource, bundleSource, bundleFinalDest bpv.EIDPattern, role Role) *Policy {
	srcLvl := t.root.getOrCreate(securitySource, func() *sourceLevel { return newLevel[*destLevel]() })
	destLvl := srcLvl.getOrCreate(bundleSource, func() *destLevel { return newLevel[*terminal]() })
	term := destLvl.getOrCreate(bundleFinalDest, newTerminal)
	if term.policies[role] == nil {
		term.policies[role] = &Policy{Role: role, FailureEvents: FailureEventSet{}}
	}
	return term.policies[role]
}

// FindPolicy walks the trie with cascading fallback at each level, per
// spec.md §4.4 "Lookup": exact EID first, then node-only wildcard, then
// the any-EID child.
func (t *PolicyFilterTrie) FindPolicy(securitySource, bundleSource, bundleFinalDest bpv.EID, role Role) (*Policy, bool) {
	t.walks.Add(1)
	srcLvl, ok := t.root.lookup(securitySource)
	if !ok {
		return nil, false
	}
	destLvl, ok := srcLvl.lookup(bundleSource)
	if !ok {
		return nil, false
	}
	term, ok := destLvl.lookup(bundleFinalDest)
	if !ok {
		return nil, false
	}
	p := term.policies[role]
	return p, p != nil
}

// WalkCount returns the number of FindPolicy calls that actually
// traversed the trie (as opposed to being short-circuited by a
// PolicySearchCache hit).
func (t *PolicyFilterTrie) WalkCount() int64 { return t.walks.Load() }
