package bpsec

import (
	lru "github.com/hashicorp/golang-lru/arc/v2"

	"github.com/dtnrelay/core/internal/bpv"
	"github.com/dtnrelay/core/pkg/direrror"
)

// searchKey is the cache key of one FindPolicy call.
type searchKey struct {
	securitySource  bpv.EID
	bundleSource    bpv.EID
	bundleFinalDest bpv.EID
	role            Role
}

// searchResult caches a lookup outcome, including negative results (a nil
// Policy with found=false), per spec.md §3 "Policy Search Cache".
type searchResult struct {
	policy *Policy
	found  bool
}

// PolicySearchCache remembers lookup results across a stream of bundles
// sharing EIDs, short-circuiting the trie walk, per spec.md §3 and §4.4
// "findPolicyWithCacheSupport". Backed by an adaptive replacement cache
// (github.com/hashicorp/golang-lru/arc/v2) rather than a bare map so a
// long-running relay with many distinct EID combinations doesn't grow the
// cache unbounded — one cache per BpSecPolicyProcessingContext, never
// shared across threads, matching spec.md §5's per-thread-context rule.
type PolicySearchCache struct {
	arc *lru.ARCCache[searchKey, searchResult]
}

// NewPolicySearchCache constructs a cache holding up to size entries.
func NewPolicySearchCache(size int) (*PolicySearchCache, error) {
	arc, err := lru.NewARC[searchKey, searchResult](size)
	if err != nil {
		return nil, direrror.Wrap("construct policy search cache", err, "size", size)
	}
	return &PolicySearchCache{arc: arc}, nil
}

func (c *PolicySearchCache) get(k searchKey) (searchResult, bool) {
	return c.arc.Get(k)
}

func (c *PolicySearchCache) put(k searchKey, r searchResult) {
	c.arc.Add(k, r)
}
