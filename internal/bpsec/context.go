package bpsec

import (
	"github.com/dtnrelay/core/internal/bpsec/crypto"
	"github.com/dtnrelay/core/internal/bpv"
	"github.com/dtnrelay/core/pkg/dtnlog"
)

// BpSecPolicyProcessingContext is the per-thread processing context of
// spec.md §5: a trie (shared, read-only after construction), a crypto
// processor, an IV generator, and a search cache that is NOT shared
// across threads. One context is constructed per concurrent
// bundle-processing pipeline.
type BpSecPolicyProcessingContext struct {
	Trie   *PolicyFilterTrie
	Cache  *PolicySearchCache
	Crypto *crypto.Processor
	IVGen  *crypto.IVGenerator
	Log    dtnlog.Logger
}

// NewProcessingContext constructs a context around a shared trie, with a
// fresh (not-shared) search cache, crypto processor, and IV generator.
func NewProcessingContext(trie *PolicyFilterTrie, cacheSize int) (*BpSecPolicyProcessingContext, error) {
	cache, err := NewPolicySearchCache(cacheSize)
	if err != nil {
		return nil, err
	}
	ivGen, err := crypto.NewIVGenerator()
	if err != nil {
		return nil, err
	}
	return &BpSecPolicyProcessingContext{
		Trie:   trie,
		Cache:  cache,
		Crypto: crypto.NewProcessor(),
		IVGen:  ivGen,
		Log:    dtnlog.With("component", "bpsec"),
	}, nil
}

// FindPolicyWithCache is FindPolicy backed by ctx's per-context search
// cache, per spec.md §4.4 "findPolicyWithCacheSupport": it "stores and
// reuses the last ... mapping", including negative results.
func (ctx *BpSecPolicyProcessingContext) FindPolicyWithCache(securitySource, bundleSource, bundleFinalDest bpv.EID, role Role) (*Policy, bool) {
	key := searchKey{securitySource: securitySource, bundleSource: bundleSource, bundleFinalDest: bundleFinalDest, role: role}
	if r, ok := ctx.Cache.get(key); ok {
		return r.policy, r.found
	}
	policy, found := ctx.Trie.FindPolicy(securitySource, bundleSource, bundleFinalDest, role)
	ctx.Cache.put(key, searchResult{policy: policy, found: found})
	return policy, found
}
