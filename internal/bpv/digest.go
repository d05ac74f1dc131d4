package bpv

import "github.com/zeebo/blake3"

// blockDigest returns a fast, non-cryptographic-strength digest of a
// canonical block's Data. RenderInPlaceV7 compares it against a block's
// cached digest before reusing that block's cached original bytes, so a
// block whose Data was mutated in place without MarkDirty being called
// (e.g. a buffer reused from a pool) still gets re-rendered instead of
// silently emitting stale bytes. This is NOT a BPSec integrity primitive —
// BPSec's HMAC/AES-GCM operations are the only security-relevant digests
// in this repository.
func blockDigest(data []byte) [32]byte {
	return blake3.Sum256(data)
}
