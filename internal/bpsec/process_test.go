package bpsec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dtnrelay/core/internal/bpsec/crypto"
	"github.com/dtnrelay/core/internal/bpv"
)

func samplePrimary(t *testing.T, dst, src string) bpv.PrimaryBlock {
	p := bpv.PrimaryBlock{
		Version:           7,
		Destination:       mustEID(t, dst),
		Source:            mustEID(t, src),
		ReportTo:          mustEID(t, src),
		CreationTimestamp: 1000,
		Lifetime:          3600,
	}
	return p
}

func buildBundle(t *testing.T, dst, src string, extraHopCount bool, payload []byte) *bpv.BundleView {
	bv := bpv.NewBundleView(samplePrimary(t, dst, src))
	if extraHopCount {
		bv.AddCanonicalBlock(bpv.BlockTypeHopCount, 0, 0, []byte{16, 0})
	}
	bv.AddCanonicalBlock(bpv.BlockTypePayload, 0, 0, payload)
	return bv
}

// Grounded on spec.md §8 scenario S4: SOURCE then ACCEPTOR integrity with
// matching keys leaves the bundle unchanged except the BIB is consumed.
func TestIntegrityRoundTripS4(t *testing.T) {
	key := []byte("a-sixty-four-byte-long-hmac-384-key-material-padding-padding!!")[:48]

	trie := NewPolicyFilterTrie()
	src := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleSource)
	require.NoError(t, src.MergeService(ServiceIntegrity, &SecurityContextParams{
		Variant: string(crypto.VariantHMACSHA384), Key: key, TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, src.validateAndFinalize())

	acc := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleAcceptor)
	require.NoError(t, acc.MergeService(ServiceIntegrity, &SecurityContextParams{
		Variant: string(crypto.VariantHMACSHA384), Key: key, TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, acc.validateAndFinalize())

	ctx, err := NewProcessingContext(trie, 16)
	require.NoError(t, err)

	bv := buildBundle(t, "ipn:2.1", "ipn:1.1", false, []byte("hello dtn"))

	require.NoError(t, ctx.ProcessOutgoingBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1")))
	require.Len(t, bv.BlocksByType(bpv.BlockTypeBIB), 1)

	drop, err := ctx.ProcessReceivedBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1"), true)
	require.NoError(t, err)
	require.False(t, drop)
	require.Empty(t, bv.BlocksByType(bpv.BlockTypeBIB))

	payload, ok := bv.PayloadBlock()
	require.True(t, ok)
	require.Equal(t, []byte("hello dtn"), payload.Data)
}

// Grounded on spec.md §8 scenario S5: a mismatched acceptor key reports
// SOP_CORRUPTED_AT_ACCEPTOR; with FAIL_BUNDLE_FORWARDING the bundle drops.
func TestIntegrityMismatchWithFailForwardingDropsS5(t *testing.T) {
	trie := NewPolicyFilterTrie()
	src := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleSource)
	require.NoError(t, src.MergeService(ServiceIntegrity, &SecurityContextParams{
		Variant: string(crypto.VariantHMACSHA256), Key: []byte("correct-key-correct-key-correct"),
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, src.validateAndFinalize())

	acc := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleAcceptor)
	require.NoError(t, acc.MergeService(ServiceIntegrity, &SecurityContextParams{
		Variant: string(crypto.VariantHMACSHA256), Key: []byte("wrong-key-wrong-key-wrong-key!!!"),
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	acc.FailureEvents[EventSOPCorruptedAtAcceptor] = ActionFailBundleForwarding
	require.NoError(t, acc.validateAndFinalize())

	ctx, err := NewProcessingContext(trie, 16)
	require.NoError(t, err)

	bv := buildBundle(t, "ipn:2.1", "ipn:1.1", false, []byte("hello dtn"))
	require.NoError(t, ctx.ProcessOutgoingBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1")))

	drop, err := ctx.ProcessReceivedBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1"), true)
	require.NoError(t, err)
	require.True(t, drop)
}

// Grounded on spec.md §8 scenario S5's alternate failure event:
// REMOVE_SECURITY_OPERATION_TARGET_BLOCK on a non-payload target removes
// the target block and its security operation without dropping the bundle.
func TestIntegrityMismatchRemovesNonPayloadTargetS5(t *testing.T) {
	trie := NewPolicyFilterTrie()
	src := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleSource)
	require.NoError(t, src.MergeService(ServiceIntegrity, &SecurityContextParams{
		Variant: string(crypto.VariantHMACSHA256), Key: []byte("correct-key-correct-key-correct"),
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypeHopCount},
	}))
	require.NoError(t, src.validateAndFinalize())

	acc := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleAcceptor)
	require.NoError(t, acc.MergeService(ServiceIntegrity, &SecurityContextParams{
		Variant: string(crypto.VariantHMACSHA256), Key: []byte("wrong-key-wrong-key-wrong-key!!!"),
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypeHopCount},
	}))
	acc.FailureEvents[EventSOPCorruptedAtAcceptor] = ActionRemoveSecurityOperationTargetBlock
	require.NoError(t, acc.validateAndFinalize())

	ctx, err := NewProcessingContext(trie, 16)
	require.NoError(t, err)

	bv := buildBundle(t, "ipn:2.1", "ipn:1.1", true, []byte("hello dtn"))
	require.NoError(t, ctx.ProcessOutgoingBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1")))

	drop, err := ctx.ProcessReceivedBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1"), true)
	require.NoError(t, err)
	require.False(t, drop)
	require.Empty(t, bv.BlocksByType(bpv.BlockTypeHopCount), "corrupted non-payload target must be removed")
	require.Empty(t, bv.BlocksByType(bpv.BlockTypeBIB), "asb with no operations left must itself be removed")

	payload, ok := bv.PayloadBlock()
	require.True(t, ok)
	require.Equal(t, []byte("hello dtn"), payload.Data)
}

// Grounded on spec.md §8 scenario S6: BCB targeting {payload, integrity}
// and BIB targeting {payload}; send applies BIB then BCB, backfilling the
// BCB's placeholder with the BIB's assigned block number, and receive
// reverses it to the original bundle.
func TestConfidentialityOverBIBRoundTripS6(t *testing.T) {
	integrityKey := []byte("0123456789abcdef0123456789abcdef")
	confKey := make([]byte, 32)
	for i := range confKey {
		confKey[i] = byte(i + 1)
	}

	trie := NewPolicyFilterTrie()
	src := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleSource)
	require.NoError(t, src.MergeService(ServiceIntegrity, &SecurityContextParams{
		Variant: string(crypto.VariantHMACSHA256), Key: integrityKey, TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, src.MergeService(ServiceConfidentiality, &SecurityContextParams{
		Variant: string(crypto.VariantA256GCM), Key: confKey, IVSizeBytes: 12,
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload, bpv.BlockTypeBIB},
	}))
	require.NoError(t, src.validateAndFinalize())
	require.True(t, src.BIBMustBeEncrypted)
	require.True(t, src.BCBTargetsPayloadBlock)

	acc := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleAcceptor)
	require.NoError(t, acc.MergeService(ServiceIntegrity, &SecurityContextParams{
		Variant: string(crypto.VariantHMACSHA256), Key: integrityKey, TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, acc.MergeService(ServiceConfidentiality, &SecurityContextParams{
		Variant: string(crypto.VariantA256GCM), Key: confKey, IVSizeBytes: 12,
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload, bpv.BlockTypeBIB},
	}))
	require.NoError(t, acc.validateAndFinalize())

	ctx, err := NewProcessingContext(trie, 16)
	require.NoError(t, err)

	bv := buildBundle(t, "ipn:2.1", "ipn:1.1", false, []byte("top secret payload"))

	require.NoError(t, ctx.ProcessOutgoingBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1")))
	require.Len(t, bv.BlocksByType(bpv.BlockTypeBIB), 1)
	require.Len(t, bv.BlocksByType(bpv.BlockTypeBCB), 1)

	payload, _ := bv.PayloadBlock()
	require.NotEqual(t, []byte("top secret payload"), payload.Data, "payload must be encrypted on the wire")

	drop, err := ctx.ProcessReceivedBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1"), true)
	require.NoError(t, err)
	require.False(t, drop)
	require.Empty(t, bv.BlocksByType(bpv.BlockTypeBIB))
	require.Empty(t, bv.BlocksByType(bpv.BlockTypeBCB))

	payload, ok := bv.PayloadBlock()
	require.True(t, ok)
	require.Equal(t, []byte("top secret payload"), payload.Data)
}

// A CONFIDENTIALITY policy with a 16-byte IV must not panic GCM's
// fixed-12-byte-nonce assumption (spec.md §3 "IV size (12 or 16 bytes)").
func TestConfidentiality16ByteIVRoundTrip(t *testing.T) {
	confKey := make([]byte, 32)
	for i := range confKey {
		confKey[i] = byte(i + 1)
	}

	trie := NewPolicyFilterTrie()
	src := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleSource)
	require.NoError(t, src.MergeService(ServiceConfidentiality, &SecurityContextParams{
		Variant: string(crypto.VariantA256GCM), Key: confKey, IVSizeBytes: 16,
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, src.validateAndFinalize())

	acc := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleAcceptor)
	require.NoError(t, acc.MergeService(ServiceConfidentiality, &SecurityContextParams{
		Variant: string(crypto.VariantA256GCM), Key: confKey, IVSizeBytes: 16,
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, acc.validateAndFinalize())

	ctx, err := NewProcessingContext(trie, 16)
	require.NoError(t, err)

	bv := buildBundle(t, "ipn:2.1", "ipn:1.1", false, []byte("top secret payload"))

	require.NoError(t, ctx.ProcessOutgoingBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1")))
	require.Len(t, bv.BlocksByType(bpv.BlockTypeBCB), 1)

	drop, err := ctx.ProcessReceivedBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1"), true)
	require.NoError(t, err)
	require.False(t, drop)

	payload, ok := bv.PayloadBlock()
	require.True(t, ok)
	require.Equal(t, []byte("top secret payload"), payload.Data)
}

// A CONFIDENTIALITY policy whose DEK travels as a KEK-wrapped key must be
// unwrapped before use, rather than reaching the processor as a nil key
// (spec.md §3 "key-encryption keys").
func TestConfidentialityKEKWrappedKeyRoundTrip(t *testing.T) {
	kek := []byte("0123456789abcdef") // 16 bytes, AES-128 KEK
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(i + 1)
	}
	wrapped, err := crypto.WrapKey(kek, dek)
	require.NoError(t, err)

	trie := NewPolicyFilterTrie()
	src := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleSource)
	require.NoError(t, src.MergeService(ServiceConfidentiality, &SecurityContextParams{
		Variant: string(crypto.VariantA256GCM), KEK: kek, WrappedKey: wrapped, IVSizeBytes: 12,
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, src.validateAndFinalize())

	acc := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleAcceptor)
	require.NoError(t, acc.MergeService(ServiceConfidentiality, &SecurityContextParams{
		Variant: string(crypto.VariantA256GCM), KEK: kek, WrappedKey: wrapped, IVSizeBytes: 12,
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, acc.validateAndFinalize())

	ctx, err := NewProcessingContext(trie, 16)
	require.NoError(t, err)

	bv := buildBundle(t, "ipn:2.1", "ipn:1.1", false, []byte("top secret payload"))

	require.NoError(t, ctx.ProcessOutgoingBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1")))
	require.Len(t, bv.BlocksByType(bpv.BlockTypeBCB), 1)

	payload, _ := bv.PayloadBlock()
	require.NotEqual(t, []byte("top secret payload"), payload.Data, "payload must be encrypted under the unwrapped dek")

	drop, err := ctx.ProcessReceivedBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1"), true)
	require.NoError(t, err)
	require.False(t, drop)

	payload, ok := bv.PayloadBlock()
	require.True(t, ok)
	require.Equal(t, []byte("top secret payload"), payload.Data)
}

// Grounded on spec.md §8 property 6: a mismatched DEK causes
// DECRYPT_FAILED_PAYLOAD and an unconditional drop when the target is the
// payload block, regardless of the policy's failure event set.
func TestConfidentialityMismatchedKeyDropsPayload(t *testing.T) {
	trie := NewPolicyFilterTrie()
	src := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleSource)
	require.NoError(t, src.MergeService(ServiceConfidentiality, &SecurityContextParams{
		Variant: string(crypto.VariantA128GCM), Key: []byte("0123456789abcdef"), IVSizeBytes: 12,
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	require.NoError(t, src.validateAndFinalize())

	acc := trie.CreateOrGetPolicy(mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:1.1"), mustPattern(t, "ipn:2.1"), RoleAcceptor)
	require.NoError(t, acc.MergeService(ServiceConfidentiality, &SecurityContextParams{
		Variant: string(crypto.VariantA128GCM), Key: []byte("fedcba9876543210"), IVSizeBytes: 12,
		TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload},
	}))
	// Even a lenient failure event set cannot save a payload decrypt failure.
	acc.FailureEvents[EventSOPCorruptedAtAcceptor] = ActionRemoveSecurityOperationTargetBlock
	require.NoError(t, acc.validateAndFinalize())

	ctx, err := NewProcessingContext(trie, 16)
	require.NoError(t, err)

	bv := buildBundle(t, "ipn:2.1", "ipn:1.1", false, []byte("secret"))
	require.NoError(t, ctx.ProcessOutgoingBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1")))

	drop, err := ctx.ProcessReceivedBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1"), true)
	require.NoError(t, err)
	require.True(t, drop)
}

func TestProcessReceivedBundleSkipsBlocksWithNoApplicablePolicy(t *testing.T) {
	trie := NewPolicyFilterTrie()
	ctx, err := NewProcessingContext(trie, 16)
	require.NoError(t, err)

	bv := buildBundle(t, "ipn:2.1", "ipn:1.1", false, []byte("unprotected"))
	drop, err := ctx.ProcessReceivedBundle(bv, mustEID(t, "ipn:1.1"), mustEID(t, "ipn:2.1"), false)
	require.NoError(t, err)
	require.False(t, drop)
}
