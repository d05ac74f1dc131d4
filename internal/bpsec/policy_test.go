package bpsec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dtnrelay/core/internal/bpv"
)

func TestMergeServiceRejectsDuplicate(t *testing.T) {
	p := &Policy{Role: RoleSource, FailureEvents: FailureEventSet{}}
	require.NoError(t, p.MergeService(ServiceIntegrity, &SecurityContextParams{Variant: "HMAC_SHA256"}))
	err := p.MergeService(ServiceIntegrity, &SecurityContextParams{Variant: "HMAC_SHA384"})
	require.ErrorIs(t, err, ErrDuplicateServiceMerge)
}

// Grounded on spec.md §8 scenario S6: BCB targeting {payload, integrity}
// alongside BIB targeting {payload} is valid because the BCB already
// covers the BIB.
func TestValidateAndFinalizeAcceptsOverlapWhenBCBCoversBIB(t *testing.T) {
	p := &Policy{
		Role:            RoleSource,
		FailureEvents:   FailureEventSet{},
		Integrity:       &SecurityContextParams{TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload}},
		Confidentiality: &SecurityContextParams{TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload, bpv.BlockTypeBIB}},
	}
	require.NoError(t, p.validateAndFinalize())
	require.True(t, p.BIBMustBeEncrypted)
	require.True(t, p.BCBTargetsPayloadBlock)
}

func TestValidateAndFinalizeRejectsOverlapWithoutBIBCoverage(t *testing.T) {
	p := &Policy{
		Role:            RoleSource,
		FailureEvents:   FailureEventSet{},
		Integrity:       &SecurityContextParams{TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload}},
		Confidentiality: &SecurityContextParams{TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload}},
	}
	err := p.validateAndFinalize()
	require.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestValidateAndFinalizeNoOverlapIsFine(t *testing.T) {
	p := &Policy{
		Role:            RoleSource,
		FailureEvents:   FailureEventSet{},
		Integrity:       &SecurityContextParams{TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypeHopCount}},
		Confidentiality: &SecurityContextParams{TargetBlockTypes: []bpv.BlockTypeCode{bpv.BlockTypePayload}},
	}
	require.NoError(t, p.validateAndFinalize())
	require.False(t, p.BIBMustBeEncrypted)
	require.True(t, p.BCBTargetsPayloadBlock)
}
