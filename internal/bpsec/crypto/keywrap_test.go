package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyWrapRoundTrip(t *testing.T) {
	kek := make([]byte, 16)
	for i := range kek {
		kek[i] = byte(i + 1)
	}
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(255 - i)
	}

	wrapped, err := WrapKey(kek, dek)
	require.NoError(t, err)
	require.Len(t, wrapped, len(dek)+8)

	unwrapped, err := UnwrapKey(kek, wrapped)
	require.NoError(t, err)
	require.Equal(t, dek, unwrapped)
}

func TestUnwrapKeyRejectsTamperedInput(t *testing.T) {
	kek := make([]byte, 16)
	dek := make([]byte, 16)
	dek[0] = 9

	wrapped, err := WrapKey(kek, dek)
	require.NoError(t, err)
	wrapped[0] ^= 0xFF

	_, err = UnwrapKey(kek, wrapped)
	require.ErrorIs(t, err, ErrKeyWrapInput)
}

func TestWrapKeyRejectsShortInput(t *testing.T) {
	_, err := WrapKey(make([]byte, 16), make([]byte, 8))
	require.ErrorIs(t, err, ErrKeyWrapInput)
}
