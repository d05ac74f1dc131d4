package crypto

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/dtnrelay/core/pkg/direrror"
)

// defaultIV is the RFC 3394 §2.2.3.1 default initial value A0.
var defaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// ErrKeyWrapInput is returned when WrapKey/UnwrapKey receive data of the
// wrong length for RFC 3394 (key-encryption-key-wrapped DEKs must be a
// multiple of 8 bytes, at least 16), and by UnwrapKey when the unwrapped
// integrity check value does not match.
var ErrKeyWrapInput = direrror.New("invalid key wrap input length")

// WrapKey wraps key (the DEK) under kek using AES Key Wrap, RFC 3394, on
// crypto/aes (see DESIGN.md: no third-party library in the example pack
// implements RFC 3394, and this is ~30 lines of well-specified stdlib
// block-cipher plumbing, not a domain algorithm worth pulling a dependency
// for).
func WrapKey(kek, key []byte) ([]byte, error) {
	if len(key) < 16 || len(key)%8 != 0 {
		return nil, direrror.Wrap("key to wrap", ErrKeyWrapInput, "len", len(key))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, direrror.Wrap("construct kek cipher", ErrCryptoInternal, "cause", err.Error())
	}

	n := len(key) / 8
	r := make([][8]byte, n+1)
	copy(r[0][:], defaultIV[:])
	for i := 0; i < n; i++ {
		copy(r[i+1][:], key[i*8:i*8+8])
	}

	var a [8]byte
	copy(a[:], r[0][:])
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[0:8], a[:])
			copy(buf[8:16], r[i][:])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := 0; k < 8; k++ {
				a[k] = buf[k] ^ tb[k]
			}
			copy(r[i][:], buf[8:16])
		}
	}

	out := make([]byte, 8+len(key))
	copy(out[0:8], a[:])
	for i := 1; i <= n; i++ {
		copy(out[i*8:i*8+8], r[i][:])
	}
	return out, nil
}

// UnwrapKey reverses WrapKey, returning an error if the integrity check
// value does not match defaultIV (RFC 3394 §2.2.3.2).
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, direrror.Wrap("wrapped key", ErrKeyWrapInput, "len", len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, direrror.Wrap("construct kek cipher", ErrCryptoInternal, "cause", err.Error())
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[0:8])
	r := make([][8]byte, n+1)
	for i := 1; i <= n; i++ {
		copy(r[i][:], wrapped[i*8:i*8+8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			var xored [8]byte
			for k := 0; k < 8; k++ {
				xored[k] = a[k] ^ tb[k]
			}
			copy(buf[0:8], xored[:])
			copy(buf[8:16], r[i][:])
			block.Decrypt(buf, buf)
			copy(a[:], buf[0:8])
			copy(r[i][:], buf[8:16])
		}
	}

	for k := 0; k < 8; k++ {
		if a[k] != defaultIV[k] {
			return nil, direrror.Wrap("key wrap integrity check failed", ErrKeyWrapInput)
		}
	}

	out := make([]byte, n*8)
	for i := 1; i <= n; i++ {
		copy(out[(i-1)*8:i*8], r[i][:])
	}
	return out, nil
}
