package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/dtnrelay/core/pkg/direrror"
)

// Variant names the cipher/hash suite of a security context, per spec.md
// §3 "cipher/hash variant (AES-128/256-GCM, HMAC-256/384/512)".
type Variant string

const (
	VariantA128GCM    Variant = "A128GCM"
	VariantA256GCM    Variant = "A256GCM"
	VariantHMACSHA256 Variant = "HMAC_SHA256"
	VariantHMACSHA384 Variant = "HMAC_SHA384"
	VariantHMACSHA512 Variant = "HMAC_SHA512"
)

// ErrorCode is the per-target error kind the cryptographic processor
// reports, per spec.md §4.4 "a list of per-target errors".
type ErrorCode int

const (
	ErrorCorrupted ErrorCode = iota
	ErrorMisconfigured
)

// TargetError is one per-target failure reported by VerifyBIB or
// DecryptBCB, greatest-to-least target index, per spec.md §4.4's ordering
// contract.
type TargetError struct {
	TargetBlockNumber uint64
	TargetIndex       int
	Code              ErrorCode
}

var (
	// ErrUnsupportedVariant is returned when a policy names a cipher/hash
	// variant this processor does not implement.
	ErrUnsupportedVariant = direrror.New("unsupported bpsec variant")
	// ErrCryptoInternal maps to spec.md §7's BPSEC_INTERNAL: a wrapped
	// standard-library cipher construction failure, never attributable to
	// the bundle's contents.
	ErrCryptoInternal = direrror.New("bpsec crypto library failure")
)

// Processor is the cryptographic bundle processor of spec.md §4.4 (the
// BPSecManager / BpSecBundleProcessor of original_source): computes and
// verifies BIB HMACs, encrypts and decrypts BCB payloads with AEAD, all on
// the standard library's crypto/aes, crypto/cipher, crypto/hmac (see
// DESIGN.md for why these stay on stdlib). Stateless and safe for
// concurrent use; IV generation and key material live outside it.
type Processor struct{}

// NewProcessor constructs a Processor.
func NewProcessor() *Processor { return &Processor{} }

func hmacNew(variant Variant) (func() hash.Hash, error) {
	switch variant {
	case VariantHMACSHA256:
		return sha256.New, nil
	case VariantHMACSHA384:
		return sha512.New384, nil
	case VariantHMACSHA512:
		return sha512.New, nil
	default:
		return nil, direrror.Wrap("hmac variant", ErrUnsupportedVariant, "variant", string(variant))
	}
}

// ComputeBIB computes one HMAC tag per target over targetData[i] || aad,
// per RFC 9173's BIB-HMAC-SHA2 construction in outline.
func (p *Processor) ComputeBIB(variant Variant, key []byte, aad []byte, targetData [][]byte) ([][]byte, error) {
	newHash, err := hmacNew(variant)
	if err != nil {
		return nil, err
	}
	tags := make([][]byte, len(targetData))
	for i, data := range targetData {
		mac := hmac.New(newHash, key)
		mac.Write(data)
		mac.Write(aad)
		tags[i] = mac.Sum(nil)
	}
	return tags, nil
}

// VerifyBIB recomputes each target's HMAC and compares against tags in
// constant time, returning a TargetError for each mismatch in
// greatest-to-least target-index order.
func (p *Processor) VerifyBIB(variant Variant, key []byte, aad []byte, targetData [][]byte, targetBlockNumbers []uint64, tags [][]byte) ([]TargetError, error) {
	newHash, err := hmacNew(variant)
	if err != nil {
		return nil, err
	}
	var errs []TargetError
	for i := len(targetData) - 1; i >= 0; i-- {
		mac := hmac.New(newHash, key)
		mac.Write(targetData[i])
		mac.Write(aad)
		want := mac.Sum(nil)
		if !hmac.Equal(want, tags[i]) {
			errs = append(errs, TargetError{TargetBlockNumber: targetBlockNumbers[i], TargetIndex: i, Code: ErrorCorrupted})
		}
	}
	return errs, nil
}

func aeadFor(variant Variant, key []byte, ivSize int) (cipher.AEAD, error) {
	var wantLen int
	switch variant {
	case VariantA128GCM:
		wantLen = 16
	case VariantA256GCM:
		wantLen = 32
	default:
		return nil, direrror.Wrap("aead variant", ErrUnsupportedVariant, "variant", string(variant))
	}
	if len(key) != wantLen {
		return nil, direrror.Wrap("aead key length", ErrUnsupportedVariant, "variant", string(variant), "got", len(key), "want", wantLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, direrror.Wrap("construct aes cipher", ErrCryptoInternal, "cause", err.Error())
	}
	// RFC 9173's security contexts allow a 12- or 16-byte IV (spec.md §3
	// "IV size (12 or 16 bytes)"); cipher.NewGCM only ever builds the
	// standard 12-byte-nonce variant, so a 16-byte IV must go through
	// NewGCMWithNonceSize or gcm.Seal/Open panics on the length mismatch.
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, direrror.Wrap("construct gcm aead", ErrCryptoInternal, "cause", err.Error())
	}
	return gcm, nil
}

// EncryptBCB encrypts each target's plaintext with AES-GCM under iv and
// aad, leaving the plaintexts unchanged and returning a newly allocated
// ciphertext||tag per target (the authentication
// tag is appended, matching RFC 9173's BCB-AES-GCM wire convention).
func (p *Processor) EncryptBCB(variant Variant, key, iv, aad []byte, plaintexts [][]byte) ([][]byte, error) {
	gcm, err := aeadFor(variant, key, len(iv))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(plaintexts))
	for i, pt := range plaintexts {
		out[i] = gcm.Seal(nil, iv, pt, aad)
	}
	return out, nil
}

// DecryptBCB decrypts each target's ciphertext||tag with AES-GCM under iv
// and aad. A target that fails authentication is reported as a
// TargetError in greatest-to-least index order and its plaintext slot is
// left nil; callers must treat a payload-target failure as fatal per
// spec.md §4.4's "BCB acceptor special rule".
func (p *Processor) DecryptBCB(variant Variant, key, iv, aad []byte, ciphertexts [][]byte, targetBlockNumbers []uint64) ([][]byte, []TargetError, error) {
	gcm, err := aeadFor(variant, key, len(iv))
	if err != nil {
		return nil, nil, err
	}
	plaintexts := make([][]byte, len(ciphertexts))
	var errs []TargetError
	for i := len(ciphertexts) - 1; i >= 0; i-- {
		pt, err := gcm.Open(nil, iv, ciphertexts[i], aad)
		if err != nil {
			errs = append(errs, TargetError{TargetBlockNumber: targetBlockNumbers[i], TargetIndex: i, Code: ErrorCorrupted})
			continue
		}
		plaintexts[i] = pt
	}
	return plaintexts, errs, nil
}
