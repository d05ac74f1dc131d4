// Package crypto implements the cryptographic bundle processor of
// spec.md §4.4/§4.5 (the BPSecManager/BpSecBundleProcessor of
// original_source): AES-128/256-GCM for BCB, HMAC-SHA256/384/512 for BIB,
// AES Key Wrap (RFC 3394) for DEK/KEK wrapping, and the per-thread
// Initialization Vector Generator.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/dtnrelay/core/pkg/direrror"
)

// ErrIVGeneratorSeed is returned when the strong-randomness seed for an
// IVGenerator cannot be read.
var ErrIVGeneratorSeed = direrror.New("iv generator seed failed")

// IVGenerator is the per-thread state of spec.md §4.5: both a 12-byte and
// a 16-byte monotonically incrementing counter, initialized from a
// cryptographically strong source. A process restart re-seeds from that
// source, so no durable counter state is ever persisted — re-seeding with
// fresh high-entropy starting points is what spec.md §4.5's "an IV value
// must never repeat for the same DEK" relies on in practice, since the
// counters themselves restart at an unpredictable point rather than zero.
type IVGenerator struct {
	mu        sync.Mutex
	counter12 [12]byte
	counter16 [16]byte
}

// NewIVGenerator constructs an IVGenerator whose counters are seeded by
// expanding a crypto/rand seed through HKDF, giving domain separation
// between the two counter widths from a single strong read.
func NewIVGenerator() (*IVGenerator, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, direrror.Wrap("read iv generator seed", ErrIVGeneratorSeed, "cause", err.Error())
	}
	g := &IVGenerator{}
	h := hkdf.New(sha256.New, seed, nil, []byte("dtnrelay-iv-12"))
	if _, err := io.ReadFull(h, g.counter12[:]); err != nil {
		return nil, direrror.Wrap("expand 12-byte iv seed", ErrIVGeneratorSeed, "cause", err.Error())
	}
	h = hkdf.New(sha256.New, seed, nil, []byte("dtnrelay-iv-16"))
	if _, err := io.ReadFull(h, g.counter16[:]); err != nil {
		return nil, direrror.Wrap("expand 16-byte iv seed", ErrIVGeneratorSeed, "cause", err.Error())
	}
	return g, nil
}

// SerializeAndIncrement returns the current IV bytes (12 or 16 bytes per
// use12Byte) and increments the counter, per spec.md §4.5.
func (g *IVGenerator) SerializeAndIncrement(use12Byte bool) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if use12Byte {
		out := g.counter12
		incrementBytes(g.counter12[:])
		return out[:]
	}
	out := g.counter16
	incrementBytes(g.counter16[:])
	return out[:]
}

func incrementBytes(b []byte) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
