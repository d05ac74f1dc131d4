package bpv

import "github.com/dtnrelay/core/pkg/direrror"

// ErrTruncatedSDNV is returned when a Self-Delimiting Numeric Value runs
// off the end of the buffer before its continuation bit clears.
var ErrTruncatedSDNV = direrror.New("truncated sdnv")

// appendSDNV appends the Self-Delimiting Numeric Value encoding of v (BPv6,
// RFC 5050 §4.1) to buf: 7 value bits per byte, high bit set on every byte
// but the last.
func appendSDNV(buf []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	tmp[n] = byte(v & 0x7f)
	n++
	v >>= 7
	for v > 0 {
		tmp[n] = byte(v&0x7f) | 0x80
		n++
		v >>= 7
	}
	for i := n - 1; i >= 0; i-- {
		buf = append(buf, tmp[i])
	}
	return buf
}

// readSDNV decodes one SDNV from the front of data, returning the value and
// the number of bytes consumed.
func readSDNV(data []byte) (uint64, int, error) {
	var v uint64
	for i, b := range data {
		v = (v << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrTruncatedSDNV
}
