package bpv

import "github.com/dtnrelay/core/pkg/direrror"

// bpv6FragmentFlag is the "bundle is a fragment" bit of the BPv6 primary
// block processing flags (RFC 5050 §4.2).
const bpv6FragmentFlag = 1 << 0

// EncodeV6 renders a BundleView to legacy Bundle Protocol v6 wire format
// (RFC 5050), for interoperability with v6 peers per spec.md §6. EID
// scheme/service-specific-part dictionaries are simplified to direct
// node/service SDNV pairs, since only the ipn scheme is in scope here —
// see DESIGN.md.
func EncodeV6(bv *BundleView) ([]byte, error) {
	out := []byte{6} // version

	var body []byte
	body = appendSDNV(body, bv.Primary.Flags)
	body = appendEID(body, bv.Primary.Destination)
	body = appendEID(body, bv.Primary.Source)
	body = appendEID(body, bv.Primary.ReportTo)
	body = appendSDNV(body, bv.Primary.CreationTimestamp)
	body = appendSDNV(body, bv.Primary.SequenceNumber)
	body = appendSDNV(body, bv.Primary.Lifetime)
	if bv.Primary.Flags&bpv6FragmentFlag != 0 {
		body = appendSDNV(body, bv.Primary.FragmentOffset)
		body = appendSDNV(body, bv.Primary.TotalADUBytes)
	}

	out = appendSDNV(out, uint64(len(body)))
	out = append(out, body...)

	for _, b := range bv.blocks {
		if b.MarkedForDeletion {
			continue
		}
		out = append(out, byte(b.Header.BlockType))
		out = appendSDNV(out, uint64(b.Header.ProcessingFlags))
		out = appendSDNV(out, uint64(len(b.Data)))
		out = append(out, b.Data...)
	}
	return out, nil
}

// RenderInPlaceV6 is EncodeV6 under the render-in-place name: the v6
// encoder always re-derives bytes from the logical view (there is no
// original-byte cache for v6, since the SDNV block-length prefix depends
// on every field preceding it and cannot be reused in place for an
// isolated field edit).
func RenderInPlaceV6(bv *BundleView) ([]byte, error) { return EncodeV6(bv) }

func appendEID(buf []byte, e EID) []byte {
	buf = appendSDNV(buf, e.NodeID)
	buf = appendSDNV(buf, e.ServiceID)
	return buf
}

func readEID(data []byte) (EID, int, error) {
	node, n1, err := readSDNV(data)
	if err != nil {
		return EID{}, 0, direrror.Wrap("decode eid node", err)
	}
	service, n2, err := readSDNV(data[n1:])
	if err != nil {
		return EID{}, 0, direrror.Wrap("decode eid service", err)
	}
	return EID{NodeID: node, ServiceID: service}, n1 + n2, nil
}

// DecodeV6 parses a legacy Bundle Protocol v6 bundle into a BundleView.
func DecodeV6(data []byte) (*BundleView, error) {
	if len(data) < 2 {
		return nil, direrror.Wrap("bundle too short", ErrMalformedBundle)
	}
	version := data[0]
	off := 1

	bodyLen, n, err := readSDNV(data[off:])
	if err != nil {
		return nil, direrror.Wrap("decode primary block length", err)
	}
	off += n
	bodyEnd := off + int(bodyLen)
	if bodyEnd > len(data) {
		return nil, direrror.Wrap("primary block length exceeds buffer", ErrMalformedBundle)
	}
	body := data[off:bodyEnd]
	off = bodyEnd

	var bp int
	flags, n, err := readSDNV(body[bp:])
	if err != nil {
		return nil, direrror.Wrap("decode primary flags", err)
	}
	bp += n

	dest, n, err := readEID(body[bp:])
	if err != nil {
		return nil, err
	}
	bp += n
	src, n, err := readEID(body[bp:])
	if err != nil {
		return nil, err
	}
	bp += n
	reportTo, n, err := readEID(body[bp:])
	if err != nil {
		return nil, err
	}
	bp += n

	creation, n, err := readSDNV(body[bp:])
	if err != nil {
		return nil, direrror.Wrap("decode creation timestamp", err)
	}
	bp += n
	seq, n, err := readSDNV(body[bp:])
	if err != nil {
		return nil, direrror.Wrap("decode sequence number", err)
	}
	bp += n
	lifetime, n, err := readSDNV(body[bp:])
	if err != nil {
		return nil, direrror.Wrap("decode lifetime", err)
	}
	bp += n

	var fragOffset, totalADU uint64
	hasFrag := flags&bpv6FragmentFlag != 0
	if hasFrag {
		fragOffset, n, err = readSDNV(body[bp:])
		if err != nil {
			return nil, direrror.Wrap("decode fragment offset", err)
		}
		bp += n
		totalADU, _, err = readSDNV(body[bp:])
		if err != nil {
			return nil, direrror.Wrap("decode total adu length", err)
		}
	}

	primary := PrimaryBlock{
		Version:           version,
		Flags:             flags,
		Destination:       dest,
		Source:            src,
		ReportTo:          reportTo,
		CreationTimestamp: creation,
		SequenceNumber:    seq,
		Lifetime:          lifetime,
		HasFragmentFields: hasFrag,
		FragmentOffset:    fragOffset,
		TotalADUBytes:     totalADU,
	}
	bv := NewBundleView(primary)

	var maxNum uint64
	num := uint64(1)
	for off < len(data) {
		if off+1 > len(data) {
			return nil, direrror.Wrap("truncated canonical block", ErrMalformedBundle)
		}
		blockType := BlockTypeCode(data[off])
		off++
		blockFlags, n, err := readSDNV(data[off:])
		if err != nil {
			return nil, direrror.Wrap("decode canonical block flags", err)
		}
		off += n
		dataLen, n, err := readSDNV(data[off:])
		if err != nil {
			return nil, direrror.Wrap("decode canonical block length", err)
		}
		off += n
		if off+int(dataLen) > len(data) {
			return nil, direrror.Wrap("canonical block data exceeds buffer", ErrMalformedBundle)
		}
		blockData := data[off : off+int(dataLen)]
		off += int(dataLen)

		v := &CanonicalBlockView{
			Header: CanonicalBlockHeader{
				BlockType:       blockType,
				BlockNumber:     num,
				ProcessingFlags: BlockProcessingFlags(blockFlags),
			},
			Data: blockData,
		}
		bv.blocks = append(bv.blocks, v)
		bv.byNumber[num] = v
		if num > maxNum {
			maxNum = num
		}
		num++
	}
	bv.nextNum = maxNum + 1
	return bv, nil
}
