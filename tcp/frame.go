package tcp

import (
	"encoding/binary"
	"errors"

	"github.com/nilknarf/ustack"
	"github.com/nilknarf/ustack/ipv4"
)

var (
	errShortFrame = errors.New("tcp: frame shorter than header")
	errBadOffset  = errors.New("tcp: data offset smaller than header")
)

// NewFrame wraps buf as a TCP segment. buf must be at least 20 bytes; the
// fixed header only, options are not supported (DataOffset is always 5).
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a TCP segment. See RFC 793.
type Frame struct {
	buf []byte
}

func (tfrm Frame) RawData() []byte { return tfrm.buf }

func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }

func (tfrm Frame) SetSourcePort(p uint16) { binary.BigEndian.PutUint16(tfrm.buf[0:2], p) }

func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }

func (tfrm Frame) SetDestinationPort(p uint16) { binary.BigEndian.PutUint16(tfrm.buf[2:4], p) }

func (tfrm Frame) Seq() uint32 { return binary.BigEndian.Uint32(tfrm.buf[4:8]) }

func (tfrm Frame) SetSeq(seq uint32) { binary.BigEndian.PutUint32(tfrm.buf[4:8], seq) }

func (tfrm Frame) Ack() uint32 { return binary.BigEndian.Uint32(tfrm.buf[8:12]) }

func (tfrm Frame) SetAck(ack uint32) { binary.BigEndian.PutUint32(tfrm.buf[8:12], ack) }

// DataOffset returns the header length in 32-bit words (always 5 for a
// header with no options).
func (tfrm Frame) DataOffset() uint8 { return tfrm.buf[12] >> 4 }

func (tfrm Frame) SetDataOffset(words uint8) { tfrm.buf[12] = words << 4 }

func (tfrm Frame) Flags() Flags { return Flags(tfrm.buf[13]) }

func (tfrm Frame) SetFlags(f Flags) { tfrm.buf[13] = uint8(f) }

func (tfrm Frame) Window() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }

func (tfrm Frame) SetWindow(w uint16) { binary.BigEndian.PutUint16(tfrm.buf[14:16], w) }

func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }

func (tfrm Frame) SetCRC(crc uint16) { binary.BigEndian.PutUint16(tfrm.buf[16:18], crc) }

func (tfrm Frame) UrgentPointer() uint16 { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }

func (tfrm Frame) SetUrgentPointer(p uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], p) }

// Payload returns the segment data following the fixed 20-byte header.
func (tfrm Frame) Payload() []byte { return tfrm.buf[int(tfrm.DataOffset())*4:] }

// ClearHeader zeros out the fixed header contents.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeader] {
		tfrm.buf[i] = 0
	}
}

// ValidateSize checks the frame has at least the fixed header and that
// DataOffset does not claim a header longer than the buffer holds (ustack
// never emits or accepts TCP options, but must not panic on an attacker's
// oversized offset).
func (tfrm Frame) ValidateSize(v *ustack.Validator) {
	if len(tfrm.buf) < sizeHeader {
		v.AddError(errShortFrame)
		return
	}
	if int(tfrm.DataOffset())*4 < sizeHeader || int(tfrm.DataOffset())*4 > len(tfrm.buf) {
		v.AddError(errBadOffset)
	}
}

// CalculateIPv4Checksum computes the TCP checksum over the IPv4 pseudo-header
// (from ifrm) plus the TCP header and payload, per RFC 793.
func (tfrm Frame) CalculateIPv4Checksum(ifrm ipv4.Frame) uint16 {
	var crc ustack.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	crc.Write(tfrm.buf)
	return crc.Sum16()
}
