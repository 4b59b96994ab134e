// Package icmp implements the small slice of ICMPv4 ustack needs: Echo
// Request/Reply and Destination Unreachable, grounded on the teacher's
// ipv4/icmpv4 frame definitions, trimmed to what a minimal stack answers
// with.
package icmp

import (
	"encoding/binary"
	"errors"

	"github.com/nilknarf/ustack"
)

const sizeHeader = 8

var errShortFrame = errors.New("icmp: short frame")

// Type is the ICMP message type field.
type Type uint8

const (
	TypeEchoReply              Type = 0
	TypeEcho                   Type = 8
	TypeDestinationUnreachable Type = 3
)

// CodeDestinationUnreachable enumerates Destination Unreachable codes. Of
// these, ustack generates only protocol unreachable (no handler registered
// for the IP protocol) and port unreachable (no listener on a UDP port).
type CodeDestinationUnreachable uint8

const (
	CodeNetUnreachable   CodeDestinationUnreachable = 0
	CodeHostUnreachable  CodeDestinationUnreachable = 1
	CodeProtoUnreachable CodeDestinationUnreachable = 2
	CodePortUnreachable  CodeDestinationUnreachable = 3
)

// NewFrame wraps buf as an ICMP message, requiring at least an 8-byte header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates an ICMPv4 message. See RFC 792.
type Frame struct {
	buf []byte
}

func (frm Frame) RawData() []byte { return frm.buf }

func (frm Frame) Type() Type { return Type(frm.buf[0]) }

func (frm Frame) SetType(t Type) { frm.buf[0] = uint8(t) }

func (frm Frame) Code() uint8 { return frm.buf[1] }

func (frm Frame) SetCode(code uint8) { frm.buf[1] = code }

func (frm Frame) CRC() uint16 { return binary.BigEndian.Uint16(frm.buf[2:4]) }

func (frm Frame) SetCRC(crc uint16) { binary.BigEndian.PutUint16(frm.buf[2:4], crc) }

// RestOfHeader returns the 4 bytes following the checksum, whose meaning
// depends on Type: identifier+sequence for Echo, unused for Unreachable.
func (frm Frame) RestOfHeader() []byte { return frm.buf[4:8] }

func (frm Frame) Identifier() uint16 { return binary.BigEndian.Uint16(frm.buf[4:6]) }

func (frm Frame) SetIdentifier(id uint16) { binary.BigEndian.PutUint16(frm.buf[4:6], id) }

func (frm Frame) SequenceNumber() uint16 { return binary.BigEndian.Uint16(frm.buf[6:8]) }

func (frm Frame) SetSequenceNumber(seq uint16) { binary.BigEndian.PutUint16(frm.buf[6:8], seq) }

// Payload returns the data following the 8-byte ICMP header: the echoed
// data for Echo/Echo Reply, or the offending IP datagram's header plus its
// first 8 payload bytes for Destination Unreachable.
func (frm Frame) Payload() []byte { return frm.buf[sizeHeader:] }

// ValidateSize checks buf is at least large enough to hold the fixed ICMP header.
func (frm Frame) ValidateSize(v *ustack.Validator) {
	if len(frm.buf) < sizeHeader {
		v.AddError(errShortFrame)
	}
}

// WriteCRC computes and sets the ICMP checksum over the whole message
// (header with checksum field treated as zero, plus payload), per RFC 792.
func (frm Frame) WriteCRC() {
	frm.SetCRC(0)
	var crc ustack.CRC791
	crc.Write(frm.buf)
	frm.SetCRC(crc.Sum16())
}

// BuildEchoReply turns an Echo Request frame into an Echo Reply in place,
// preserving identifier, sequence number and payload, and recomputes the
// checksum. It is a no-op (returns false) if req is not an Echo Request.
func BuildEchoReply(req Frame) bool {
	if req.Type() != TypeEcho {
		return false
	}
	req.SetType(TypeEchoReply)
	req.SetCode(0)
	req.WriteCRC()
	return true
}

// BuildDestinationUnreachable writes a Destination Unreachable message into
// dst, embedding the IP header plus the first 8 payload bytes of the
// offending datagram origDatagram, per RFC 792 (or as much of that as fits).
func BuildDestinationUnreachable(dst []byte, code CodeDestinationUnreachable, origDatagram []byte) (Frame, error) {
	n := len(origDatagram)
	if n > 0 {
		if limit := int(origDatagram[0]&0xf)*4 + 8; n > limit {
			n = limit
		}
	}
	if n > len(dst)-sizeHeader {
		n = len(dst) - sizeHeader
	}
	frm, err := NewFrame(dst[:sizeHeader+n])
	if err != nil {
		return Frame{}, err
	}
	frm.SetType(TypeDestinationUnreachable)
	frm.SetCode(uint8(code))
	binary.BigEndian.PutUint32(frm.RestOfHeader(), 0)
	copy(frm.Payload(), origDatagram[:n])
	frm.WriteCRC()
	return frm, nil
}
