package ipv4

import (
	"errors"

	"github.com/nilknarf/ustack"
)

const (
	// DefaultTTL is the hop limit ustack stamps on every outbound datagram.
	DefaultTTL = 64
	fragUnit   = 8 // fragment offsets are counted in 8-byte units
)

var (
	errMTUTooSmall = errors.New("ipv4: MTU too small to fit a single fragment")
	errNoRoute     = errors.New("ipv4: no transport for protocol")
)

// Counter is a monotonically increasing IPv4 identification counter; each
// [Stack] owns one. It is incremented exactly once per datagram handed to [Stack.Out]
// regardless of how many fragments it is split into, matching RFC 791's
// requirement that all fragments of one datagram share an ID.
type Counter struct {
	next uint16
}

// Next returns the next IPv4 ID and advances the counter, wrapping at 65535.
func (c *Counter) Next() uint16 {
	id := c.next
	c.next++
	return id
}

// Stack holds the local IPv4 configuration needed to emit and validate
// datagrams: address, TTL and a shared ID counter. It has no receive-side
// state of its own; incoming validation is a pure function of the frame.
type Stack struct {
	LocalAddr [4]byte
	TTL       uint8
	ids       Counter
}

// NewStack returns a Stack configured with localAddr and [DefaultTTL].
func NewStack(localAddr [4]byte) *Stack {
	return &Stack{LocalAddr: localAddr, TTL: DefaultTTL}
}

// FragmentSink receives one already-built, ready-to-transmit IPv4 fragment
// at a time; the caller (the net core) is expected to prepend an Ethernet
// header and hand the result to the driver, synchronously, before Out asks
// for the next fragment — see the Design Notes on scratch buffer reuse.
type FragmentSink func(fragment []byte) error

// Out fragments payload (a transport-layer payload: ICMP/UDP/TCP segment)
// addressed to dst, writing each fragment (IPv4 header at scratch[0],
// followed by its share of payload) into scratch, which must hold the
// 20-byte header plus the largest fragment payload, and calling sink once
// per fragment in order.
// mtu is the link MTU excluding the Ethernet header.
func (s *Stack) Out(scratch []byte, payload []byte, proto ustack.IPProto, dst [4]byte, mtu int, sink FragmentSink) error {
	maxPayload := (mtu - sizeHeader) &^ (fragUnit - 1) // round down to a multiple of 8
	if maxPayload <= 0 {
		return errMTUTooSmall
	}
	id := s.ids.Next()
	offset := 0
	for offset < len(payload) || (offset == 0 && len(payload) == 0) {
		n := len(payload) - offset
		more := false
		if n > maxPayload {
			n = maxPayload
			more = true
		}
		frame := scratch[:sizeHeader+n]
		ifrm, err := NewFrame(frame)
		if err != nil {
			return err
		}
		ifrm.ClearHeader()
		ifrm.SetVersionAndIHL(4, 5)
		ifrm.SetTotalLength(uint16(sizeHeader + n))
		ifrm.SetID(id)
		flags := Flags(offset / fragUnit)
		if more {
			flags |= 0x2000 // MF
		}
		ifrm.SetFlags(flags)
		ifrm.SetTTL(s.TTL)
		ifrm.SetProtocol(proto)
		*ifrm.SourceAddr() = s.LocalAddr
		*ifrm.DestinationAddr() = dst
		copy(ifrm.Payload(), payload[offset:offset+n])
		ifrm.SetCRC(0)
		ifrm.SetCRC(ifrm.CalculateHeaderCRC())

		if err := sink(frame); err != nil {
			return err
		}
		offset += n
		if len(payload) == 0 {
			break
		}
	}
	return nil
}

// In validates an inbound IPv4 frame (size, version, checksum) and returns
// the decoded frame. Reassembly of fragmented inbound datagrams is out of
// scope; a fragmented inbound datagram (MF set or nonzero fragment offset)
// is reported via the returned bool so the caller can drop it.
func (s *Stack) In(raw []byte, v *ustack.Validator) (ifrm Frame, fragmented bool, err error) {
	ifrm, err = NewFrame(raw)
	if err != nil {
		return Frame{}, false, err
	}
	ifrm.ValidateExceptCRC(v)
	if err := v.ErrPop(); err != nil {
		return Frame{}, false, err
	}
	wantCRC := ifrm.CRC()
	ifrm.SetCRC(0)
	gotCRC := ifrm.CalculateHeaderCRC()
	ifrm.SetCRC(wantCRC)
	if wantCRC != gotCRC {
		return Frame{}, false, ustack.ErrBadCRC
	}
	flags := ifrm.Flags()
	fragmented = flags.MoreFragments() || flags.FragmentOffset() != 0
	return ifrm, fragmented, nil
}
