package udp

import (
	"errors"

	"github.com/nilknarf/ustack"
	"github.com/nilknarf/ustack/icmp"
	"github.com/nilknarf/ustack/ipv4"
)

const maxListeners = 16

var (
	errShortFrame  = errors.New("udp: frame shorter than header")
	errLengthField = errors.New("udp: length field exceeds buffer")
	errBadChecksum = errors.New("udp: checksum mismatch")
	errZeroPort    = errors.New("udp: port must be non-zero")
)

// ErrNoListener is returned by In when no handler is registered on the
// datagram's destination port. In has already triggered the
// unreachable callback (if any) before returning it, so it exists to let
// the net core distinguish "delivered" from "dropped, no listener"
// without treating the latter as a real fault.
var ErrNoListener = errors.New("udp: no listener on destination port")

// Handler processes a UDP payload received on a registered port. srcIP and
// srcPort identify the sender so a response can be sent back.
type Handler func(payload []byte, srcIP [4]byte, srcPort uint16)

// Stack demultiplexes inbound UDP datagrams to registered port handlers and
// builds outbound datagrams. Unlike the ARP/IPv4 resolution tables, the port
// table never expires entries — a listening port stays open until Close is
// called — so it is backed by a plain map rather than [timedmap.Map].
type Stack struct {
	listeners map[uint16]Handler
	// unreachable receives the raw offending datagram (its IP header plus
	// payload) and the address that sent it, whenever In finds no listener
	// for the destination port, so the caller can emit ICMP Port
	// Unreachable back to the sender.
	unreachable func(origDatagram []byte, origSrcIP [4]byte)
}

// NewStack returns an empty Stack. unreachable may be nil, in which case
// datagrams with no listener are silently dropped.
func NewStack(unreachable func(origDatagram []byte, origSrcIP [4]byte)) *Stack {
	return &Stack{
		listeners:   make(map[uint16]Handler, maxListeners),
		unreachable: unreachable,
	}
}

// Open registers handler to receive datagrams addressed to port, replacing
// any previous handler on that port.
func (s *Stack) Open(port uint16, handler Handler) error {
	if port == 0 {
		return errZeroPort
	}
	s.listeners[port] = handler
	return nil
}

// Close unregisters the handler on port, if any.
func (s *Stack) Close(port uint16) {
	delete(s.listeners, port)
}

// In validates and demultiplexes an inbound UDP datagram. ifrm is the
// already-validated IPv4 frame carrying it (used to recompute the pseudo-
// header checksum and, on an unreachable port, to build the ICMP reply).
func (s *Stack) In(ifrm ipv4.Frame) error {
	raw := ifrm.Payload()
	if len(raw) < sizeHeader {
		return errShortFrame
	}
	ufrm, err := NewFrame(raw)
	if err != nil {
		return err
	}
	if int(ufrm.Length()) > len(raw) {
		return errLengthField
	}
	if ufrm.Length() < sizeHeader {
		return errShortFrame
	}
	if ufrm.CRC() != 0 {
		want := ufrm.CalculateIPv4Checksum(ifrm)
		if want != 0 {
			return errBadChecksum
		}
	}

	handler, ok := s.listeners[ufrm.DestinationPort()]
	if !ok {
		if s.unreachable != nil {
			s.unreachable(ifrm.RawData(), *ifrm.SourceAddr())
		}
		return ErrNoListener
	}
	handler(ufrm.Payload(), *ifrm.SourceAddr(), ufrm.SourcePort())
	return nil
}

// Out builds a UDP datagram carrying payload into scratch (which must start
// at least sizeHeader bytes before where ifrm's payload will begin) and
// returns the encoded frame ready to be handed to [ipv4.Stack.Out]. scratch
// must be at least len(payload)+sizeHeader bytes.
func (s *Stack) Out(scratch []byte, payload []byte, srcPort, dstPort uint16, ifrm ipv4.Frame) (Frame, error) {
	buf := scratch[:sizeHeader+len(payload)]
	ufrm, err := NewFrame(buf)
	if err != nil {
		return Frame{}, err
	}
	ufrm.ClearHeader()
	ufrm.SetSourcePort(srcPort)
	ufrm.SetDestinationPort(dstPort)
	ufrm.SetLength(uint16(len(buf)))
	copy(ufrm.Payload(), payload)
	ufrm.SetCRC(0)
	crc := ustack.NeverZeroChecksum(ufrm.CalculateIPv4Checksum(ifrm))
	ufrm.SetCRC(crc)
	return ufrm, nil
}

// BuildPortUnreachable constructs an ICMP Destination Unreachable (Port
// Unreachable) message for origDatagram, the offending inbound IPv4
// datagram that had no listener.
func BuildPortUnreachable(dst []byte, origDatagram []byte) (icmp.Frame, error) {
	return icmp.BuildDestinationUnreachable(dst, icmp.CodePortUnreachable, origDatagram)
}
