// Package stack wires the Ethernet, ARP, IPv4, ICMP, UDP and TCP packages
// together into a single poll-driven host stack sitting on a [driver.Device],
// the net core described alongside the original's protocol handlers.
package stack

import (
	"context"
	"errors"
	"time"

	"github.com/nilknarf/ustack"
	"github.com/nilknarf/ustack/arp"
	"github.com/nilknarf/ustack/buf"
	"github.com/nilknarf/ustack/driver"
	"github.com/nilknarf/ustack/ethernet"
	"github.com/nilknarf/ustack/icmp"
	"github.com/nilknarf/ustack/internal"
	"github.com/nilknarf/ustack/internal/metrics"
	"github.com/nilknarf/ustack/ipv4"
	"github.com/nilknarf/ustack/tcp"
	"github.com/nilknarf/ustack/udp"
)

const (
	// ethHeaderLen is the headroom reserved at the front of the scratch
	// send buffer for the Ethernet header, so IPv4/ICMP/UDP/TCP builders
	// can write their own headers and payload directly in place.
	ethHeaderLen = 14
	scratchLen   = ethHeaderLen + buf.MaxLen
	arpReqLen    = 28 // IPv4-over-Ethernet ARP packet size
)

// Stack is a single-threaded, cooperatively-polled TCP/IP host stack: one
// receive buffer and two send buffers (txBuf for transport frames, fragBuf
// for IPv4 fragments), reused synchronously for every frame in and every
// frame (including recursively emitted replies) out, matching the
// concurrency model described in the design notes — no locks, because
// nothing here ever runs on more than one goroutine at a time.
type Stack struct {
	Device  driver.Device
	Log     internal.Logger
	Metrics *metrics.Collector

	arp *arp.Table
	ip  *ipv4.Stack
	udp *udp.Stack
	tcp *tcp.Stack

	rxBuf [buf.MaxLen]byte
	txBuf [scratchLen]byte
	// fragBuf is where sendIPv4 builds each outbound IPv4 fragment (and,
	// directly on top of it, the final Ethernet frame). It is kept disjoint
	// from txBuf, which holds the transport-layer (UDP/TCP/ICMP) frame that
	// ip.Out is fragmenting: ip.Out clears and writes fragBuf's header region
	// while still reading unconsumed payload bytes out of txBuf, so the two
	// must never alias the same memory.
	fragBuf [scratchLen]byte
}

// New builds a Stack bound to dev with localIP as its IPv4 address.
func New(dev driver.Device, localIP [4]byte) *Stack {
	s := &Stack{
		Device: dev,
		arp:    arp.NewTable(dev.HardwareAddr(), localIP),
		ip:     ipv4.NewStack(localIP),
	}
	s.udp = udp.NewStack(s.sendPortUnreachable)
	s.tcp = tcp.NewStack(localIP, s.sendTCPSegment)
	return s
}

// WithMetrics wires a Prometheus collector into the stack: frame, ARP,
// fragment and ICMP counters are incremented as the net core handles
// traffic, and TCP state transitions are reported by the embedded
// [tcp.Stack]. Returns s for chaining.
func (s *Stack) WithMetrics(m *metrics.Collector) *Stack {
	s.Metrics = m
	s.tcp.Metrics = m
	return s
}

// ListenUDP registers handler for datagrams addressed to port.
func (s *Stack) ListenUDP(port uint16, handler udp.Handler) error { return s.udp.Open(port, handler) }

// CloseUDP unregisters the handler on port.
func (s *Stack) CloseUDP(port uint16) { s.udp.Close(port) }

// ListenTCP registers handler for connections addressed to port.
func (s *Stack) ListenTCP(port uint16, handler tcp.Handler) error { return s.tcp.Listen(port, handler) }

// CloseTCP releases every connection on port and unregisters its handler.
func (s *Stack) CloseTCP(port uint16) { s.tcp.Close(port) }

// WriteTCP queues data for transmission on conn; see [tcp.Stack.Write].
func (s *Stack) WriteTCP(conn *tcp.Conn, data []byte) (int, error) {
	return s.tcp.Write(s.txBuf[ethHeaderLen:], conn, data)
}

// CloseTCPConn initiates an application-driven close of conn.
func (s *Stack) CloseTCPConn(conn *tcp.Conn) error {
	return s.tcp.CloseConn(s.txBuf[ethHeaderLen:], conn)
}

// SendUDP builds and transmits a UDP datagram.
func (s *Stack) SendUDP(payload []byte, srcPort uint16, dstIP [4]byte, dstPort uint16) error {
	var pseudo [20]byte
	pifrm, err := ipv4.NewFrame(pseudo[:])
	if err != nil {
		return err
	}
	pifrm.ClearHeader()
	pifrm.SetVersionAndIHL(4, 5)
	*pifrm.SourceAddr() = s.ip.LocalAddr
	*pifrm.DestinationAddr() = dstIP
	pifrm.SetProtocol(ustack.IPProtoUDP)

	ufrm, err := s.udp.Out(s.txBuf[ethHeaderLen:], payload, srcPort, dstPort, pifrm)
	if err != nil {
		return err
	}
	return s.sendIPv4(ufrm.RawData(), ustack.IPProtoUDP, dstIP)
}

// Poll performs one non-blocking iteration: receive at most one frame and
// process it fully (including any synchronous replies) before returning.
// It returns nil if no frame was available.
func (s *Stack) Poll() error {
	n, err := s.Device.Recv(s.rxBuf[:])
	if err != nil {
		if errors.Is(err, driver.ErrWouldBlock) {
			return nil
		}
		return err
	}
	if n == 0 {
		return nil
	}
	s.Metrics.IncFramesReceived()
	return s.handleEthernet(s.rxBuf[:n])
}

// Run calls Poll in a loop until ctx is canceled, yielding briefly between
// empty polls so the loop does not spin a CPU core at 100%.
func (s *Stack) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.Poll(); err != nil {
			s.Log.Warn("poll error", "err", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Stack) handleEthernet(raw []byte) error {
	v := ustack.NewValidator()
	efrm, err := ethernet.NewFrame(raw)
	if err != nil {
		return err
	}
	efrm.ValidateSize(v)
	if err := v.ErrPop(); err != nil {
		return err
	}
	if *efrm.DestinationHardwareAddr() != s.Device.HardwareAddr() && !efrm.IsBroadcast() {
		s.Log.Trace("dropping frame addressed to another host")
		return nil
	}

	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		return s.handleARP(efrm)
	case ethernet.TypeIPv4:
		return s.handleIPv4(efrm, v)
	default:
		s.Log.Trace("dropping unsupported ethertype", "ethertype", efrm.EtherTypeOrSize())
		return nil
	}
}

func (s *Stack) handleARP(efrm ethernet.Frame) error {
	afrm, err := arp.NewFrame(efrm.Payload())
	if err != nil {
		return err
	}
	reply, drained, hasDrained := s.arp.In(afrm)
	if hasDrained {
		if err := s.sendQueued(&drained); err != nil {
			s.Log.Warn("failed to resend ARP-queued packet", "err", err)
		}
	}
	if !reply {
		return nil
	}
	requester := *efrm.SourceHardwareAddr()
	*efrm.DestinationHardwareAddr() = requester
	*efrm.SourceHardwareAddr() = s.Device.HardwareAddr()
	s.Metrics.IncARPRepliesSent()
	s.Metrics.IncFramesSent()
	return s.Device.Send(efrm.RawData())
}

// sendQueued resends a packet that was held in the ARP pending queue,
// now that the destination's MAC has resolved.
func (s *Stack) sendQueued(pkt *buf.Buffer) error {
	ifrm, err := ipv4.NewFrame(pkt.Data())
	if err != nil {
		return err
	}
	mac, ok := s.arp.Resolve(*ifrm.DestinationAddr())
	if !ok {
		return errors.New("stack: ARP-queued packet resolved with no MAC")
	}
	return s.sendEthernet(pkt.Data(), mac, ethernet.TypeIPv4)
}

func (s *Stack) handleIPv4(efrm ethernet.Frame, v *ustack.Validator) error {
	ifrm, fragmented, err := s.ip.In(efrm.Payload(), v)
	if err != nil {
		return err
	}
	if fragmented {
		s.Log.Trace("dropping fragmented datagram, reassembly unsupported", "id", ifrm.ID())
		return nil
	}

	switch ifrm.Protocol() {
	case ustack.IPProtoICMP:
		return s.handleICMP(ifrm)
	case ustack.IPProtoUDP:
		if err := s.udp.In(ifrm); err != nil && !errors.Is(err, udp.ErrNoListener) {
			return err
		}
		return nil
	case ustack.IPProtoTCP:
		if err := s.tcp.In(s.txBuf[ethHeaderLen:], ifrm); err != nil && !errors.Is(err, tcp.ErrNoListener) {
			return err
		}
		return nil
	default:
		return s.sendProtoUnreachable(ifrm)
	}
}

func (s *Stack) handleICMP(ifrm ipv4.Frame) error {
	mfrm, err := icmp.NewFrame(ifrm.Payload())
	if err != nil {
		return err
	}
	if !icmp.BuildEchoReply(mfrm) {
		return nil
	}
	s.Metrics.IncICMPEchoRepliesSent()
	return s.sendIPv4(mfrm.RawData(), ustack.IPProtoICMP, *ifrm.SourceAddr())
}

func (s *Stack) sendProtoUnreachable(ifrm ipv4.Frame) error {
	mfrm, err := icmp.BuildDestinationUnreachable(s.txBuf[ethHeaderLen:], icmp.CodeProtoUnreachable, ifrm.RawData())
	if err != nil {
		return err
	}
	s.Metrics.IncICMPUnreachableSent("proto_unreachable")
	return s.sendIPv4(mfrm.RawData(), ustack.IPProtoICMP, *ifrm.SourceAddr())
}

func (s *Stack) sendPortUnreachable(origDatagram []byte, origSrcIP [4]byte) {
	mfrm, err := icmp.BuildDestinationUnreachable(s.txBuf[ethHeaderLen:], icmp.CodePortUnreachable, origDatagram)
	if err != nil {
		s.Log.Warn("failed to build port unreachable", "err", err)
		return
	}
	s.Metrics.IncICMPUnreachableSent("port_unreachable")
	if err := s.sendIPv4(mfrm.RawData(), ustack.IPProtoICMP, origSrcIP); err != nil {
		s.Log.Warn("failed to send port unreachable", "err", err)
	}
}

func (s *Stack) sendTCPSegment(segment []byte, dstIP [4]byte) error {
	return s.sendIPv4(segment, ustack.IPProtoTCP, dstIP)
}

func (s *Stack) sendIPv4(payload []byte, proto ustack.IPProto, dstIP [4]byte) error {
	return s.ip.Out(s.fragBuf[ethHeaderLen:], payload, proto, dstIP, s.Device.MTU(), func(fragment []byte) error {
		return s.deliverIPv4Fragment(fragment, dstIP)
	})
}

func (s *Stack) deliverIPv4Fragment(fragment []byte, dstIP [4]byte) error {
	s.Metrics.IncIPFragmentsSent()
	mac, ok := s.arp.Resolve(dstIP)
	if !ok {
		var pkt buf.Buffer
		if err := pkt.Init(fragment, ethHeaderLen); err != nil {
			return err
		}
		if s.arp.Out(dstIP, pkt) {
			return s.sendARPRequest(dstIP)
		}
		return nil
	}
	return s.sendFragment(fragment, mac)
}

// sendFragment prepends an Ethernet header directly in front of fragment,
// which is always a view into s.fragBuf[ethHeaderLen:] left by ip.Out, and
// transmits the result without copying. Unlike sendEthernet, it never
// touches txBuf, so it is safe to call from inside an in-progress multi-
// fragment send still reading unconsumed payload out of txBuf.
func (s *Stack) sendFragment(fragment []byte, dstMAC [6]byte) error {
	total := ethHeaderLen + len(fragment)
	efrm, err := ethernet.NewFrame(s.fragBuf[:total])
	if err != nil {
		return err
	}
	efrm.ClearHeader()
	*efrm.DestinationHardwareAddr() = dstMAC
	*efrm.SourceHardwareAddr() = s.Device.HardwareAddr()
	efrm.SetEtherType(ethernet.TypeIPv4)
	s.Metrics.IncFramesSent()
	return s.Device.Send(efrm.RawData())
}

func (s *Stack) sendARPRequest(dstIP [4]byte) error {
	afrm, err := s.arp.Req(s.txBuf[ethHeaderLen:ethHeaderLen+arpReqLen], dstIP)
	if err != nil {
		return err
	}
	s.Metrics.IncARPRequestsSent()
	return s.sendEthernet(afrm.RawData(), ethernet.BroadcastAddr(), ethernet.TypeARP)
}

// sendEthernet copies payload into txBuf's body region, fills in the
// Ethernet header ahead of it and transmits the whole frame. Its only
// remaining callers are the ARP paths (request and queued-packet resend);
// the IPv4-fragment send path uses [Stack.sendFragment] instead, since
// copying into txBuf here would overwrite the transport frame an
// in-progress multi-fragment send is still reading out of it.
func (s *Stack) sendEthernet(payload []byte, dstMAC [6]byte, etype ethernet.Type) error {
	n := copy(s.txBuf[ethHeaderLen:], payload)
	total := ethHeaderLen + n
	efrm, err := ethernet.NewFrame(s.txBuf[:total])
	if err != nil {
		return err
	}
	efrm.ClearHeader()
	*efrm.DestinationHardwareAddr() = dstMAC
	*efrm.SourceHardwareAddr() = s.Device.HardwareAddr()
	efrm.SetEtherType(etype)
	s.Metrics.IncFramesSent()
	return s.Device.Send(efrm.RawData())
}
