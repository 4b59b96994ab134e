package tcp

import (
	"errors"
	"time"

	"github.com/nilknarf/ustack"
	"github.com/nilknarf/ustack/buf"
	"github.com/nilknarf/ustack/internal"
	"github.com/nilknarf/ustack/ipv4"
	"github.com/nilknarf/ustack/timedmap"
)

const (
	connTableCapacity = 32
	// connTTL bounds how long a connection record survives with no traffic
	// at all, including half-open LISTEN records left by a never-completed
	// handshake. There is no retransmission timer (see the design notes on
	// the cooperative poll loop), so this is the only mechanism that
	// reclaims a connection whose peer silently vanished.
	connTTL = 2 * time.Minute
)

var (
	errBadChecksum = errors.New("tcp: checksum mismatch")
	errZeroPort    = errors.New("tcp: port must be non-zero")
	errWindowFull  = errors.New("tcp: remote window full")
)

// ErrNoListener is returned by In when no handler is registered on the
// segment's destination port. The net core treats this as a silent drop
// rather than a fault.
var ErrNoListener = errors.New("tcp: no listener on destination port")

// Handler is invoked on connection lifecycle events. data is only non-nil
// for [EventDataRecv], holding the just-received segment payload (already
// appended to the connection's receive buffer; Read drains it).
type Handler func(conn *Conn, event Event, data []byte)

// Transmit hands a fully built, checksummed TCP segment to the IP layer for
// delivery to dstIP. The net core wires this to [ipv4.Stack.Out] followed
// by the driver send.
type Transmit func(segment []byte, dstIP [4]byte) error

type connKey struct {
	RemoteIP   [4]byte
	RemotePort uint16
	LocalPort  uint16
}

// Conn is one TCP connection record: a (remote IP, remote port, local port)
// triple, its state-machine position and its send/receive buffers.
type Conn struct {
	State      State
	LocalPort  uint16
	RemotePort uint16
	RemoteIP   [4]byte

	unackSeq  uint32
	nextSeq   uint32
	ack       uint32
	remoteWin uint16
	rxBuf     buf.Buffer
	txBuf     buf.Buffer
}

func (conn *Conn) key() connKey {
	return connKey{RemoteIP: conn.RemoteIP, RemotePort: conn.RemotePort, LocalPort: conn.LocalPort}
}

// transition moves conn to state and reports it via s.Metrics, if set.
func (s *Stack) transition(conn *Conn, state State) {
	conn.State = state
	if s.Metrics != nil {
		s.Metrics.IncTCPStateTransition(state.String())
	}
}

func (conn *Conn) localWindow() uint16 {
	tr := conn.rxBuf.TailRoom()
	if tr > 0xffff {
		tr = 0xffff
	}
	return uint16(tr)
}

// Read copies up to len(p) bytes from the head of the connection's receive
// buffer into p, consuming them, and returns the number of bytes copied.
func (conn *Conn) Read(p []byte) int {
	n := copy(p, conn.rxBuf.Data())
	conn.rxBuf.Discard(n)
	return n
}

// Metrics receives a notification every time a connection's state machine
// transitions, keyed by the resulting [State]'s string form. It is the
// narrow interface the net core's Prometheus collector satisfies, kept here
// rather than importing the metrics package so this package stays free of
// any dependency on how (or whether) the caller reports statistics.
type Metrics interface {
	IncTCPStateTransition(state string)
}

// Stack is the TCP connection layer: a port-handler registry and a
// connection table keyed by remote endpoint, dispatching inbound segments
// through the simplified 6-state machine described in the design notes.
type Stack struct {
	LocalAddr [4]byte
	Metrics   Metrics

	listeners map[uint16]Handler
	conns     *timedmap.Map[connKey, *Conn]
	isnSeed   uint32
	transmit  Transmit
}

// NewStack returns a Stack for localAddr. transmit delivers outbound
// segments; it may be nil for tests that only exercise state transitions.
func NewStack(localAddr [4]byte, transmit Transmit) *Stack {
	return &Stack{
		LocalAddr: localAddr,
		listeners: make(map[uint16]Handler),
		conns:     timedmap.New[connKey, *Conn](connTableCapacity, connTTL),
		isnSeed:   internal.Prand32(uint32(localAddr[0])<<24 | uint32(localAddr[3])<<8 | 0x9e37),
		transmit:  transmit,
	}
}

// Listen registers handler to be invoked for connections arriving on port.
func (s *Stack) Listen(port uint16, handler Handler) error {
	if port == 0 {
		return errZeroPort
	}
	s.listeners[port] = handler
	return nil
}

// Close releases every connection whose local port matches port and
// unregisters its handler, per tcp_close in the original design.
func (s *Stack) Close(port uint16) {
	delete(s.listeners, port)
	var dead []connKey
	s.conns.Foreach(func(key connKey, conn *Conn) {
		if key.LocalPort == port {
			dead = append(dead, key)
		}
	})
	for _, key := range dead {
		s.conns.Delete(key)
	}
}

// CloseConn initiates an application close on conn: if ESTABLISHED, flushes
// any pending send buffer with a FIN|ACK and moves to FIN_WAIT_1; otherwise
// releases the connection immediately.
func (s *Stack) CloseConn(scratch []byte, conn *Conn) error {
	if conn.State == StateEstablished {
		s.transition(conn, StateFinWait1)
		return s.send(scratch, conn, FlagFIN|FlagACK, conn.txBuf.Data())
	}
	s.conns.Delete(conn.key())
	return nil
}

// Write queues data for transmission on conn, subject to the remote
// window. If the queued data plus data would not fit the remote window, it
// queues nothing and returns 0 with an error. If the send buffer has no
// room for data, it flushes whatever is already queued with an ACK and
// returns 0 with no error.
func (s *Stack) Write(scratch []byte, conn *Conn, data []byte) (int, error) {
	if uint32(conn.txBuf.Len()+len(data)) >= uint32(conn.remoteWin) {
		return 0, errWindowFull
	}
	if err := conn.txBuf.Append(data); err != nil {
		s.send(scratch, conn, FlagACK, conn.txBuf.Data())
		return 0, nil
	}
	conn.nextSeq += uint32(len(data))
	return len(data), nil
}

// send builds and transmits one segment for conn. payload must already be
// the live contents of conn's tx buffer (or a control-only nil); its
// sequence number is conn.nextSeq - len(payload), matching the original's
// "data already appended is labeled starting at next_seq minus its length".
func (s *Stack) send(scratch []byte, conn *Conn, flags Flags, payload []byte) error {
	seg := scratch[:sizeHeader+len(payload)]
	tfrm, err := NewFrame(seg)
	if err != nil {
		return err
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(conn.LocalPort)
	tfrm.SetDestinationPort(conn.RemotePort)
	tfrm.SetSeq(conn.nextSeq - uint32(len(payload)))
	tfrm.SetAck(conn.ack)
	tfrm.SetDataOffset(5)
	tfrm.SetFlags(flags)
	tfrm.SetWindow(conn.localWindow())
	copy(tfrm.Payload(), payload)

	var hdr [20]byte
	ifrm, err := ipv4.NewFrame(hdr[:])
	if err != nil {
		return err
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + len(seg)))
	ifrm.SetProtocol(ustack.IPProtoTCP)
	*ifrm.SourceAddr() = s.LocalAddr
	*ifrm.DestinationAddr() = conn.RemoteIP
	tfrm.SetCRC(0)
	tfrm.SetCRC(tfrm.CalculateIPv4Checksum(ifrm))

	if flags.Has(FlagSYN) || flags.Has(FlagFIN) {
		conn.nextSeq++
	}
	if s.transmit == nil {
		return nil
	}
	return s.transmit(seg, conn.RemoteIP)
}

// sendReset emits an RST|ACK with the given seq/ack without disturbing
// conn's own tracking fields, used both for the LISTEN "unexpected segment"
// reply and the out-of-order reply that keeps the connection alive.
func (s *Stack) sendReset(scratch []byte, conn *Conn, seq, ack uint32) error {
	savedSeq, savedAck := conn.nextSeq, conn.ack
	conn.nextSeq, conn.ack = seq, ack
	err := s.send(scratch, conn, FlagRST|FlagACK, nil)
	conn.nextSeq, conn.ack = savedSeq, savedAck
	return err
}

// In processes one inbound TCP segment carried by ifrm, dispatching through
// the connection state machine and emitting any reply segments through
// scratch via the [Transmit] function given to [NewStack].
func (s *Stack) In(scratch []byte, ifrm ipv4.Frame) error {
	raw := ifrm.Payload()
	if len(raw) < sizeHeader {
		return errShortFrame
	}
	tfrm, err := NewFrame(raw)
	if err != nil {
		return err
	}
	var v ustack.Validator
	tfrm.ValidateSize(&v)
	if err := v.Err(); err != nil {
		return err
	}
	if tfrm.CalculateIPv4Checksum(ifrm) != 0 {
		return errBadChecksum
	}

	dstPort := tfrm.DestinationPort()
	handler, ok := s.listeners[dstPort]
	if !ok {
		return ErrNoListener
	}

	srcIP := *ifrm.SourceAddr()
	srcPort := tfrm.SourcePort()
	key := connKey{RemoteIP: srcIP, RemotePort: srcPort, LocalPort: dstPort}

	conn, ok := s.conns.Get(key)
	if !ok {
		conn = &Conn{State: StateListen, LocalPort: dstPort, RemotePort: srcPort, RemoteIP: srcIP}
	}
	// Setting on every segment restarts the record's connTTL idle timer.
	s.conns.Set(key, conn)

	flags := tfrm.Flags()
	payload := tfrm.Payload()

	if conn.State == StateListen {
		if flags.Has(FlagRST) {
			s.conns.Delete(key)
			return nil
		}
		if !flags.Has(FlagSYN) {
			return s.sendReset(scratch, conn, 0, tfrm.Seq()+1)
		}
		conn.rxBuf.Reset(0)
		conn.txBuf.Reset(0)
		isn := internal.Prand32(s.isnSeed ^ uint32(srcPort)<<16 ^ tfrm.Seq())
		s.isnSeed = isn
		conn.unackSeq = isn
		conn.nextSeq = isn
		conn.ack = tfrm.Seq() + 1
		conn.remoteWin = tfrm.Window()
		s.transition(conn, StateSynRcvd)
		return s.send(scratch, conn, FlagSYN|FlagACK, nil)
	}

	if tfrm.Seq() != conn.ack {
		// Out of order: reply with a reset-ack and drop the segment rather
		// than attempt reassembly the state machine doesn't support.
		return s.sendReset(scratch, conn, 0, tfrm.Seq()+1)
	}

	if flags.Has(FlagRST) {
		s.conns.Delete(key)
		return nil
	}

	switch conn.State {
	case StateSynRcvd:
		if !flags.Has(FlagACK) {
			return nil
		}
		conn.unackSeq++
		s.transition(conn, StateEstablished)
		handler(conn, EventConnected, nil)

	case StateEstablished:
		if flags.Has(FlagACK) && tfrm.Ack() > conn.unackSeq && tfrm.Ack() <= conn.nextSeq {
			acked := int(tfrm.Ack() - conn.unackSeq)
			conn.txBuf.Discard(acked)
			conn.unackSeq = tfrm.Ack()
		}
		conn.remoteWin = tfrm.Window()
		if len(payload) > 0 {
			conn.rxBuf.Append(payload)
			conn.ack += uint32(len(payload))
		}
		if flags.Has(FlagFIN) {
			conn.ack++
			s.transition(conn, StateLastAck)
			return s.send(scratch, conn, FlagFIN|FlagACK, conn.txBuf.Data())
		}
		if len(payload) > 0 {
			handler(conn, EventDataRecv, payload)
			return s.send(scratch, conn, FlagACK, conn.txBuf.Data())
		}

	case StateFinWait1:
		if flags.Has(FlagFIN) && flags.Has(FlagACK) {
			s.conns.Delete(key)
		} else if flags.Has(FlagACK) {
			s.transition(conn, StateFinWait2)
		}

	case StateFinWait2:
		if flags.Has(FlagFIN) {
			conn.ack++
			if err := s.send(scratch, conn, FlagACK, nil); err != nil {
				return err
			}
			s.conns.Delete(key)
		}

	case StateLastAck:
		if flags.Has(FlagACK) {
			handler(conn, EventClosed, nil)
			s.conns.Delete(key)
		}
	}
	return nil
}
