package tcp_test

import (
	"testing"

	"github.com/nilknarf/ustack"
	"github.com/nilknarf/ustack/ipv4"
	"github.com/nilknarf/ustack/tcp"
)

var (
	serverIP = [4]byte{10, 0, 0, 1}
	clientIP = [4]byte{10, 0, 0, 2}
)

// buildSegment hand-assembles an inbound TCP segment addressed from
// clientIP:clientPort to serverIP:serverPort, simulating the remote peer
// without going through a Stack.
func buildSegment(t *testing.T, srcPort, dstPort uint16, seq, ack uint32, flags tcp.Flags, window uint16, payload []byte) ipv4.Frame {
	t.Helper()
	buf := make([]byte, 20+20+len(payload))
	tfrm, err := tcp.NewFrame(buf[20:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetSeq(seq)
	tfrm.SetAck(ack)
	tfrm.SetDataOffset(5)
	tfrm.SetFlags(flags)
	tfrm.SetWindow(window)
	copy(tfrm.Payload(), payload)

	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(ustack.IPProtoTCP)
	*ifrm.SourceAddr() = clientIP
	*ifrm.DestinationAddr() = serverIP

	tfrm.SetCRC(0)
	tfrm.SetCRC(tfrm.CalculateIPv4Checksum(ifrm))
	return ifrm
}

// sentSegment decodes one of the raw segments captured by a test Transmit.
func sentSegment(t *testing.T, raw []byte) tcp.Frame {
	t.Helper()
	tfrm, err := tcp.NewFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	return tfrm
}

func TestHandshakeDataAndPassiveClose(t *testing.T) {
	var sent [][]byte
	s := tcp.NewStack(serverIP, func(segment []byte, dstIP [4]byte) error {
		if dstIP != clientIP {
			t.Fatalf("got dst %v, want %v", dstIP, clientIP)
		}
		cp := make([]byte, len(segment))
		copy(cp, segment)
		sent = append(sent, cp)
		return nil
	})

	var events []tcp.Event
	var gotData []byte
	err := s.Listen(80, func(conn *tcp.Conn, event tcp.Event, data []byte) {
		events = append(events, event)
		if event == tcp.EventDataRecv {
			gotData = append(gotData, data...)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	var scratch [256]byte

	// 1. Client SYN.
	clientSeq := uint32(1000)
	syn := buildSegment(t, 5555, 80, clientSeq, 0, tcp.FlagSYN, 4096, nil)
	if err := s.In(scratch[:], syn); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("got %d segments after SYN, want 1 (SYN|ACK)", len(sent))
	}
	synAck := sentSegment(t, sent[0])
	if synAck.Flags() != tcp.FlagSYN|tcp.FlagACK {
		t.Fatalf("got flags %v, want SYN|ACK", synAck.Flags())
	}
	if synAck.Ack() != clientSeq+1 {
		t.Fatalf("got ack %d, want %d", synAck.Ack(), clientSeq+1)
	}
	serverISN := synAck.Seq()

	// 2. Client ACKs the handshake.
	ack := buildSegment(t, 5555, 80, clientSeq+1, serverISN+1, tcp.FlagACK, 4096, nil)
	if err := s.In(scratch[:], ack); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0] != tcp.EventConnected {
		t.Fatalf("got events %v, want [CONNECTED]", events)
	}

	// 3. Client sends data.
	data := buildSegment(t, 5555, 80, clientSeq+1, serverISN+1, tcp.FlagACK|tcp.FlagPSH, 4096, []byte("hello"))
	if err := s.In(scratch[:], data); err != nil {
		t.Fatal(err)
	}
	if string(gotData) != "hello" {
		t.Fatalf("got data %q, want %q", gotData, "hello")
	}
	if len(sent) != 2 {
		t.Fatalf("got %d segments after data, want 2 (SYN|ACK, ACK)", len(sent))
	}
	dataAck := sentSegment(t, sent[1])
	if !dataAck.Flags().Has(tcp.FlagACK) {
		t.Fatal("expected an ACK in reply to data")
	}
	if dataAck.Ack() != clientSeq+1+uint32(len("hello")) {
		t.Fatalf("got ack %d, want %d", dataAck.Ack(), clientSeq+1+uint32(len("hello")))
	}

	// 4. Client initiates close with FIN|ACK.
	fin := buildSegment(t, 5555, 80, clientSeq+1+uint32(len("hello")), serverISN+1, tcp.FlagFIN|tcp.FlagACK, 4096, nil)
	if err := s.In(scratch[:], fin); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 3 {
		t.Fatalf("got %d segments after FIN, want 3 (..., FIN|ACK)", len(sent))
	}
	finAck := sentSegment(t, sent[2])
	if finAck.Flags() != tcp.FlagFIN|tcp.FlagACK {
		t.Fatalf("got flags %v, want FIN|ACK", finAck.Flags())
	}

	// 5. Client ACKs the server's FIN; connection should close.
	lastAck := buildSegment(t, 5555, 80, clientSeq+2+uint32(len("hello")), finAck.Seq()+1, tcp.FlagACK, 4096, nil)
	if err := s.In(scratch[:], lastAck); err != nil {
		t.Fatal(err)
	}
	if events[len(events)-1] != tcp.EventClosed {
		t.Fatalf("got last event %v, want CLOSED", events[len(events)-1])
	}
}

func TestListenRejectsNonSYNWithReset(t *testing.T) {
	var sent [][]byte
	s := tcp.NewStack(serverIP, func(segment []byte, dstIP [4]byte) error {
		cp := make([]byte, len(segment))
		copy(cp, segment)
		sent = append(sent, cp)
		return nil
	})
	if err := s.Listen(80, func(*tcp.Conn, tcp.Event, []byte) {}); err != nil {
		t.Fatal(err)
	}

	var scratch [128]byte
	ackOnly := buildSegment(t, 5555, 80, 42, 0, tcp.FlagACK, 4096, nil)
	if err := s.In(scratch[:], ackOnly); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("got %d segments, want 1 (RST|ACK)", len(sent))
	}
	rst := sentSegment(t, sent[0])
	if rst.Flags() != tcp.FlagRST|tcp.FlagACK {
		t.Fatalf("got flags %v, want RST|ACK", rst.Flags())
	}
	if rst.Ack() != 43 {
		t.Fatalf("got ack %d, want 43", rst.Ack())
	}
}

func TestInNoListenerDrops(t *testing.T) {
	s := tcp.NewStack(serverIP, nil)
	var scratch [128]byte
	syn := buildSegment(t, 5555, 9999, 1, 0, tcp.FlagSYN, 4096, nil)
	if err := s.In(scratch[:], syn); err == nil {
		t.Fatal("expected an error for a SYN to a port with no listener")
	}
}
