package udp_test

import (
	"testing"

	"github.com/nilknarf/ustack"
	"github.com/nilknarf/ustack/ipv4"
	"github.com/nilknarf/ustack/udp"
)

func buildIPv4(t *testing.T, payload []byte, src, dst [4]byte) ipv4.Frame {
	t.Helper()
	buf := make([]byte, 20+len(payload))
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(ustack.IPProtoUDP)
	*ifrm.SourceAddr() = src
	*ifrm.DestinationAddr() = dst
	copy(ifrm.Payload(), payload)
	return ifrm
}

func TestOutInRoundTrip(t *testing.T) {
	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}

	// Build the UDP segment first with a placeholder IPv4 frame sized for it,
	// then wrap the result as the real datagram's payload, mirroring how the
	// net core would stage a pseudo-header ahead of the transport header.
	placeholder := buildIPv4(t, make([]byte, 8+5), src, dst)
	s := udp.NewStack(nil)
	var scratch [64]byte
	ufrm, err := s.Out(scratch[:], []byte("hello"), 5353, 53, placeholder)
	if err != nil {
		t.Fatal(err)
	}

	datagram := buildIPv4(t, ufrm.RawData(), src, dst)

	var got []byte
	var gotSrcIP [4]byte
	var gotSrcPort uint16
	err = s.Open(53, func(payload []byte, srcIP [4]byte, srcPort uint16) {
		got = append([]byte(nil), payload...)
		gotSrcIP = srcIP
		gotSrcPort = srcPort
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.In(datagram); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got payload %q, want %q", got, "hello")
	}
	if gotSrcIP != src {
		t.Fatalf("got src IP %v, want %v", gotSrcIP, src)
	}
	if gotSrcPort != 5353 {
		t.Fatalf("got src port %d, want 5353", gotSrcPort)
	}
}

func TestInUnreachablePort(t *testing.T) {
	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}
	placeholder := buildIPv4(t, make([]byte, 8), src, dst)
	s0 := udp.NewStack(nil)
	var scratch [64]byte
	ufrm, err := s0.Out(scratch[:], nil, 1111, 2222, placeholder)
	if err != nil {
		t.Fatal(err)
	}
	datagram := buildIPv4(t, ufrm.RawData(), src, dst)

	var unreachableCalled bool
	s := udp.NewStack(func(origDatagram []byte, origSrcIP [4]byte) {
		unreachableCalled = true
		if origSrcIP != src {
			t.Fatalf("got reply-to IP %v, want the original sender %v", origSrcIP, src)
		}
	})
	err = s.In(datagram)
	if err == nil {
		t.Fatal("expected an error for a datagram with no listener")
	}
	if !unreachableCalled {
		t.Fatal("expected the unreachable callback to fire")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}
	placeholder := buildIPv4(t, make([]byte, 8), src, dst)
	s := udp.NewStack(nil)
	var scratch [64]byte
	ufrm, err := s.Out(scratch[:], nil, 1, 2, placeholder)
	if err != nil {
		t.Fatal(err)
	}
	datagram := buildIPv4(t, ufrm.RawData(), src, dst)

	called := false
	if err := s.Open(2, func([]byte, [4]byte, uint16) { called = true }); err != nil {
		t.Fatal(err)
	}
	s.Close(2)
	if err := s.In(datagram); err == nil {
		t.Fatal("expected an error after the listener was closed")
	}
	if called {
		t.Fatal("handler should not be invoked after Close")
	}
}
