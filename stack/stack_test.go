package stack_test

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/nilknarf/ustack/driver"
	"github.com/nilknarf/ustack/ethernet"
	"github.com/nilknarf/ustack/icmp"
	"github.com/nilknarf/ustack/ipv4"
	"github.com/nilknarf/ustack/stack"
	"github.com/nilknarf/ustack/udp"
)

// TestMain runs every test in this package and checks for goroutine leaks
// afterward. stack.Stack never spawns a goroutine on its own (Poll and Run
// run synchronously on the caller's goroutine), so this is a guard against a
// future change accidentally introducing background work that outlives a test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	macA = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	ipA  = [4]byte{192, 168, 1, 1}
	macB = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x02}
	ipB  = [4]byte{192, 168, 1, 2}
)

// pollUntil drives both stacks in lockstep for up to rounds iterations,
// stopping as soon as done reports true. It exists because a single
// SendUDP triggers an ARP request/reply round trip before the datagram
// itself is delivered, spanning several Poll calls on each side.
func pollUntil(t *testing.T, a, b *stack.Stack, rounds int, done func() bool) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		if done() {
			return
		}
		if err := a.Poll(); err != nil {
			t.Fatalf("a.Poll: %v", err)
		}
		if err := b.Poll(); err != nil {
			t.Fatalf("b.Poll: %v", err)
		}
	}
	if !done() {
		t.Fatal("did not converge within the round budget")
	}
}

func TestUDPSendResolvesARPAndDelivers(t *testing.T) {
	devA, devB := driver.NewLoopbackPair(macA, macB, 1500)
	a := stack.New(devA, ipA)
	b := stack.New(devB, ipB)

	var got []byte
	var gotSrcIP [4]byte
	err := b.ListenUDP(9000, func(payload []byte, srcIP [4]byte, srcPort uint16) {
		got = append([]byte(nil), payload...)
		gotSrcIP = srcIP
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.SendUDP([]byte("hello from a"), 5000, ipB, 9000); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, a, b, 10, func() bool { return got != nil })

	if string(got) != "hello from a" {
		t.Fatalf("got payload %q, want %q", got, "hello from a")
	}
	if gotSrcIP != ipA {
		t.Fatalf("got src IP %v, want %v", gotSrcIP, ipA)
	}
}

func TestUDPUnreachablePortRepliesICMP(t *testing.T) {
	devA, devB := driver.NewLoopbackPair(macA, macB, 1500)
	a := stack.New(devA, ipA)
	b := stack.New(devB, ipB)

	// Prime ARP both ways first with a successful exchange so the
	// unreachable reply (B -> A) does not itself need a fresh resolution.
	delivered := false
	if err := a.ListenUDP(1, func([]byte, [4]byte, uint16) { delivered = true }); err != nil {
		t.Fatal(err)
	}
	if err := b.SendUDP([]byte("x"), 1, ipA, 1); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, a, b, 10, func() bool { return delivered })

	if err := a.SendUDP([]byte("ping"), 5000, ipB, 9999); err != nil {
		t.Fatal(err)
	}
	if err := b.Poll(); err != nil {
		t.Fatalf("b.Poll: %v", err)
	}

	var frame [1600]byte
	n, err := devA.Recv(frame[:])
	if err != nil {
		t.Fatalf("expected an ICMP reply frame waiting for A, got: %v", err)
	}
	efrm, err := ethernet.NewFrame(frame[:n])
	if err != nil {
		t.Fatal(err)
	}
	if efrm.EtherTypeOrSize() != ethernet.TypeIPv4 {
		t.Fatalf("got ethertype %v, want IPv4", efrm.EtherTypeOrSize())
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	mfrm, err := icmp.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if mfrm.Type() != icmp.TypeDestinationUnreachable {
		t.Fatalf("got ICMP type %v, want DestinationUnreachable", mfrm.Type())
	}
	if icmp.CodeDestinationUnreachable(mfrm.Code()) != icmp.CodePortUnreachable {
		t.Fatalf("got ICMP code %v, want PortUnreachable", mfrm.Code())
	}
}

func TestOpenThenCloseUDPStopsDelivery(t *testing.T) {
	devA, devB := driver.NewLoopbackPair(macA, macB, 1500)
	a := stack.New(devA, ipA)
	b := stack.New(devB, ipB)

	called := false
	var h udp.Handler = func([]byte, [4]byte, uint16) { called = true }
	if err := b.ListenUDP(7777, h); err != nil {
		t.Fatal(err)
	}
	b.CloseUDP(7777)

	if err := a.SendUDP([]byte("should not arrive"), 1, ipB, 7777); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := a.Poll(); err != nil {
			t.Fatalf("a.Poll: %v", err)
		}
		if err := b.Poll(); err != nil {
			t.Fatalf("b.Poll: %v", err)
		}
	}
	if called {
		t.Fatal("handler should not fire after CloseUDP")
	}
}
