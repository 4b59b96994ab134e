package arp_test

import (
	"testing"

	"github.com/nilknarf/ustack/arp"
	"github.com/nilknarf/ustack/buf"
)

var (
	macA = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	ipA  = [4]byte{192, 168, 1, 1}
	macB = [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x02}
	ipB  = [4]byte{192, 168, 1, 2}
)

func TestRequestReply(t *testing.T) {
	host := arp.NewTable(macA, ipA)

	var wire [64]byte
	req, err := host.Req(wire[:28], ipB)
	if err != nil {
		t.Fatal(err)
	}
	if req.Operation() != arp.OpRequest {
		t.Fatalf("got op %v want request", req.Operation())
	}

	// ipB's host processes the request and produces a reply in place.
	peer := arp.NewTable(macB, ipB)
	reply, _, drained := peer.In(req)
	if !reply {
		t.Fatal("expected peer to reply to request for its own IP")
	}
	if drained {
		t.Fatal("peer had nothing pending, should not report a drained packet")
	}
	if req.Operation() != arp.OpReply {
		t.Fatalf("got op %v want reply after In", req.Operation())
	}

	// host processes the reply and learns ipB's MAC.
	_, _, _ = host.In(req)
	mac, ok := host.Resolve(ipB)
	if !ok || mac != macB {
		t.Fatalf("got %x,%v want %x,true", mac, ok, macB)
	}
}

func TestPendingOverwriteAndDrain(t *testing.T) {
	host := arp.NewTable(macA, ipA)

	var p1, p2 buf.Buffer
	p1.Init([]byte("first"), 32)
	p2.Init([]byte("second"), 32)

	if send := host.Out(ipB, p1.Copy()); !send {
		t.Fatal("first Out for a fresh IP should request sending an ARP request")
	}
	if send := host.Out(ipB, p2.Copy()); send {
		t.Fatal("second Out within the rate-limit window should not re-request")
	}

	var wire [64]byte
	req, _ := host.Req(wire[:28], ipB)

	// Simulate ipB replying to the request: host learns ipB's MAC and
	// drains the most recently queued (second) packet.
	peer := arp.NewTable(macB, ipB)
	_, _, _ = peer.In(req)
	_, drainedPkt, hasDrained := host.In(req)
	if !hasDrained {
		t.Fatal("expected a pending packet to drain once ipB resolved")
	}
	if string(drainedPkt.Data()) != "second" {
		t.Fatalf("drained %q, want the overwritten (newest) pending packet", drainedPkt.Data())
	}
}
