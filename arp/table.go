package arp

import (
	"time"

	"github.com/nilknarf/ustack/buf"
	"github.com/nilknarf/ustack/ethernet"
	"github.com/nilknarf/ustack/timedmap"
)

const (
	// DefaultTableTTL bounds how long a learned IP->MAC mapping is trusted
	// before it must be relearned.
	DefaultTableTTL = 10 * time.Minute
	// DefaultPendingTTL bounds how long an unresolved outbound packet is
	// held, and doubles as the minimum interval between ARP requests
	// re-sent for the same IP.
	DefaultPendingTTL = time.Second

	tableCapacity   = 32
	pendingCapacity = 8
)

// Table is an ARP resolution table plus a pending-send queue: an outbound
// packet addressed to an IP with no known MAC is held here, at most one per
// IP, until a reply resolves the address or the entry's TTL expires. It
// implements RFC 826 resolution for the IPv4-over-Ethernet case only.
type Table struct {
	LocalMAC [6]byte
	LocalIP  [4]byte

	resolved *timedmap.Map[[4]byte, [6]byte]
	pending  *timedmap.Map[[4]byte, buf.Buffer]
}

// NewTable constructs a Table for a host with the given local MAC/IP.
func NewTable(localMAC [6]byte, localIP [4]byte) *Table {
	t := &Table{
		LocalMAC: localMAC,
		LocalIP:  localIP,
		resolved: timedmap.New[[4]byte, [6]byte](tableCapacity, DefaultTableTTL),
		pending:  timedmap.New[[4]byte, buf.Buffer](pendingCapacity, DefaultPendingTTL),
	}
	t.pending.SetCopyHook(func(b buf.Buffer) buf.Buffer { return b.Copy() })
	return t
}

// Resolve returns the MAC address known for ip, if any and not expired.
func (t *Table) Resolve(ip [4]byte) ([6]byte, bool) { return t.resolved.Get(ip) }

// Learn records or refreshes the IP->MAC mapping observed in any ARP
// packet, request or reply — ustack learns opportunistically from any
// traffic rather than only from replies to its own requests.
func (t *Table) Learn(ip [4]byte, mac [6]byte) { t.resolved.Set(ip, mac) }

// Out is called by the IPv4 layer when it needs to send pkt to ip but has
// no MAC for it yet. pkt is queued, overwriting any previous undelivered
// packet for the same ip (the newest outbound packet wins). Out reports
// whether the caller should now emit a fresh ARP request for ip: false if
// a packet for ip is already pending, that is, one was queued within the
// last [DefaultPendingTTL] (each call to Out restarts that window).
func (t *Table) Out(ip [4]byte, pkt buf.Buffer) (sendRequest bool) {
	_, hadPending := t.pending.Get(ip)
	t.pending.Set(ip, pkt)
	return !hadPending
}

// Req builds an ARP request asking who has ip into frame, which must be at
// least [sizeHeaderv4] bytes. The caller is responsible for wrapping the
// result in an Ethernet frame addressed to the broadcast MAC.
func (t *Table) Req(frame []byte, ip [4]byte) (Frame, error) {
	afrm, err := NewFrame(frame)
	if err != nil {
		return Frame{}, err
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6) // 1 = Ethernet
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpRequest)
	senderHW, senderIP := afrm.Sender4()
	*senderHW = t.LocalMAC
	*senderIP = t.LocalIP
	targetHW, targetIP := afrm.Target4()
	*targetHW = [6]byte{}
	*targetIP = ip
	return afrm, nil
}

// In processes a received ARP frame addressed to this host's network: it
// always learns the sender's IP->MAC mapping, drains any packet pending for
// that sender IP (the caller should re-attempt sending it now that the
// address has resolved), and turns afrm into a reply in place if it was a
// request for this host's IP (the caller should then send afrm back as-is).
// A frame that is not Ethernet/IPv4 ARP (hardware 1 with 6-byte addresses,
// protocol IPv4 with 4-byte addresses) is ignored.
func (t *Table) In(afrm Frame) (reply bool, drained buf.Buffer, hasDrained bool) {
	hwType, hwLen := afrm.Hardware()
	protoType, protoLen := afrm.Protocol()
	if hwType != 1 || hwLen != 6 || protoType != ethernet.TypeIPv4 || protoLen != 4 {
		return false, drained, false
	}
	senderHW, senderIP := afrm.Sender4()
	sHW, sIP := *senderHW, *senderIP
	t.Learn(sIP, sHW)

	if pkt, ok := t.pending.Get(sIP); ok {
		t.pending.Delete(sIP)
		drained, hasDrained = pkt, true
	}

	_, targetIP := afrm.Target4()
	if afrm.Operation() == OpRequest && *targetIP == t.LocalIP {
		afrm.SwapTargetSender()
		afrm.SetOperation(OpReply)
		newSenderHW, newSenderIP := afrm.Sender4()
		*newSenderHW = t.LocalMAC
		*newSenderIP = t.LocalIP
		reply = true
	}
	return reply, drained, hasDrained
}
