//go:build linux

package driver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Tap is a [Device] backed by a Linux AF_PACKET raw socket bound to an
// existing interface (commonly a TAP device created out-of-band, e.g. with
// `ip tuntap add`). Raw-socket setup follows the real-world AF_PACKET usage
// in the RARP server this project drew from, swapped from the bare syscall
// package to golang.org/x/sys/unix for its typed Sockaddr/Ifreq helpers.
type Tap struct {
	fd      int
	ifindex int
	mtu     int
	mac     [6]byte
}

// OpenTap binds a raw AF_PACKET/SOCK_RAW socket to ifaceName and returns a
// Device ready for use by a [stack.Stack]. The interface must already exist
// and be up; ustack does not create interfaces itself.
func OpenTap(ifaceName string) (*Tap, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("driver: lookup interface %q: %w", ifaceName, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("driver: open AF_PACKET socket: %w", err)
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("driver: bind AF_PACKET socket to %q: %w", ifaceName, err)
	}
	var mac [6]byte
	copy(mac[:], iface.HardwareAddr)
	return &Tap{fd: fd, ifindex: iface.Index, mtu: iface.MTU, mac: mac}, nil
}

func (t *Tap) Send(frame []byte) error {
	sll := unix.SockaddrLinklayer{Ifindex: t.ifindex}
	return unix.Sendto(t.fd, frame, 0, &sll)
}

func (t *Tap) Recv(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(t.fd, buf, unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *Tap) MTU() int              { return t.mtu } // interface MTU already excludes the Ethernet header
func (t *Tap) HardwareAddr() [6]byte { return t.mac }

// Close releases the underlying socket.
func (t *Tap) Close() error { return unix.Close(t.fd) }

func htons(i uint16) uint16 { return (i<<8)&0xff00 | i>>8 }
