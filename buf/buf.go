// Package buf implements a length-prefixed byte buffer with head and tail
// padding, used throughout ustack to hold frames and TCP stream data without
// per-packet allocation.
package buf

import "errors"

// MaxLen is the capacity of the backing array of a [Buffer]. It must be large
// enough to hold the largest Ethernet frame ustack handles plus headroom for
// prepending lower-layer headers (Ethernet+IPv4+TCP) and appending FCS.
const MaxLen = 1600

var (
	// ErrNoSpace is returned when an operation would grow data outside
	// of the backing array.
	ErrNoSpace = errors.New("buf: no space")
	// ErrUnderflow is returned when an operation would shrink data below zero length.
	ErrUnderflow = errors.New("buf: underflow")
)

// Buffer is a fixed-capacity byte buffer whose data region can grow and
// shrink at both ends without moving bytes, mirroring the head/tail padding
// scheme of a lwIP-style pbuf. The zero value is an empty, usable buffer.
type Buffer struct {
	store [MaxLen]byte
	base  int // offset of first usable byte, grows/shrinks on header ops
	len   int // length of the live data region, starting at base
}

// Init resets the buffer to hold a copy of data, placed with headroom bytes
// of free space before it so headers can be prepended without a copy.
// It returns ErrNoSpace if data plus headroom does not fit.
func (b *Buffer) Init(data []byte, headroom int) error {
	if headroom < 0 || headroom+len(data) > MaxLen {
		return ErrNoSpace
	}
	b.base = headroom
	b.len = len(data)
	copy(b.store[b.base:b.base+b.len], data)
	return nil
}

// Reset empties the buffer, keeping headroom bytes of head padding.
func (b *Buffer) Reset(headroom int) {
	b.base = headroom
	b.len = 0
}

// Len returns the number of live data bytes currently held.
func (b *Buffer) Len() int { return b.len }

// Cap returns the total backing capacity, [MaxLen].
func (b *Buffer) Cap() int { return len(b.store) }

// HeadRoom returns the number of free bytes available before the data region,
// usable by a subsequent AddHeader call without error.
func (b *Buffer) HeadRoom() int { return b.base }

// TailRoom returns the number of free bytes available after the data region.
func (b *Buffer) TailRoom() int { return len(b.store) - b.base - b.len }

// Data returns the live data region. The returned slice aliases the buffer's
// backing array and is invalidated by any subsequent mutating method call.
func (b *Buffer) Data() []byte { return b.store[b.base : b.base+b.len] }

// AddHeader grows the data region backwards by n bytes, exposing n
// previously-reserved headroom bytes at the front of Data for a caller to
// fill in with a header. It returns ErrNoSpace if n exceeds HeadRoom.
func (b *Buffer) AddHeader(n int) error {
	if n < 0 {
		return b.RemoveHeader(-n)
	}
	if n > b.base {
		return ErrNoSpace
	}
	b.base -= n
	b.len += n
	return nil
}

// RemoveHeader shrinks the data region from the front by n bytes, the
// inverse of AddHeader. It returns ErrUnderflow if n exceeds Len.
func (b *Buffer) RemoveHeader(n int) error {
	if n < 0 {
		return b.AddHeader(-n)
	}
	if n > b.len {
		return ErrUnderflow
	}
	b.base += n
	b.len -= n
	return nil
}

// AddPadding grows the data region forwards by n bytes, exposing n
// previously-reserved tailroom bytes at the back of Data. It returns
// ErrNoSpace if n exceeds TailRoom.
func (b *Buffer) AddPadding(n int) error {
	if n < 0 {
		return b.RemovePadding(-n)
	}
	if n > b.TailRoom() {
		return ErrNoSpace
	}
	b.len += n
	return nil
}

// RemovePadding shrinks the data region from the back by n bytes, the
// inverse of AddPadding. It returns ErrUnderflow if n exceeds Len.
func (b *Buffer) RemovePadding(n int) error {
	if n < 0 {
		return b.AddPadding(-n)
	}
	if n > b.len {
		return ErrUnderflow
	}
	b.len -= n
	return nil
}

// Append appends p to the tail of the data region, consuming len(p) bytes
// of TailRoom. It returns ErrNoSpace if p does not fit.
func (b *Buffer) Append(p []byte) error {
	if len(p) > b.TailRoom() {
		return ErrNoSpace
	}
	n := copy(b.store[b.base+b.len:], p)
	b.len += n
	return nil
}

// Copy returns an independent copy of the buffer, including its backing
// array contents, base and length.
func (b *Buffer) Copy() Buffer {
	cp := *b
	return cp
}

// Discard removes the first n bytes from the data region, as would be done
// after consuming them from a TCP receive buffer. It is an alias of
// RemoveHeader kept for readability at call sites that think in terms of
// "consuming" a stream rather than "removing a header".
func (b *Buffer) Discard(n int) error { return b.RemoveHeader(n) }
