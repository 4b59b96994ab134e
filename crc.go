package ustack

import (
	"encoding/binary"
)

// CRC791 implements the Internet checksum as defined by RFC 791/RFC 1071:
// the 16-bit ones' complement of the ones' complement sum of all 16-bit
// words in the data. It is used, with different pseudo-headers, by IPv4,
// ICMP, UDP and TCP.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum    uint32
	odd    byte
	hasOdd bool
}

func checksum16(sum uint32) uint16 {
	sum = (sum & 0xffff) + sum>>16
	// the max value of sum at this point is 0x1fffe, so an additional round is enough
	return ^uint16(sum + sum>>16)
}

func checksumWriteEven(sum uint32, buff []byte) uint32 {
	for i := 0; i < len(buff); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buff[i:]))
	}
	return sum
}

// WriteEven adds the bytes in buff to the running checksum. buff's length
// must be even or the function will panic; use [CRC791.Write] for arbitrary
// lengths across multiple calls.
func (c *CRC791) WriteEven(buff []byte) {
	c.sum = checksumWriteEven(c.sum, buff)
}

// Write adds buff to the running checksum, carrying a dangling odd byte
// over to the next Write call so a caller can checksum a header and payload
// piecewise without padding each call to an even length itself.
func (c *CRC791) Write(buff []byte) (int, error) {
	n := len(buff)
	if c.hasOdd && n > 0 {
		var pair [2]byte
		pair[0] = c.odd
		pair[1] = buff[0]
		c.sum += uint32(binary.BigEndian.Uint16(pair[:]))
		buff = buff[1:]
		c.hasOdd = false
	}
	odd := len(buff) & 1
	c.sum = checksumWriteEven(c.sum, buff[:len(buff)-odd])
	if odd > 0 {
		c.odd = buff[len(buff)-1]
		c.hasOdd = true
	}
	return n, nil
}

// AddUint32 adds a 32 bit value to the running checksum interpreted as BigEndian (network order).
func (c *CRC791) AddUint32(value uint32) {
	c.AddUint16(uint16(value >> 16))
	c.AddUint16(uint16(value))
}

// AddUint16 adds a 16 bit value to the running checksum interpreted as BigEndian (network order).
func (c *CRC791) AddUint16(value uint16) {
	if c.hasOdd {
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], value)
		c.Write(buf[:])
		return
	}
	c.sum += uint32(value)
}

// Sum16 calculates the checksum with the data written to c thus far,
// flushing any dangling odd byte padded with a zero LSB as RFC 791 requires.
func (c *CRC791) Sum16() uint16 {
	sum := c.sum
	if c.hasOdd {
		sum += uint32(c.odd) << 8
	}
	return checksum16(sum)
}

// PayloadSum16 returns the checksum resulting by adding the bytes in buff to
// the running checksum, without mutating c.
func (c *CRC791) PayloadSum16(buff []byte) uint16 {
	cp := *c
	cp.Write(buff)
	return cp.Sum16()
}

// Reset zeros out the CRC791, resetting it to the initial state.
func (c *CRC791) Reset() { *c = CRC791{} }

// NeverZeroChecksum ensures that the given checksum is not zero, by
// returning 0xffff instead (0x0000 and 0xffff are the same number in ones'
// complement math, and UDP reserves an all-zero checksum field to mean "no
// checksum computed").
func NeverZeroChecksum(sum16 uint16) uint16 {
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}
