package byteorder

import (
	"encoding/binary"
)

// https://linux.die.net/man/3/ntohs
//
// h = host, n = network, s = short (16 bit), l = long (32 bit).
//
// The Put/Get pairs operate in place on fixed-layout message buffers; callers
// are responsible for slicing buffers that are long enough.

func Htonl(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func Htons(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

func Ntohl(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

func Ntohs(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

// PutHtonl writes val at buf[off:off+4] and returns the offset past it.
func PutHtonl(buf []byte, off int, val uint32) int {
	binary.BigEndian.PutUint32(buf[off:off+4], val)
	return off + 4
}

// PutHtons writes val at buf[off:off+2] and returns the offset past it.
func PutHtons(buf []byte, off int, val uint16) int {
	binary.BigEndian.PutUint16(buf[off:off+2], val)
	return off + 2
}
