package protocol

import (
	"fmt"

	"github.com/blukai/kingdomsnet/internal/byteorder"
	"github.com/blukai/kingdomsnet/internal/debug"
)

// Application packets use their own block next to the system one.
const (
	packetBlock MsgID = 0x1f4b0000

	PacketDatagram MsgID = 0x1f4b0001
	PacketStream   MsgID = 0x1f4b0002
)

// tag (4) + to (4) + seq (4) + frag (2) + frag count (2)
const PacketHeaderSize = 16

// IsPacket reports whether id tags an application packet header.
func (id MsgID) IsPacket() bool {
	return id&msgBlockMask == packetBlock
}

// PacketHeader precedes every application payload sent by this package.
// Datagrams always have Seq 0, Frag 0 and FragCount 1.
type PacketHeader struct {
	Kind      MsgID
	To        uint32
	Seq       uint32
	Frag      uint16
	FragCount uint16
}

func (h *PacketHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PacketHeaderSize)
	h.put(buf)
	return buf, nil
}

func (h *PacketHeader) put(buf []byte) {
	off := byteorder.PutHtonl(buf, 0, uint32(h.Kind))
	off = byteorder.PutHtonl(buf, off, h.To)
	off = byteorder.PutHtonl(buf, off, h.Seq)
	off = byteorder.PutHtons(buf, off, h.Frag)
	off = byteorder.PutHtons(buf, off, h.FragCount)
	debug.Assert(off == PacketHeaderSize)
}

func (h *PacketHeader) UnmarshalBinary(data []byte) error {
	if len(data) < PacketHeaderSize {
		return fmt.Errorf("got %d bytes; want >= %d: %w", len(data), PacketHeaderSize, ErrShortBuffer)
	}
	h.Kind = MsgID(byteorder.Ntohl(data[0:4]))
	if !h.Kind.IsPacket() {
		return fmt.Errorf("got %s: %w", h.Kind, ErrUnexpectedTag)
	}
	h.To = byteorder.Ntohl(data[4:8])
	h.Seq = byteorder.Ntohl(data[8:12])
	h.Frag = byteorder.Ntohs(data[12:14])
	h.FragCount = byteorder.Ntohs(data[14:16])
	if h.FragCount == 0 || h.Frag >= h.FragCount {
		return fmt.Errorf("invalid fragment %d/%d", h.Frag, h.FragCount)
	}
	return nil
}

// AppendPacket returns a datagram made of h followed by payload.
func AppendPacket(h *PacketHeader, payload []byte) []byte {
	buf := make([]byte, PacketHeaderSize+len(payload))
	h.put(buf)
	copy(buf[PacketHeaderSize:], payload)
	return buf
}

// SplitPacket parses the header of an application packet. The returned
// payload aliases data.
func SplitPacket(data []byte) (PacketHeader, []byte, error) {
	var h PacketHeader
	if err := h.UnmarshalBinary(data); err != nil {
		return h, nil, err
	}
	return h, data[PacketHeaderSize:], nil
}
