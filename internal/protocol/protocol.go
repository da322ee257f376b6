// Package protocol implements the fixed-layout binary messages exchanged
// between peers, hosts and the session relay. Every message starts with a
// 4-byte tag and is encoded in network byte order with no padding.
package protocol

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"net"

	"github.com/blukai/kingdomsnet/internal/byteorder"
)

const (
	SessionNameLen = 64
	PasswordLen    = 64
	PlayerNameLen  = 20
	GameListLen    = 10
	LadderListLen  = 6

	// MaxDatagramSize bounds any single datagram read from or written to
	// the socket.
	MaxDatagramSize = 0x2000

	TagSize = 4
)

type MsgID uint32

// System messages live in a reserved block so that unrelated broadcast
// traffic on the same port is unlikely to be mistaken for them.
const (
	msgBlock     MsgID = 0x1f4a0000
	msgBlockMask MsgID = 0xffff0000
)

const (
	MsgGameBeacon MsgID = 0x1f4a0001 + iota
	MsgRequestGameList
	MsgGameList
	MsgVersionAck
	MsgVersionNak
	MsgConnect
	MsgConnectAck
	MsgRequestLadder
	MsgLadder
	MsgNewPeerAddress
)

// IsSystem reports whether id falls into the reserved system block.
func (id MsgID) IsSystem() bool {
	return id&msgBlockMask == msgBlock
}

func (id MsgID) String() string {
	switch id {
	case MsgGameBeacon:
		return "game_beacon"
	case MsgRequestGameList:
		return "request_game_list"
	case MsgGameList:
		return "game_list"
	case MsgVersionAck:
		return "version_ack"
	case MsgVersionNak:
		return "version_nak"
	case MsgConnect:
		return "connect"
	case MsgConnectAck:
		return "connect_ack"
	case MsgRequestLadder:
		return "request_ladder"
	case MsgLadder:
		return "ladder"
	case MsgNewPeerAddress:
		return "new_peer_address"
	case PacketDatagram:
		return "datagram"
	case PacketStream:
		return "stream"
	}
	return fmt.Sprintf("0x%08x", uint32(id))
}

var (
	ErrShortBuffer    = errors.New("short buffer")
	ErrUnknownMessage = errors.New("unknown message")
	ErrUnexpectedTag  = errors.New("unexpected tag")
)

// Message is implemented by every system message.
type Message interface {
	ID() MsgID
	Size() int

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// PeekID returns the tag of data without decoding the rest of it.
func PeekID(data []byte) (MsgID, error) {
	if len(data) < TagSize {
		return 0, fmt.Errorf("could not read tag (got %d bytes): %w", len(data), ErrShortBuffer)
	}
	return MsgID(byteorder.Ntohl(data[0:TagSize])), nil
}

// New returns an empty message for id, or nil if id is not a system message.
func New(id MsgID) Message {
	switch id {
	case MsgGameBeacon:
		return &GameBeacon{}
	case MsgRequestGameList:
		return &RequestGameList{}
	case MsgGameList:
		return &GameList{}
	case MsgVersionAck:
		return &VersionAck{}
	case MsgVersionNak:
		return &VersionNak{}
	case MsgConnect:
		return &Connect{}
	case MsgConnectAck:
		return &ConnectAck{}
	case MsgRequestLadder:
		return &RequestLadder{}
	case MsgLadder:
		return &Ladder{}
	case MsgNewPeerAddress:
		return &NewPeerAddress{}
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", m.ID(), err)
	}
	return data, nil
}

// Decode parses a system message. It never reads past the fixed length of the
// message named by the tag, so trailing bytes are ignored.
func Decode(data []byte) (Message, error) {
	id, err := PeekID(data)
	if err != nil {
		return nil, err
	}
	m := New(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("could not unmarshal %s: %w", id, err)
	}
	return m, nil
}

// checkHeader validates the length and tag of data for a message of the given
// id and size.
func checkHeader(data []byte, id MsgID, size int) error {
	if len(data) < size {
		return fmt.Errorf("got %d bytes; want >= %d: %w", len(data), size, ErrShortBuffer)
	}
	if got := MsgID(byteorder.Ntohl(data[0:TagSize])); got != id {
		return fmt.Errorf("got %s; want %s: %w", got, id, ErrUnexpectedTag)
	}
	return nil
}

// PutString copies s into the fixed-width field dst, truncating it if needed
// and zero filling the rest.
func PutString(dst []byte, s string) {
	n := copy(dst, s)
	clear(dst[n:])
}

// String returns the text of a fixed-width field. The field is not required
// to be NUL terminated: it ends at the first NUL or at its width, whichever
// comes first.
func String(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// HostFromIP packs an IPv4 address into its wire form. Non IPv4 addresses
// map to 0.
func HostFromIP(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return byteorder.Ntohl(ip4)
}

func IPFromHost(host uint32) net.IP {
	return net.IP(byteorder.Htonl(host))
}

// UDPAddr builds an address from its wire form.
func UDPAddr(host uint32, port uint16) *net.UDPAddr {
	return &net.UDPAddr{IP: IPFromHost(host), Port: int(port)}
}
