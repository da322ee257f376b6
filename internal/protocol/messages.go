package protocol

import (
	"net"

	"github.com/blukai/kingdomsnet/internal/byteorder"
	"github.com/blukai/kingdomsnet/internal/debug"
)

const (
	GameBeaconSize      = TagSize + SessionNameLen + 1 + 1 + 1
	RequestGameListSize = TagSize + 4
	RemoteGameSize      = SessionNameLen + 1 + 4 + 2
	GameListSize        = TagSize + 4 + 4 + GameListLen*RemoteGameSize
	VersionAckSize      = TagSize
	VersionNakSize      = TagSize + 4*3
	ConnectSize         = TagSize + 4 + SessionNameLen + PasswordLen + 4*3
	ConnectAckSize      = TagSize + 4 + 4
	RequestLadderSize   = TagSize
	LadderEntrySize     = PlayerNameLen + 2 + 2 + 4
	LadderSize          = TagSize + LadderListLen*LadderEntrySize
	NewPeerAddressSize  = TagSize + 4 + 4 + 2
)

var (
	_ Message = (*GameBeacon)(nil)
	_ Message = (*RequestGameList)(nil)
	_ Message = (*GameList)(nil)
	_ Message = (*VersionAck)(nil)
	_ Message = (*VersionNak)(nil)
	_ Message = (*Connect)(nil)
	_ Message = (*ConnectAck)(nil)
	_ Message = (*RequestLadder)(nil)
	_ Message = (*Ladder)(nil)
	_ Message = (*NewPeerAddress)(nil)
)

func newBuf(id MsgID, size int) []byte {
	buf := make([]byte, size)
	byteorder.PutHtonl(buf, 0, uint32(id))
	return buf
}

func putBool(buf []byte, off int, v bool) int {
	if v {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	return off + 1
}

// GameBeacon advertises a hosted session. It carries whether a password is
// required, never the password itself.
type GameBeacon struct {
	Name       [SessionNameLen]byte
	Password   bool
	Players    uint8
	MaxPlayers uint8
}

func (m *GameBeacon) ID() MsgID { return MsgGameBeacon }
func (m *GameBeacon) Size() int { return GameBeaconSize }

func (m *GameBeacon) MarshalBinary() ([]byte, error) {
	buf := newBuf(MsgGameBeacon, GameBeaconSize)
	off := TagSize
	off += copy(buf[off:], m.Name[:])
	off = putBool(buf, off, m.Password)
	buf[off] = m.Players
	buf[off+1] = m.MaxPlayers
	off += 2
	debug.Assert(off == GameBeaconSize)
	return buf, nil
}

func (m *GameBeacon) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data, MsgGameBeacon, GameBeaconSize); err != nil {
		return err
	}
	off := TagSize
	off += copy(m.Name[:], data[off:off+SessionNameLen])
	m.Password = data[off] != 0
	m.Players = data[off+1]
	m.MaxPlayers = data[off+2]
	return nil
}

// RequestGameList asks for page Ack of the session listing.
type RequestGameList struct {
	Ack uint32
}

func (m *RequestGameList) ID() MsgID { return MsgRequestGameList }
func (m *RequestGameList) Size() int { return RequestGameListSize }

func (m *RequestGameList) MarshalBinary() ([]byte, error) {
	buf := newBuf(MsgRequestGameList, RequestGameListSize)
	byteorder.PutHtonl(buf, TagSize, m.Ack)
	return buf, nil
}

func (m *RequestGameList) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data, MsgRequestGameList, RequestGameListSize); err != nil {
		return err
	}
	m.Ack = byteorder.Ntohl(data[TagSize : TagSize+4])
	return nil
}

// RemoteGame is the compact listing form of a session. A zero Name marks an
// unused row.
type RemoteGame struct {
	Name     [SessionNameLen]byte
	Password bool
	Host     uint32
	Port     uint16
}

func (g *RemoteGame) Empty() bool {
	return g.Name[0] == 0
}

func (g *RemoteGame) Addr() *net.UDPAddr {
	return UDPAddr(g.Host, g.Port)
}

func (g *RemoteGame) put(buf []byte, off int) int {
	off += copy(buf[off:], g.Name[:])
	off = putBool(buf, off, g.Password)
	off = byteorder.PutHtonl(buf, off, g.Host)
	off = byteorder.PutHtons(buf, off, g.Port)
	return off
}

func (g *RemoteGame) get(data []byte, off int) int {
	off += copy(g.Name[:], data[off:off+SessionNameLen])
	g.Password = data[off] != 0
	off++
	g.Host = byteorder.Ntohl(data[off : off+4])
	off += 4
	g.Port = byteorder.Ntohs(data[off : off+2])
	return off + 2
}

// GameList is one page of the session listing.
type GameList struct {
	Page       uint32
	TotalPages uint32
	List       [GameListLen]RemoteGame
}

func (m *GameList) ID() MsgID { return MsgGameList }
func (m *GameList) Size() int { return GameListSize }

func (m *GameList) MarshalBinary() ([]byte, error) {
	buf := newBuf(MsgGameList, GameListSize)
	off := TagSize
	off = byteorder.PutHtonl(buf, off, m.Page)
	off = byteorder.PutHtonl(buf, off, m.TotalPages)
	for i := range m.List {
		off = m.List[i].put(buf, off)
	}
	debug.Assert(off == GameListSize)
	return buf, nil
}

func (m *GameList) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data, MsgGameList, GameListSize); err != nil {
		return err
	}
	off := TagSize
	m.Page = byteorder.Ntohl(data[off : off+4])
	off += 4
	m.TotalPages = byteorder.Ntohl(data[off : off+4])
	off += 4
	for i := range m.List {
		off = m.List[i].get(data, off)
	}
	return nil
}

type VersionAck struct{}

func (m *VersionAck) ID() MsgID { return MsgVersionAck }
func (m *VersionAck) Size() int { return VersionAckSize }

func (m *VersionAck) MarshalBinary() ([]byte, error) {
	return newBuf(MsgVersionAck, VersionAckSize), nil
}

func (m *VersionAck) UnmarshalBinary(data []byte) error {
	return checkHeader(data, MsgVersionAck, VersionAckSize)
}

// Version is the protocol version peers must agree on.
type Version struct {
	Major  uint32
	Medium uint32
	Minor  uint32
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Medium != o.Medium {
		return v.Medium < o.Medium
	}
	return v.Minor < o.Minor
}

func (v Version) put(buf []byte, off int) int {
	off = byteorder.PutHtonl(buf, off, v.Major)
	off = byteorder.PutHtonl(buf, off, v.Medium)
	return byteorder.PutHtonl(buf, off, v.Minor)
}

func (v *Version) get(data []byte, off int) int {
	v.Major = byteorder.Ntohl(data[off : off+4])
	v.Medium = byteorder.Ntohl(data[off+4 : off+8])
	v.Minor = byteorder.Ntohl(data[off+8 : off+12])
	return off + 12
}

// VersionNak rejects a peer and tells it which version the sender speaks.
type VersionNak struct {
	Version Version
}

func (m *VersionNak) ID() MsgID { return MsgVersionNak }
func (m *VersionNak) Size() int { return VersionNakSize }

func (m *VersionNak) MarshalBinary() ([]byte, error) {
	buf := newBuf(MsgVersionNak, VersionNakSize)
	m.Version.put(buf, TagSize)
	return buf, nil
}

func (m *VersionNak) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data, MsgVersionNak, VersionNakSize); err != nil {
		return err
	}
	m.Version.get(data, TagSize)
	return nil
}

// Connect asks a host for admission into its session.
type Connect struct {
	PlayerID uint32
	Name     [SessionNameLen]byte
	Password [PasswordLen]byte
	Version  Version
}

func (m *Connect) ID() MsgID { return MsgConnect }
func (m *Connect) Size() int { return ConnectSize }

func (m *Connect) MarshalBinary() ([]byte, error) {
	buf := newBuf(MsgConnect, ConnectSize)
	off := byteorder.PutHtonl(buf, TagSize, m.PlayerID)
	off += copy(buf[off:], m.Name[:])
	off += copy(buf[off:], m.Password[:])
	off = m.Version.put(buf, off)
	debug.Assert(off == ConnectSize)
	return buf, nil
}

func (m *Connect) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data, MsgConnect, ConnectSize); err != nil {
		return err
	}
	off := TagSize
	m.PlayerID = byteorder.Ntohl(data[off : off+4])
	off += 4
	off += copy(m.Name[:], data[off:off+SessionNameLen])
	off += copy(m.Password[:], data[off:off+PasswordLen])
	m.Version.get(data, off)
	return nil
}

type ConnectResult uint32

const (
	ConnectOK ConnectResult = iota
	ConnectFull
	ConnectBadPassword
	ConnectNotAccepting
)

func (r ConnectResult) String() string {
	switch r {
	case ConnectOK:
		return "ok"
	case ConnectFull:
		return "full"
	case ConnectBadPassword:
		return "bad_password"
	case ConnectNotAccepting:
		return "not_accepting"
	}
	return "unknown"
}

// ConnectAck answers a Connect. YourID is only meaningful when Result is
// ConnectOK.
type ConnectAck struct {
	YourID uint32
	Result ConnectResult
}

func (m *ConnectAck) ID() MsgID { return MsgConnectAck }
func (m *ConnectAck) Size() int { return ConnectAckSize }

func (m *ConnectAck) MarshalBinary() ([]byte, error) {
	buf := newBuf(MsgConnectAck, ConnectAckSize)
	off := byteorder.PutHtonl(buf, TagSize, m.YourID)
	byteorder.PutHtonl(buf, off, uint32(m.Result))
	return buf, nil
}

func (m *ConnectAck) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data, MsgConnectAck, ConnectAckSize); err != nil {
		return err
	}
	m.YourID = byteorder.Ntohl(data[TagSize : TagSize+4])
	m.Result = ConnectResult(byteorder.Ntohl(data[TagSize+4 : TagSize+8]))
	return nil
}

type RequestLadder struct{}

func (m *RequestLadder) ID() MsgID { return MsgRequestLadder }
func (m *RequestLadder) Size() int { return RequestLadderSize }

func (m *RequestLadder) MarshalBinary() ([]byte, error) {
	return newBuf(MsgRequestLadder, RequestLadderSize), nil
}

func (m *RequestLadder) UnmarshalBinary(data []byte) error {
	return checkHeader(data, MsgRequestLadder, RequestLadderSize)
}

type LadderEntry struct {
	Name   [PlayerNameLen]byte
	Wins   uint16
	Losses uint16
	Score  int32
}

// Ladder carries the top of the standings. Unused rows have an empty name.
type Ladder struct {
	List [LadderListLen]LadderEntry
}

func (m *Ladder) ID() MsgID { return MsgLadder }
func (m *Ladder) Size() int { return LadderSize }

func (m *Ladder) MarshalBinary() ([]byte, error) {
	buf := newBuf(MsgLadder, LadderSize)
	off := TagSize
	for i := range m.List {
		e := &m.List[i]
		off += copy(buf[off:], e.Name[:])
		off = byteorder.PutHtons(buf, off, e.Wins)
		off = byteorder.PutHtons(buf, off, e.Losses)
		off = byteorder.PutHtonl(buf, off, uint32(e.Score))
	}
	debug.Assert(off == LadderSize)
	return buf, nil
}

func (m *Ladder) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data, MsgLadder, LadderSize); err != nil {
		return err
	}
	off := TagSize
	for i := range m.List {
		e := &m.List[i]
		off += copy(e.Name[:], data[off:off+PlayerNameLen])
		e.Wins = byteorder.Ntohs(data[off : off+2])
		e.Losses = byteorder.Ntohs(data[off+2 : off+4])
		e.Score = int32(byteorder.Ntohl(data[off+4 : off+8]))
		off += 8
	}
	return nil
}

// NewPeerAddress introduces a player's address to the rest of the mesh.
type NewPeerAddress struct {
	PlayerID uint32
	Host     uint32
	Port     uint16
}

func (m *NewPeerAddress) ID() MsgID { return MsgNewPeerAddress }
func (m *NewPeerAddress) Size() int { return NewPeerAddressSize }

func (m *NewPeerAddress) Addr() *net.UDPAddr {
	return UDPAddr(m.Host, m.Port)
}

func (m *NewPeerAddress) MarshalBinary() ([]byte, error) {
	buf := newBuf(MsgNewPeerAddress, NewPeerAddressSize)
	off := byteorder.PutHtonl(buf, TagSize, m.PlayerID)
	off = byteorder.PutHtonl(buf, off, m.Host)
	off = byteorder.PutHtons(buf, off, m.Port)
	debug.Assert(off == NewPeerAddressSize)
	return buf, nil
}

func (m *NewPeerAddress) UnmarshalBinary(data []byte) error {
	if err := checkHeader(data, MsgNewPeerAddress, NewPeerAddressSize); err != nil {
		return err
	}
	off := TagSize
	m.PlayerID = byteorder.Ntohl(data[off : off+4])
	m.Host = byteorder.Ntohl(data[off+4 : off+8])
	m.Port = byteorder.Ntohs(data[off+8 : off+10])
	return nil
}
