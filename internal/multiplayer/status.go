package multiplayer

import "strings"

// ProtocolType is a set of transports a caller may ask for.
type ProtocolType uint32

const (
	ProtocolNone   ProtocolType = 0
	ProtocolIPX    ProtocolType = 1 << 0
	ProtocolTCPIP  ProtocolType = 1 << 1
	ProtocolModem  ProtocolType = 1 << 2
	ProtocolSerial ProtocolType = 1 << 3
)

// SupportedProtocols is the set this build can open. Only udp over ip is
// implemented.
func SupportedProtocols() ProtocolType {
	return ProtocolTCPIP
}

func IsProtocolSupported(p ProtocolType) bool {
	return p != ProtocolNone && p&SupportedProtocols() == p
}

func (p ProtocolType) String() string {
	if p == ProtocolNone {
		return "none"
	}
	var names []string
	for _, n := range []struct {
		p    ProtocolType
		name string
	}{
		{ProtocolIPX, "ipx"},
		{ProtocolTCPIP, "tcpip"},
		{ProtocolModem, "modem"},
		{ProtocolSerial, "serial"},
	} {
		if p&n.p != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusPreGame
	StatusInGame
	// auxiliary states, they return to whatever came before them
	StatusRequestingGameList
	StatusRequestingLadder
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusPreGame:
		return "pregame"
	case StatusInGame:
		return "ingame"
	case StatusRequestingGameList:
		return "requesting_game_list"
	case StatusRequestingLadder:
		return "requesting_ladder"
	}
	return "unknown"
}

func (s Status) auxiliary() bool {
	return s == StatusRequestingGameList || s == StatusRequestingLadder
}
