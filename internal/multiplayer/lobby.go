package multiplayer

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// LobbyMode is how a lobby launcher wants the session entered.
type LobbyMode int

const (
	LobbyNone       LobbyMode = 0
	LobbyCreate     LobbyMode = 1
	LobbyJoin       LobbyMode = 2
	LobbySelectable LobbyMode = 4
)

func (m LobbyMode) String() string {
	switch m {
	case LobbyNone:
		return "none"
	case LobbyCreate:
		return "create"
	case LobbyJoin:
		return "join"
	case LobbySelectable:
		return "selectable"
	}
	return fmt.Sprintf("LobbyMode(%d)", int(m))
}

var ErrInvalidLobby = errors.New("invalid lobby launch")

// Lobby describes a launch handed over by a lobby.
type Lobby struct {
	Mode        LobbyMode
	PlayerName  string
	SessionName string
	Password    string
	// Addr is the host to join in LobbyJoin mode.
	Addr       string
	MaxPlayers int
}

// ParseLobby reads a launcher command line. At most one of -host, -join and
// -browse may be given:
//
//	-host NAME      create a session called NAME
//	-join ADDR      join the session hosted at ADDR (ip:port)
//	-browse         list sessions and let the player pick one
//	-player NAME    local player name
//	-password PASS  session password
//
// An empty command line is not lobbied.
func ParseLobby(cmdLine string, maxPlayers int) (Lobby, error) {
	fs := flag.NewFlagSet("lobby", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	l := Lobby{MaxPlayers: maxPlayers}
	fs.StringVar(&l.SessionName, "host", "", "")
	fs.StringVar(&l.Addr, "join", "", "")
	browse := fs.Bool("browse", false, "")
	fs.StringVar(&l.PlayerName, "player", "", "")
	fs.StringVar(&l.Password, "password", "", "")

	if err := fs.Parse(strings.Fields(cmdLine)); err != nil {
		return Lobby{}, fmt.Errorf("%w: %w", ErrInvalidLobby, err)
	}
	if fs.NArg() > 0 {
		return Lobby{}, fmt.Errorf("%w: unexpected %q", ErrInvalidLobby, fs.Arg(0))
	}

	modes := 0
	if l.SessionName != "" {
		l.Mode = LobbyCreate
		modes++
	}
	if l.Addr != "" {
		l.Mode = LobbyJoin
		modes++
	}
	if *browse {
		l.Mode = LobbySelectable
		modes++
	}
	if modes > 1 {
		return Lobby{}, fmt.Errorf("%w: -host, -join and -browse are exclusive", ErrInvalidLobby)
	}
	return l, nil
}

// InitLobbied enters the session a lobby launcher asked for: it creates it,
// starts joining it, or starts a listing for the player to pick from. The
// outcome of a join arrives through Yield as with JoinAddr.
func (mp *MultiPlayer) InitLobbied(maxPlayers int, cmdLine string) error {
	l, err := ParseLobby(cmdLine, maxPlayers)
	if err != nil {
		return err
	}

	switch l.Mode {
	case LobbyCreate:
		err = mp.CreateSession(l.SessionName, l.Password, l.PlayerName, l.MaxPlayers)
	case LobbyJoin:
		err = mp.JoinAddr(l.Addr, l.Password, l.PlayerName)
	case LobbySelectable:
		err = mp.RequestListing()
	}
	if err != nil {
		return fmt.Errorf("could not start %s lobby: %w", l.Mode, err)
	}

	mp.lobby = l
	mp.logger.Info().
		Stringer("mode", l.Mode).
		Str("player", l.PlayerName).
		Msg("lobbied launch")
	return nil
}

// IsLobbied returns the mode of the last successful InitLobbied.
func (mp *MultiPlayer) IsLobbied() LobbyMode { return mp.lobby.Mode }

// LobbiedName returns the player name the lobby handed over, if any.
func (mp *MultiPlayer) LobbiedName() (string, bool) {
	return mp.lobby.PlayerName, mp.lobby.PlayerName != ""
}
