package multiplayer

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/blukai/kingdomsnet/internal/directory"
	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/blukai/kingdomsnet/internal/registry"
)

// hostPlayerID is the id a host gives itself. Joiners get ids after it.
const hostPlayerID uint32 = 1

// CreateSession starts hosting a session and registers playerName as the
// local player. The session is advertised on the next Yield.
func (mp *MultiPlayer) CreateSession(name, password, playerName string, maxPlayers int) error {
	if mp.status != StatusIdle {
		return fmt.Errorf("%w: create session from %s", ErrInvalidState, mp.status)
	}
	if maxPlayers <= 0 || maxPlayers > mp.players.Capacity() {
		maxPlayers = mp.players.Capacity()
	}

	mp.resetSession()
	if _, err := mp.players.Add(playerName, hostPlayerID); err != nil {
		return fmt.Errorf("could not add host player: %w", err)
	}
	mp.players.SetMyID(hostPlayerID)

	local := mp.conn.LocalAddr()
	mp.session = directory.Session{
		Name:             name,
		Password:         password,
		PasswordRequired: password != "",
		ID:               directory.SessionID(local),
		Addr:             local,
		Players:          1,
		MaxPlayers:       maxPlayers,
	}
	mp.hosting = true
	mp.allowConnections = true
	mp.failure = nil

	// no handshake for the host
	mp.setStatus(StatusConnecting)
	mp.setStatus(StatusPreGame)

	mp.logger.Info().
		Str("name", name).
		Int("max_players", maxPlayers).
		Stringer("addr", local).
		Msg("hosting session")
	return nil
}

// AllowConnections opens or closes a hosted session to new players.
func (mp *MultiPlayer) AllowConnections(allow bool) {
	mp.allowConnections = allow
}

// JoinSession starts the handshake with the i-th listed session. The outcome
// arrives through Yield: StatusPreGame on success, or StatusIdle with Failure
// set to one of ErrConnectTimeout, ErrVersionMismatch, ErrSessionFull,
// ErrBadPassword or ErrNotAccepting.
func (mp *MultiPlayer) JoinSession(i int, password, playerName string) error {
	if mp.status != StatusIdle {
		return fmt.Errorf("%w: join session from %s", ErrInvalidState, mp.status)
	}
	s, ok := mp.directory.Get(i)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSession, i)
	}
	return mp.join(s, password, playerName)
}

// JoinAddr is like JoinSession for a session known by address only.
func (mp *MultiPlayer) JoinAddr(addr string, password, playerName string) error {
	if mp.status != StatusIdle {
		return fmt.Errorf("%w: join session from %s", ErrInvalidState, mp.status)
	}
	udpAddr, err := resolve(addr)
	if err != nil {
		return err
	}
	return mp.join(directory.Session{
		ID:   directory.SessionID(udpAddr),
		Addr: udpAddr,
	}, password, playerName)
}

func (mp *MultiPlayer) join(s directory.Session, password, playerName string) error {
	mp.resetSession()
	mp.session = s
	mp.session.Password = password
	mp.failure = nil

	m := &protocol.Connect{Version: mp.cfg.Version}
	protocol.PutString(m.Name[:], playerName)
	protocol.PutString(m.Password[:], password)
	mp.connectMsg = mp.encode(m)
	// the local player is registered once the host assigns an id
	mp.pendingName = playerName

	mp.setStatus(StatusConnecting)
	now := mp.now()
	mp.connectAttempts = 0
	if err := mp.sendConnect(now); err != nil {
		mp.setStatus(StatusIdle)
		return fmt.Errorf("could not send connect: %w", err)
	}

	mp.logger.Info().
		Str("session", s.Name).
		Stringer("addr", s.Addr).
		Msg("joining session")
	return nil
}

func (mp *MultiPlayer) sendConnect(now time.Time) error {
	mp.connectAttempts++
	mp.connectSentAt = now
	mp.logger.Debug().
		Int("attempt", mp.connectAttempts).
		Stringer("addr", mp.session.Addr).
		Msg("send connect")
	return mp.conn.SendTo(mp.session.Addr, mp.connectMsg)
}

// CloseSession leaves or stops hosting the current session and drops
// everything tied to it. It is valid in every state.
func (mp *MultiPlayer) CloseSession() {
	if mp.status != StatusIdle {
		mp.logger.Info().
			Stringer("status", mp.status).
			Msg("closing session")
	}
	mp.resetSession()
	mp.setStatus(StatusIdle)
}

func (mp *MultiPlayer) resetSession() {
	mp.session = directory.Session{}
	mp.hosting = false
	mp.allowConnections = false
	mp.lastBeacon = time.Time{}
	mp.connectMsg = nil
	mp.connectAttempts = 0
	mp.pendingName = ""
	mp.observed = nil

	mp.players.Clear()
	clear(mp.intros)
	mp.sequencer.Reset()
	mp.reasm.Reset()
	mp.datagrams = nil
	mp.streams = nil
}

// GameStarting moves a session from the lobby into the game. New joiners are
// turned away from then on.
func (mp *MultiPlayer) GameStarting() error {
	if mp.status != StatusPreGame {
		return fmt.Errorf("%w: game starting from %s", ErrInvalidState, mp.status)
	}
	mp.allowConnections = false
	mp.setStatus(StatusInGame)
	return nil
}

// RequestListing starts a new listing round. In LAN mode hosts are asked to
// announce themselves right away. In relay mode the provider is asked for
// every page of its listing and the status is StatusRequestingGameList until
// all pages arrived or the listing timed out.
func (mp *MultiPlayer) RequestListing() error {
	now := mp.now()

	switch mp.cfg.Discovery {
	case DiscoveryRelay:
		provider := mp.conn.Provider()
		if provider == nil {
			return ErrNoProvider
		}
		if err := mp.enterAux(StatusRequestingGameList, now); err != nil {
			return err
		}
		// sessions not in this round's snapshot are stale
		mp.directory.Reset()
		mp.directory.BeginListing(now)
		mp.pageWanted = 0
		mp.report.ListingChanged = true
		if err := mp.sendMsg(provider, &protocol.RequestGameList{Ack: 0}); err != nil {
			mp.leaveAux(nil)
			return fmt.Errorf("could not request game list: %w", err)
		}
	default:
		mp.directory.BeginListing(now)
		if err := mp.conn.Broadcast(mp.encode(&protocol.RequestGameList{})); err != nil {
			return fmt.Errorf("could not broadcast game list request: %w", err)
		}
	}
	return nil
}

// PollSessions runs one Yield and reports whether the session listing
// changed.
func (mp *MultiPlayer) PollSessions() bool {
	return mp.Yield().ListingChanged
}

// Sessions returns the current listing in display order.
func (mp *MultiPlayer) Sessions() []directory.Session {
	return mp.directory.Sessions()
}

// Session returns the i-th session of the listing.
func (mp *MultiPlayer) Session(i int) (directory.Session, bool) {
	return mp.directory.Get(i)
}

func (mp *MultiPlayer) SessionCount() int {
	return mp.directory.Len()
}

// SortSessions sets the listing order. It sticks for later updates.
func (mp *MultiPlayer) SortSessions(by directory.SortKey) {
	mp.directory.Sort(by)
}

// RequestLadder asks the provider for the top of the ladder. The status is
// StatusRequestingLadder until the answer arrived or the request timed out.
func (mp *MultiPlayer) RequestLadder() error {
	provider := mp.conn.Provider()
	if provider == nil {
		return ErrNoProvider
	}
	if err := mp.enterAux(StatusRequestingLadder, mp.now()); err != nil {
		return err
	}
	if err := mp.sendMsg(provider, &protocol.RequestLadder{}); err != nil {
		mp.leaveAux(nil)
		return fmt.Errorf("could not request ladder: %w", err)
	}
	return nil
}

// Ladder returns the last received standings.
func (mp *MultiPlayer) Ladder() ([]LadderEntry, bool) {
	if !mp.ladderValid {
		return nil, false
	}
	return slices.Clone(mp.ladder), true
}

func connectError(r protocol.ConnectResult) error {
	switch r {
	case protocol.ConnectFull:
		return ErrSessionFull
	case protocol.ConnectBadPassword:
		return ErrBadPassword
	case protocol.ConnectNotAccepting:
		return ErrNotAccepting
	}
	return fmt.Errorf("connect rejected: %s", r)
}

// IsSessionFull reports whether err is a capacity error, coming from either
// a local add or a host's answer.
func IsSessionFull(err error) bool {
	return errors.Is(err, ErrSessionFull) || errors.Is(err, registry.ErrFull)
}
