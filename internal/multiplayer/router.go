package multiplayer

import (
	"fmt"
	"net"
	"time"

	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/blukai/kingdomsnet/internal/registry"
	"github.com/blukai/kingdomsnet/internal/stream"
	"github.com/blukai/kingdomsnet/internal/transport"
	"github.com/hashicorp/go-multierror"
)

// Report describes what one Yield changed.
type Report struct {
	Status        Status
	StatusChanged bool
	// Failure is set when a handshake or request failed during this Yield.
	Failure error

	ListingChanged bool
	// ListingErr is set when sessions could not be added to the listing,
	// directory.ErrFull once it is at capacity.
	ListingErr error
	// Datagrams and Streams count messages queued during this Yield.
	Datagrams int
	Streams   int
	// Joined and Left list players that entered or dropped out of the
	// session.
	Joined []uint32
	Left   []uint32

	Anomalies int
}

// Yield drains the transport, dispatches every queued datagram and runs due
// timers. It never blocks. The report covers everything that changed since
// the previous Yield, including changes made by direct calls.
func (mp *MultiPlayer) Yield() Report {
	now := mp.now()

	limit := max(mp.cfg.RecvQueueSize, 1)
	for i := 0; i < limit; i++ {
		d, ok := mp.conn.TryReceive()
		if !ok {
			break
		}
		mp.route(d, now)
	}

	mp.runTimers(now)

	report := mp.report
	report.Status = mp.status
	mp.report = Report{}
	return report
}

func (mp *MultiPlayer) route(d transport.Datagram, now time.Time) {
	id, err := protocol.PeekID(d.Data)
	if err != nil || (!id.IsSystem() && !id.IsPacket()) {
		// no header of ours, the whole datagram is payload
		mp.handleRaw(d, now)
		return
	}

	if id.IsPacket() {
		h, payload, err := protocol.SplitPacket(d.Data)
		if err != nil {
			mp.anomaly(d.Addr, "bad packet header", err)
			return
		}
		mp.handlePacket(d.Addr, &h, payload, now)
		return
	}

	m, err := protocol.Decode(d.Data)
	if err != nil {
		mp.anomaly(d.Addr, "could not decode", err)
		return
	}

	mp.logger.Debug().
		Stringer("msg", id).
		Stringer("addr", d.Addr).
		Msg("recv")

	switch m := m.(type) {
	case *protocol.GameBeacon:
		mp.handleGameBeacon(d.Addr, m, now)
	case *protocol.RequestGameList:
		mp.handleRequestGameList(d.Addr)
	case *protocol.GameList:
		mp.handleGameList(d.Addr, m, now)
	case *protocol.VersionAck:
		mp.handleVersionAck(d.Addr)
	case *protocol.VersionNak:
		mp.handleVersionNak(d.Addr, m)
	case *protocol.Connect:
		mp.handleConnect(d.Addr, m, now)
	case *protocol.ConnectAck:
		mp.handleConnectAck(d.Addr, m, now)
	case *protocol.RequestLadder:
		// served by the relay, peers ignore it
	case *protocol.Ladder:
		mp.handleLadder(d.Addr, m)
	case *protocol.NewPeerAddress:
		mp.handleNewPeerAddress(d.Addr, m)
	}
}

func (mp *MultiPlayer) inSession() bool {
	switch mp.baseStatus() {
	case StatusPreGame, StatusInGame:
		return true
	}
	return false
}

func (mp *MultiPlayer) sender(addr *net.UDPAddr, now time.Time) (uint32, bool) {
	if !mp.inSession() {
		return registry.NoPlayer, false
	}
	return mp.players.Touch(addr, now)
}

func (mp *MultiPlayer) handleRaw(d transport.Datagram, now time.Time) {
	from, ok := mp.sender(d.Addr, now)
	if !ok {
		mp.anomaly(d.Addr, "payload from unknown sender", nil)
		return
	}
	mp.enqueueDatagram(&Message{
		From: from,
		To:   registry.NoPlayer,
		Data: d.Data,
	})
}

func (mp *MultiPlayer) handlePacket(addr *net.UDPAddr, h *protocol.PacketHeader, payload []byte, now time.Time) {
	from, ok := mp.sender(addr, now)
	if !ok {
		mp.anomaly(addr, "packet from unknown sender", nil)
		return
	}

	switch h.Kind {
	case protocol.PacketDatagram:
		mp.enqueueDatagram(&Message{
			From:   from,
			To:     h.To,
			Header: *h,
			Data:   payload,
		})
	case protocol.PacketStream:
		ready := mp.reasm.Push(from, stream.Fragment{
			Seq:   h.Seq,
			To:    h.To,
			Index: h.Frag,
			Count: h.FragCount,
			Data:  payload,
		}, now)
		for _, m := range ready {
			mp.enqueueStream(from, m)
		}
	default:
		mp.anomaly(addr, "unknown packet kind", fmt.Errorf("%s", h.Kind))
	}
}

func (mp *MultiPlayer) enqueueDatagram(m *Message) {
	mp.datagrams = append(mp.datagrams, m)
	mp.report.Datagrams++
}

func (mp *MultiPlayer) enqueueStream(from uint32, sm stream.Message) {
	mp.streams = append(mp.streams, &Message{
		From: from,
		To:   sm.To,
		Header: protocol.PacketHeader{
			Kind:      protocol.PacketStream,
			To:        sm.To,
			Seq:       sm.Seq,
			FragCount: sm.Count,
		},
		Data: sm.Data,
	})
	mp.report.Streams++
}

func (mp *MultiPlayer) handleGameBeacon(addr *net.UDPAddr, m *protocol.GameBeacon, now time.Time) {
	if mp.cfg.Discovery != DiscoveryLAN {
		return
	}
	// our own broadcast comes back to us
	if mp.conn.IsLocal(addr) || (mp.hosting && transport.SameAddr(addr, mp.session.Addr)) {
		return
	}
	changed, err := mp.directory.AddBeacon(addr, m, now)
	if err != nil {
		mp.logger.Debug().
			Stringer("addr", addr).
			Err(err).
			Msg("could not add session")
		mp.report.ListingErr = err
		return
	}
	if changed {
		mp.report.ListingChanged = true
	}
}

// handleRequestGameList answers a LAN browser with a beacon of its own so it
// doesn't have to wait for the next periodic one.
func (mp *MultiPlayer) handleRequestGameList(addr *net.UDPAddr) {
	if !mp.advertising() || mp.cfg.Discovery != DiscoveryLAN {
		return
	}
	if err := mp.conn.SendTo(addr, mp.beacon()); err != nil {
		mp.logger.Warn().Err(err).Msg("could not answer game list request")
	}
}

func (mp *MultiPlayer) fromProvider(addr *net.UDPAddr) bool {
	return transport.SameAddr(addr, mp.conn.Provider())
}

func (mp *MultiPlayer) handleGameList(addr *net.UDPAddr, m *protocol.GameList, now time.Time) {
	if mp.status != StatusRequestingGameList || !mp.fromProvider(addr) {
		return
	}

	complete, err := mp.directory.AddPage(m, now)
	if err != nil {
		mp.logger.Warn().Err(err).Msg("listing truncated")
		mp.report.ListingErr = err
	}
	if complete {
		mp.report.ListingChanged = true
		mp.leaveAux(nil)
		return
	}

	if next := m.Page + 1; next < m.TotalPages && next > mp.pageWanted {
		mp.pageWanted = next
		mp.auxSentAt = now
		if err := mp.sendMsg(addr, &protocol.RequestGameList{Ack: next}); err != nil {
			mp.logger.Warn().Err(err).Msg("could not request next page")
		}
	}
}

func (mp *MultiPlayer) fromSessionHost(addr *net.UDPAddr) bool {
	return transport.SameAddr(addr, mp.session.Addr)
}

func (mp *MultiPlayer) handleVersionAck(addr *net.UDPAddr) {
	if mp.status != StatusConnecting || !mp.fromSessionHost(addr) {
		return
	}
	mp.logger.Debug().Msg("version accepted by host")
}

func (mp *MultiPlayer) handleVersionNak(addr *net.UDPAddr, m *protocol.VersionNak) {
	if mp.status != StatusConnecting || !mp.fromSessionHost(addr) {
		return
	}
	if mp.cfg.Version.Less(m.Version) {
		mp.updateAvailable = true
	}
	err := fmt.Errorf("%w: host speaks %d.%d.%d", ErrVersionMismatch,
		m.Version.Major, m.Version.Medium, m.Version.Minor)
	mp.resetSession()
	mp.fail(err)
	mp.setStatus(StatusIdle)
}

func (mp *MultiPlayer) handleConnectAck(addr *net.UDPAddr, m *protocol.ConnectAck, now time.Time) {
	if mp.status != StatusConnecting || !mp.fromSessionHost(addr) {
		return
	}

	if m.Result != protocol.ConnectOK {
		err := connectError(m.Result)
		mp.resetSession()
		mp.fail(err)
		mp.setStatus(StatusIdle)
		return
	}

	name := mp.pendingName
	mp.pendingName = ""
	mp.connectMsg = nil
	if _, err := mp.players.Add(name, m.YourID); err != nil {
		mp.resetSession()
		mp.fail(fmt.Errorf("could not register local player: %w", err))
		mp.setStatus(StatusIdle)
		return
	}
	mp.players.SetMyID(m.YourID)

	// the host is reachable where it answered from, whether or not its own
	// introduction makes it here
	if m.YourID != hostPlayerID {
		if err := mp.SetPeerAddress(hostPlayerID, mp.session.Addr); err != nil {
			mp.logger.Warn().Err(err).Msg("could not register host")
		}
	}

	mp.logger.Info().
		Uint32("id", m.YourID).
		Stringer("host", addr).
		Msg("joined session")
	mp.setStatus(StatusPreGame)
}

func (mp *MultiPlayer) handleLadder(addr *net.UDPAddr, m *protocol.Ladder) {
	if mp.status != StatusRequestingLadder || !mp.fromProvider(addr) {
		return
	}
	mp.ladder = mp.ladder[:0]
	for i := range m.List {
		e := &m.List[i]
		name := protocol.String(e.Name[:])
		if name == "" {
			continue
		}
		mp.ladder = append(mp.ladder, LadderEntry{
			Name:   name,
			Wins:   int(e.Wins),
			Losses: int(e.Losses),
			Score:  int(e.Score),
		})
	}
	mp.ladderValid = true
	mp.leaveAux(nil)
}

// handleNewPeerAddress accepts introductions from the host only. An empty
// address introduces the host itself, as seen by us. An introduction of
// ourselves tells us the address the host sees.
func (mp *MultiPlayer) handleNewPeerAddress(addr *net.UDPAddr, m *protocol.NewPeerAddress) {
	if !mp.inSession() || mp.hosting || !mp.fromSessionHost(addr) {
		return
	}
	if m.PlayerID == registry.NoPlayer {
		return
	}
	if m.PlayerID == mp.players.MyID() {
		mp.observed = m.Addr()
		return
	}

	peer := addr
	if m.Host != 0 || m.Port != 0 {
		peer = m.Addr()
	}
	if err := mp.SetPeerAddress(m.PlayerID, peer); err != nil {
		mp.logger.Warn().Err(err).Msg("could not register peer")
	}
}

func (mp *MultiPlayer) answerConnect(addr *net.UDPAddr, ack *protocol.ConnectAck) {
	if err := mp.sendMsg(addr, ack); err != nil {
		mp.logger.Warn().Err(err).Msg("could not answer connect")
	}
}

// handleConnect is the host side of the handshake. The version is checked
// before anything else, and a connect from an address that is already
// registered is answered again without creating a second player.
func (mp *MultiPlayer) handleConnect(addr *net.UDPAddr, m *protocol.Connect, now time.Time) {
	if !mp.hosting || mp.baseStatus() != StatusPreGame {
		return
	}

	if m.Version != mp.cfg.Version {
		mp.logger.Info().
			Stringer("addr", addr).
			Msg("rejecting connect with different version")
		if err := mp.sendMsg(addr, &protocol.VersionNak{Version: mp.cfg.Version}); err != nil {
			mp.logger.Warn().Err(err).Msg("could not send version nak")
		}
		return
	}

	name := protocol.String(m.Name[:])
	_, known := mp.players.FindByAddr(addr)
	if !known {
		var result protocol.ConnectResult
		switch {
		case !mp.allowConnections:
			result = protocol.ConnectNotAccepting
		case protocol.String(m.Password[:]) != mp.session.Password:
			result = protocol.ConnectBadPassword
		case mp.players.Count() >= mp.session.MaxPlayers:
			result = protocol.ConnectFull
		}
		if result != protocol.ConnectOK {
			mp.logger.Info().
				Stringer("addr", addr).
				Stringer("result", result).
				Msg("refusing connect")
			mp.answerConnect(addr, &protocol.ConnectAck{Result: result})
			return
		}
	}

	id, existing, err := mp.players.Admit(name, addr, now)
	if err != nil {
		mp.answerConnect(addr, &protocol.ConnectAck{Result: protocol.ConnectFull})
		return
	}
	if existing {
		// a player coming back starts its streams over
		mp.reasm.Forget(id)
		mp.sequencer.Forget(id)
	} else {
		mp.logger.Info().
			Str("name", name).
			Uint32("id", id).
			Stringer("addr", addr).
			Msg("player joined")
		mp.report.Joined = append(mp.report.Joined, id)
		mp.session.Players = mp.players.Count()
	}

	if err := mp.sendMsg(addr, &protocol.VersionAck{}); err != nil {
		mp.logger.Warn().Err(err).Msg("could not send version ack")
	}
	mp.answerConnect(addr, &protocol.ConnectAck{YourID: id, Result: protocol.ConnectOK})

	if err := mp.introduce(id, addr); err != nil {
		mp.logger.Warn().Err(err).Msg("could not introduce all peers")
	}
	mp.intros[id] = &introduction{addr: addr, sentAt: now, attempts: 1}
}

// introduction tracks a joiner whose introductions are repeated until the
// first packet from it arrives.
type introduction struct {
	addr     *net.UDPAddr
	sentAt   time.Time
	attempts int
}

func (mp *MultiPlayer) resendIntroductions(now time.Time) {
	for id, in := range mp.intros {
		if !mp.players.IsConnecting(id) || in.attempts >= mp.cfg.ConnectAttempts {
			delete(mp.intros, id)
			continue
		}
		if now.Sub(in.sentAt) < mp.cfg.ConnectRetryInterval {
			continue
		}
		in.sentAt = now
		in.attempts++
		mp.logger.Debug().
			Uint32("id", id).
			Int("attempt", in.attempts).
			Msg("resend introductions")
		if err := mp.introduce(id, in.addr); err != nil {
			mp.logger.Warn().Err(err).Msg("could not introduce all peers")
		}
	}
}

// introduce tells the new player where everyone is, including itself, and
// everyone where the new player is.
func (mp *MultiPlayer) introduce(id uint32, addr *net.UDPAddr) error {
	var result *multierror.Error

	// the host itself, at whatever address the joiner sees us
	self := &protocol.NewPeerAddress{PlayerID: mp.players.MyID()}
	if err := mp.sendMsg(addr, self); err != nil {
		result = multierror.Append(result, err)
	}

	joiner := &protocol.NewPeerAddress{
		PlayerID: id,
		Host:     protocol.HostFromIP(addr.IP),
		Port:     uint16(addr.Port),
	}
	if err := mp.sendMsg(addr, joiner); err != nil {
		result = multierror.Append(result, err)
	}
	for _, p := range mp.players.Players() {
		if p.ID == id || p.ID == mp.players.MyID() || p.Addr == nil {
			continue
		}
		peer := &protocol.NewPeerAddress{
			PlayerID: p.ID,
			Host:     protocol.HostFromIP(p.Addr.IP),
			Port:     uint16(p.Addr.Port),
		}
		if err := mp.sendMsg(addr, peer); err != nil {
			result = multierror.Append(result, err)
		}
		if err := mp.sendMsg(p.Addr, joiner); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// advertising reports whether this process should announce its session.
func (mp *MultiPlayer) advertising() bool {
	return mp.hosting && mp.baseStatus() == StatusPreGame && mp.allowConnections
}

func (mp *MultiPlayer) beacon() []byte {
	m := &protocol.GameBeacon{
		Password:   mp.session.PasswordRequired,
		Players:    uint8(mp.players.Count()),
		MaxPlayers: uint8(mp.session.MaxPlayers),
	}
	protocol.PutString(m.Name[:], mp.session.Name)
	return mp.encode(m)
}

func (mp *MultiPlayer) sendBeacon(now time.Time) {
	mp.lastBeacon = now

	var err error
	switch mp.cfg.Discovery {
	case DiscoveryRelay:
		provider := mp.conn.Provider()
		if provider == nil {
			return
		}
		err = mp.conn.SendTo(provider, mp.beacon())
	default:
		err = mp.conn.Broadcast(mp.beacon())
	}
	if err != nil {
		mp.logger.Warn().Err(err).Msg("could not send beacon")
	}
}

func due(last, now time.Time, interval time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= interval
}

func (mp *MultiPlayer) runTimers(now time.Time) {
	if mp.advertising() && due(mp.lastBeacon, now, mp.cfg.BeaconInterval) {
		mp.sendBeacon(now)
	}

	if mp.status == StatusConnecting && now.Sub(mp.connectSentAt) >= mp.cfg.ConnectRetryInterval {
		if mp.connectAttempts >= mp.cfg.ConnectAttempts {
			err := fmt.Errorf("%w after %d attempts", ErrConnectTimeout, mp.connectAttempts)
			mp.resetSession()
			mp.fail(err)
			mp.setStatus(StatusIdle)
		} else if err := mp.sendConnect(now); err != nil {
			mp.logger.Warn().Err(err).Msg("could not resend connect")
		}
	}

	if mp.hosting {
		mp.resendIntroductions(now)
	}

	mp.runAuxTimers(now)

	if mp.cfg.Discovery == DiscoveryLAN && mp.directory.Evict(now) {
		mp.report.ListingChanged = true
	}

	for from, ready := range mp.reasm.Expire(now) {
		for _, m := range ready {
			mp.enqueueStream(from, m)
		}
	}

	if mp.cfg.PeerTimeout > 0 && mp.inSession() {
		for _, id := range mp.players.Stale(now, mp.cfg.PeerTimeout) {
			mp.logger.Info().Uint32("id", id).Msg("player timed out")
			mp.dropPlayer(id)
			mp.report.Left = append(mp.report.Left, id)
		}
	}
}

func (mp *MultiPlayer) runAuxTimers(now time.Time) {
	var timeout time.Duration
	var timeoutErr error
	var retry func() error

	provider := mp.conn.Provider()
	switch mp.status {
	case StatusRequestingGameList:
		timeout, timeoutErr = mp.cfg.ListingTimeout, ErrListingTimeout
		retry = func() error {
			return mp.sendMsg(provider, &protocol.RequestGameList{Ack: mp.pageWanted})
		}
	case StatusRequestingLadder:
		timeout, timeoutErr = mp.cfg.LadderTimeout, ErrLadderTimeout
		retry = func() error {
			return mp.sendMsg(provider, &protocol.RequestLadder{})
		}
	default:
		return
	}

	if now.Sub(mp.auxStarted) >= timeout || provider == nil {
		mp.leaveAux(timeoutErr)
		return
	}
	if now.Sub(mp.auxSentAt) >= mp.cfg.ConnectRetryInterval {
		mp.auxSentAt = now
		if err := retry(); err != nil {
			mp.logger.Warn().Err(err).Msg("could not resend request")
		}
	}
}

func (mp *MultiPlayer) dropPlayer(id uint32) {
	mp.players.Remove(id)
	mp.reasm.Forget(id)
	mp.sequencer.Forget(id)
	delete(mp.intros, id)
	if mp.hosting {
		mp.session.Players = mp.players.Count()
	}
}
