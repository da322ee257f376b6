package multiplayer

import (
	"errors"
	"fmt"
	"net"

	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/blukai/kingdomsnet/internal/registry"
	"github.com/blukai/kingdomsnet/internal/stream"
	"github.com/hashicorp/go-multierror"
)

// BroadcastID addresses every player of the session except the sender.
const BroadcastID = registry.NoPlayer

// Message is an application message taken off a receive queue. The caller
// owns Data.
type Message struct {
	From uint32
	// To is BroadcastID for messages sent to everyone.
	To     uint32
	Header protocol.PacketHeader
	Data   []byte
}

func (m *Message) Size() int { return len(m.Data) }

// recipients resolves to into the players a message has to be sent to.
func (mp *MultiPlayer) recipients(to uint32) ([]registry.Player, error) {
	if !mp.inSession() {
		return nil, ErrNotConnected
	}

	if to == BroadcastID {
		var out []registry.Player
		for _, p := range mp.players.Players() {
			if p.ID != mp.players.MyID() && p.Addr != nil {
				out = append(out, p)
			}
		}
		return out, nil
	}

	p, ok := mp.players.Search(to)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPlayer, to)
	}
	if p.Addr == nil {
		return nil, fmt.Errorf("%w: %d has no address", ErrUnknownPlayer, to)
	}
	return []registry.Player{p}, nil
}

// Send sends data as a single best-effort datagram. Success means the
// transport accepted it.
func (mp *MultiPlayer) Send(to uint32, data []byte) error {
	if protocol.PacketHeaderSize+len(data) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	players, err := mp.recipients(to)
	if err != nil {
		return err
	}

	packet := protocol.AppendPacket(&protocol.PacketHeader{
		Kind:      protocol.PacketDatagram,
		To:        to,
		FragCount: 1,
	}, data)

	var result *multierror.Error
	for _, p := range players {
		if err := mp.conn.SendTo(p.Addr, packet); err != nil {
			result = multierror.Append(result, fmt.Errorf("could not send to player %d: %w", p.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// SendStream sends data as an ordered stream message, fragmenting it when it
// doesn't fit into one datagram.
func (mp *MultiPlayer) SendStream(to uint32, data []byte) error {
	chunks, err := stream.Split(data, mp.cfg.StreamFragmentSize)
	if err != nil {
		if errors.Is(err, stream.ErrTooLarge) {
			return fmt.Errorf("%w: %w", ErrTooLarge, err)
		}
		return err
	}
	players, err := mp.recipients(to)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, p := range players {
		h := protocol.PacketHeader{
			Kind:      protocol.PacketStream,
			To:        to,
			Seq:       mp.sequencer.Next(p.ID),
			FragCount: uint16(len(chunks)),
		}
		for i, chunk := range chunks {
			h.Frag = uint16(i)
			if err := mp.conn.SendTo(p.Addr, protocol.AppendPacket(&h, chunk)); err != nil {
				result = multierror.Append(result, fmt.Errorf("could not send to player %d: %w", p.ID, err))
				break
			}
		}
	}
	return result.ErrorOrNil()
}

// Receive dequeues the oldest datagram message.
func (mp *MultiPlayer) Receive() (*Message, bool) {
	if len(mp.datagrams) == 0 {
		return nil, false
	}
	m := mp.datagrams[0]
	mp.datagrams[0] = nil
	mp.datagrams = mp.datagrams[1:]
	return m, true
}

// ReceiveStream dequeues the oldest reassembled stream message.
func (mp *MultiPlayer) ReceiveStream() (*Message, bool) {
	if len(mp.streams) == 0 {
		return nil, false
	}
	m := mp.streams[0]
	mp.streams[0] = nil
	mp.streams = mp.streams[1:]
	return m, true
}

// Queued returns the number of datagram and stream messages waiting.
func (mp *MultiPlayer) Queued() (datagrams, streams int) {
	return len(mp.datagrams), len(mp.streams)
}

// AddPlayer registers a player under an id chosen by the caller.
func (mp *MultiPlayer) AddPlayer(name string, id uint32) error {
	if _, err := mp.players.Add(name, id); err != nil {
		if errors.Is(err, registry.ErrFull) {
			return fmt.Errorf("%w: %w", ErrSessionFull, err)
		}
		return err
	}
	if mp.hosting {
		mp.session.Players = mp.players.Count()
	}
	return nil
}

func (mp *MultiPlayer) SetMyPlayerID(id uint32) { mp.players.SetMyID(id) }
func (mp *MultiPlayer) MyPlayerID() uint32      { return mp.players.MyID() }

func (mp *MultiPlayer) SetPlayerName(id uint32, name string) error {
	return mp.players.Rename(id, name)
}

// DeletePlayer removes a player and whatever was buffered for it.
func (mp *MultiPlayer) DeletePlayer(id uint32) bool {
	if _, ok := mp.players.Find(id); !ok {
		return false
	}
	mp.dropPlayer(id)
	return true
}

// Player returns the player in slot i.
func (mp *MultiPlayer) Player(i int) (registry.Player, bool) {
	return mp.players.Get(i)
}

func (mp *MultiPlayer) SearchPlayer(id uint32) (registry.Player, bool) {
	return mp.players.Search(id)
}

func (mp *MultiPlayer) Players() []registry.Player {
	return mp.players.Players()
}

func (mp *MultiPlayer) IsPlayerConnecting(id uint32) bool {
	return mp.players.IsConnecting(id)
}

func (mp *MultiPlayer) PlayerCount() int {
	return mp.players.Count()
}

// SetPeerAddress records where player id can be reached, registering it if
// it is not known yet.
func (mp *MultiPlayer) SetPeerAddress(id uint32, addr *net.UDPAddr) error {
	if _, ok := mp.players.Find(id); ok {
		if err := mp.players.SetAddr(id, addr); err != nil {
			return err
		}
	} else {
		if _, err := mp.players.AddPeer("", id, addr, true); err != nil {
			return fmt.Errorf("could not add peer %d: %w", id, err)
		}
		mp.report.Joined = append(mp.report.Joined, id)
	}
	mp.players.Refresh(id, mp.now())
	return nil
}
