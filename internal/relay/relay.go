// Package relay is the remote session provider. Hosts that can't be found by
// LAN broadcast announce their sessions to it, and browsers page through the
// announced sessions and ask it for the ladder.
package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/blukai/kingdomsnet/internal/debug"
	"github.com/blukai/kingdomsnet/internal/ladder"
	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

// Ladder is where standings come from.
type Ladder interface {
	Top(ctx context.Context, n int) ([]ladder.Entry, error)
}

type Options struct {
	// StaleAfter is how long a session stays listed without a beacon.
	StaleAfter time.Duration
	// EvictInterval is how often stale sessions are looked for.
	EvictInterval time.Duration
	// LadderTimeout bounds one ladder lookup.
	LadderTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Second
	}
	if o.EvictInterval <= 0 {
		o.EvictInterval = time.Second
	}
	if o.LadderTimeout <= 0 {
		o.LadderTimeout = time.Second
	}
}

// Session is a listed session as the relay sees it.
type Session struct {
	Name       string    `json:"name"`
	Password   bool      `json:"password"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"max_players"`
	Addr       string    `json:"addr"`
	LastSeen   time.Time `json:"last_seen"`

	addr *net.UDPAddr
}

type Server struct {
	conn *net.UDPConn
	buf  []byte
	opts Options

	logger *log.Logger
	ladder Ladder

	mu       sync.Mutex
	sessions map[addrKey]*Session
}

// New binds address. A nil ladder answers ladder requests with an empty
// ladder.
func New(network, address string, opts Options, standings Ladder, logger *log.Logger) (*Server, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	opts.setDefaults()

	return &Server{
		conn: conn,
		buf:  make([]byte, protocol.MaxDatagramSize),
		opts: opts,

		logger: logger,
		ladder: standings,

		sessions: make(map[addrKey]*Session),
	}, nil
}

// Addr can be useful to retreive server's address when Server was
// constructed with ":0".
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) runRecv(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			err := s.conn.SetReadDeadline(time.Now().Add(time.Second))
			debug.Assert(err == nil)

			n, addr, err := s.conn.ReadFromUDP(s.buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("could not read from udp: %w", err)
				}

				s.logger.Error().
					Msgf("could not read from udp: %v", err)
				continue
			}

			m, err := protocol.Decode(s.buf[:n])
			if err != nil {
				s.logger.Debug().
					Stringer("addr", addr).
					Err(err).
					Msg("dropped datagram")
				continue
			}

			s.logger.Debug().
				Stringer("msg", m.ID()).
				Stringer("addr", addr).
				Msg("recv")

			if err := s.handle(ctx, m, addr); err != nil {
				s.logger.Error().
					Stringer("msg", m.ID()).
					Stringer("addr", addr).
					Msgf("error handling message: %v", err)
			}
		}
	}
}

func (s *Server) runEvictor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.EvictInterval):
			s.evict(time.Now())
		}
	}
}

func (s *Server) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, session := range s.sessions {
		if now.Sub(session.LastSeen) > s.opts.StaleAfter {
			delete(s.sessions, key)
			s.logger.Debug().
				Str("name", session.Name).
				Str("addr", session.Addr).
				Msg("evicted session")
		}
	}
}

// Run serves until ctx is done and closes the socket.
func (s *Server) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	var recvErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		recvErr = s.runRecv(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runEvictor(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	var result *multierror.Error
	if recvErr != nil {
		result = multierror.Append(result, recvErr)
	}
	if err := s.conn.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("could not close udp: %w", err))
	}
	return result.ErrorOrNil()
}

func (s *Server) handle(ctx context.Context, m protocol.Message, addr *net.UDPAddr) error {
	switch m := m.(type) {
	case *protocol.GameBeacon:
		s.handleGameBeacon(m, addr)
		return nil
	case *protocol.RequestGameList:
		return s.handleRequestGameList(m, addr)
	case *protocol.RequestLadder:
		return s.handleRequestLadder(ctx, addr)
	}
	// peer to peer traffic has no business here
	return nil
}

func (s *Server) send(m protocol.Message, addr *net.UDPAddr) error {
	s.logger.Debug().
		Stringer("msg", m.ID()).
		Stringer("addr", addr).
		Msg("send")

	data, err := protocol.Encode(m)
	debug.Assert(err == nil)

	_, err = s.conn.WriteToUDP(data, addr)
	return err
}

func (s *Server) handleGameBeacon(m *protocol.GameBeacon, addr *net.UDPAddr) {
	name := protocol.String(m.Name[:])
	if name == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeAddrKey(addr)
	if _, ok := s.sessions[key]; !ok {
		s.logger.Info().
			Str("name", name).
			Stringer("addr", addr).
			Msg("new session")
	}
	s.sessions[key] = &Session{
		Name:       name,
		Password:   m.Password,
		Players:    int(m.Players),
		MaxPlayers: int(m.MaxPlayers),
		Addr:       addr.String(),
		LastSeen:   time.Now(),
		addr:       addr,
	}
}

// Sessions returns the listed sessions in the order they are paged.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, *session)
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.Addr, b.Addr)
	})
	return out
}

// page builds page n of the listing. ok is false when n is past the end.
func page(sessions []Session, n uint32) (*protocol.GameList, bool) {
	total := max((len(sessions)+protocol.GameListLen-1)/protocol.GameListLen, 1)
	if int(n) >= total {
		return nil, false
	}

	m := &protocol.GameList{Page: n, TotalPages: uint32(total)}
	start := int(n) * protocol.GameListLen
	end := min(start+protocol.GameListLen, len(sessions))
	for i, session := range sessions[start:end] {
		g := &m.List[i]
		protocol.PutString(g.Name[:], session.Name)
		g.Password = session.Password
		g.Host = protocol.HostFromIP(session.addr.IP)
		g.Port = uint16(session.addr.Port)
	}
	return m, true
}

func (s *Server) handleRequestGameList(m *protocol.RequestGameList, addr *net.UDPAddr) error {
	gl, ok := page(s.Sessions(), m.Ack)
	if !ok {
		return fmt.Errorf("page %d out of range", m.Ack)
	}
	return s.send(gl, addr)
}

func clampUint16(v int) uint16 {
	return uint16(min(max(v, 0), math.MaxUint16))
}

func (s *Server) handleRequestLadder(ctx context.Context, addr *net.UDPAddr) error {
	m := &protocol.Ladder{}
	if s.ladder != nil {
		ctx, cancel := context.WithTimeout(ctx, s.opts.LadderTimeout)
		defer cancel()

		top, err := s.ladder.Top(ctx, protocol.LadderListLen)
		if err != nil {
			return fmt.Errorf("could not read ladder: %w", err)
		}
		for i, e := range top {
			if i >= len(m.List) {
				break
			}
			le := &m.List[i]
			protocol.PutString(le.Name[:], e.Name)
			le.Wins = clampUint16(e.Wins)
			le.Losses = clampUint16(e.Losses)
			le.Score = int32(min(max(e.Score, math.MinInt32), math.MaxInt32))
		}
	}
	return s.send(m, addr)
}
