// Package multiplayer discovers, hosts and joins game sessions and moves
// application messages between the players of a session.
//
// A MultiPlayer is driven by its owner calling Yield once per game tick. Yield
// never waits for the network: it drains whatever datagrams are queued, runs
// due timers and returns what changed. None of the methods are safe for
// concurrent use.
package multiplayer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/blukai/kingdomsnet/internal/directory"
	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/blukai/kingdomsnet/internal/registry"
	"github.com/blukai/kingdomsnet/internal/stream"
	"github.com/blukai/kingdomsnet/internal/transport"
	"github.com/phuslu/log"
)

var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrInvalidState        = errors.New("invalid state for operation")
	ErrNoSession           = errors.New("no such session")
	ErrNoProvider          = errors.New("no remote session provider")
	ErrNotConnected        = errors.New("not in a session")
	ErrUnknownPlayer       = errors.New("unknown player")
	ErrTooLarge            = errors.New("message too large")

	// handshake and request outcomes, reported through Failure and Report
	ErrSessionFull     = errors.New("session full")
	ErrConnectTimeout  = errors.New("connect timed out")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrBadPassword     = errors.New("bad password")
	ErrNotAccepting    = errors.New("session not accepting connections")
	ErrListingTimeout  = errors.New("session listing timed out")
	ErrLadderTimeout   = errors.New("ladder request timed out")
)

type Option func(mp *MultiPlayer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(mp *MultiPlayer) {
		mp.now = now
	}
}

// LadderEntry is one row of the ladder standings.
type LadderEntry struct {
	Name   string
	Wins   int
	Losses int
	Score  int
}

type MultiPlayer struct {
	cfg    Config
	conn   transport.Conn
	logger *log.Logger
	now    func() time.Time

	protocols ProtocolType

	status Status
	// prior is where an auxiliary state returns to
	prior   Status
	failure error

	directory *directory.Directory
	players   *registry.Registry
	sequencer *stream.Sequencer
	reasm     *stream.Reassembler

	// the session we host or joined
	session          directory.Session
	hosting          bool
	allowConnections bool
	lastBeacon       time.Time
	intros           map[uint32]*introduction

	// client handshake
	pendingName     string
	connectMsg      []byte
	connectSentAt   time.Time
	connectAttempts int

	// auxiliary requests
	auxStarted  time.Time
	auxSentAt   time.Time
	pageWanted  uint32
	ladder      []LadderEntry
	ladderValid bool

	updateAvailable bool
	lobby           Lobby
	// observed is our own address as seen by the host
	observed *net.UDPAddr

	datagrams []*Message
	streams   []*Message

	anomalies uint64
	report    Report
}

// Open binds the transport described by cfg and returns a ready MultiPlayer.
// Protocols must contain at least one supported protocol.
func Open(cfg Config, protocols ProtocolType, logger *log.Logger) (*MultiPlayer, error) {
	if protocols&SupportedProtocols() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocols)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := transport.Listen(transport.Options{
		Host:          cfg.Host,
		PreferredPort: cfg.PreferredPort,
		BroadcastAddr: cfg.BroadcastAddr,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("could not open transport: %w", err)
	}

	mp, err := New(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	mp.protocols = protocols & SupportedProtocols()
	return mp, nil
}

// New wraps an already bound transport. The MultiPlayer owns conn from now on.
func New(conn transport.Conn, cfg Config, logger *log.Logger, opts ...Option) (*MultiPlayer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Version == (protocol.Version{}) {
		cfg.Version = Version
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	mp := &MultiPlayer{
		cfg:       cfg,
		conn:      conn,
		logger:    logger,
		now:       time.Now,
		protocols: ProtocolTCPIP,

		directory: directory.New(cfg.MaxSessions, cfg.StaleSessionAfter),
		players:   registry.New(registry.MaxNations),
		sequencer: stream.NewSequencer(),
		reasm:     stream.NewReassembler(cfg.StreamReassemblyTimeout),
		intros:    make(map[uint32]*introduction),
	}
	for _, opt := range opts {
		opt(mp)
	}

	if cfg.RelayAddr != "" {
		if err := conn.SetProvider(cfg.RelayAddr); err != nil {
			return nil, err
		}
	}

	logger.Debug().
		Stringer("addr", conn.LocalAddr()).
		Bool("standard_port", conn.StandardPort()).
		Str("discovery", string(cfg.Discovery)).
		Msg("multiplayer ready")

	return mp, nil
}

func (mp *MultiPlayer) Close() error {
	mp.CloseSession()
	return mp.conn.Close()
}

// Protocols is the set of protocols this instance was opened with.
func (mp *MultiPlayer) Protocols() ProtocolType { return mp.protocols }

func (mp *MultiPlayer) IsProtocolSupported(p ProtocolType) bool {
	return p != ProtocolNone && mp.protocols&p == p
}

func (mp *MultiPlayer) LocalAddr() *net.UDPAddr { return mp.conn.LocalAddr() }

// StandardPort reports whether the preferred port could be bound.
func (mp *MultiPlayer) StandardPort() bool { return mp.conn.StandardPort() }

func (mp *MultiPlayer) Status() Status { return mp.status }

func (mp *MultiPlayer) IsPregame() bool { return mp.baseStatus() == StatusPreGame }

// Failure is the reason the last handshake or request failed, or nil.
func (mp *MultiPlayer) Failure() error { return mp.failure }

// IsUpdateAvailable reports whether a peer turned us away for speaking an
// older protocol version.
func (mp *MultiPlayer) IsUpdateAvailable() bool { return mp.updateAvailable }

// Anomalies counts dropped datagrams that were malformed or came from
// unknown senders.
func (mp *MultiPlayer) Anomalies() uint64 { return mp.anomalies }

// ObservedAddr is the address the session host sees us at, once it told us.
func (mp *MultiPlayer) ObservedAddr() *net.UDPAddr { return mp.observed }

// Hosting reports whether this process hosts the current session.
func (mp *MultiPlayer) Hosting() bool { return mp.hosting }

// CurrentSession returns the session this process hosts or joined.
func (mp *MultiPlayer) CurrentSession() (directory.Session, bool) {
	if mp.baseStatus() == StatusIdle {
		return directory.Session{}, false
	}
	return mp.session, true
}

// baseStatus is the status with auxiliary states resolved to the one they
// return to.
func (mp *MultiPlayer) baseStatus() Status {
	if mp.status.auxiliary() {
		return mp.prior
	}
	return mp.status
}

func (mp *MultiPlayer) setStatus(s Status) {
	if s == mp.status {
		return
	}
	mp.logger.Debug().
		Stringer("from", mp.status).
		Stringer("to", s).
		Msg("status")
	mp.status = s
	mp.report.StatusChanged = true
}

func (mp *MultiPlayer) enterAux(s Status, now time.Time) error {
	switch mp.status {
	case StatusIdle, StatusPreGame:
	default:
		return fmt.Errorf("%w: %s from %s", ErrInvalidState, s, mp.status)
	}
	mp.prior = mp.status
	mp.auxStarted = now
	mp.auxSentAt = now
	mp.setStatus(s)
	return nil
}

func (mp *MultiPlayer) leaveAux(err error) {
	if !mp.status.auxiliary() {
		return
	}
	if err != nil {
		mp.fail(err)
	}
	mp.setStatus(mp.prior)
}

func (mp *MultiPlayer) fail(err error) {
	mp.logger.Warn().Err(err).Msg("multiplayer failure")
	mp.failure = err
	mp.report.Failure = err
}

func (mp *MultiPlayer) anomaly(addr *net.UDPAddr, reason string, err error) {
	mp.anomalies++
	mp.report.Anomalies++
	mp.logger.Debug().
		Stringer("addr", addr).
		Err(err).
		Msgf("dropped datagram: %s", reason)
}

// SetRemoteSessionProvider points discovery at a relay. An empty address goes
// back to LAN discovery.
func (mp *MultiPlayer) SetRemoteSessionProvider(address string) error {
	if err := mp.conn.SetProvider(address); err != nil {
		return err
	}
	if address == "" {
		mp.cfg.Discovery = DiscoveryLAN
	} else {
		mp.cfg.Discovery = DiscoveryRelay
	}
	mp.directory.Reset()
	return nil
}

func (mp *MultiPlayer) Discovery() Discovery { return mp.cfg.Discovery }

func resolve(address string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %q: %w", address, err)
	}
	return addr, nil
}

func (mp *MultiPlayer) encode(m protocol.Message) []byte {
	data, err := protocol.Encode(m)
	if err != nil {
		// system messages are fixed size and never fail to marshal
		panic(err)
	}
	return data
}

func (mp *MultiPlayer) sendMsg(addr *net.UDPAddr, m protocol.Message) error {
	mp.logger.Debug().
		Stringer("msg", m.ID()).
		Stringer("addr", addr).
		Msg("send")
	return mp.conn.SendTo(addr, mp.encode(m))
}
