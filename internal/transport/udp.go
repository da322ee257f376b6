package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"syscall"

	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/phuslu/log"
)

type Options struct {
	// Host is the local ip to bind, empty means all interfaces.
	Host          string
	PreferredPort int
	// BroadcastAddr is an ip or ip:port. Without a port the preferred port
	// is used, which is where other nodes listen.
	BroadcastAddr string
}

// errNoDatagram is returned by readNow when the socket has nothing queued.
var errNoDatagram = errors.New("no datagram queued")

// UDP is a Conn backed by one udp4 socket. Datagrams stay in the socket
// buffer until TryReceive reads them on the caller's goroutine.
type UDP struct {
	provider

	conn      *net.UDPConn
	raw       syscall.RawConn
	broadcast *net.UDPAddr
	standard  bool
	// localIPs are the interface addresses a wildcard bind answers on.
	localIPs []net.IP

	logger *log.Logger

	buf []byte
}

var _ Conn = (*UDP)(nil)

// Listen binds the preferred port and falls back to an ephemeral one if it is
// taken. Failing both is fatal.
func Listen(opts Options, logger *log.Logger) (*UDP, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	ip := net.IPv4zero
	if opts.Host != "" {
		ip = net.ParseIP(opts.Host)
		if ip == nil {
			return nil, fmt.Errorf("invalid host %q", opts.Host)
		}
	}

	standard := true
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: opts.PreferredPort})
	if err != nil {
		logger.Warn().
			Int("port", opts.PreferredPort).
			Err(err).
			Msg("could not bind preferred port, falling back to ephemeral")

		standard = false
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoPort, err)
		}
	}

	broadcast, err := resolveBroadcast(opts.BroadcastAddr, opts.PreferredPort)
	if err != nil {
		conn.Close()
		return nil, err
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not get raw conn: %w", err)
	}

	u := &UDP{
		conn:      conn,
		raw:       raw,
		broadcast: broadcast,
		standard:  standard,
		localIPs:  interfaceIPs(logger),
		logger:    logger,
		buf:       make([]byte, protocol.MaxDatagramSize),
	}
	return u, nil
}

func interfaceIPs(logger *log.Logger) []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.Warn().Err(err).Msg("could not list interface addresses")
		return nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips
}

func resolveBroadcast(address string, port int) (*net.UDPAddr, error) {
	if address == "" {
		address = net.IPv4bcast.String()
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, fmt.Sprint(port))
	}
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve broadcast addr: %w", err)
	}
	return addr, nil
}

// TryReceive reads one datagram if the socket has one queued. It never waits
// for the network.
func (u *UDP) TryReceive() (Datagram, bool) {
	for {
		n, addr, err := u.readNow(u.buf)
		switch {
		case errors.Is(err, errNoDatagram):
			return Datagram{}, false
		case errors.Is(err, net.ErrClosed):
			return Datagram{}, false
		case err != nil:
			u.logger.Error().
				Msgf("could not read from udp: %v", err)
			return Datagram{}, false
		case addr == nil:
			// not an ipv4 sender
			continue
		}

		data := make([]byte, n)
		copy(data, u.buf[:n])
		return Datagram{Data: data, Addr: addr}, true
	}
}

func (u *UDP) SendTo(addr *net.UDPAddr, data []byte) error {
	if _, err := u.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("could not write to %s: %w", addr, err)
	}
	return nil
}

func (u *UDP) Broadcast(data []byte) error {
	return u.SendTo(u.broadcast, data)
}

func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) IsLocal(addr *net.UDPAddr) bool {
	local := u.LocalAddr()
	if addr == nil || addr.Port != local.Port {
		return false
	}
	if !local.IP.IsUnspecified() {
		return local.IP.Equal(addr.IP)
	}
	return addr.IP.IsLoopback() || slices.ContainsFunc(u.localIPs, addr.IP.Equal)
}

func (u *UDP) StandardPort() bool {
	return u.standard
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
