// Package transport owns the single datagram endpoint used for LAN broadcast
// and unicast traffic.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

var (
	ErrNoPort = errors.New("could not bind any port")
	ErrClosed = errors.New("transport closed")
)

// Datagram is one received packet and the address it came from. Data is owned
// by the receiver.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// Conn is what the multiplayer core needs from the network. Implementations
// never block in TryReceive.
type Conn interface {
	SendTo(addr *net.UDPAddr, data []byte) error
	// Broadcast sends data to every node listening on the LAN broadcast
	// address.
	Broadcast(data []byte) error
	TryReceive() (Datagram, bool)

	LocalAddr() *net.UDPAddr
	// IsLocal reports whether datagrams from addr were sent by this
	// endpoint, as happens with broadcasts.
	IsLocal(addr *net.UDPAddr) bool
	// StandardPort reports whether the preferred port was bound, as opposed
	// to an ephemeral fallback.
	StandardPort() bool

	// SetProvider records the address of the remote session provider. An
	// empty address clears it.
	SetProvider(address string) error
	Provider() *net.UDPAddr

	Close() error
}

// provider is embedded by the implementations to remember the relay address.
type provider struct {
	mu   sync.Mutex
	addr *net.UDPAddr
}

func (p *provider) SetProvider(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if address == "" {
		p.addr = nil
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return fmt.Errorf("could not resolve provider addr: %w", err)
	}
	p.addr = addr
	return nil
}

func (p *provider) Provider() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// SameAddr compares two addresses by ip and port.
func SameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
