package transport

import (
	"fmt"
	"net"
	"sync"
)

// Hub is an in-process datagram network. Endpoints are addressed by ip:port
// like real udp sockets, so several nodes can each own the standard port on
// their own ip. Useful for tests that need deterministic delivery.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Mem
	nextPort  int

	// Filter, if set, is consulted for every datagram; returning false
	// drops it.
	Filter func(from, to *net.UDPAddr, data []byte) bool
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Mem),
		nextPort:  40000,
	}
}

// Bind creates an endpoint on ip, preferring the given port and falling back
// to an ephemeral one. The broadcast port is where Broadcast delivers.
func (h *Hub) Bind(ip string, preferred, broadcastPort int) (*Mem, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return nil, fmt.Errorf("%w: invalid ip %q", ErrNoPort, ip)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	addr := &net.UDPAddr{IP: parsed, Port: preferred}
	standard := preferred != 0
	if preferred == 0 || h.endpoints[addr.String()] != nil {
		standard = false
		addr = &net.UDPAddr{IP: parsed, Port: h.nextPort}
		h.nextPort++
	}

	m := &Mem{
		hub:           h,
		addr:          addr,
		standard:      standard,
		broadcastPort: broadcastPort,
		queue:         make(chan Datagram, 1024),
	}
	h.endpoints[addr.String()] = m
	return m, nil
}

func (h *Hub) deliver(from, to *net.UDPAddr, data []byte) {
	h.mu.Lock()
	dst := h.endpoints[to.String()]
	filter := h.Filter
	h.mu.Unlock()

	if dst == nil {
		return
	}
	if filter != nil && !filter(from, to, data) {
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case dst.queue <- Datagram{Data: cp, Addr: from}:
	default:
	}
}

// Mem is an endpoint of a Hub.
type Mem struct {
	provider

	hub           *Hub
	addr          *net.UDPAddr
	standard      bool
	broadcastPort int

	queue chan Datagram
}

var _ Conn = (*Mem)(nil)

func (m *Mem) SendTo(addr *net.UDPAddr, data []byte) error {
	if m.hub == nil {
		return ErrClosed
	}
	m.hub.deliver(m.addr, addr, data)
	return nil
}

func (m *Mem) Broadcast(data []byte) error {
	if m.hub == nil {
		return ErrClosed
	}

	m.hub.mu.Lock()
	var targets []*net.UDPAddr
	for _, e := range m.hub.endpoints {
		if e != m && e.addr.Port == m.broadcastPort {
			targets = append(targets, e.addr)
		}
	}
	m.hub.mu.Unlock()

	for _, to := range targets {
		m.hub.deliver(m.addr, to, data)
	}
	return nil
}

func (m *Mem) TryReceive() (Datagram, bool) {
	select {
	case d := <-m.queue:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (m *Mem) LocalAddr() *net.UDPAddr { return m.addr }
func (m *Mem) StandardPort() bool      { return m.standard }

func (m *Mem) IsLocal(addr *net.UDPAddr) bool {
	return SameAddr(addr, m.addr)
}

func (m *Mem) Close() error {
	if m.hub == nil {
		return nil
	}
	m.hub.mu.Lock()
	delete(m.hub.endpoints, m.addr.String())
	m.hub.mu.Unlock()
	m.hub = nil
	return nil
}
