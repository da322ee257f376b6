package transport_test

import (
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/blukai/kingdomsnet/internal/transport"
	"github.com/matryer/is"
)

func waitReceive(t *testing.T, c transport.Conn) transport.Datagram {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d, ok := c.TryReceive(); ok {
			return d
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no datagram received")
	return transport.Datagram{}
}

func TestUDPSendReceive(t *testing.T) {
	is := is.New(t)

	a, err := transport.Listen(transport.Options{Host: "127.0.0.1"}, nil)
	is.NoErr(err)
	defer a.Close()

	b, err := transport.Listen(transport.Options{Host: "127.0.0.1"}, nil)
	is.NoErr(err)
	defer b.Close()

	_, ok := b.TryReceive()
	is.True(!ok) // nothing queued yet, must not block

	err = a.SendTo(b.LocalAddr(), []byte("hello"))
	is.NoErr(err)

	d := waitReceive(t, b)
	is.Equal(string(d.Data), "hello")
	is.True(transport.SameAddr(d.Addr, a.LocalAddr()))
}

func TestUDPReadsOnCallerGoroutine(t *testing.T) {
	is := is.New(t)

	before := runtime.NumGoroutine()
	a, err := transport.Listen(transport.Options{Host: "127.0.0.1"}, nil)
	is.NoErr(err)
	defer a.Close()
	is.Equal(runtime.NumGoroutine(), before)

	b, err := transport.Listen(transport.Options{Host: "127.0.0.1"}, nil)
	is.NoErr(err)
	defer b.Close()

	for _, s := range []string{"one", "two", "three"} {
		is.NoErr(b.SendTo(a.LocalAddr(), []byte(s)))
	}

	var got []string
	deadline := time.Now().Add(time.Second)
	for len(got) < 3 && time.Now().Before(deadline) {
		if d, ok := a.TryReceive(); ok {
			got = append(got, string(d.Data))
			is.True(transport.SameAddr(d.Addr, b.LocalAddr()))
			continue
		}
		time.Sleep(time.Millisecond)
	}
	is.Equal(got, []string{"one", "two", "three"})

	_, ok := a.TryReceive()
	is.True(!ok)

	// closed sockets report nothing instead of failing
	is.NoErr(a.Close())
	_, ok = a.TryReceive()
	is.True(!ok)
}

func TestUDPIsLocal(t *testing.T) {
	is := is.New(t)

	bound, err := transport.Listen(transport.Options{Host: "127.0.0.1"}, nil)
	is.NoErr(err)
	defer bound.Close()
	port := bound.LocalAddr().Port

	is.True(bound.IsLocal(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}))
	is.True(!bound.IsLocal(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port + 1}))
	is.True(!bound.IsLocal(&net.UDPAddr{IP: net.IPv4(10, 9, 8, 7), Port: port}))
	is.True(!bound.IsLocal(nil))

	wildcard, err := transport.Listen(transport.Options{}, nil)
	is.NoErr(err)
	defer wildcard.Close()
	port = wildcard.LocalAddr().Port

	// a wildcard bind answers on loopback too
	is.True(wildcard.IsLocal(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}))
	is.True(!wildcard.IsLocal(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port + 1}))
}

func TestUDPPreferredPortFallback(t *testing.T) {
	is := is.New(t)

	first, err := transport.Listen(transport.Options{Host: "127.0.0.1"}, nil)
	is.NoErr(err)
	defer first.Close()
	taken := first.LocalAddr().Port

	second, err := transport.Listen(transport.Options{Host: "127.0.0.1", PreferredPort: taken}, nil)
	is.NoErr(err)
	defer second.Close()

	is.True(second.LocalAddr().Port != taken)
	is.True(!second.StandardPort())
}

func TestUDPBroadcastAddrOverride(t *testing.T) {
	is := is.New(t)

	target, err := transport.Listen(transport.Options{Host: "127.0.0.1"}, nil)
	is.NoErr(err)
	defer target.Close()

	sender, err := transport.Listen(transport.Options{
		Host:          "127.0.0.1",
		BroadcastAddr: target.LocalAddr().String(),
	}, nil)
	is.NoErr(err)
	defer sender.Close()

	is.NoErr(sender.Broadcast([]byte("beacon")))
	d := waitReceive(t, target)
	is.Equal(string(d.Data), "beacon")
}

func TestProvider(t *testing.T) {
	is := is.New(t)

	hub := transport.NewHub()
	m, err := hub.Bind("10.0.0.1", 19255, 19255)
	is.NoErr(err)

	is.True(m.Provider() == nil)
	is.NoErr(m.SetProvider("10.0.0.9:5000"))
	is.Equal(m.Provider().String(), "10.0.0.9:5000")
	is.NoErr(m.SetProvider(""))
	is.True(m.Provider() == nil)
}

func TestHub(t *testing.T) {
	is := is.New(t)

	hub := transport.NewHub()
	a, err := hub.Bind("10.0.0.1", 19255, 19255)
	is.NoErr(err)
	b, err := hub.Bind("10.0.0.2", 19255, 19255)
	is.NoErr(err)
	c, err := hub.Bind("10.0.0.2", 19255, 19255)
	is.NoErr(err)

	is.True(a.StandardPort())
	is.True(!c.StandardPort())

	is.NoErr(a.Broadcast([]byte("x")))
	d, ok := b.TryReceive()
	is.True(ok)
	is.Equal(string(d.Data), "x")
	_, ok = c.TryReceive() // not on the broadcast port
	is.True(!ok)
	_, ok = a.TryReceive() // no loopback to self
	is.True(!ok)
	is.True(a.IsLocal(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 19255}))
	is.True(!a.IsLocal(b.LocalAddr()))

	hub.Filter = func(from, to *net.UDPAddr, data []byte) bool { return false }
	is.NoErr(a.SendTo(c.LocalAddr(), []byte("dropped")))
	_, ok = c.TryReceive()
	is.True(!ok)
}
