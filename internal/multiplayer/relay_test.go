package multiplayer_test

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/blukai/kingdomsnet/internal/multiplayer"
	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/blukai/kingdomsnet/internal/transport"
	"github.com/matryer/is"
)

const relayAddr = "10.0.0.100:7000"

// fakeRelay answers listing and ladder requests from a fixed set of pages.
type fakeRelay struct {
	t    *testing.T
	conn *transport.Mem

	pages uint32
	// serve limits which pages are answered, nil answers all
	serve func(page uint32) bool

	beacons  []protocol.GameBeacon
	requests []uint32
}

func newFakeRelay(t *testing.T, nw *network, pages uint32) *fakeRelay {
	conn, err := nw.hub.Bind("10.0.0.100", 7000, port)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakeRelay{t: t, conn: conn, pages: pages}
}

func (r *fakeRelay) page(n uint32) *protocol.GameList {
	m := &protocol.GameList{Page: n, TotalPages: r.pages}
	for i := range m.List {
		g := &m.List[i]
		protocol.PutString(g.Name[:], fmt.Sprintf("Game %d-%d", n, i))
		g.Host = protocol.HostFromIP(net.IPv4(10, 1, byte(n), byte(i+1)))
		g.Port = port
	}
	return m
}

func (r *fakeRelay) send(to *net.UDPAddr, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		r.t.Fatal(err)
	}
	if err := r.conn.SendTo(to, data); err != nil {
		r.t.Fatal(err)
	}
}

// run answers everything queued so far.
func (r *fakeRelay) run() {
	for {
		d, ok := r.conn.TryReceive()
		if !ok {
			return
		}
		m, err := protocol.Decode(d.Data)
		if err != nil {
			r.t.Fatal(err)
		}
		switch m := m.(type) {
		case *protocol.GameBeacon:
			r.beacons = append(r.beacons, *m)
		case *protocol.RequestGameList:
			r.requests = append(r.requests, m.Ack)
			if r.serve == nil || r.serve(m.Ack) {
				r.send(d.Addr, r.page(m.Ack))
			}
		case *protocol.RequestLadder:
			ladder := &protocol.Ladder{}
			protocol.PutString(ladder.List[0].Name[:], "Alice")
			ladder.List[0].Wins = 12
			ladder.List[0].Losses = 3
			ladder.List[0].Score = 1450
			protocol.PutString(ladder.List[1].Name[:], "Bob")
			ladder.List[1].Losses = 7
			ladder.List[1].Score = -20
			r.send(d.Addr, ladder)
		}
	}
}

func relayMode(c *multiplayer.Config) {
	c.Discovery = multiplayer.DiscoveryRelay
	c.RelayAddr = relayAddr
}

func TestRelayListing(t *testing.T) {
	is := is.New(t)
	nw := newNetwork(t)
	relay := newFakeRelay(t, nw, 3)
	bob := nw.node("10.0.0.2", relayMode)
	is.Equal(bob.Discovery(), multiplayer.DiscoveryRelay)

	is.NoErr(bob.RequestListing())
	is.Equal(bob.Status(), multiplayer.StatusRequestingGameList)

	for i := 0; i < 3; i++ {
		relay.run()
		bob.Yield()
	}

	is.Equal(relay.requests, []uint32{0, 1, 2})
	is.Equal(bob.Status(), multiplayer.StatusIdle)
	is.NoErr(bob.Failure())
	is.Equal(bob.SessionCount(), 30)

	s, ok := bob.Session(0)
	is.True(ok)
	is.Equal(s.Name, "Game 0-0")
	is.True(transport.SameAddr(s.Addr, &net.UDPAddr{IP: net.IPv4(10, 1, 0, 1), Port: port}))

	// a second round replaces the first
	relay.pages = 1
	is.NoErr(bob.RequestListing())
	is.Equal(bob.SessionCount(), 0)
	relay.run()
	report := bob.Yield()
	is.True(report.ListingChanged)
	is.Equal(bob.SessionCount(), 10)
}

func TestRelayListingIncomplete(t *testing.T) {
	is := is.New(t)
	nw := newNetwork(t)
	relay := newFakeRelay(t, nw, 3)
	relay.serve = func(page uint32) bool { return page == 0 }
	bob := nw.node("10.0.0.2", relayMode)

	is.NoErr(bob.RequestListing())

	var failure error
	for i := 0; i < 20 && failure == nil; i++ {
		relay.run()
		failure = bob.Yield().Failure
		is.Equal(bob.SessionCount(), 0) // partial listings never show
		nw.clock.advance(500 * time.Millisecond)
	}
	is.True(errors.Is(failure, multiplayer.ErrListingTimeout))
	is.Equal(bob.Status(), multiplayer.StatusIdle)
	is.Equal(bob.SessionCount(), 0)

	// page 1 was asked for again while waiting
	var retries int
	for _, ack := range relay.requests {
		if ack == 1 {
			retries++
		}
	}
	is.True(retries > 1)
}

func TestRelayIgnoresOtherSenders(t *testing.T) {
	is := is.New(t)
	nw := newNetwork(t)
	newFakeRelay(t, nw, 1)
	bob := nw.node("10.0.0.2", relayMode)
	impostor, err := nw.hub.Bind("10.0.0.66", port, port)
	is.NoErr(err)
	defer impostor.Close()

	is.NoErr(bob.RequestListing())

	page, err := protocol.Encode(&protocol.GameList{TotalPages: 1})
	is.NoErr(err)
	is.NoErr(impostor.SendTo(bob.LocalAddr(), page))
	bob.Yield()
	is.Equal(bob.Status(), multiplayer.StatusRequestingGameList)
}

func TestRelayBeacons(t *testing.T) {
	is := is.New(t)
	nw := newNetwork(t)
	relay := newFakeRelay(t, nw, 1)
	host := nw.node("10.0.0.1", relayMode)
	lan := nw.node("10.0.0.2")

	is.NoErr(host.CreateSession("Arena", "pw", "Alice", 4))
	host.Yield()
	relay.run()
	lan.Yield()

	is.Equal(len(relay.beacons), 1)
	is.Equal(protocol.String(relay.beacons[0].Name[:]), "Arena")
	is.True(relay.beacons[0].Password)
	// nothing was broadcast
	is.Equal(lan.SessionCount(), 0)
}

func TestLadder(t *testing.T) {
	is := is.New(t)
	nw := newNetwork(t)
	relay := newFakeRelay(t, nw, 1)
	bob := nw.node("10.0.0.2", relayMode)

	_, ok := bob.Ladder()
	is.True(!ok)

	is.NoErr(bob.RequestLadder())
	is.Equal(bob.Status(), multiplayer.StatusRequestingLadder)

	// one auxiliary request at a time
	err := bob.RequestListing()
	is.True(errors.Is(err, multiplayer.ErrInvalidState))

	relay.run()
	report := bob.Yield()
	is.True(report.StatusChanged)
	is.Equal(bob.Status(), multiplayer.StatusIdle)

	ladder, ok := bob.Ladder()
	is.True(ok)
	is.Equal(ladder, []multiplayer.LadderEntry{
		{Name: "Alice", Wins: 12, Losses: 3, Score: 1450},
		{Name: "Bob", Wins: 0, Losses: 7, Score: -20},
	})
}

func TestLadderTimeout(t *testing.T) {
	is := is.New(t)
	nw := newNetwork(t)
	host := nw.node("10.0.0.1", relayMode) // no relay listening
	is.NoErr(host.CreateSession("Arena", "", "Alice", 4))

	is.NoErr(host.RequestLadder())
	is.Equal(host.Status(), multiplayer.StatusRequestingLadder)
	is.True(host.IsPregame())

	var failure error
	for i := 0; i < 10 && failure == nil; i++ {
		nw.clock.advance(500 * time.Millisecond)
		failure = host.Yield().Failure
	}
	is.True(errors.Is(failure, multiplayer.ErrLadderTimeout))
	// back to where it was
	is.Equal(host.Status(), multiplayer.StatusPreGame)
	is.Equal(host.PlayerCount(), 1)
}

func TestSwitchProvider(t *testing.T) {
	is := is.New(t)
	nw := newNetwork(t)
	host := nw.node("10.0.0.1")
	bob := nw.node("10.0.0.2")

	is.NoErr(host.CreateSession("Arena", "", "Alice", 4))
	pump(host, bob)
	is.Equal(bob.SessionCount(), 1)

	is.NoErr(bob.SetRemoteSessionProvider(relayAddr))
	is.Equal(bob.Discovery(), multiplayer.DiscoveryRelay)
	is.Equal(bob.SessionCount(), 0)

	// LAN beacons no longer count
	nw.clock.advance(time.Second)
	pump(host, bob)
	is.Equal(bob.SessionCount(), 0)

	is.NoErr(bob.SetRemoteSessionProvider(""))
	is.Equal(bob.Discovery(), multiplayer.DiscoveryLAN)
	err := bob.RequestLadder()
	is.True(errors.Is(err, multiplayer.ErrNoProvider))
}
