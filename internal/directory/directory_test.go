package directory_test

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/blukai/kingdomsnet/internal/directory"
	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/matryer/is"
)

func beacon(name string, players uint8) *protocol.GameBeacon {
	m := &protocol.GameBeacon{Players: players, MaxPlayers: 7}
	protocol.PutString(m.Name[:], name)
	return m
}

func addr(i int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, byte(i/250), byte(1+i%250)), Port: 19255}
}

func page(n, total uint32, rows int, offset int) *protocol.GameList {
	m := &protocol.GameList{Page: n, TotalPages: total}
	for i := 0; i < rows; i++ {
		a := addr(offset + i)
		protocol.PutString(m.List[i].Name[:], fmt.Sprintf("game-%d", offset+i))
		m.List[i].Host = protocol.HostFromIP(a.IP)
		m.List[i].Port = uint16(a.Port)
	}
	return m
}

func TestBeaconsFromSameHostOverwrite(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	d := directory.New(16, 5*time.Second)

	changed, err := d.AddBeacon(addr(1), beacon("Arena", 1), now)
	is.NoErr(err)
	is.True(changed)

	// identical re-announcement refreshes, doesn't change
	changed, err = d.AddBeacon(addr(1), beacon("Arena", 1), now.Add(time.Second))
	is.NoErr(err)
	is.True(!changed)

	changed, err = d.AddBeacon(addr(1), beacon("Arena II", 2), now.Add(2*time.Second))
	is.NoErr(err)
	is.True(changed)

	is.Equal(d.Len(), 1)
	s, ok := d.Get(0)
	is.True(ok)
	is.Equal(s.Name, "Arena II")
	is.Equal(s.Players, 2)
	is.Equal(s.ID, directory.SessionID(addr(1)))
}

func TestStaleEviction(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	d := directory.New(16, 5*time.Second)

	_, err := d.AddBeacon(addr(1), beacon("old", 1), now)
	is.NoErr(err)
	_, err = d.AddBeacon(addr(2), beacon("fresh", 1), now.Add(4*time.Second))
	is.NoErr(err)

	is.True(!d.Evict(now.Add(5 * time.Second)))
	is.True(d.Evict(now.Add(6 * time.Second)))

	sessions := d.Sessions()
	is.Equal(len(sessions), 1)
	is.Equal(sessions[0].Name, "fresh")
}

func TestCapacity(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	d := directory.New(2, 0)

	_, err := d.AddBeacon(addr(1), beacon("a", 1), now)
	is.NoErr(err)
	_, err = d.AddBeacon(addr(2), beacon("b", 1), now)
	is.NoErr(err)
	_, err = d.AddBeacon(addr(3), beacon("c", 1), now)
	is.True(errors.Is(err, directory.ErrFull))
	is.Equal(d.Len(), 2)

	// existing entries can still be refreshed when full
	_, err = d.AddBeacon(addr(2), beacon("b", 3), now)
	is.NoErr(err)
}

func TestRelayPagination(t *testing.T) {
	t.Run("all pages", func(t *testing.T) {
		is := is.New(t)

		now := time.Unix(1000, 0)
		d := directory.New(64, time.Minute)
		d.BeginListing(now)

		for p := uint32(0); p < 3; p++ {
			complete, err := d.AddPage(page(p, 3, protocol.GameListLen, int(p)*protocol.GameListLen), now)
			is.NoErr(err)
			is.Equal(complete, p == 2)
			if p < 2 {
				is.Equal(d.Len(), 0) // partial listings stay invisible
			}
		}
		is.Equal(d.Len(), 30)
	})

	t.Run("only first page before reset", func(t *testing.T) {
		is := is.New(t)

		now := time.Unix(1000, 0)
		d := directory.New(64, time.Minute)
		d.BeginListing(now)

		complete, err := d.AddPage(page(0, 3, protocol.GameListLen, 0), now)
		is.NoErr(err)
		is.True(!complete)

		d.BeginListing(now.Add(time.Second))
		is.Equal(d.Len(), 0)

		// the remaining pages of the abandoned round can't complete it
		complete, err = d.AddPage(page(1, 3, protocol.GameListLen, 10), now)
		is.NoErr(err)
		is.True(!complete)
		complete, err = d.AddPage(page(2, 3, protocol.GameListLen, 20), now)
		is.NoErr(err)
		is.True(!complete)
		is.Equal(d.Len(), 0)
	})

	t.Run("new snapshot replaces old", func(t *testing.T) {
		is := is.New(t)

		now := time.Unix(1000, 0)
		d := directory.New(64, time.Minute)

		d.BeginListing(now)
		_, err := d.AddPage(page(0, 1, 5, 0), now)
		is.NoErr(err)
		is.Equal(d.Len(), 5)

		d.BeginListing(now)
		complete, err := d.AddPage(page(0, 1, 2, 100), now)
		is.NoErr(err)
		is.True(complete)
		is.Equal(d.Len(), 2)
		s, _ := d.Get(0)
		is.Equal(s.Name, "game-100")
	})

	t.Run("empty listing", func(t *testing.T) {
		is := is.New(t)

		d := directory.New(64, time.Minute)
		complete, err := d.AddPage(&protocol.GameList{Page: 0, TotalPages: 0}, time.Unix(1000, 0))
		is.NoErr(err)
		is.True(complete)
		is.Equal(d.Len(), 0)
	})
}

func TestSort(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	d := directory.New(16, 0)

	d.BeginListing(now)
	_, _ = d.AddBeacon(addr(1), beacon("charlie", 1), now.Add(30*time.Millisecond))
	_, _ = d.AddBeacon(addr(2), beacon("alpha", 3), now.Add(10*time.Millisecond))
	_, _ = d.AddBeacon(addr(3), beacon("bravo", 2), now.Add(20*time.Millisecond))

	names := func() (out []string) {
		for _, s := range d.Sessions() {
			out = append(out, s.Name)
		}
		return out
	}

	is.Equal(names(), []string{"charlie", "alpha", "bravo"})

	d.Sort(directory.SortByName)
	is.Equal(names(), []string{"alpha", "bravo", "charlie"})

	d.Sort(directory.SortByPing)
	is.Equal(names(), []string{"alpha", "bravo", "charlie"})

	d.Sort(directory.SortByPlayers)
	is.Equal(names(), []string{"alpha", "bravo", "charlie"})

	// order is kept for later arrivals
	d.Sort(directory.SortByName)
	_, _ = d.AddBeacon(addr(4), beacon("aardvark", 1), now)
	is.Equal(names()[0], "aardvark")
}
