// Package directory keeps the list of remote sessions discovered through LAN
// beacons or relay listings.
package directory

import (
	"cmp"
	"errors"
	"net"
	"slices"
	"time"

	"github.com/blukai/kingdomsnet/internal/protocol"
	"github.com/cespare/xxhash/v2"
)

var ErrFull = errors.New("session directory full")

// Session describes a joinable session, either hosted locally or discovered
// remotely. Password is only known for the session this process hosts.
type Session struct {
	Name             string
	Password         string
	PasswordRequired bool
	ID               uint32
	Addr             *net.UDPAddr

	Players    int
	MaxPlayers int

	// Ping is the time between the last listing request and the last
	// refresh of this entry.
	Ping     time.Duration
	LastSeen time.Time
}

// SessionID derives the id of a session from its host address, so that a
// host that re-announces itself replaces its previous entry.
func SessionID(addr *net.UDPAddr) uint32 {
	return uint32(xxhash.Sum64String(addr.String()))
}

type SortKey int

const (
	SortNone SortKey = iota
	SortByName
	SortByPing
	SortByPlayers
)

type Directory struct {
	capacity   int
	staleAfter time.Duration
	sortBy     SortKey

	sessions    []Session
	requestedAt time.Time

	// relay listing being assembled, keyed by page
	pending    map[uint32][]Session
	totalPages uint32
}

func New(capacity int, staleAfter time.Duration) *Directory {
	return &Directory{
		capacity:   capacity,
		staleAfter: staleAfter,
		pending:    make(map[uint32][]Session),
	}
}

// BeginListing marks the start of a listing round. Any partially received
// relay listing is discarded.
func (d *Directory) BeginListing(now time.Time) {
	d.requestedAt = now
	clear(d.pending)
	d.totalPages = 0
}

func (d *Directory) ping(now time.Time) time.Duration {
	if d.requestedAt.IsZero() {
		return 0
	}
	return now.Sub(d.requestedAt)
}

func (d *Directory) index(id uint32) int {
	return slices.IndexFunc(d.sessions, func(s Session) bool { return s.ID == id })
}

// AddBeacon records a session announced by addr. It reports whether the
// listing changed.
func (d *Directory) AddBeacon(addr *net.UDPAddr, m *protocol.GameBeacon, now time.Time) (bool, error) {
	s := Session{
		Name:             protocol.String(m.Name[:]),
		PasswordRequired: m.Password,
		ID:               SessionID(addr),
		Addr:             addr,
		Players:          int(m.Players),
		MaxPlayers:       int(m.MaxPlayers),
		Ping:             d.ping(now),
		LastSeen:         now,
	}

	if i := d.index(s.ID); i >= 0 {
		old := d.sessions[i]
		// periodic beacons would only inflate the ping measured for the
		// reply to a listing request
		s.Ping = min(s.Ping, old.Ping)
		d.sessions[i] = s
		changed := old.Name != s.Name ||
			old.PasswordRequired != s.PasswordRequired ||
			old.Players != s.Players ||
			old.MaxPlayers != s.MaxPlayers
		if changed {
			d.resort()
		}
		return changed, nil
	}

	if len(d.sessions) >= d.capacity {
		return false, ErrFull
	}
	d.sessions = append(d.sessions, s)
	d.resort()
	return true, nil
}

// AddPage accumulates one page of a relay listing. Once every page of the
// listing has arrived it replaces the directory contents and reports
// complete. Entries of an incomplete listing are never visible.
func (d *Directory) AddPage(m *protocol.GameList, now time.Time) (complete bool, err error) {
	total := max(m.TotalPages, 1)
	if m.Page >= total {
		return false, nil
	}
	if total != d.totalPages {
		clear(d.pending)
		d.totalPages = total
	}

	rows := make([]Session, 0, len(m.List))
	for i := range m.List {
		g := &m.List[i]
		if g.Empty() {
			continue
		}
		addr := g.Addr()
		rows = append(rows, Session{
			Name:             protocol.String(g.Name[:]),
			PasswordRequired: g.Password,
			ID:               SessionID(addr),
			Addr:             addr,
			Ping:             d.ping(now),
			LastSeen:         now,
		})
	}
	d.pending[m.Page] = rows

	if uint32(len(d.pending)) < d.totalPages {
		return false, nil
	}

	snapshot := make([]Session, 0, d.capacity)
	seen := make(map[uint32]bool)
	for page := uint32(0); page < d.totalPages; page++ {
		for _, s := range d.pending[page] {
			if seen[s.ID] {
				continue
			}
			if len(snapshot) >= d.capacity {
				err = ErrFull
				break
			}
			seen[s.ID] = true
			snapshot = append(snapshot, s)
		}
	}
	d.sessions = snapshot
	clear(d.pending)
	d.totalPages = 0
	d.resort()
	return true, err
}

// Evict drops sessions that were not refreshed within the stale window.
func (d *Directory) Evict(now time.Time) bool {
	if d.staleAfter <= 0 {
		return false
	}
	n := len(d.sessions)
	d.sessions = slices.DeleteFunc(d.sessions, func(s Session) bool {
		return now.Sub(s.LastSeen) > d.staleAfter
	})
	return len(d.sessions) != n
}

func (d *Directory) Reset() {
	d.sessions = d.sessions[:0]
	clear(d.pending)
	d.totalPages = 0
	d.requestedAt = time.Time{}
}

// Sessions returns a copy of the current listing in display order.
func (d *Directory) Sessions() []Session {
	return slices.Clone(d.sessions)
}

func (d *Directory) Len() int {
	return len(d.sessions)
}

// Get returns the i-th session in display order.
func (d *Directory) Get(i int) (Session, bool) {
	if i < 0 || i >= len(d.sessions) {
		return Session{}, false
	}
	return d.sessions[i], true
}

// Sort sets the display order. It stays in effect for later updates.
func (d *Directory) Sort(by SortKey) {
	d.sortBy = by
	d.resort()
}

func (d *Directory) resort() {
	var less func(a, b Session) int
	switch d.sortBy {
	case SortByName:
		less = func(a, b Session) int { return cmp.Compare(a.Name, b.Name) }
	case SortByPing:
		less = func(a, b Session) int { return cmp.Compare(a.Ping, b.Ping) }
	case SortByPlayers:
		// fullest first
		less = func(a, b Session) int { return cmp.Compare(b.Players, a.Players) }
	default:
		return
	}
	slices.SortStableFunc(d.sessions, less)
}
