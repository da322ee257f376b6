// Package registry tracks the players of the current session in a fixed
// number of slots.
package registry

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MaxNations is the number of player slots a session supports.
const MaxNations = 7

var (
	ErrFull     = errors.New("player registry full")
	ErrNotFound = errors.New("player not found")
	ErrInvalid  = errors.New("invalid player id")
)

// NoPlayer is never assigned. Sending to it addresses every other player.
const NoPlayer uint32 = 0

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type Player struct {
	ID   uint32
	Name string
	// Addr is nil for the local player and for peers whose address has not
	// been introduced yet.
	Addr *net.UDPAddr
	// Connecting is set from admission until the first packet from the
	// player arrives.
	Connecting bool
	LastSeen   time.Time
}

type Registry struct {
	slots  []*Player
	byAddr map[addrKey]int

	nextID uint32
	myID   uint32
}

func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = MaxNations
	}
	return &Registry{
		slots:  make([]*Player, capacity),
		byAddr: make(map[addrKey]int),
		nextID: 1,
	}
}

func (r *Registry) Capacity() int {
	return len(r.slots)
}

func (r *Registry) freeSlot() (int, bool) {
	for i, p := range r.slots {
		if p == nil {
			return i, true
		}
	}
	return 0, false
}

// Find returns the slot of the player with the given id.
func (r *Registry) Find(id uint32) (int, bool) {
	if id == NoPlayer {
		return 0, false
	}
	for i, p := range r.slots {
		if p != nil && p.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (r *Registry) FindByAddr(addr *net.UDPAddr) (int, bool) {
	if addr == nil {
		return 0, false
	}
	slot, ok := r.byAddr[makeAddrKey(addr)]
	return slot, ok
}

// Add puts a player with a known id into the registry. Adding an id that is
// already registered updates its name instead.
func (r *Registry) Add(name string, id uint32) (int, error) {
	return r.add(name, id, nil, false)
}

// AddPeer is like Add but also records where the player can be reached.
func (r *Registry) AddPeer(name string, id uint32, addr *net.UDPAddr, connecting bool) (int, error) {
	return r.add(name, id, addr, connecting)
}

func (r *Registry) add(name string, id uint32, addr *net.UDPAddr, connecting bool) (int, error) {
	if id == NoPlayer {
		return 0, ErrInvalid
	}
	if slot, ok := r.Find(id); ok {
		r.slots[slot].Name = name
		if addr != nil {
			r.setAddr(slot, addr)
		}
		return slot, nil
	}

	slot, ok := r.freeSlot()
	if !ok {
		return 0, ErrFull
	}
	r.slots[slot] = &Player{
		ID:         id,
		Name:       name,
		Connecting: connecting,
	}
	if addr != nil {
		r.setAddr(slot, addr)
	}
	if id >= r.nextID {
		r.nextID = id + 1
	}
	return slot, nil
}

func (r *Registry) setAddr(slot int, addr *net.UDPAddr) {
	p := r.slots[slot]
	if p.Addr != nil {
		delete(r.byAddr, makeAddrKey(p.Addr))
	}

	key := makeAddrKey(addr)
	// an address belongs to one player at a time
	if other, ok := r.byAddr[key]; ok && other != slot {
		r.slots[other].Addr = nil
	}
	p.Addr = addr
	r.byAddr[key] = slot
}

// SetAddr records the address of a registered player.
func (r *Registry) SetAddr(id uint32, addr *net.UDPAddr) error {
	slot, ok := r.Find(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	r.setAddr(slot, addr)
	return nil
}

// Admit registers a player asking to join from addr and returns its id. A
// repeated request from an address that is already registered refreshes that
// player instead of creating a second identity.
func (r *Registry) Admit(name string, addr *net.UDPAddr, now time.Time) (id uint32, existing bool, err error) {
	if slot, ok := r.FindByAddr(addr); ok {
		p := r.slots[slot]
		p.Name = name
		p.LastSeen = now
		return p.ID, true, nil
	}

	slot, ok := r.freeSlot()
	if !ok {
		return 0, false, ErrFull
	}
	id = r.allocateID()
	r.slots[slot] = &Player{
		ID:         id,
		Name:       name,
		Connecting: true,
		LastSeen:   now,
	}
	r.setAddr(slot, addr)
	return id, false, nil
}

// allocateID hands out ids in increasing order, skipping ids still in use so
// that a registered player's id is never given to someone else.
func (r *Registry) allocateID() uint32 {
	for {
		id := r.nextID
		r.nextID++
		if r.nextID == NoPlayer {
			r.nextID = 1
		}
		if id == NoPlayer {
			continue
		}
		if _, taken := r.Find(id); !taken {
			return id
		}
	}
}

// Touch notes traffic from addr. It returns the sender's id.
func (r *Registry) Touch(addr *net.UDPAddr, now time.Time) (uint32, bool) {
	slot, ok := r.FindByAddr(addr)
	if !ok {
		return NoPlayer, false
	}
	p := r.slots[slot]
	p.Connecting = false
	p.LastSeen = now
	return p.ID, true
}

// Refresh restarts the timeout of a player without touching its connecting
// flag.
func (r *Registry) Refresh(id uint32, now time.Time) {
	if slot, ok := r.Find(id); ok {
		r.slots[slot].LastSeen = now
	}
}

func (r *Registry) Remove(id uint32) bool {
	slot, ok := r.Find(id)
	if !ok {
		return false
	}
	if p := r.slots[slot]; p.Addr != nil {
		delete(r.byAddr, makeAddrKey(p.Addr))
	}
	r.slots[slot] = nil
	return true
}

func (r *Registry) Rename(id uint32, name string) error {
	slot, ok := r.Find(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	r.slots[slot].Name = name
	return nil
}

func (r *Registry) IsConnecting(id uint32) bool {
	slot, ok := r.Find(id)
	return ok && r.slots[slot].Connecting
}

func (r *Registry) Count() int {
	n := 0
	for _, p := range r.slots {
		if p != nil {
			n++
		}
	}
	return n
}

func (r *Registry) Full() bool {
	_, ok := r.freeSlot()
	return !ok
}

func (r *Registry) SetMyID(id uint32) { r.myID = id }
func (r *Registry) MyID() uint32      { return r.myID }

// Get returns a copy of the player in the given slot.
func (r *Registry) Get(slot int) (Player, bool) {
	if slot < 0 || slot >= len(r.slots) || r.slots[slot] == nil {
		return Player{}, false
	}
	return *r.slots[slot], true
}

// Search returns a copy of the player with the given id.
func (r *Registry) Search(id uint32) (Player, bool) {
	slot, ok := r.Find(id)
	if !ok {
		return Player{}, false
	}
	return *r.slots[slot], true
}

// Players returns copies of all registered players in slot order.
func (r *Registry) Players() []Player {
	players := make([]Player, 0, len(r.slots))
	for _, p := range r.slots {
		if p != nil {
			players = append(players, *p)
		}
	}
	return players
}

// Stale returns the ids of remote players not heard from within timeout.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []uint32 {
	var ids []uint32
	for _, p := range r.slots {
		if p == nil || p.ID == r.myID || p.Addr == nil {
			continue
		}
		if now.Sub(p.LastSeen) > timeout {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Clear empties every slot and forgets the local id.
func (r *Registry) Clear() {
	clear(r.slots)
	clear(r.byAddr)
	r.nextID = 1
	r.myID = NoPlayer
}
