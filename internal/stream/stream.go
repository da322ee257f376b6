// Package stream splits large application messages into datagram sized
// fragments and puts them back together in send order on the other side.
//
// Delivery is ordered but not reliable: a message whose fragments do not all
// arrive within the reassembly timeout is dropped, and messages queued behind
// it are released.
package stream

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// MaxMessageSize is the largest payload a stream message can carry.
const MaxMessageSize = 0xffff

// MaxFragments bounds the fragment count of one message.
const MaxFragments = 0xffff

// maxPending bounds the messages buffered per sender.
const maxPending = 64

var ErrTooLarge = errors.New("stream message too large")

// Split cuts payload into chunks of at most size bytes. An empty payload
// still yields one (empty) fragment. The chunks alias payload.
func Split(payload []byte, size int) ([][]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid fragment size %d", size)
	}
	if len(payload) == 0 {
		return [][]byte{payload}, nil
	}

	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > 0 {
		n := min(size, len(payload))
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	if len(chunks) > MaxFragments {
		return nil, fmt.Errorf("%w: %d fragments", ErrTooLarge, len(chunks))
	}
	return chunks, nil
}

// Sequencer hands out per-destination sequence numbers.
type Sequencer struct {
	next map[uint32]uint32
}

func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[uint32]uint32)}
}

func (s *Sequencer) Next(to uint32) uint32 {
	seq := s.next[to]
	s.next[to] = seq + 1
	return seq
}

func (s *Sequencer) Forget(to uint32) {
	delete(s.next, to)
}

func (s *Sequencer) Reset() {
	clear(s.next)
}

// Fragment is one received piece of a stream message.
type Fragment struct {
	Seq   uint32
	To    uint32
	Index uint16
	Count uint16
	Data  []byte
}

// Message is a reassembled stream message.
type Message struct {
	Seq   uint32
	To    uint32
	Count uint16
	Data  []byte
}

type message struct {
	to        uint32
	frags     [][]byte
	have      int
	size      int
	firstSeen time.Time
}

func (m *message) complete() bool {
	return m.have == len(m.frags)
}

func (m *message) join(seq uint32) Message {
	data := make([]byte, 0, m.size)
	for _, f := range m.frags {
		data = append(data, f...)
	}
	return Message{Seq: seq, To: m.to, Count: uint16(len(m.frags)), Data: data}
}

type sender struct {
	next    uint32
	pending map[uint32]*message
}

// before reports whether sequence a comes before b, allowing wraparound.
func before(a, b uint32) bool {
	return int32(a-b) < 0
}

// Reassembler buffers fragments per sender. Senders are identified by player
// id.
type Reassembler struct {
	timeout time.Duration
	senders map[uint32]*sender

	dropped uint64
}

func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{
		timeout: timeout,
		senders: make(map[uint32]*sender),
	}
}

// Dropped is the number of fragments and messages discarded so far.
func (r *Reassembler) Dropped() uint64 {
	return r.dropped
}

// Push adds a fragment and returns every message that became deliverable, in
// order.
func (r *Reassembler) Push(from uint32, f Fragment, now time.Time) []Message {
	if f.Count == 0 || f.Index >= f.Count {
		r.dropped++
		return nil
	}

	s, ok := r.senders[from]
	if !ok {
		s = &sender{pending: make(map[uint32]*message)}
		r.senders[from] = s
	}
	if before(f.Seq, s.next) {
		// already delivered or given up on
		r.dropped++
		return nil
	}

	m, ok := s.pending[f.Seq]
	if !ok {
		if len(s.pending) >= maxPending {
			r.dropped++
			return nil
		}
		m = &message{
			to:        f.To,
			frags:     make([][]byte, f.Count),
			firstSeen: now,
		}
		s.pending[f.Seq] = m
	}
	if len(m.frags) != int(f.Count) || m.frags[f.Index] != nil {
		r.dropped++
		return nil
	}
	if m.size+len(f.Data) > MaxMessageSize {
		delete(s.pending, f.Seq)
		r.dropped++
		return nil
	}

	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	m.frags[f.Index] = data
	m.have++
	m.size += len(f.Data)

	return s.drain()
}

func (s *sender) drain() []Message {
	var ready []Message
	for {
		m, ok := s.pending[s.next]
		if !ok || !m.complete() {
			return ready
		}
		ready = append(ready, m.join(s.next))
		delete(s.pending, s.next)
		s.next++
	}
}

// Expire drops messages that stayed incomplete for longer than the timeout.
// When the message a sender's queue is waiting for has been missing for that
// long, the queue skips ahead and the messages behind it are returned.
func (r *Reassembler) Expire(now time.Time) map[uint32][]Message {
	var out map[uint32][]Message
	for from, s := range r.senders {
		for seq, m := range s.pending {
			if !m.complete() && now.Sub(m.firstSeen) > r.timeout {
				delete(s.pending, seq)
				r.dropped++
			}
		}
		if len(s.pending) == 0 {
			continue
		}

		var ready []Message
		for {
			if _, ok := s.pending[s.next]; ok {
				ready = append(ready, s.drain()...)
				if _, ok := s.pending[s.next]; ok {
					break
				}
			}
			oldest, ok := s.oldestWaiting(now, r.timeout)
			if !ok {
				break
			}
			s.next = oldest
		}
		if len(ready) > 0 {
			if out == nil {
				out = make(map[uint32][]Message)
			}
			out[from] = ready
		}
	}
	return out
}

// oldestWaiting returns the lowest buffered sequence number if some complete
// message has waited past the timeout for its predecessors.
func (s *sender) oldestWaiting(now time.Time, timeout time.Duration) (uint32, bool) {
	stuck := false
	seqs := make([]uint32, 0, len(s.pending))
	for seq, m := range s.pending {
		seqs = append(seqs, seq)
		if m.complete() && now.Sub(m.firstSeen) > timeout {
			stuck = true
		}
	}
	if !stuck {
		return 0, false
	}
	slices.SortFunc(seqs, func(a, b uint32) int {
		if before(a, b) {
			return -1
		}
		if before(b, a) {
			return 1
		}
		return 0
	})
	return seqs[0], true
}

// Forget discards all state for a sender.
func (r *Reassembler) Forget(from uint32) {
	delete(r.senders, from)
}

func (r *Reassembler) Reset() {
	clear(r.senders)
}
