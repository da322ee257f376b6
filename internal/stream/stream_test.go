package stream_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/blukai/kingdomsnet/internal/stream"
	"github.com/matryer/is"
)

func fragments(t *testing.T, seq uint32, payload []byte, size int) []stream.Fragment {
	t.Helper()
	chunks, err := stream.Split(payload, size)
	if err != nil {
		t.Fatal(err)
	}
	frags := make([]stream.Fragment, len(chunks))
	for i, c := range chunks {
		frags[i] = stream.Fragment{Seq: seq, Index: uint16(i), Count: uint16(len(chunks)), Data: c}
	}
	return frags
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		len   int
		count int
	}{
		{name: "empty", size: 4, len: 0, count: 1},
		{name: "exact", size: 4, len: 8, count: 2},
		{name: "remainder", size: 4, len: 9, count: 3},
		{name: "single", size: 1024, len: 10, count: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			chunks, err := stream.Split(make([]byte, tt.len), tt.size)
			is.NoErr(err)
			is.Equal(len(chunks), tt.count)
			total := 0
			for _, c := range chunks {
				is.True(len(c) <= tt.size)
				total += len(c)
			}
			is.Equal(total, tt.len)
		})
	}

	t.Run("too large", func(t *testing.T) {
		is := is.New(t)
		_, err := stream.Split(make([]byte, stream.MaxMessageSize+1), 1024)
		is.True(errors.Is(err, stream.ErrTooLarge))
	})
}

func TestReassembleOutOfOrderFragments(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	r := stream.NewReassembler(2 * time.Second)

	payload := bytes.Repeat([]byte("0123456789"), 10)
	frags := fragments(t, 0, payload, 16)
	is.Equal(len(frags), 7)

	// deliver in reverse, nothing until the last missing piece lands
	for i := len(frags) - 1; i > 0; i-- {
		is.Equal(len(r.Push(1, frags[i], now)), 0)
	}
	ready := r.Push(1, frags[0], now)
	is.Equal(len(ready), 1)
	is.Equal(ready[0].Data, payload)

	// duplicate of a delivered message
	is.Equal(len(r.Push(1, frags[3], now)), 0)
	is.True(r.Dropped() > 0)
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	r := stream.NewReassembler(2 * time.Second)

	first := fragments(t, 0, []byte("first message"), 4)
	second := fragments(t, 1, []byte("second"), 4)

	for _, f := range second {
		is.Equal(len(r.Push(7, f, now)), 0) // waits for seq 0
	}
	var ready []stream.Message
	for _, f := range first {
		ready = append(ready, r.Push(7, f, now)...)
	}
	is.Equal(len(ready), 2)
	is.Equal(string(ready[0].Data), "first message")
	is.Equal(string(ready[1].Data), "second")
}

func TestSendersAreIndependent(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	r := stream.NewReassembler(2 * time.Second)

	is.Equal(len(r.Push(1, fragments(t, 1, []byte("later"), 8)[0], now)), 0)
	ready := r.Push(2, fragments(t, 0, []byte("other"), 8)[0], now)
	is.Equal(len(ready), 1)
	is.Equal(string(ready[0].Data), "other")
}

func TestExpire(t *testing.T) {
	t.Run("incomplete message is dropped", func(t *testing.T) {
		is := is.New(t)

		now := time.Unix(1000, 0)
		r := stream.NewReassembler(2 * time.Second)

		frags := fragments(t, 0, []byte("never finished"), 4)
		r.Push(1, frags[0], now)

		is.Equal(len(r.Expire(now.Add(time.Second))), 0)
		is.Equal(len(r.Expire(now.Add(3*time.Second))), 0)

		// late fragment starts a fresh partial that cannot complete
		is.Equal(len(r.Push(1, frags[1], now.Add(3*time.Second))), 0)
	})

	t.Run("queue skips a lost message", func(t *testing.T) {
		is := is.New(t)

		now := time.Unix(1000, 0)
		r := stream.NewReassembler(2 * time.Second)

		// seq 0 is lost entirely, seq 1 and 2 arrive
		r.Push(1, fragments(t, 1, []byte("one"), 8)[0], now)
		r.Push(1, fragments(t, 2, []byte("two"), 8)[0], now)

		is.Equal(len(r.Expire(now.Add(time.Second))), 0)

		out := r.Expire(now.Add(3 * time.Second))
		is.Equal(len(out[1]), 2)
		is.Equal(string(out[1][0].Data), "one")
		is.Equal(out[1][0].Seq, uint32(1))
		is.Equal(string(out[1][1].Data), "two")

		// seq 0 showing up late is stale now
		is.Equal(len(r.Push(1, fragments(t, 0, []byte("zero"), 8)[0], now)), 0)
	})
}

func TestRejectsInconsistentFragments(t *testing.T) {
	is := is.New(t)

	now := time.Unix(1000, 0)
	r := stream.NewReassembler(time.Second)

	is.Equal(len(r.Push(1, stream.Fragment{Seq: 0, Index: 0, Count: 0}, now)), 0)
	is.Equal(len(r.Push(1, stream.Fragment{Seq: 0, Index: 2, Count: 2}, now)), 0)

	r.Push(1, stream.Fragment{Seq: 0, Index: 0, Count: 2, Data: []byte("a")}, now)
	// fragment count disagrees with the first fragment
	is.Equal(len(r.Push(1, stream.Fragment{Seq: 0, Index: 1, Count: 3, Data: []byte("b")}, now)), 0)

	ready := r.Push(1, stream.Fragment{Seq: 0, Index: 1, Count: 2, Data: []byte("b")}, now)
	is.Equal(len(ready), 1)
	is.Equal(string(ready[0].Data), "ab")
}

func TestSequencer(t *testing.T) {
	is := is.New(t)

	s := stream.NewSequencer()
	is.Equal(s.Next(1), uint32(0))
	is.Equal(s.Next(1), uint32(1))
	is.Equal(s.Next(2), uint32(0))

	s.Forget(1)
	is.Equal(s.Next(1), uint32(0))
}
