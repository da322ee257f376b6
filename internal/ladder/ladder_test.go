package ladder_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/blukai/kingdomsnet/internal/ladder"
	"github.com/matryer/is"
)

func openStore(t *testing.T) *ladder.Store {
	t.Helper()
	s, err := ladder.Open(filepath.Join(t.TempDir(), "ladder.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndTop(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := openStore(t)

	top, err := s.Top(ctx, 6)
	is.NoErr(err)
	is.Equal(len(top), 0)

	is.NoErr(s.Record(ctx, ladder.Result{Winner: "Alice", Losers: []string{"Bob", "Carol"}}))
	is.NoErr(s.Record(ctx, ladder.Result{Winner: "Bob", Losers: []string{"Carol"}}))

	top, err = s.Top(ctx, 6)
	is.NoErr(err)
	is.Equal(top, []ladder.Entry{
		{Name: "Alice", Wins: 1, Losses: 0, Score: 20},
		{Name: "Bob", Wins: 1, Losses: 1, Score: 0},
		{Name: "Carol", Wins: 0, Losses: 2, Score: -20},
	})

	top, err = s.Top(ctx, 2)
	is.NoErr(err)
	is.Equal(len(top), 2)

	e, ok, err := s.Get(ctx, "Carol")
	is.NoErr(err)
	is.True(ok)
	is.Equal(e.Losses, 2)

	_, ok, err = s.Get(ctx, "Nobody")
	is.NoErr(err)
	is.True(!ok)
}

func TestRecordRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	tests := []struct {
		name string
		r    ladder.Result
	}{
		{"no winner", ladder.Result{Losers: []string{"Bob"}}},
		{"no losers", ladder.Result{Winner: "Alice"}},
		{"winner lost", ladder.Result{Winner: "Alice", Losers: []string{"Alice"}}},
		{"blank loser", ladder.Result{Winner: "Alice", Losers: []string{" "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			err := s.Record(ctx, tt.r)
			is.True(errors.Is(err, ladder.ErrInvalidResult))
		})
	}

	is := is.New(t)
	top, err := s.Top(ctx, 6)
	is.NoErr(err)
	is.Equal(len(top), 0)
}

func TestReopen(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ladder.db")

	s, err := ladder.Open(path, nil)
	is.NoErr(err)
	is.NoErr(s.Record(ctx, ladder.Result{Winner: "Alice", Losers: []string{"Bob"}}))
	is.NoErr(s.Close())

	s, err = ladder.Open(path, nil)
	is.NoErr(err)
	defer s.Close()
	e, ok, err := s.Get(ctx, "Alice")
	is.NoErr(err)
	is.True(ok)
	is.Equal(e.Score, ladder.Points)
}
