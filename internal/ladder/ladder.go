// Package ladder keeps the standings served to clients that ask the relay for
// the ladder. It is backed by a single sqlite file.
package ladder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/phuslu/log"
	_ "modernc.org/sqlite"
)

// Points moved from each loser to the winner of a game.
const Points = 10

var ErrInvalidResult = errors.New("invalid result")

type Entry struct {
	Name   string `json:"name"`
	Wins   int    `json:"wins"`
	Losses int    `json:"losses"`
	Score  int    `json:"score"`
}

// Result is the outcome of one finished game.
type Result struct {
	Winner string   `json:"winner"`
	Losers []string `json:"losers"`
}

func (r *Result) validate() error {
	if strings.TrimSpace(r.Winner) == "" {
		return fmt.Errorf("%w: no winner", ErrInvalidResult)
	}
	if len(r.Losers) == 0 {
		return fmt.Errorf("%w: no losers", ErrInvalidResult)
	}
	for _, l := range r.Losers {
		if strings.TrimSpace(l) == "" || l == r.Winner {
			return fmt.Errorf("%w: bad loser %q", ErrInvalidResult, l)
		}
	}
	return nil
}

type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *log.Logger
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ladder (
		name   TEXT PRIMARY KEY,
		wins   INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		score  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS ladder_score ON ladder (score DESC, name)`,
}

// Open opens or creates the store at path.
func Open(path string, logger *log.Logger) (*Store, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("could not open database %s: %w", path, err)
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		logger.Warn().Err(err).Msg("could not enable wal mode")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("ladder opened")
	return s, nil
}

func (s *Store) migrate() error {
	for i, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("could not apply migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Top returns the n best players, highest score first.
func (s *Store) Top(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, wins, losses, score FROM ladder ORDER BY score DESC, name LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("could not query ladder: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.Wins, &e.Losses, &e.Score); err != nil {
			return nil, fmt.Errorf("could not scan ladder row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the standing of one player.
func (s *Store) Get(ctx context.Context, name string) (Entry, bool, error) {
	e := Entry{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT wins, losses, score FROM ladder WHERE name = ?`, name).
		Scan(&e.Wins, &e.Losses, &e.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("could not query player %q: %w", name, err)
	}
	return e, true, nil
}

// Record applies a game result atomically.
func (s *Store) Record(ctx context.Context, r Result) error {
	if err := r.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	const upsert = `INSERT INTO ladder (name, wins, losses, score) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			wins = wins + excluded.wins,
			losses = losses + excluded.losses,
			score = score + excluded.score`

	if _, err := tx.ExecContext(ctx, upsert, r.Winner, 1, 0, Points*len(r.Losers)); err != nil {
		return fmt.Errorf("could not record win of %q: %w", r.Winner, err)
	}
	for _, l := range r.Losers {
		if _, err := tx.ExecContext(ctx, upsert, l, 0, 1, -Points); err != nil {
			return fmt.Errorf("could not record loss of %q: %w", l, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit result: %w", err)
	}

	s.logger.Info().
		Str("winner", r.Winner).
		Strs("losers", r.Losers).
		Msg("recorded result")
	return nil
}
