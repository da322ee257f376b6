// mpctl browses, hosts and joins sessions from a terminal. Network settings
// come from KNET_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blukai/kingdomsnet/internal/directory"
	"github.com/blukai/kingdomsnet/internal/multiplayer"
	"github.com/blukai/kingdomsnet/internal/registry"
	"github.com/olekukonko/tablewriter"
	"github.com/phuslu/log"
)

const tick = 20 * time.Millisecond

const usage = `usage: mpctl <command> [flags]

commands:
  list     list sessions on the LAN or the relay
  ladder   show the relay ladder
  host     host a session until interrupted
  join     join a session by address until interrupted
  launch   act on a lobby command line (-host, -join or -browse)
`

func configureLogger(verbose bool) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = log.WarnLevel
	if verbose {
		logger.Level = log.DebugLevel
	}
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		Writer:         os.Stderr,
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func open(verbose bool) (*multiplayer.MultiPlayer, *log.Logger, error) {
	cfg, err := multiplayer.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := configureLogger(verbose)
	mp, err := multiplayer.Open(cfg, multiplayer.ProtocolTCPIP, logger)
	if err != nil {
		return nil, nil, err
	}
	return mp, logger, nil
}

// until yields every tick until done returns true or the deadline passes.
func until(ctx context.Context, mp *multiplayer.MultiPlayer, wait time.Duration, done func(multiplayer.Report) bool) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		if done(mp.Yield()) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func parseSort(s string) (directory.SortKey, error) {
	switch s {
	case "", "none":
		return directory.SortNone, nil
	case "name":
		return directory.SortByName, nil
	case "ping":
		return directory.SortByPing, nil
	case "players":
		return directory.SortByPlayers, nil
	}
	return directory.SortNone, fmt.Errorf("unknown sort key %q", s)
}

func renderSessions(w io.Writer, sessions []directory.Session) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"#", "Name", "Players", "Password", "Ping", "Address"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for i, s := range sessions {
		players := fmt.Sprintf("%d/%d", s.Players, s.MaxPlayers)
		if s.MaxPlayers == 0 {
			players = "-"
		}
		password := "no"
		if s.PasswordRequired {
			password = "yes"
		}
		tw.Append([]string{
			fmt.Sprint(i),
			s.Name,
			players,
			password,
			s.Ping.Round(time.Millisecond).String(),
			s.Addr.String(),
		})
	}
	tw.Render()
}

func renderLadder(w io.Writer, entries []multiplayer.LadderEntry) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Rank", "Name", "Wins", "Losses", "Score"})
	tw.SetBorder(true)
	for i, e := range entries {
		tw.Append([]string{
			fmt.Sprint(i + 1),
			e.Name,
			fmt.Sprint(e.Wins),
			fmt.Sprint(e.Losses),
			fmt.Sprint(e.Score),
		})
	}
	tw.Render()
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	wait := fs.Duration("wait", 3*time.Second, "how long to listen for sessions")
	sortBy := fs.String("sort", "name", "sort by none, name, ping or players")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(args)

	key, err := parseSort(*sortBy)
	if err != nil {
		return err
	}

	mp, _, err := open(*verbose)
	if err != nil {
		return err
	}
	defer mp.Close()

	mp.SortSessions(key)
	if err := mp.RequestListing(); err != nil {
		return fmt.Errorf("could not request listing: %w", err)
	}

	relayMode := mp.Discovery() == multiplayer.DiscoveryRelay
	until(ctx, mp, *wait, func(r multiplayer.Report) bool {
		// a relay listing is done once all pages are in, LAN hosts keep
		// trickling in until the wait is over
		return relayMode && mp.Status() == multiplayer.StatusIdle
	})
	if err := mp.Failure(); err != nil {
		return err
	}

	renderSessions(os.Stdout, mp.Sessions())
	return nil
}

func runLadder(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ladder", flag.ExitOnError)
	wait := fs.Duration("wait", 5*time.Second, "how long to wait for the relay")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(args)

	mp, _, err := open(*verbose)
	if err != nil {
		return err
	}
	defer mp.Close()

	if err := mp.RequestLadder(); err != nil {
		return fmt.Errorf("could not request ladder: %w", err)
	}
	until(ctx, mp, *wait, func(r multiplayer.Report) bool {
		return mp.Status() != multiplayer.StatusRequestingLadder
	})

	entries, ok := mp.Ladder()
	if !ok {
		if err := mp.Failure(); err != nil {
			return err
		}
		return errors.New("no ladder received")
	}
	renderLadder(os.Stdout, entries)
	return nil
}

// serve yields until ctx is done, logging what happens in the session.
func serve(ctx context.Context, mp *multiplayer.MultiPlayer, logger *log.Logger) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		r := mp.Yield()
		for _, id := range r.Joined {
			p, _ := mp.SearchPlayer(id)
			logger.Info().Uint32("id", id).Str("name", p.Name).Msg("player joined")
		}
		for _, id := range r.Left {
			logger.Info().Uint32("id", id).Msg("player left")
		}
		if r.StatusChanged {
			logger.Info().Stringer("status", r.Status).Msg("status changed")
			if r.Status == multiplayer.StatusIdle {
				return r.Failure
			}
		}
		for {
			m, ok := mp.Receive()
			if !ok {
				break
			}
			logger.Info().Uint32("from", m.From).Int("size", m.Size()).Msg("datagram")
		}
		for {
			m, ok := mp.ReceiveStream()
			if !ok {
				break
			}
			logger.Info().Uint32("from", m.From).Int("size", m.Size()).Msg("stream message")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runHost(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	name := fs.String("name", "Kingdoms", "session name")
	password := fs.String("password", "", "session password")
	player := fs.String("player", "Host", "local player name")
	maxPlayers := fs.Int("max", 7, "maximum number of players")
	fs.Parse(args)

	mp, logger, err := open(false)
	if err != nil {
		return err
	}
	defer mp.Close()
	logger.Level = log.InfoLevel

	if err := mp.CreateSession(*name, *password, *player, *maxPlayers); err != nil {
		return err
	}
	logger.Info().
		Stringer("addr", mp.LocalAddr()).
		Bool("standard_port", mp.StandardPort()).
		Msg("hosting, interrupt to stop")
	return serve(ctx, mp, logger)
}

func runJoin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	addr := fs.String("addr", "", "host address, ip:port")
	password := fs.String("password", "", "session password")
	player := fs.String("player", "Guest", "local player name")
	fs.Parse(args)

	if *addr == "" {
		return errors.New("-addr is required")
	}

	mp, logger, err := open(false)
	if err != nil {
		return err
	}
	defer mp.Close()
	logger.Level = log.InfoLevel

	if err := mp.JoinAddr(*addr, *password, *player); err != nil {
		return err
	}
	return serve(ctx, mp, logger)
}

// runLaunch takes the rest of the command line as a lobby launch.
func runLaunch(ctx context.Context, args []string) error {
	mp, logger, err := open(false)
	if err != nil {
		return err
	}
	defer mp.Close()
	logger.Level = log.InfoLevel

	if err := mp.InitLobbied(registry.MaxNations, strings.Join(args, " ")); err != nil {
		return err
	}

	switch mp.IsLobbied() {
	case multiplayer.LobbyNone:
		return errors.New("nothing to launch")
	case multiplayer.LobbySelectable:
		relayMode := mp.Discovery() == multiplayer.DiscoveryRelay
		until(ctx, mp, 3*time.Second, func(r multiplayer.Report) bool {
			return relayMode && mp.Status() == multiplayer.StatusIdle
		})
		renderSessions(os.Stdout, mp.Sessions())
		return mp.Failure()
	}
	return serve(ctx, mp, logger)
}

func erringMain() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "list":
		return runList(ctx, args)
	case "ladder":
		return runLadder(ctx, args)
	case "host":
		return runHost(ctx, args)
	case "join":
		return runJoin(ctx, args)
	case "launch":
		return runLaunch(ctx, args)
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "mpctl: %v\n", err)
		os.Exit(1)
	}
}
