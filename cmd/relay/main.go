package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/kingdomsnet/internal/ladder"
	"github.com/blukai/kingdomsnet/internal/relay"
	"github.com/blukai/kingdomsnet/internal/relayapi"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	RelayAddr4      string        `envconfig:"RELAY_ADDR4" required:"true" default:"0.0.0.0:19260"`
	RelayHTTPAddr   string        `envconfig:"RELAY_HTTP_ADDR" default:"127.0.0.1:8080"`
	RelayLadderPath string        `envconfig:"RELAY_LADDER_PATH" default:"data/ladder.db"`
	RelayStaleAfter time.Duration `envconfig:"RELAY_STALE_AFTER" default:"10s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = log.ParseLevel(level)
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	store, err := ladder.Open(config.RelayLadderPath, logger)
	if err != nil {
		return fmt.Errorf("could not open ladder: %w", err)
	}
	defer store.Close()

	relayServer, err := relay.New("udp4", config.RelayAddr4, relay.Options{
		StaleAfter: config.RelayStaleAfter,
	}, store, logger)
	if err != nil {
		return fmt.Errorf("could not construct relay: %w", err)
	}
	logger.Info().Msgf("started relay on %s", relayServer.Addr())

	var ln net.Listener
	if config.RelayHTTPAddr != "" {
		ln, err = net.Listen("tcp", config.RelayHTTPAddr)
		if err != nil {
			return fmt.Errorf("could not listen http: %w", err)
		}
	}

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var relayRunErr error
	go func() {
		defer wg.Done()
		relayRunErr = relayServer.Run(ctx)
	}()

	var apiRunErr error
	if ln != nil {
		api := relayapi.New(relayServer, store, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			apiRunErr = api.Run(ctx, ln)
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()

	var result *multierror.Error
	if relayRunErr != nil {
		result = multierror.Append(result, fmt.Errorf("relay run failed: %w", relayRunErr))
	}
	if apiRunErr != nil {
		result = multierror.Append(result, fmt.Errorf("api run failed: %w", apiRunErr))
	}
	return result.ErrorOrNil()
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}
