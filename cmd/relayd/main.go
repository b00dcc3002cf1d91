package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/tlvrelay/internal/config"
	"github.com/danmuck/tlvrelay/internal/logging"
	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/relay"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/relayd/config.toml", "relay config path (.toml, .yaml or .yml)")
	only := flag.String("domain", "", "serve only this domain (market_data|signal|execution)")
	flag.Parse()

	if err := run(*path, *only); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run(path, only string) error {
	logging.ConfigureRuntime()

	cfg, err := load(path)
	if err != nil {
		return err
	}
	if cfg.Log.JSON {
		lvl, _ := logging.ParseLevel(cfg.Log.Level)
		logging.Apply(logging.Config{Level: lvl, Timestamp: true, JSON: true})
	} else if cfg.Log.Level != "" && !logging.SetLevel(cfg.Log.Level) {
		log.Warn().Str("level", cfg.Log.Level).Msg("relayd.log_level_unknown")
	}

	relays, err := build(cfg, only)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, len(relays))
	for _, r := range relays {
		wg.Add(1)
		go func(r *relay.Relay) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				errs <- fmt.Errorf("%s relay: %w", r.Config().Domain, err)
				stop()
			}
		}(r)
	}
	log.Info().Int("relays", len(relays)).Str("config", path).Msg("relayd.started")
	wg.Wait()
	close(errs)

	var joined error
	for err := range errs {
		joined = errors.Join(joined, err)
	}
	log.Info().Msg("relayd.stopped")
	return joined
}

// load falls back to built-in defaults when the default path is absent.
func load(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "cmd/relayd/config.toml" {
		log.Warn().Str("path", path).Msg("relayd.config_missing_using_defaults")
		return config.DefaultFile().Resolve()
	}
	return config.Load(path)
}

// build creates the relays for cfg; on failure the ones already built are
// closed.
func build(cfg config.Config, only string, opts ...relay.Option) ([]*relay.Relay, error) {
	var want frame.Domain
	if only != "" {
		d, err := frame.ParseDomain(only)
		if err != nil {
			return nil, err
		}
		want = d
	}
	out := make([]*relay.Relay, 0, len(cfg.Relays))
	for _, rc := range cfg.Relays {
		if want != 0 && rc.Domain != want {
			continue
		}
		r, err := relay.New(rc, opts...)
		if err != nil {
			for _, built := range out {
				_ = built.Close()
			}
			return nil, fmt.Errorf("%s relay: %w", rc.Domain, err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no relay configured for domain %q", only)
	}
	return out, nil
}
