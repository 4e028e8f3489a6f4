// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-chatrelay relays in-game chat, sales and duty
// notifications into Mattermost channels through per-channel incoming
// webhooks, and removes duplicates posted by peer relays.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/config"
	"github.com/aiku/mattermost-chatrelay/pkg/connector"
	"github.com/aiku/mattermost-chatrelay/pkg/ingest"
	"github.com/aiku/mattermost-chatrelay/pkg/lookup"
	"github.com/aiku/mattermost-chatrelay/pkg/relay"
	"github.com/aiku/mattermost-chatrelay/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	loginTimeout = 30 * time.Second
	stopTimeout  = 15 * time.Second
)

func main() {
	cfgPath := flag.String("c", "config.yaml", "path to the config file")
	envPath := flag.String("e", ".env", "path to an optional .env file")
	version := flag.Bool("v", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("mattermost-chatrelay %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load env file:", err)
		os.Exit(1)
	}

	if err := config.WriteExample(*cfgPath); errors.Is(err, config.ErrConfigCreated) {
		fmt.Printf("Wrote example config to %s, edit it and start again\n", *cfgPath)
		return
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(11)
	}
	zerolog.DefaultContextLogger = log

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *log); err != nil {
		log.Error().Err(err).Msg("Relay failed")
		os.Exit(12)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("version", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting relay")

	st, err := store.Open(cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()
	doc, err := st.Load()
	if err != nil {
		return fmt.Errorf("failed to load routing document: %w", err)
	}

	mc := connector.NewMattermostConnector(cfg.Mattermost, log)
	loginCtx, cancelLogin := context.WithTimeout(ctx, loginTimeout)
	err = mc.Login(loginCtx)
	cancelLogin()
	if err != nil {
		return err
	}

	opts := cfg.Options()
	opts.Remote = mc
	opts.Lookup = lookup.NewClient(cfg.Lookup, log)
	opts.Store = st
	opts.Document = doc
	opts.Log = log
	rl, err := relay.New(opts)
	if err != nil {
		return err
	}
	mc.SetObserver(rl)
	rl.Prime(mc.RecentWebhookPosts(ctx, rl.Routing().ChannelIDs(), cfg.Mattermost.PrimeCount))

	rl.Start(ctx)
	if err := mc.Connect(ctx); err != nil {
		stopRelay(rl)
		return err
	}

	if cfg.Ingest.Addr != "" {
		srv := ingest.NewServer(cfg.Ingest, rl, log)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Ingest listener failed")
			}
		}()
	}
	if fs, ok := st.(*store.FileStore); ok {
		go func() {
			if err := fs.Watch(ctx, rl.ReloadDocument); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Routing file watcher stopped")
			}
		}()
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("Failed to notify systemd")
	} else if sent {
		log.Debug().Msg("Notified systemd of readiness")
	}
	log.Info().Msg("Relay is running")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case <-mc.Done():
		log.Warn().Msg("Mattermost connection loop exited, shutting down")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	mc.Disconnect()
	stopRelay(rl)
	return nil
}

func stopRelay(rl *relay.Relay) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	rl.Stop(ctx)
}
