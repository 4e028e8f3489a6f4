// Copyright 2024-2026 Aiku AI

// Package store persists the relay's routing document.
//
// Three drivers are available:
//   - "yaml": a single YAML file, rewritten atomically on save and watched
//     for external edits
//   - "sqlite": a SQLite database file
//   - "postgres": a PostgreSQL database; path is the connection string
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

// Config selects and configures a driver.
type Config struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Store is a relay.ConfigStore that owns resources.
type Store interface {
	relay.ConfigStore
	Close() error
}

// Open initializes the configured store. An empty driver means "yaml".
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("store.path is required")
	}
	log = log.With().Str("component", "store").Str("driver", driver).Logger()

	switch driver {
	case "", "yaml", "file":
		return NewFileStore(cfg.Path, log)
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path, log)
	case "postgres", "postgresql":
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()
		return OpenPostgres(ctx, cfg.Path, log)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

// emptyDocument returns a document with initialized maps.
func emptyDocument() *relay.Document {
	return &relay.Document{
		Channels:  make(map[relay.ChannelID]relay.ChannelConfig),
		Overrides: make(map[relay.Kind]relay.KindOverrides),
	}
}

// validateDocument rejects kinds the relay does not know.
func validateDocument(doc *relay.Document) error {
	for id, ch := range doc.Channels {
		for _, kind := range ch.Kinds {
			if !kind.Valid() {
				return fmt.Errorf("unknown kind %q in channel %s", kind, id)
			}
		}
	}
	for kind, o := range doc.Overrides {
		if !kind.Valid() {
			return fmt.Errorf("unknown kind %q in overrides", kind)
		}
		if err := o.Validate(kind); err != nil {
			return err
		}
	}
	return nil
}
