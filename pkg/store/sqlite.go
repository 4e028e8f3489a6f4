// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

//go:embed migrations.sql
var migrations string

const sqliteOpTimeout = 5 * time.Second

// SQLiteStore keeps the routing document in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string, log zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug().Err(err).Str("pragma", pragma).Msg("Pragma not applied")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

// Load reads the whole document.
func (s *SQLiteStore) Load() (*relay.Document, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	doc := emptyDocument()
	rows, err := s.db.QueryContext(ctx, `SELECT id, availability, webhook_id FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	for rows.Next() {
		var (
			id    string
			avail bool
			hook  string
		)
		if err := rows.Scan(&id, &avail, &hook); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		doc.Channels[relay.ChannelID(id)] = relay.ChannelConfig{Availability: avail, WebhookID: hook}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT channel_id, kind FROM channel_kinds ORDER BY channel_id, kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel kinds: %w", err)
	}
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan channel kind: %w", err)
		}
		ch := doc.Channels[relay.ChannelID(id)]
		ch.Kinds = append(ch.Kinds, relay.Kind(kind))
		doc.Channels[relay.ChannelID(id)] = ch
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT kind, prefix, label, avatar FROM overrides`)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	for rows.Next() {
		var kind string
		var o relay.KindOverrides
		if err := rows.Scan(&kind, &o.Prefix, &o.Label, &o.Avatar); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		doc.Overrides[relay.Kind(kind)] = o
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	return doc, validateDocument(doc)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to read rows: %w", err)
	}
	return rows.Close()
}

// Save replaces the stored document in one transaction.
func (s *SQLiteStore) Save(doc *relay.Document) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM channel_kinds`,
		`DELETE FROM channels`,
		`DELETE FROM overrides`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear document: %w", err)
		}
	}
	for id, ch := range doc.Channels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channels(id, availability, webhook_id) VALUES(?,?,?)`,
			string(id), ch.Availability, ch.WebhookID,
		); err != nil {
			return fmt.Errorf("failed to insert channel %s: %w", id, err)
		}
		for _, kind := range ch.Kinds {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO channel_kinds(channel_id, kind) VALUES(?,?)`,
				string(id), string(kind),
			); err != nil {
				return fmt.Errorf("failed to insert kind for %s: %w", id, err)
			}
		}
	}
	for kind, o := range doc.Overrides {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO overrides(kind, prefix, label, avatar) VALUES(?,?,?,?)`,
			string(kind), o.Prefix, o.Label, o.Avatar,
		); err != nil {
			return fmt.Errorf("failed to insert override %s: %w", kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	s.log.Debug().Int("channels", len(doc.Channels)).Msg("Saved routing document")
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
