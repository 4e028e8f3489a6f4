// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

const postgresOpTimeout = 10 * time.Second

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS relay_channels (
		id           TEXT PRIMARY KEY,
		availability BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_id   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS relay_channel_kinds (
		channel_id TEXT NOT NULL REFERENCES relay_channels(id) ON DELETE CASCADE,
		kind       TEXT NOT NULL,
		PRIMARY KEY (channel_id, kind)
	)`,
	`CREATE TABLE IF NOT EXISTS relay_overrides (
		kind   TEXT PRIMARY KEY,
		prefix TEXT NOT NULL DEFAULT '',
		label  TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT ''
	)`,
}

// PostgresStore keeps the routing document in PostgreSQL, for deployments
// where several hosts share one routing configuration.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and creates the tables when missing.
func OpenPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, log: log}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, q := range postgresSchema {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// Load reads the whole document.
func (s *PostgresStore) Load() (*relay.Document, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	doc := emptyDocument()
	rows, err := s.pool.Query(ctx, `SELECT id, availability, webhook_id FROM relay_channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	var (
		id    string
		avail bool
		hook  string
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &avail, &hook}, func() error {
		doc.Channels[relay.ChannelID(id)] = relay.ChannelConfig{Availability: avail, WebhookID: hook}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read channels: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT channel_id, kind FROM relay_channel_kinds ORDER BY channel_id, kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel kinds: %w", err)
	}
	var kind string
	_, err = pgx.ForEachRow(rows, []any{&id, &kind}, func() error {
		ch := doc.Channels[relay.ChannelID(id)]
		ch.Kinds = append(ch.Kinds, relay.Kind(kind))
		doc.Channels[relay.ChannelID(id)] = ch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read channel kinds: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT kind, prefix, label, avatar FROM relay_overrides`)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	var o relay.KindOverrides
	_, err = pgx.ForEachRow(rows, []any{&kind, &o.Prefix, &o.Label, &o.Avatar}, func() error {
		doc.Overrides[relay.Kind(kind)] = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides: %w", err)
	}
	return doc, validateDocument(doc)
}

// Save replaces the stored document in one transaction.
func (s *PostgresStore) Save(doc *relay.Document) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `TRUNCATE relay_channel_kinds, relay_channels, relay_overrides`); err != nil {
		return fmt.Errorf("failed to clear document: %w", err)
	}

	batch := &pgx.Batch{}
	for id, ch := range doc.Channels {
		batch.Queue(`INSERT INTO relay_channels(id, availability, webhook_id) VALUES($1, $2, $3)`,
			string(id), ch.Availability, ch.WebhookID)
		for _, kind := range ch.Kinds {
			batch.Queue(`INSERT INTO relay_channel_kinds(channel_id, kind) VALUES($1, $2) ON CONFLICT DO NOTHING`,
				string(id), string(kind))
		}
	}
	for kind, o := range doc.Overrides {
		batch.Queue(`INSERT INTO relay_overrides(kind, prefix, label, avatar) VALUES($1, $2, $3, $4)`,
			string(kind), o.Prefix, o.Label, o.Avatar)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	s.log.Debug().Int("channels", len(doc.Channels)).Msg("Saved routing document")
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
