package store

import "fmt"

// schema holds the DDL for every table the Store owns. Statements are
// idempotent (CREATE ... IF NOT EXISTS) so Open can run them on every
// startup, the way klppl-klistr's db.Migrate does for its own
// (SQLite/Postgres) schema.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS relays (
		url         TEXT PRIMARY KEY,
		network     TEXT NOT NULL CHECK (network IN ('clearnet', 'tor')),
		inserted_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		pubkey     TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		kind       INTEGER NOT NULL,
		tags       JSONB NOT NULL,
		content    TEXT NOT NULL,
		sig        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_created_at_idx ON events (created_at)`,
	`CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind)`,
	`CREATE INDEX IF NOT EXISTS events_pubkey_idx ON events (pubkey)`,

	`CREATE TABLE IF NOT EXISTS events_relays (
		event_id  TEXT NOT NULL REFERENCES events (id),
		relay_url TEXT NOT NULL REFERENCES relays (url),
		seen_at   BIGINT NOT NULL,
		PRIMARY KEY (event_id, relay_url)
	)`,
	// Covers get_last_seen_created_at's join from relay_url to events.created_at.
	`CREATE INDEX IF NOT EXISTS events_relays_relay_event_idx ON events_relays (relay_url, event_id)`,
	// Covers "when did we last hear from this relay" queries.
	`CREATE INDEX IF NOT EXISTS events_relays_relay_seen_idx ON events_relays (relay_url, seen_at DESC)`,

	`CREATE TABLE IF NOT EXISTS nip11_docs (
		id  TEXT PRIMARY KEY,
		doc JSONB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS nip66_results (
		id        TEXT PRIMARY KEY,
		openable  BOOLEAN,
		readable  BOOLEAN,
		writable  BOOLEAN,
		rtt_open  BIGINT,
		rtt_read  BIGINT,
		rtt_write BIGINT
	)`,

	// readable is denormalized from nip66_results.readable at insert
	// time so list_relays_for_sync can filter on a plain indexed
	// column instead of joining nip66_results for every candidate row.
	`CREATE TABLE IF NOT EXISTS relay_metadata_snapshots (
		relay_url    TEXT NOT NULL REFERENCES relays (url),
		generated_at BIGINT NOT NULL,
		nip11_id     TEXT REFERENCES nip11_docs (id),
		nip66_id     TEXT REFERENCES nip66_results (id),
		readable     BOOLEAN,
		PRIMARY KEY (relay_url, generated_at)
	)`,
	`CREATE INDEX IF NOT EXISTS relay_metadata_relay_generated_idx
		ON relay_metadata_snapshots (relay_url, generated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS relay_metadata_readable_idx
		ON relay_metadata_snapshots (readable) WHERE readable = true`,

	`CREATE TABLE IF NOT EXISTS service_state (
		service_name TEXT PRIMARY KEY,
		blob         JSONB NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
}

// Migrate runs every schema statement. Safe to call on every startup.
func (s *Store) Migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
