package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bigbrotr/bigbrotr/internal/hashutil"
	"github.com/bigbrotr/bigbrotr/internal/model"
)

// UpsertRelayMetadata records one monitor probe's outcome: the NIP-11
// doc and/or NIP-66 result (each optional; a probe may only have run
// one half) are stored content-addressed, and a new snapshot row links
// relayURL at generatedAt to whichever ids resulted. Because nip11_docs
// and nip66_results are keyed by content hash, probing the same
// unchanged relay twice reuses the existing rows and only adds a
// snapshot — the "10 identical docs, 1 row" dedup property from spec §8.
func (s *Store) UpsertRelayMetadata(ctx context.Context, relayURL string, generatedAt int64, nip11 *model.Nip11Doc, nip66 *model.Nip66Result) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin metadata upsert: %w", err)
		}
		defer tx.Rollback()

		var nip11ID, nip66ID sql.NullString
		var readable sql.NullBool

		if nip11 != nil {
			id, err := hashutil.HashNip11(*nip11)
			if err != nil {
				return fmt.Errorf("hash nip11 doc for %s: %w", relayURL, err)
			}
			doc, err := json.Marshal(nip11)
			if err != nil {
				return fmt.Errorf("marshal nip11 doc for %s: %w", relayURL, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO nip11_docs (id, doc) VALUES ($1, $2)
				ON CONFLICT (id) DO NOTHING
			`, id, string(doc)); err != nil {
				return fmt.Errorf("insert nip11 doc for %s: %w", relayURL, err)
			}
			nip11ID = sql.NullString{String: id, Valid: true}
		}

		if nip66 != nil {
			id, err := hashutil.HashNip66(*nip66)
			if err != nil {
				return fmt.Errorf("hash nip66 result for %s: %w", relayURL, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO nip66_results (id, openable, readable, writable, rtt_open, rtt_read, rtt_write)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO NOTHING
			`, id, nip66.Openable, nip66.Readable, nip66.Writable, nip66.RTTOpen, nip66.RTTRead, nip66.RTTWrite); err != nil {
				return fmt.Errorf("insert nip66 result for %s: %w", relayURL, err)
			}
			nip66ID = sql.NullString{String: id, Valid: true}
			if nip66.Readable != nil {
				readable = sql.NullBool{Bool: *nip66.Readable, Valid: true}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relay_metadata_snapshots (relay_url, generated_at, nip11_id, nip66_id, readable)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (relay_url, generated_at) DO NOTHING
		`, relayURL, generatedAt, nip11ID, nip66ID, readable); err != nil {
			return fmt.Errorf("insert metadata snapshot for %s: %w", relayURL, err)
		}

		return tx.Commit()
	})
}

// LatestSnapshot returns the most recent metadata snapshot for
// relayURL, or (nil, false, nil) if the relay has never been probed.
func (s *Store) LatestSnapshot(ctx context.Context, relayURL string) (*model.RelayMetadataSnapshot, bool, error) {
	var snap model.RelayMetadataSnapshot
	var nip11ID, nip66ID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT relay_url, generated_at, nip11_id, nip66_id
		FROM relay_metadata_snapshots
		WHERE relay_url = $1
		ORDER BY generated_at DESC
		LIMIT 1
	`, relayURL).Scan(&snap.RelayURL, &snap.GeneratedAt, &nip11ID, &nip66ID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("latest snapshot for %s: %w", relayURL, err)
	}
	snap.Nip11ID = nip11ID.String
	snap.Nip66ID = nip66ID.String
	return &snap, true, nil
}

// GetNip11Doc fetches the stored NIP-11 document by its content-hash id.
func (s *Store) GetNip11Doc(ctx context.Context, id string) (*model.Nip11Doc, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM nip11_docs WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get nip11 doc %s: %w", id, err)
	}
	var doc model.Nip11Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("unmarshal nip11 doc %s: %w", id, err)
	}
	return &doc, true, nil
}

// LatestMaxLimit returns the limitation.max_limit advertised by
// relayURL's most recent NIP-11 snapshot, or nil if the relay has
// never been probed or never advertised one. The sync engine clamps
// its batch cap to this value so it never requests more events than
// the relay has promised to return in one response.
func (s *Store) LatestMaxLimit(ctx context.Context, relayURL string) (*int, error) {
	snap, ok, err := s.LatestSnapshot(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	if !ok || snap.Nip11ID == "" {
		return nil, nil
	}
	doc, ok, err := s.GetNip11Doc(ctx, snap.Nip11ID)
	if err != nil {
		return nil, err
	}
	if !ok || doc.Limitation == nil {
		return nil, nil
	}
	return doc.Limitation.MaxLimit, nil
}
