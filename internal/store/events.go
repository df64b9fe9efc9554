package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/model"
)

// upsertRelayTx idempotently inserts relayURL (classifying its network
// from the URL itself) inside an already-open transaction, so a
// caller writing events for a relay never needs a prior, separate
// relay insert. Per spec §4.4, upsert_event/upsert_events_batch are
// each an atomic three-way: event, relay, event-relay link.
func upsertRelayTx(ctx context.Context, tx *sql.Tx, relayURL string) error {
	network, err := model.NetworkForURL(relayURL)
	if err != nil {
		return fmt.Errorf("classify network for %s: %w", relayURL, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relays (url, network, inserted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (url) DO NOTHING
	`, relayURL, string(network), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert relay %s: %w", relayURL, err)
	}
	return nil
}

// UpsertEvent stores ev (if new) and records that relayURL served it at
// seenAt. Re-sighting an already-known event on a different relay only
// adds an events_relays row; the event body itself never changes once
// stored, since its id is the content hash of its fields.
func (s *Store) UpsertEvent(ctx context.Context, ev *nostr.Event, relayURL string, seenAt int64) (bool, error) {
	var isNew bool
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event upsert: %w", err)
		}
		defer tx.Rollback()

		if err := upsertRelayTx(ctx, tx, relayURL); err != nil {
			return err
		}

		tagsJSON, err := json.Marshal(ev.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags for event %s: %w", ev.ID, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, string(tagsJSON), ev.Content, ev.Sig)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		n, _ := res.RowsAffected()
		isNew = n > 0

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events_relays (event_id, relay_url, seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id, relay_url) DO UPDATE SET seen_at = EXCLUDED.seen_at
		`, ev.ID, relayURL, seenAt)
		if err != nil {
			return fmt.Errorf("insert sighting for event %s on %s: %w", ev.ID, relayURL, err)
		}

		return tx.Commit()
	})
	return isNew, err
}

// BatchResult summarizes a batch of event upserts.
type BatchResult struct {
	Seen int // total events offered
	New  int // events whose body did not previously exist
}

// UpsertEventsBatch stores many events from one relay's sync pass in a
// single transaction, matching the sync engine's per-window commit
// boundary so a crash mid-window never leaves a torn batch.
func (s *Store) UpsertEventsBatch(ctx context.Context, evs []*nostr.Event, relayURL string, seenAt int64) (BatchResult, error) {
	var result BatchResult
	if len(evs) == 0 {
		return result, nil
	}

	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event batch: %w", err)
		}
		defer tx.Rollback()

		if err := upsertRelayTx(ctx, tx, relayURL); err != nil {
			return err
		}

		eventStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare event batch: %w", err)
		}
		defer eventStmt.Close()

		sightingStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events_relays (event_id, relay_url, seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id, relay_url) DO UPDATE SET seen_at = EXCLUDED.seen_at
		`)
		if err != nil {
			return fmt.Errorf("prepare sighting batch: %w", err)
		}
		defer sightingStmt.Close()

		result = BatchResult{}
		for _, ev := range evs {
			tagsJSON, err := json.Marshal(ev.Tags)
			if err != nil {
				return fmt.Errorf("marshal tags for event %s: %w", ev.ID, err)
			}
			res, err := eventStmt.ExecContext(ctx, ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, string(tagsJSON), ev.Content, ev.Sig)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", ev.ID, err)
			}
			n, _ := res.RowsAffected()
			result.Seen++
			if n > 0 {
				result.New++
			}
			if _, err := sightingStmt.ExecContext(ctx, ev.ID, relayURL, seenAt); err != nil {
				return fmt.Errorf("insert sighting for event %s on %s: %w", ev.ID, relayURL, err)
			}
		}
		return tx.Commit()
	})
	return result, err
}

// GetLastSeenCreatedAt returns the highest created_at BigBrotr has
// recorded for relayURL, or nil if the relay has never yielded an
// event. The sync engine resumes its cursor from this watermark.
func (s *Store) GetLastSeenCreatedAt(ctx context.Context, relayURL string) (*int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(e.created_at)
		FROM events_relays er
		JOIN events e ON e.id = er.event_id
		WHERE er.relay_url = $1
	`, relayURL).Scan(&max)
	if err != nil {
		return nil, fmt.Errorf("last seen created_at for %s: %w", relayURL, err)
	}
	if !max.Valid {
		return nil, nil
	}
	v := max.Int64
	return &v, nil
}
