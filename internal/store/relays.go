package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bigbrotr/bigbrotr/internal/model"
)

// UpsertRelay records relay, ignoring duplicates so re-discovery of an
// already-known URL is a no-op for inserted_at (first-seen wins).
func (s *Store) UpsertRelay(ctx context.Context, relay model.Relay) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO relays (url, network, inserted_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (url) DO NOTHING
		`, relay.URL, string(relay.Network), relay.InsertedAt)
		if err != nil {
			return fmt.Errorf("upsert relay %s: %w", relay.URL, err)
		}
		return nil
	})
}

// UpsertRelaysBatch inserts many relays in one statement, returning how
// many were newly inserted (as opposed to already known).
func (s *Store) UpsertRelaysBatch(ctx context.Context, relays []model.Relay) (int, error) {
	if len(relays) == 0 {
		return 0, nil
	}
	var inserted int
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin relay batch: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO relays (url, network, inserted_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (url) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare relay batch: %w", err)
		}
		defer stmt.Close()

		inserted = 0
		for _, r := range relays {
			res, err := stmt.ExecContext(ctx, r.URL, string(r.Network), r.InsertedAt)
			if err != nil {
				return fmt.Errorf("insert relay %s: %w", r.URL, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return tx.Commit()
	})
	return inserted, err
}

// GetRelay looks up a single relay by URL. Returns (Relay{}, false, nil)
// if it is not known.
func (s *Store) GetRelay(ctx context.Context, url string) (model.Relay, bool, error) {
	var r model.Relay
	var network string
	err := s.db.QueryRowContext(ctx, `
		SELECT url, network, inserted_at FROM relays WHERE url = $1
	`, url).Scan(&r.URL, &network, &r.InsertedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Relay{}, false, nil
		}
		return model.Relay{}, false, fmt.Errorf("get relay %s: %w", url, err)
	}
	r.Network = model.Network(network)
	return r, true, nil
}
