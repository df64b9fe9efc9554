package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/model"
)

// ListRelaysForSync streams every relay eligible for the sync service:
// every known relay except those whose most recent metadata snapshot
// recorded readable = false. Relays never yet probed, and relays whose
// latest snapshot left readable unknown (no NIP-66 result, or the open
// stage failed), are included, so sync gets to find out directly. No
// freshness cutoff is applied to the snapshot. Results are ordered by
// url and paged with keyset pagination (pageSize rows per round trip,
// default set at Open), so this never materializes the whole relay
// table in memory regardless of its size.
//
// The returned channel is closed when streaming finishes or the
// context is cancelled; callers must drain it (or cancel ctx) to avoid
// leaking the background goroutine. A non-nil error on the error
// channel terminates the relay channel immediately after.
func (s *Store) ListRelaysForSync(ctx context.Context, excludeURLs map[string]struct{}) (<-chan model.Relay, <-chan error) {
	out := make(chan model.Relay, s.pageSize)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		lastURL := ""
		for {
			rows, err := s.db.QueryContext(ctx, `
				SELECT r.url, r.network, r.inserted_at
				FROM relays r
				WHERE r.url > $1
				AND NOT EXISTS (
					SELECT 1 FROM (
						SELECT readable
						FROM relay_metadata_snapshots
						WHERE relay_url = r.url
						ORDER BY generated_at DESC
						LIMIT 1
					) latest
					WHERE latest.readable IS NOT NULL AND latest.readable = false
				)
				ORDER BY r.url
				LIMIT $2
			`, lastURL, s.pageSize)
			if err != nil {
				errc <- fmt.Errorf("list relays for sync: %w", err)
				return
			}

			count := 0
			for rows.Next() {
				var r model.Relay
				var network string
				if err := rows.Scan(&r.URL, &network, &r.InsertedAt); err != nil {
					rows.Close()
					errc <- fmt.Errorf("scan relay for sync: %w", err)
					return
				}
				r.Network = model.Network(network)
				count++
				lastURL = r.URL

				if _, skip := excludeURLs[r.URL]; skip {
					continue
				}
				select {
				case out <- r:
				case <-ctx.Done():
					rows.Close()
					errc <- ctx.Err()
					return
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				errc <- fmt.Errorf("iterate relays for sync: %w", err)
				return
			}
			rows.Close()

			if count < s.pageSize {
				return
			}
		}
	}()

	return out, errc
}

// ListRelaysForMetadata streams every known relay whose latest metadata
// snapshot is older than freshnessCutoff (or which has never been
// probed), for the monitor service's working set.
func (s *Store) ListRelaysForMetadata(ctx context.Context, freshnessCutoff int64) (<-chan model.Relay, <-chan error) {
	out := make(chan model.Relay, s.pageSize)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		lastURL := ""
		for {
			rows, err := s.db.QueryContext(ctx, `
				SELECT r.url, r.network, r.inserted_at
				FROM relays r
				WHERE r.url > $1
				AND NOT EXISTS (
					SELECT 1 FROM relay_metadata_snapshots s
					WHERE s.relay_url = r.url AND s.generated_at >= $2
				)
				ORDER BY r.url
				LIMIT $3
			`, lastURL, freshnessCutoff, s.pageSize)
			if err != nil {
				errc <- fmt.Errorf("list relays for metadata: %w", err)
				return
			}

			count := 0
			for rows.Next() {
				var r model.Relay
				var network string
				if err := rows.Scan(&r.URL, &network, &r.InsertedAt); err != nil {
					rows.Close()
					errc <- fmt.Errorf("scan relay for metadata: %w", err)
					return
				}
				r.Network = model.Network(network)
				count++
				lastURL = r.URL

				select {
				case out <- r:
				case <-ctx.Done():
					rows.Close()
					errc <- ctx.Err()
					return
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				errc <- fmt.Errorf("iterate relays for metadata: %w", err)
				return
			}
			rows.Close()

			if count < s.pageSize {
				return
			}
		}
	}()

	return out, errc
}

// StreamRelayListEvents streams every stored kind-10002 (NIP-65)
// event, for Finder's "r" tag extraction. Paged by event id, same
// streaming shape as the relay listers above.
func (s *Store) StreamRelayListEvents(ctx context.Context) (<-chan *nostr.Event, <-chan error) {
	out := make(chan *nostr.Event, s.pageSize)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		lastID := ""
		for {
			rows, err := s.db.QueryContext(ctx, `
				SELECT id, pubkey, created_at, kind, tags, content, sig
				FROM events
				WHERE kind = 10002 AND id > $1
				ORDER BY id
				LIMIT $2
			`, lastID, s.pageSize)
			if err != nil {
				errc <- fmt.Errorf("stream relay-list events: %w", err)
				return
			}

			count := 0
			for rows.Next() {
				var ev nostr.Event
				var tagsJSON string
				var createdAt int64
				if err := rows.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig); err != nil {
					rows.Close()
					errc <- fmt.Errorf("scan relay-list event: %w", err)
					return
				}
				ev.CreatedAt = nostr.Timestamp(createdAt)
				if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
					rows.Close()
					errc <- fmt.Errorf("decode tags for event %s: %w", ev.ID, err)
					return
				}
				count++
				lastID = ev.ID

				select {
				case out <- &ev:
				case <-ctx.Done():
					rows.Close()
					errc <- ctx.Err()
					return
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				errc <- fmt.Errorf("iterate relay-list events: %w", err)
				return
			}
			rows.Close()

			if count < s.pageSize {
				return
			}
		}
	}()

	return out, errc
}
