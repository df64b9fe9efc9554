package store

import (
	"context"
	"fmt"
)

// DeleteOrphanEvents removes events no longer referenced by any
// events_relays row. This happens when a relay sighting is pruned
// without also pruning the event body — the scheduler never does this
// directly, but a future retention feature or a manual sighting
// deletion could leave orphans, and this keeps the invariant
// enforceable independent of how the orphan arose.
func (s *Store) DeleteOrphanEvents(ctx context.Context) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM events e
			WHERE NOT EXISTS (
				SELECT 1 FROM events_relays er WHERE er.event_id = e.id
			)
		`)
		if err != nil {
			return fmt.Errorf("delete orphan events: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// DeleteOrphanNip11 removes nip11_docs rows no longer referenced by
// any relay_metadata_snapshots row.
func (s *Store) DeleteOrphanNip11(ctx context.Context) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM nip11_docs d
			WHERE NOT EXISTS (
				SELECT 1 FROM relay_metadata_snapshots s WHERE s.nip11_id = d.id
			)
		`)
		if err != nil {
			return fmt.Errorf("delete orphan nip11 docs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// DeleteOrphanNip66 removes nip66_results rows no longer referenced by
// any relay_metadata_snapshots row.
func (s *Store) DeleteOrphanNip66(ctx context.Context) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM nip66_results r
			WHERE NOT EXISTS (
				SELECT 1 FROM relay_metadata_snapshots s WHERE s.nip66_id = r.id
			)
		`)
		if err != nil {
			return fmt.Errorf("delete orphan nip66 results: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
