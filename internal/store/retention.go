package store

import (
	"context"
	"fmt"
)

// DeleteEventsOlderThan removes every event whose created_at is
// before cutoff, along with their events_relays sightings. No service
// calls this automatically (§9 Open Question: BigBrotr has no default
// retention policy); it exists for an operator-driven cron job or
// manual invocation.
func (s *Store) DeleteEventsOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retention delete: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM events_relays
			WHERE event_id IN (SELECT id FROM events WHERE created_at < $1)
		`, cutoff); err != nil {
			return fmt.Errorf("delete aged sightings: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("delete aged events: %w", err)
		}
		n, _ = res.RowsAffected()
		return tx.Commit()
	})
	return n, err
}

// DeleteSnapshotsOlderThan removes every relay_metadata_snapshots row
// whose generated_at is before cutoff. Nip11Doc/Nip66Result rows are
// left alone; DeleteOrphanNip11/DeleteOrphanNip66 reclaim any that
// become unreferenced as a result.
func (s *Store) DeleteSnapshotsOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM relay_metadata_snapshots WHERE generated_at < $1
		`, cutoff)
		if err != nil {
			return fmt.Errorf("delete aged snapshots: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
