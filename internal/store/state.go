package store

import (
	"context"
	"database/sql"
	"fmt"
)

// LoadServiceState returns the last persisted checkpoint blob for
// serviceName, or (nil, false, nil) if the service has never
// checkpointed. Services read it at startup only to log the prior
// checkpoint; per-relay resume comes from GetLastSeenCreatedAt.
func (s *Store) LoadServiceState(ctx context.Context, serviceName string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT blob FROM service_state WHERE service_name = $1
	`, serviceName).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load service state %s: %w", serviceName, err)
	}
	return blob, true, nil
}

// SaveServiceState upserts the checkpoint blob for serviceName. This is
// a best-effort, out-of-band write: real resume after a restart comes
// from the durable per-relay watermark (GetLastSeenCreatedAt), not from
// this blob, since committing events and committing a checkpoint can
// never be made atomic across the scheduler's many concurrent relay
// tasks. The blob exists for operator visibility into scheduler
// progress, not correctness.
func (s *Store) SaveServiceState(ctx context.Context, serviceName string, blob []byte, updatedAt int64) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO service_state (service_name, blob, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (service_name) DO UPDATE
				SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at
		`, serviceName, blob, updatedAt)
		if err != nil {
			return fmt.Errorf("save service state %s: %w", serviceName, err)
		}
		return nil
	})
}
