// Package store implements the Store collaborator: a PostgreSQL-backed
// persistence layer for relays, events, their relay sightings, and
// content-addressed metadata snapshots.
//
// The connection-pool shape (database/sql over lib/pq, explicit
// SetMaxOpenConns/SetMaxIdleConns sizing, DSN-driven Open) is grounded
// on klppl-klistr's internal/db/db.go; the upsert-and-batch surface
// mirrors the shape of sandwichfarm-nophr's internal/storage.Storage,
// rebuilt against Postgres and BigBrotr's own schema (the teacher's
// target was SQLite/LMDB via khatru's eventstore, which spec.md does
// not call for).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/bigbrotr/bigbrotr/internal/ops"
)

// Store wraps a pooled Postgres connection.
type Store struct {
	db     *sql.DB
	logger *ops.Logger

	// pageSize bounds the batch size of streaming list operations;
	// defaults to 1000 per spec §4.4.
	pageSize int
}

// Config controls pool sizing and behavior. Zero values fall back to
// spec §4.2's defaults (min 2, max 5).
type Config struct {
	DSN             string
	MinConns        int
	MaxConns        int
	ConnMaxLifetime time.Duration
	PageSize        int
}

// Open connects to Postgres, sizes the pool, and runs the schema
// migration. The returned Store is ready for use; callers must Close
// it when done.
func Open(cfg Config, logger *ops.Logger) (*Store, error) {
	if cfg.MinConns <= 0 {
		cfg.MinConns = 2
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 5
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db, logger: logger, pageSize: cfg.PageSize}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the pool can currently reach Postgres; used by
// the health service's /ready check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
