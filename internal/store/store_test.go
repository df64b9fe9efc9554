package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/ops"
)

// These tests exercise the Store against a real Postgres instance,
// the way klppl-klistr's db package tests expect a reachable database
// rather than mocking database/sql. Set BIGBROTR_TEST_DATABASE_URL to
// run them; otherwise they skip, since no in-memory Postgres exists in
// the module graph (unlike the teacher's SQLite path).
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BIGBROTR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BIGBROTR_TEST_DATABASE_URL not set, skipping store integration test")
	}
	s, err := Open(Config{DSN: dsn, PageSize: 2}, ops.NewLogger(config.Logging{Level: "error"}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertRelayIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	relay := model.Relay{URL: "wss://relay.example.com", Network: model.NetworkClearnet, InsertedAt: 1000}
	if err := s.UpsertRelay(ctx, relay); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// Re-inserting with a different InsertedAt must not move the
	// first-seen timestamp.
	again := relay
	again.InsertedAt = 9999
	if err := s.UpsertRelay(ctx, again); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, ok, err := s.GetRelay(ctx, relay.URL)
	if err != nil {
		t.Fatalf("GetRelay: %v", err)
	}
	if !ok {
		t.Fatalf("relay not found after upsert")
	}
	if got.InsertedAt != 1000 {
		t.Errorf("InsertedAt = %d, want 1000 (first-seen should win)", got.InsertedAt)
	}
}

func TestUpsertEventsBatchDedup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	relay := model.Relay{URL: "wss://dedup.example.com", Network: model.NetworkClearnet, InsertedAt: 1}
	if err := s.UpsertRelay(ctx, relay); err != nil {
		t.Fatalf("upsert relay: %v", err)
	}

	ev := &nostr.Event{
		ID:        "a-fixed-test-id-0000000000000000000000000000000000000000000",
		PubKey:    "pub",
		CreatedAt: nostr.Timestamp(1700000000),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "hello",
		Sig:       "sig",
	}

	r1, err := s.UpsertEventsBatch(ctx, []*nostr.Event{ev}, relay.URL, 1700000001)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if r1.New != 1 || r1.Seen != 1 {
		t.Fatalf("first batch = %+v, want New=1 Seen=1", r1)
	}

	r2, err := s.UpsertEventsBatch(ctx, []*nostr.Event{ev}, relay.URL, 1700000002)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if r2.New != 0 || r2.Seen != 1 {
		t.Fatalf("second batch = %+v, want New=0 Seen=1 (already stored)", r2)
	}

	last, err := s.GetLastSeenCreatedAt(ctx, relay.URL)
	if err != nil {
		t.Fatalf("GetLastSeenCreatedAt: %v", err)
	}
	if last == nil || *last != int64(ev.CreatedAt) {
		t.Fatalf("last seen created_at = %v, want %d", last, ev.CreatedAt)
	}
}

func TestServiceStateRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadServiceState(ctx, "sync")
	if err != nil {
		t.Fatalf("LoadServiceState (empty): %v", err)
	}
	if ok {
		t.Fatalf("expected no checkpoint for a fresh service name")
	}

	blob := []byte(`{"cursor_since":123}`)
	now := time.Now().Unix()
	if err := s.SaveServiceState(ctx, "sync", blob, now); err != nil {
		t.Fatalf("SaveServiceState: %v", err)
	}

	got, ok, err := s.LoadServiceState(ctx, "sync")
	if err != nil {
		t.Fatalf("LoadServiceState: %v", err)
	}
	if !ok || string(got) != string(blob) {
		t.Fatalf("LoadServiceState = %q, %v, want %q, true", got, ok, blob)
	}
}

func TestMetadataDedupByContentHash(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	relay := model.Relay{URL: "wss://meta.example.com", Network: model.NetworkClearnet, InsertedAt: 1}
	if err := s.UpsertRelay(ctx, relay); err != nil {
		t.Fatalf("upsert relay: %v", err)
	}

	name := "Test Relay"
	doc := &model.Nip11Doc{Name: &name}

	for i, ts := range []int64{100, 200, 300} {
		if err := s.UpsertRelayMetadata(ctx, relay.URL, ts, doc, nil); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nip11_docs`).Scan(&count); err != nil {
		t.Fatalf("count nip11_docs: %v", err)
	}
	if count != 1 {
		t.Errorf("nip11_docs count = %d, want 1 (identical docs must share one row)", count)
	}

	var snapshots int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relay_metadata_snapshots WHERE relay_url = $1`, relay.URL).Scan(&snapshots); err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if snapshots != 3 {
		t.Errorf("snapshot count = %d, want 3 (one per probe)", snapshots)
	}
}

func TestDeleteOrphanNip11RemovesUnreferencedDocs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	relay := model.Relay{URL: "wss://orphan.example.com", Network: model.NetworkClearnet, InsertedAt: 1}
	if err := s.UpsertRelay(ctx, relay); err != nil {
		t.Fatalf("upsert relay: %v", err)
	}
	name := "Orphan Candidate"
	doc := &model.Nip11Doc{Name: &name}
	if err := s.UpsertRelayMetadata(ctx, relay.URL, 100, doc, nil); err != nil {
		t.Fatalf("insert snapshot: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_metadata_snapshots WHERE relay_url = $1`, relay.URL); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}

	n, err := s.DeleteOrphanNip11(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanNip11: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	// Idempotent: running again deletes nothing further.
	n2, err := s.DeleteOrphanNip11(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanNip11 (second run): %v", err)
	}
	if n2 != 0 {
		t.Errorf("second run deleted = %d, want 0", n2)
	}
}
