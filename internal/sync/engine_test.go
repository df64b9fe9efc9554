package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/ops"
)

func testLogger() *ops.Logger {
	return ops.NewLogger(config.Logging{Level: "error", Format: "text"})
}

// testBase is a realistic created_at anchor (2023-11-14) well inside
// model.ValidateEvent's floor/ceiling bounds, so fake events don't get
// rejected as implausibly old or future-dated before the algorithm
// under test ever sees them.
const testBase int64 = 1700000000

func TestSyncSmallRelayHappyPath(t *testing.T) {
	relay := &fakeRelay{
		url: "wss://small.example.com",
		events: []*nostr.Event{
			makeEvent(1, testBase+100),
			makeEvent(2, testBase+110),
			makeEvent(3, testBase+120),
		},
	}
	st := newFakeStore()
	engine := New(st, testLogger(), 200, 10)

	filter := model.Filter{Since: testBase, Until: testBase + 1000, Limit: 50}
	report, err := engine.Sync(context.Background(), relay, filter, 50, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.TerminalCause != "window_exhausted" {
		t.Errorf("terminal cause = %q, want window_exhausted", report.TerminalCause)
	}
	if report.EventsNew != 3 {
		t.Errorf("events new = %d, want 3", report.EventsNew)
	}
	if len(st.stored) != 3 {
		t.Errorf("stored = %d, want 3", len(st.stored))
	}
}

func TestSyncTruncationNarrowsWindow(t *testing.T) {
	relay := &fakeRelay{
		url: "wss://truncated.example.com",
		events: []*nostr.Event{
			makeEvent(1, testBase+100),
			makeEvent(2, testBase+200),
			makeEvent(3, testBase+300),
			makeEvent(4, testBase+400),
		},
	}
	st := newFakeStore()
	engine := New(st, testLogger(), 200, 1)

	// batchCap=2 forces truncation: the relay can only return its 2
	// newest matching events per REQ, so the engine must narrow the
	// window at least once to see all 4.
	filter := model.Filter{Since: testBase, Until: testBase + 1000, Limit: 2}
	report, err := engine.Sync(context.Background(), relay, filter, 2, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.TerminalCause != "window_exhausted" {
		t.Errorf("terminal cause = %q, want window_exhausted", report.TerminalCause)
	}
	if report.EventsNew != 4 {
		t.Errorf("events new = %d, want 4 (all events recovered across narrowing passes)", report.EventsNew)
	}
}

func TestSyncTimestampPlateau(t *testing.T) {
	events := make([]*nostr.Event, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, makeEvent(i, testBase+100))
	}
	relay := &fakeRelay{url: "wss://plateau.example.com", events: events}
	st := newFakeStore()
	engine := New(st, testLogger(), 200, 1)

	// batchCap=3 < 5 events sharing created_at=testBase+100: the
	// window can never be narrowed by time, so the engine must store
	// only 3 and emit a timestamp_plateau warning instead of looping.
	filter := model.Filter{Since: testBase, Until: testBase + 200, Limit: 3}
	report, err := engine.Sync(context.Background(), relay, filter, 3, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.TerminalCause != "window_exhausted" {
		t.Errorf("terminal cause = %q, want window_exhausted", report.TerminalCause)
	}
	if len(st.stored) != 3 {
		t.Errorf("stored = %d, want 3 (relay's batch cap limits recovery by design)", len(st.stored))
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "timestamp_plateau") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want a timestamp_plateau warning", report.Warnings)
	}
}

func TestSyncDeadlineFiresBeforeFirstBatch(t *testing.T) {
	relay := &fakeRelay{
		url:    "wss://slow.example.com",
		events: []*nostr.Event{makeEvent(1, testBase+100)},
		delay:  200 * time.Millisecond,
	}
	st := newFakeStore()
	engine := New(st, testLogger(), 200, 1)

	filter := model.Filter{Since: testBase, Until: testBase + 1000, Limit: 10}
	deadline := time.Now().Add(20 * time.Millisecond)
	report, err := engine.Sync(context.Background(), relay, filter, 10, deadline)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.TerminalCause != "deadline" {
		t.Errorf("terminal cause = %q, want deadline", report.TerminalCause)
	}
	if len(st.stored) != 0 {
		t.Errorf("stored = %d, want 0 (no partial batch should be written)", len(st.stored))
	}
}

func TestSyncPaginationLoopGuardAbortsStuckRelay(t *testing.T) {
	relay := &fakeRelay{
		url: "wss://stuck.example.com",
		events: []*nostr.Event{
			makeEvent(1, testBase+100),
			makeEvent(2, testBase+500),
		},
		ignoreFilter: true, // always returns the same full batch regardless of the requested window
	}
	st := newFakeStore()
	engine := New(st, testLogger(), 3, 1) // tiny guard forces the abort deterministically

	filter := model.Filter{Since: testBase, Until: testBase + 1000, Limit: 2}
	report, err := engine.Sync(context.Background(), relay, filter, 2, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.TerminalCause != "stuck" {
		t.Errorf("terminal cause = %q, want stuck", report.TerminalCause)
	}
}

func TestSyncRejectsInvalidSinceUntil(t *testing.T) {
	relay := &fakeRelay{url: "wss://bad-window.example.com"}
	st := newFakeStore()
	engine := New(st, testLogger(), 200, 1)

	filter := model.Filter{Since: testBase + 1000, Until: testBase, Limit: 10}
	_, err := engine.Sync(context.Background(), relay, filter, 10, time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("expected an error for since > until")
	}
}
