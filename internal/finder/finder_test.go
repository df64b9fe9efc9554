package finder

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/ops"
)

func testLogger() *ops.Logger {
	return ops.NewLogger(config.Logging{Level: "error", Format: "text"})
}

type fakeStore struct {
	events  []*nostr.Event
	upserts []model.Relay
}

func (s *fakeStore) StreamRelayListEvents(ctx context.Context) (<-chan *nostr.Event, <-chan error) {
	out := make(chan *nostr.Event, len(s.events))
	errc := make(chan error, 1)
	for _, ev := range s.events {
		out <- ev
	}
	close(out)
	errc <- nil
	return out, errc
}

func (s *fakeStore) UpsertRelay(ctx context.Context, relay model.Relay) error {
	s.upserts = append(s.upserts, relay)
	return nil
}

func relayListEvent(tags ...[]string) *nostr.Event {
	nt := make(nostr.Tags, 0, len(tags))
	for _, t := range tags {
		nt = append(nt, nostr.Tag(t))
	}
	return &nostr.Event{Kind: 10002, Tags: nt}
}

func TestDiscoverAcceptsSafeURL(t *testing.T) {
	st := &fakeStore{events: []*nostr.Event{
		relayListEvent([]string{"r", "wss://relay.example.com"}),
	}}
	f := New(st, nil, testLogger(), nil, nil)

	result, err := f.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if result.Accepted != 1 || result.Rejected != 0 {
		t.Errorf("result = %+v, want Accepted=1 Rejected=0", result)
	}
	if len(st.upserts) != 1 || st.upserts[0].URL != "wss://relay.example.com" {
		t.Errorf("upserts = %+v, want one wss://relay.example.com", st.upserts)
	}
}

func TestDiscoverRejectsLoopback(t *testing.T) {
	st := &fakeStore{events: []*nostr.Event{
		relayListEvent([]string{"r", "ws://127.0.0.1"}),
	}}
	f := New(st, nil, testLogger(), nil, nil)

	result, err := f.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if result.Rejected != 1 || result.Accepted != 0 {
		t.Errorf("result = %+v, want Rejected=1 Accepted=0", result)
	}
}

func TestDiscoverRejectsLinkLocalMetadataHost(t *testing.T) {
	st := &fakeStore{events: []*nostr.Event{
		relayListEvent([]string{"r", "wss://169.254.169.254"}),
	}}
	f := New(st, nil, testLogger(), nil, nil)

	result, _ := f.Discover(context.Background())
	if result.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", result.Rejected)
	}
}

func TestDiscoverRejectsPrivateNetwork(t *testing.T) {
	st := &fakeStore{events: []*nostr.Event{
		relayListEvent([]string{"r", "wss://192.168.1.1"}),
	}}
	f := New(st, nil, testLogger(), nil, nil)

	result, _ := f.Discover(context.Background())
	if result.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", result.Rejected)
	}
}

func TestDiscoverRejectsBlocklistedHost(t *testing.T) {
	st := &fakeStore{events: []*nostr.Event{
		relayListEvent([]string{"r", "wss://malicious.example.net"}),
	}}
	f := New(st, nil, testLogger(), nil, []string{"malicious.example.net"})

	result, _ := f.Discover(context.Background())
	if result.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", result.Rejected)
	}
}

func TestDiscoverRejectsBadScheme(t *testing.T) {
	st := &fakeStore{events: []*nostr.Event{
		relayListEvent([]string{"r", "https://relay.example.com"}),
	}}
	f := New(st, nil, testLogger(), nil, nil)

	result, _ := f.Discover(context.Background())
	if result.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", result.Rejected)
	}
}

func TestDiscoverIgnoresNonRTags(t *testing.T) {
	st := &fakeStore{events: []*nostr.Event{
		relayListEvent([]string{"p", "somepubkey"}),
	}}
	f := New(st, nil, testLogger(), nil, nil)

	result, err := f.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if result.Candidates != 0 {
		t.Errorf("candidates = %d, want 0", result.Candidates)
	}
}

func TestDiscoverAcceptsSameURLFromEachEvent(t *testing.T) {
	st := &fakeStore{events: []*nostr.Event{
		relayListEvent([]string{"r", "wss://relay.example.com"}),
		relayListEvent([]string{"r", "wss://relay.example.com"}),
	}}
	f := New(st, nil, testLogger(), nil, nil)

	result, err := f.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	// Finder does not dedup candidates itself; Store's upsert is
	// idempotent. Both are accepted, but only one relay row survives
	// in a real Store.
	if result.Accepted != 2 {
		t.Errorf("accepted = %d, want 2 (Store handles dedup)", result.Accepted)
	}
}
