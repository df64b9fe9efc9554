package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/relayclient"
	"github.com/bigbrotr/bigbrotr/internal/store"
)

// fakeRelay serves a fixed in-memory event set and mimics real relay
// truncation: a REQ with limit=N returns at most the N newest matching
// events. It honors ctx cancellation the way the real websocket client
// does, so deadline tests behave realistically.
type fakeRelay struct {
	url    string
	events []*nostr.Event
	delay  time.Duration

	// ignoreFilter, when set, makes every Subscribe call return the
	// same fixed batch regardless of since/until — simulating a
	// relay that never makes progress, for the loop-guard test.
	ignoreFilter bool
}

func (f *fakeRelay) URL() string                    { return f.url }
func (f *fakeRelay) Open(ctx context.Context) error { return nil }
func (f *fakeRelay) Close() error                   { return nil }

func (f *fakeRelay) Subscribe(ctx context.Context, filter model.Filter) (*relayclient.Subscription, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var matched []*nostr.Event
	if f.ignoreFilter {
		matched = append(matched, f.events...)
	} else {
		for _, ev := range f.events {
			ts := int64(ev.CreatedAt)
			if ts >= filter.Since && ts <= filter.Until {
				matched = append(matched, ev)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })

	limit := filter.Limit
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	batch := matched[:limit]

	eventsCh := make(chan *nostr.Event, len(batch))
	eoseCh := make(chan struct{})
	for _, ev := range batch {
		eventsCh <- ev
	}
	close(eoseCh)

	return &relayclient.Subscription{Events: eventsCh, EOSE: eoseCh}, nil
}

// fakeStore records every batch handed to it and reports how many were
// genuinely new, mimicking the content-addressed event table's
// dedup-by-id behavior without needing Postgres.
type fakeStore struct {
	stored map[string]*nostr.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{stored: map[string]*nostr.Event{}}
}

func (s *fakeStore) UpsertEventsBatch(ctx context.Context, evs []*nostr.Event, relayURL string, seenAt int64) (store.BatchResult, error) {
	result := store.BatchResult{}
	for _, ev := range evs {
		result.Seen++
		if _, exists := s.stored[ev.ID]; !exists {
			s.stored[ev.ID] = ev
			result.New++
		}
	}
	return result, nil
}

func (s *fakeStore) GetLastSeenCreatedAt(ctx context.Context, relayURL string) (*int64, error) {
	return nil, nil
}

// testPrivKey signs every fake event so model.ValidateEvent's id/sig
// checks pass the same way they would for a genuine relay response.
const testPrivKey = "a3f1b2c4d5e6f7081920314253647586970a1b2c3d4e5f60718293a4b5c6d7e8"

// makeEvent builds and signs a kind-1 test event. seq varies the
// content so events sharing the same createdAt still get distinct ids.
func makeEvent(seq int, createdAt int64) *nostr.Event {
	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   fmt.Sprintf("test-event-%d", seq),
	}
	if err := ev.Sign(testPrivKey); err != nil {
		panic(fmt.Sprintf("sign fake event: %v", err))
	}
	return ev
}
