package model

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// MaxContentBytes bounds the size of an event's content field.
const MaxContentBytes = 1 << 20 // 1 MiB

// earliestValidCreatedAt is the floor for created_at: Nostr predates
// this, so anything older is almost certainly a malformed or abusive
// timestamp rather than a real historical event.
var earliestValidCreatedAt = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

// EventOnRelay links a stored event to a relay that served it.
type EventOnRelay struct {
	EventID string
	Relay   string
	SeenAt  int64
}

// ValidateEvent applies the insert-time checks from the sync engine's
// event validation policy: id/sig integrity, kind range, timestamp
// bounds, and content size. It never mutates ev. Tags need no separate
// check here: nostr.Tags decodes to [][]string, so a tag field that
// isn't a plain string fails upstream during JSON unmarshaling, before
// an *nostr.Event ever reaches this function.
func ValidateEvent(ev *nostr.Event, now time.Time) error {
	if ev == nil {
		return fmt.Errorf("invalid event: nil")
	}
	if ev.Kind < 0 || ev.Kind > 65535 {
		return fmt.Errorf("invalid event %s: kind %d out of range", safeID(ev), ev.Kind)
	}
	if int64(ev.CreatedAt) < earliestValidCreatedAt {
		return fmt.Errorf("invalid event %s: created_at %d before epoch floor", safeID(ev), ev.CreatedAt)
	}
	if int64(ev.CreatedAt) > now.Add(time.Hour).Unix() {
		return fmt.Errorf("invalid event %s: created_at %d too far in the future", safeID(ev), ev.CreatedAt)
	}
	if len(ev.Content) > MaxContentBytes {
		return fmt.Errorf("invalid event %s: content exceeds %d bytes", safeID(ev), MaxContentBytes)
	}
	want := ev.GetID()
	if want != ev.ID {
		return fmt.Errorf("invalid event %s: id does not match content hash", safeID(ev))
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return fmt.Errorf("invalid event %s: signature verification failed", safeID(ev))
	}
	return nil
}

func safeID(ev *nostr.Event) string {
	if ev == nil || ev.ID == "" {
		return "<unknown>"
	}
	if len(ev.ID) <= 8 {
		return ev.ID
	}
	return ev.ID[:8]
}
