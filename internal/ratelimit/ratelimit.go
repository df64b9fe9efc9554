// Package ratelimit caps the rate of inbound events the sync engine
// will accept per relay, protecting memory against a relay that
// floods a subscription far past what was requested.
//
// golang.org/x/time/rate is the standard ecosystem token-bucket
// implementation, already adjacent to this module's golang.org/x/net
// and golang.org/x/sync dependencies; no example repo in the pack
// implements its own rate limiter, so there is nothing to adapt
// from — this is new code wiring a stock x/ package to the spec's
// per-relay event cap.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultEventsPerSecond is the spec default: 1000 events/sec/relay.
const DefaultEventsPerSecond = 1000

// PerRelayLimiter hands out an independent token bucket per relay URL,
// created lazily on first use and reused across calls for the same
// relay.
type PerRelayLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	eventsPerSec int
}

// NewPerRelayLimiter builds a limiter set. eventsPerSec <= 0 uses
// DefaultEventsPerSecond.
func NewPerRelayLimiter(eventsPerSec int) *PerRelayLimiter {
	if eventsPerSec <= 0 {
		eventsPerSec = DefaultEventsPerSecond
	}
	return &PerRelayLimiter{
		limiters:     make(map[string]*rate.Limiter),
		eventsPerSec: eventsPerSec,
	}
}

// Wait blocks until relayURL's bucket has a token available or ctx is
// done, whichever comes first.
func (p *PerRelayLimiter) Wait(ctx context.Context, relayURL string) error {
	return p.limiterFor(relayURL).Wait(ctx)
}

// Allow reports whether relayURL currently has a token available,
// consuming it if so, without blocking.
func (p *PerRelayLimiter) Allow(relayURL string) bool {
	return p.limiterFor(relayURL).Allow()
}

func (p *PerRelayLimiter) limiterFor(relayURL string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[relayURL]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.eventsPerSec), p.eventsPerSec)
		p.limiters[relayURL] = lim
	}
	return lim
}

// Reset discards relayURL's bucket, so the next call starts a fresh
// one at full burst. Useful when a relay's sync pass completes and a
// caller wants to release the memory for relays no longer in the
// working set.
func (p *PerRelayLimiter) Reset(relayURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, relayURL)
}
