package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowConsumesBurstThenBlocks(t *testing.T) {
	p := NewPerRelayLimiter(2)

	if !p.Allow("wss://a.example.com") {
		t.Fatal("first Allow should succeed (full burst)")
	}
	if !p.Allow("wss://a.example.com") {
		t.Fatal("second Allow should succeed (burst=2)")
	}
	if p.Allow("wss://a.example.com") {
		t.Fatal("third immediate Allow should fail, bucket exhausted")
	}
}

func TestLimitersAreIndependentPerRelay(t *testing.T) {
	p := NewPerRelayLimiter(1)

	if !p.Allow("wss://a.example.com") {
		t.Fatal("relay a should have its own full bucket")
	}
	if !p.Allow("wss://b.example.com") {
		t.Fatal("relay b's bucket must be independent of relay a's")
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	p := NewPerRelayLimiter(1)
	p.Allow("wss://slow.example.com") // exhaust the burst

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.Wait(ctx, "wss://slow.example.com")
	if err == nil {
		t.Fatal("expected Wait to return an error once ctx deadline passes")
	}
}

func TestResetRestoresFullBurst(t *testing.T) {
	p := NewPerRelayLimiter(1)
	p.Allow("wss://reset.example.com")
	if p.Allow("wss://reset.example.com") {
		t.Fatal("bucket should be exhausted before reset")
	}
	p.Reset("wss://reset.example.com")
	if !p.Allow("wss://reset.example.com") {
		t.Fatal("bucket should be full again after Reset")
	}
}

func TestDefaultEventsPerSecondAppliedWhenNonPositive(t *testing.T) {
	p := NewPerRelayLimiter(0)
	if p.eventsPerSec != DefaultEventsPerSecond {
		t.Errorf("eventsPerSec = %d, want default %d", p.eventsPerSec, DefaultEventsPerSecond)
	}
}
