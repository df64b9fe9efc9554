// Package sync implements the exhaustive time-window sync engine:
// given a relay and a time range, it writes every event the relay will
// serve in that range to Store, despite the relay silently truncating
// any single response at its advertised batch cap.
//
// The engine's shape — a struct wrapping a relay client and a store,
// driven by one entry-point method per sync pass — follows
// sandwichfarm-nophr's internal/sync.Engine. The algorithm itself does
// not: the teacher's engine does continuous personal-feed sync against
// a long-lived SimplePool and a social graph; this engine runs the
// window-stack binary-search extraction described for BigBrotr, one
// relay at a time, against the scoped internal/relayclient.Client.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/ratelimit"
	"github.com/bigbrotr/bigbrotr/internal/relayclient"
	"github.com/bigbrotr/bigbrotr/internal/store"
)

// RelayClient is the narrow surface the engine needs from a relay
// connection. *relayclient.Client satisfies it directly.
type RelayClient interface {
	URL() string
	Open(ctx context.Context) error
	Close() error
	Subscribe(ctx context.Context, filter model.Filter) (*relayclient.Subscription, error)
}

// Store is the narrow surface the engine needs from the persistence
// layer. *store.Store satisfies it directly.
type Store interface {
	UpsertEventsBatch(ctx context.Context, evs []*nostr.Event, relayURL string, seenAt int64) (store.BatchResult, error)
	GetLastSeenCreatedAt(ctx context.Context, relayURL string) (*int64, error)
}

// SyncReport summarizes one sync() call.
type SyncReport struct {
	EventsSeen    int
	EventsNew     int
	Warnings      []string
	TerminalCause string // "window_exhausted" | "deadline" | "stuck"
}

// Engine runs sync passes against relays.
type Engine struct {
	store               Store
	logger              *ops.Logger
	paginationLoopGuard int
	minLimit            int
	limiter             *ratelimit.PerRelayLimiter
}

// New builds an Engine. paginationLoopGuard and minLimit come from
// config (spec defaults: 200 and 10 respectively). The per-relay
// inbound event rate starts at ratelimit.DefaultEventsPerSecond; call
// SetEventsPerSecond to override it from config.
func New(st Store, logger *ops.Logger, paginationLoopGuard, minLimit int) *Engine {
	if paginationLoopGuard <= 0 {
		paginationLoopGuard = 200
	}
	if minLimit <= 0 {
		minLimit = 10
	}
	return &Engine{
		store:               st,
		logger:              logger.WithComponent("sync"),
		paginationLoopGuard: paginationLoopGuard,
		minLimit:            minLimit,
		limiter:             ratelimit.NewPerRelayLimiter(0),
	}
}

// SetEventsPerSecond reconfigures the per-relay inbound event rate
// cap (§4.6, default 1000 events/sec/relay). Safe to call before the
// engine starts serving sync passes; not safe concurrently with Sync.
func (e *Engine) SetEventsPerSecond(n int) {
	e.limiter = ratelimit.NewPerRelayLimiter(n)
}

// Sync extracts every event client's relay will serve inside
// [filter.Since, filter.Until] that matches filter, writing them to
// Store. batchCap is the relay's advertised max_limit clamped to
// filter.Limit; deadline bounds the whole call, not just one REQ.
func (e *Engine) Sync(ctx context.Context, client RelayClient, filter model.Filter, batchCap int, deadline time.Time) (SyncReport, error) {
	report := SyncReport{}
	relayURL := client.URL()

	if filter.Limit > 0 && filter.Limit < e.minLimit {
		return report, fmt.Errorf("sync %s: filter.limit %d below minimum %d", relayURL, filter.Limit, e.minLimit)
	}
	if filter.Since > filter.Until {
		return report, fmt.Errorf("sync %s: since (%d) > until (%d)", relayURL, filter.Since, filter.Until)
	}
	if batchCap < e.minLimit {
		batchCap = e.minLimit
	}

	openCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := client.Open(openCtx); err != nil {
		return report, fmt.Errorf("open %s: %w", relayURL, err)
	}
	defer client.Close()
	// The limiter map only grows while this relay is actively being
	// synced; releasing its bucket here keeps a long-running process
	// that cycles through many relays from accumulating one entry per
	// relay ever seen.
	defer e.limiter.Reset(relayURL)

	stack := []int64{filter.Until}
	cursorSince := filter.Since
	iterations := 0

	for len(stack) > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			report.TerminalCause = "deadline"
			return report, nil
		}

		iterations++
		if iterations > e.paginationLoopGuard {
			report.TerminalCause = "stuck"
			warning := fmt.Sprintf("stuck: interval [%d,%d] failed to shrink after %d iterations", cursorSince, stack[len(stack)-1], iterations)
			report.Warnings = append(report.Warnings, warning)
			e.logger.LogSyncWarning(relayURL, "pagination_loop_guard",
				"since", cursorSince, "until", stack[len(stack)-1], "iterations", iterations)
			return report, nil
		}

		currentUntil := stack[len(stack)-1]

		reqFilter := filter
		reqFilter.Since = cursorSince
		reqFilter.Until = currentUntil
		reqFilter.Limit = batchCap

		batch, err := e.fetchBatch(ctx, client, reqFilter, batchCap, deadline, &report)
		if err != nil {
			if ctx.Err() != nil || time.Now().After(deadline) {
				report.TerminalCause = "deadline"
				return report, nil
			}
			return report, fmt.Errorf("fetch batch from %s [%d,%d]: %w", relayURL, cursorSince, currentUntil, err)
		}

		switch {
		case batch.count == 0:
			stack = stack[:len(stack)-1]
			cursorSince = currentUntil + 1

		case batch.count < batchCap:
			if err := e.writeBatch(ctx, batch.valid, relayURL, &report); err != nil {
				return report, err
			}
			stack = stack[:len(stack)-1]
			cursorSince = currentUntil + 1

		default: // full batch: batch.count == batchCap
			if batch.minCreatedAt < batch.maxCreatedAt {
				toWrite := eventsBeforeCreatedAt(batch.valid, batch.maxCreatedAt)
				if err := e.writeBatch(ctx, toWrite, relayURL, &report); err != nil {
					return report, err
				}
				stack = append(stack, batch.maxCreatedAt-1)
			} else {
				if err := e.writeBatch(ctx, batch.valid, relayURL, &report); err != nil {
					return report, err
				}
				cursorSince = batch.maxCreatedAt + 1
				stack = stack[:len(stack)-1]
				warning := fmt.Sprintf("timestamp_plateau: %d events at created_at=%d", batch.count, batch.maxCreatedAt)
				report.Warnings = append(report.Warnings, warning)
				e.logger.LogSyncWarning(relayURL, "timestamp_plateau", "count", batch.count, "created_at", batch.maxCreatedAt)
			}
		}
	}

	report.TerminalCause = "window_exhausted"
	e.logger.LogSyncIteration(relayURL, report.EventsSeen, report.EventsNew, cursorSince, report.TerminalCause)
	return report, nil
}

// batchResult is one REQ's classified response.
type batchResult struct {
	count        int
	minCreatedAt int64
	maxCreatedAt int64
	valid        []*nostr.Event
}

// fetchBatch opens a subscription, reads until EOSE (or deadline, or an
// event arriving once batchCap events are already collected, which
// records batch_overflow and closes the subscription), dedups by id,
// validates each event, and classifies the result.
func (e *Engine) fetchBatch(ctx context.Context, client RelayClient, filter model.Filter, batchCap int, deadline time.Time, report *SyncReport) (batchResult, error) {
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sub, err := client.Subscribe(reqCtx, filter)
	if err != nil {
		return batchResult{}, err
	}
	defer sub.Close()

	seen := map[string]struct{}{}
	var all []*nostr.Event

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return classifyBatch(all, e.validateAll(all, report)), nil
			}
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			// Throttle, never drop: a valid event slowed by the
			// per-relay cap must still reach the batch, or the §4.1
			// completeness guarantee breaks on a relay that bursts
			// past 1000 events/sec.
			if err := e.limiter.Wait(reqCtx, client.URL()); err != nil {
				return classifyBatch(all, e.validateAll(all, report)), err
			}
			if len(all) >= batchCap {
				report.Warnings = append(report.Warnings, "batch_overflow")
				return classifyBatch(all, e.validateAll(all, report)), nil
			}
			seen[ev.ID] = struct{}{}
			all = append(all, ev)

		case <-sub.EOSE:
			return classifyBatch(all, e.validateAll(all, report)), nil

		case <-reqCtx.Done():
			return classifyBatch(all, e.validateAll(all, report)), reqCtx.Err()
		}
	}
}

// validateAll partitions events into those acceptable for storage,
// per spec §4.1's pre-insert validation rules. Rejects are recorded as
// warnings but never fail the sync.
func (e *Engine) validateAll(all []*nostr.Event, report *SyncReport) []*nostr.Event {
	now := time.Now()
	valid := make([]*nostr.Event, 0, len(all))
	for _, ev := range all {
		if err := model.ValidateEvent(ev, now); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("rejected event %s: %v", ev.ID, err))
			continue
		}
		valid = append(valid, ev)
	}
	return valid
}

func classifyBatch(all []*nostr.Event, valid []*nostr.Event) batchResult {
	br := batchResult{count: len(all), valid: valid}
	if len(all) == 0 {
		return br
	}
	br.minCreatedAt = int64(all[0].CreatedAt)
	br.maxCreatedAt = int64(all[0].CreatedAt)
	for _, ev := range all {
		ts := int64(ev.CreatedAt)
		if ts < br.minCreatedAt {
			br.minCreatedAt = ts
		}
		if ts > br.maxCreatedAt {
			br.maxCreatedAt = ts
		}
	}
	return br
}

func eventsBeforeCreatedAt(evs []*nostr.Event, cutoff int64) []*nostr.Event {
	out := make([]*nostr.Event, 0, len(evs))
	for _, ev := range evs {
		if int64(ev.CreatedAt) < cutoff {
			out = append(out, ev)
		}
	}
	return out
}

func (e *Engine) writeBatch(ctx context.Context, evs []*nostr.Event, relayURL string, report *SyncReport) error {
	if len(evs) == 0 {
		return nil
	}
	result, err := e.store.UpsertEventsBatch(ctx, evs, relayURL, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write batch to store for %s: %w", relayURL, err)
	}
	report.EventsSeen += result.Seen
	report.EventsNew += result.New
	return nil
}
