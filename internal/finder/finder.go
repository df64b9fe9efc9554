// Package finder implements the Finder collaborator: it discovers
// candidate relay URLs from stored kind-10002 (NIP-65) relay-list
// events and from optional directory APIs, then filters every
// candidate through a mandatory URL-safety check before it ever
// reaches Store.
//
// The "r" tag extraction follows sandwichfarm-nophr's
// internal/nostr.ParseRelayHints; this package drops that function's
// read/write marker bookkeeping (BigBrotr does not model per-user
// relay policies) and keeps only the URL extraction, feeding every
// candidate through the SSRF guard the teacher's own
// ValidateRelayURL (a bare nostr.IsValidRelayURL scheme check) never
// performed.
package finder

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/httpfetcher"
	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/ops"
)

// Store is the narrow surface Finder needs from the persistence
// layer: a stream of stored kind-10002 events and a relay upsert.
type Store interface {
	StreamRelayListEvents(ctx context.Context) (<-chan *nostr.Event, <-chan error)
	UpsertRelay(ctx context.Context, relay model.Relay) error
}

// Finder discovers and validates candidate relay URLs.
type Finder struct {
	store         Store
	fetcher       *httpfetcher.Fetcher
	logger        *ops.Logger
	directoryAPIs []string
	blockedHosts  map[string]struct{}
}

// New builds a Finder. directoryAPIs is the configured list of
// directory endpoints to poll; blockedHosts is config.Finder.BlockedHosts.
func New(st Store, fetcher *httpfetcher.Fetcher, logger *ops.Logger, directoryAPIs, blockedHosts []string) *Finder {
	blocked := make(map[string]struct{}, len(blockedHosts))
	for _, h := range blockedHosts {
		blocked[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return &Finder{
		store:         st,
		fetcher:       fetcher,
		logger:        logger.WithComponent("finder"),
		directoryAPIs: directoryAPIs,
		blockedHosts:  blocked,
	}
}

// Result summarizes one discover() pass.
type Result struct {
	Candidates int
	Accepted   int
	Rejected   int
}

// Discover extracts candidate relay URLs from stored kind-10002
// events and configured directory APIs, validates each, and upserts
// accepted ones into Store.
func (f *Finder) Discover(ctx context.Context) (Result, error) {
	var result Result

	events, errs := f.store.StreamRelayListEvents(ctx)
	for ev := range events {
		for _, candidate := range extractRelayHints(ev) {
			result.Candidates++
			f.considerCandidate(ctx, "kind10002", candidate, &result)
		}
	}
	if err := <-errs; err != nil {
		return result, fmt.Errorf("stream relay-list events: %w", err)
	}

	for _, api := range f.directoryAPIs {
		candidates, err := f.fetchDirectory(ctx, api)
		if err != nil {
			f.logger.Warn("directory fetch failed", "api", api, "error", err)
			continue
		}
		for _, candidate := range candidates {
			result.Candidates++
			f.considerCandidate(ctx, api, candidate, &result)
		}
	}

	return result, nil
}

func (f *Finder) considerCandidate(ctx context.Context, source, candidate string, result *Result) {
	normalized, err := validateCandidateURL(candidate, f.blockedHosts)
	if err != nil {
		result.Rejected++
		f.logger.LogDiscovery(source, candidate, false, err.Error())
		return
	}
	relay, err := model.NewRelay(normalized, time.Now())
	if err != nil {
		result.Rejected++
		f.logger.LogDiscovery(source, candidate, false, err.Error())
		return
	}
	if err := f.store.UpsertRelay(ctx, relay); err != nil {
		f.logger.Warn("upsert discovered relay failed", "url", relay.URL, "error", err)
		return
	}
	result.Accepted++
	f.logger.LogDiscovery(source, normalized, true, "")
}

// extractRelayHints pulls every "r" tag value out of a kind-10002
// event, the way ParseRelayHints does, minus the read/write marker
// bookkeeping Finder has no use for.
func extractRelayHints(ev *nostr.Event) []string {
	if ev == nil || ev.Kind != 10002 {
		return nil
	}
	var urls []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		raw := strings.TrimSpace(tag[1])
		if raw == "" {
			continue
		}
		urls = append(urls, raw)
	}
	return urls
}

type directoryEntry struct {
	URL string `json:"url"`
}

func (f *Finder) fetchDirectory(ctx context.Context, api string) ([]string, error) {
	body, status, err := f.fetcher.Get(ctx, api, "application/json")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("directory %s returned status %d", api, status)
	}
	var entries []directoryEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		// Some directories publish a bare array of URL strings rather
		// than objects; fall back before giving up on this source.
		var rawURLs []string
		if err2 := json.Unmarshal(body, &rawURLs); err2 != nil {
			return nil, fmt.Errorf("decode directory %s: %w", api, err)
		}
		return rawURLs, nil
	}
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.URL != "" {
			urls = append(urls, e.URL)
		}
	}
	return urls, nil
}

// validateCandidateURL applies the mandatory SSRF guard: scheme must
// be ws/wss, hostname present, IP-literal hosts checked against
// loopback/private/link-local/reserved ranges, then a blocklist
// check. Returns the normalized URL on success.
func validateCandidateURL(raw string, blocked map[string]struct{}) (string, error) {
	normalized, err := model.NormalizeRelayURL(raw)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q: missing hostname", raw)
	}
	if _, isBlocked := blocked[strings.ToLower(host)]; isBlocked {
		return "", fmt.Errorf("url %q: host %q is blocklisted", raw, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isUnsafeIP(ip) {
			return "", fmt.Errorf("url %q: host %q resolves to an unsafe IP range", raw, host)
		}
	}
	return normalized, nil
}

// isUnsafeIP reports whether ip falls in a loopback, private,
// link-local, or other reserved range that must never be the target
// of an outgoing relay connection.
func isUnsafeIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	// 100.64.0.0/10 (carrier-grade NAT) and 192.0.0.0/24 (IETF
	// protocol assignments) are reserved but not covered by the
	// stdlib helpers above.
	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 100 && ip4[1]&0xc0 == 64 {
			return true
		}
		if ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 0 {
			return true
		}
	}
	return false
}
