// Package model defines the entities BigBrotr persists: relays, events,
// relay-metadata snapshots, and the service checkpoint blob. Types here
// carry validation but no storage logic — that lives in internal/store.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Network classifies which transport a relay URL resolves over.
type Network string

const (
	NetworkClearnet Network = "clearnet"
	NetworkTor      Network = "tor"
)

// Relay is a Nostr relay identified by its normalized websocket URL.
type Relay struct {
	URL        string
	Network    Network
	InsertedAt int64
}

// NormalizeRelayURL lowercases the scheme/host and strips a trailing
// slash and default port, so the same relay is never stored twice
// under cosmetically different URLs.
func NormalizeRelayURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("relay url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q: missing host", raw)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if p := u.Port(); (scheme == "wss" && p == "443") || (scheme == "ws" && p == "80") {
		u.Host = strings.TrimSuffix(u.Host, ":"+p)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Fragment = ""
	return u.String(), nil
}

// NetworkForURL classifies a normalized relay URL as clearnet or tor.
// Per spec: network=tor iff the host ends in .onion.
func NetworkForURL(normalized string) (Network, error) {
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	host := u.Hostname()
	if strings.HasSuffix(strings.ToLower(host), ".onion") {
		return NetworkTor, nil
	}
	return NetworkClearnet, nil
}

// NewRelay normalizes rawURL and builds a Relay with its network
// classification and insertion timestamp derived from now.
func NewRelay(rawURL string, now time.Time) (Relay, error) {
	normalized, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return Relay{}, err
	}
	network, err := NetworkForURL(normalized)
	if err != nil {
		return Relay{}, err
	}
	return Relay{
		URL:        normalized,
		Network:    network,
		InsertedAt: now.Unix(),
	}, nil
}
