// Package relayclient implements the RelayClient collaborator: a
// single-relay websocket connection supporting open/close,
// subscribe-with-filter (REQ/EOSE/CLOSE), and publish.
//
// It wraps github.com/nbd-wtf/go-nostr, the Nostr client library the
// whole example pack depends on (sandwichfarm-nophr, klppl-klistr,
// girino-saint-michaels-mirror). The teacher wraps a long-lived
// nostr.SimplePool shared across many relays and many subscriptions
// (internal/nostr.Client in sandwichfarm-nophr); BigBrotr's sync
// engine instead needs a scoped, single-relay connection it fully
// owns for the duration of one sync() call — the §9 redesign against
// an "ambient sync flag" that lets a caller forget to disconnect.
// Open is the only way to get a usable Client, and Close is
// idempotent and safe to defer immediately after Open succeeds.
package relayclient

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/model"
)

// torDialMu serializes connection setup to .onion relays. go-nostr's
// RelayConnect does not expose a per-call dialer/transport override,
// so routing through SOCKS5 is done by pointing the ALL_PROXY/
// HTTPS_PROXY environment variables (which net/http's default
// transport reads via http.ProxyFromEnvironment, socks5:// scheme
// included since Go 1.18) at the configured proxy for the duration of
// the dial, then restoring whatever was there before. Clearnet
// connections never touch this lock or the environment.
var torDialMu sync.Mutex

// Client is a scoped connection to exactly one relay.
type Client struct {
	url   string
	proxy string // SOCKS5 endpoint, non-empty for .onion relays

	relay *nostr.Relay
}

// New builds a Client for url. proxy, if non-empty, is a SOCKS5
// endpoint ("host:port") used when url's host is a .onion address.
func New(url, proxy string) *Client {
	return &Client{url: url, proxy: proxy}
}

// URL returns the relay URL this client is bound to.
func (c *Client) URL() string { return c.url }

// Open establishes the websocket connection. It must be paired with
// exactly one Close, on every exit path — callers should defer Close
// immediately after a successful Open.
func (c *Client) Open(ctx context.Context) error {
	var relay *nostr.Relay
	var err error

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	if c.proxy != "" {
		torDialMu.Lock()
		restore := setProxyEnv(c.proxy)
		relay, err = nostr.RelayConnect(ctx, c.url)
		restore()
		torDialMu.Unlock()
	} else {
		relay, err = nostr.RelayConnect(ctx, c.url)
	}
	if err != nil {
		return fmt.Errorf("connect to relay %s: %w", c.url, err)
	}
	c.relay = relay
	return nil
}

// setProxyEnv points ALL_PROXY/HTTPS_PROXY at addr (a SOCKS5
// "host:port" endpoint) and returns a func that restores whatever was
// previously set.
func setProxyEnv(addr string) (restore func()) {
	prevAll, hadAll := os.LookupEnv("ALL_PROXY")
	prevHTTPS, hadHTTPS := os.LookupEnv("HTTPS_PROXY")

	os.Setenv("ALL_PROXY", "socks5://"+addr)
	os.Setenv("HTTPS_PROXY", "socks5://"+addr)

	return func() {
		if hadAll {
			os.Setenv("ALL_PROXY", prevAll)
		} else {
			os.Unsetenv("ALL_PROXY")
		}
		if hadHTTPS {
			os.Setenv("HTTPS_PROXY", prevHTTPS)
		} else {
			os.Unsetenv("HTTPS_PROXY")
		}
	}
}

// Close releases the websocket connection. Safe to call multiple
// times and safe to call when Open was never called or failed.
func (c *Client) Close() error {
	if c.relay == nil {
		return nil
	}
	err := c.relay.Close()
	c.relay = nil
	if err != nil {
		return fmt.Errorf("close relay %s: %w", c.url, err)
	}
	return nil
}

// Subscription is an open REQ. Events arrives as they stream in; EOSE
// fires once (and only once) when the relay signals end-of-stored-events.
type Subscription struct {
	Events <-chan *nostr.Event
	EOSE   <-chan struct{}
	sub    *nostr.Subscription
}

// Close cancels the subscription's underlying REQ (sends CLOSE).
func (s *Subscription) Close() {
	if s.sub != nil {
		s.sub.Unsub()
	}
}

// Subscribe opens a REQ against filter and returns a Subscription.
// The caller must Close it once done, including on deadline/cancel.
func (c *Client) Subscribe(ctx context.Context, filter model.Filter) (*Subscription, error) {
	if c.relay == nil {
		return nil, fmt.Errorf("subscribe on %s: relay not open", c.url)
	}
	nf := toNostrFilter(filter)

	sub, err := c.relay.Subscribe(ctx, nostr.Filters{nf})
	if err != nil {
		return nil, fmt.Errorf("subscribe on %s: %w", c.url, err)
	}

	events := make(chan *nostr.Event, 256)
	eose := make(chan struct{})
	go func() {
		defer close(events)
		eoseClosed := false
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			case <-sub.EndOfStoredEvents:
				if !eoseClosed {
					eoseClosed = true
					close(eose)
				}
			case <-sub.ClosedReason:
				return
			}
		}
	}()

	return &Subscription{Events: events, EOSE: eose, sub: sub}, nil
}

// Publish sends ev to the relay and waits for its OK/NOTICE reply (or
// ctx's deadline, whichever comes first).
func (c *Client) Publish(ctx context.Context, ev *nostr.Event) error {
	if c.relay == nil {
		return fmt.Errorf("publish on %s: relay not open", c.url)
	}
	if err := c.relay.Publish(ctx, *ev); err != nil {
		return fmt.Errorf("publish to %s: %w", c.url, err)
	}
	return nil
}

func toNostrFilter(f model.Filter) nostr.Filter {
	nf := nostr.Filter{
		Kinds:   f.Kinds,
		Authors: f.Authors,
		IDs:     f.IDs,
		Limit:   f.Limit,
	}
	if f.Since != 0 {
		since := nostr.Timestamp(f.Since)
		nf.Since = &since
	}
	if f.Until != 0 {
		until := nostr.Timestamp(f.Until)
		nf.Until = &until
	}
	if len(f.Tags) > 0 {
		nf.Tags = nostr.TagMap{}
		for k, v := range f.Tags {
			nf.Tags[k] = v
		}
	}
	return nf
}

// DefaultConnectTimeout is the fallback connect budget Open uses when
// the caller's context carries no deadline of its own.
const DefaultConnectTimeout = 20 * time.Second
