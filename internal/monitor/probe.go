// Package monitor implements the Monitor probe: for one relay, it
// produces a RelayMetadataSnapshot combining a NIP-11 information
// document fetch and a NIP-66 reachability test.
//
// The NIP-11 fetch follows sandwichfarm-nophr's
// internal/nostr.fetchNIP11Info (GET with an Accept header, ws->http
// scheme rewrite) but routes .onion hosts through httpfetcher's SOCKS5
// path instead of the teacher's bare http.Client, and preserves
// extra_fields instead of discarding them. The reachability test is
// new: the teacher never probed relay write access or measured RTTs,
// so the open/read/write staging here is grounded directly on this
// spec's probe semantics rather than adapted from any one teacher
// function.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/httpfetcher"
	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/relayclient"
)

// RelayClient is the narrow surface the probe needs for the NIP-66
// reachability test. *relayclient.Client satisfies it directly.
type RelayClient interface {
	URL() string
	Open(ctx context.Context) error
	Close() error
	Subscribe(ctx context.Context, filter model.Filter) (*relayclient.Subscription, error)
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Store is the narrow surface the probe needs from the persistence
// layer.
type Store interface {
	UpsertRelayMetadata(ctx context.Context, relayURL string, generatedAt int64, nip11 *model.Nip11Doc, nip66 *model.Nip66Result) error
}

// Prober runs probe() against one relay at a time.
type Prober struct {
	fetcher *httpfetcher.Fetcher
	store   Store
	logger  *ops.Logger
}

// New builds a Prober.
func New(fetcher *httpfetcher.Fetcher, st Store, logger *ops.Logger) *Prober {
	return &Prober{fetcher: fetcher, store: st, logger: logger.WithComponent("monitor")}
}

// Probe performs one full probe of client's relay: a NIP-11 fetch and
// a NIP-66 reachability test, then writes the resulting snapshot to
// Store. now is the snapshot's generated_at timestamp.
func (p *Prober) Probe(ctx context.Context, client RelayClient, now time.Time) error {
	relayURL := client.URL()
	start := time.Now()

	nip11 := p.fetchNip11(ctx, relayURL)
	nip66 := p.testReachability(ctx, client)

	if err := p.store.UpsertRelayMetadata(ctx, relayURL, now.Unix(), nip11, nip66); err != nil {
		return fmt.Errorf("write metadata snapshot for %s: %w", relayURL, err)
	}

	p.logger.LogRelayProbe(relayURL, nip11 != nil, nip66 != nil, time.Since(start), nil)
	return nil
}

// nip11Wire is the JSON shape of a NIP-11 document on the wire.
// Canonical fields are pulled into named struct fields; everything
// else survives in ExtraFields via a second decode pass.
type nip11Wire struct {
	Name           *string           `json:"name,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Banner         *string           `json:"banner,omitempty"`
	Icon           *string           `json:"icon,omitempty"`
	Pubkey         *string           `json:"pubkey,omitempty"`
	Contact        *string           `json:"contact,omitempty"`
	SupportedNIPs  []int             `json:"supported_nips,omitempty"`
	Software       *string           `json:"software,omitempty"`
	Version        *string           `json:"version,omitempty"`
	PrivacyPolicy  *string           `json:"privacy_policy,omitempty"`
	TermsOfService *string           `json:"terms_of_service,omitempty"`
	Limitation     *model.Limitation `json:"limitation,omitempty"`
}

var nip11CanonicalFields = map[string]struct{}{
	"name": {}, "description": {}, "banner": {}, "icon": {}, "pubkey": {},
	"contact": {}, "supported_nips": {}, "software": {}, "version": {},
	"privacy_policy": {}, "terms_of_service": {}, "limitation": {},
}

// fetchNip11 fetches and parses the relay information document.
// Missing, malformed, non-JSON, or 4xx/5xx responses produce nil,
// never an error: a failed NIP-11 fetch is a normal outcome, not a
// probe failure.
func (p *Prober) fetchNip11(ctx context.Context, relayURL string) *model.Nip11Doc {
	httpURL := toHTTPURL(relayURL)
	body, status, err := p.fetcher.Get(ctx, httpURL, "application/nostr+json")
	if err != nil {
		return nil
	}
	if status < 200 || status >= 300 {
		return nil
	}

	var wire nip11Wire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil
	}

	var raw map[string]json.RawMessage
	var extra map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		for k, v := range raw {
			if _, ok := nip11CanonicalFields[k]; ok {
				continue
			}
			if extra == nil {
				extra = map[string]any{}
			}
			var val any
			if err := json.Unmarshal(v, &val); err == nil {
				extra[k] = val
			}
		}
	}

	return &model.Nip11Doc{
		Name:           wire.Name,
		Description:    wire.Description,
		Banner:         wire.Banner,
		Icon:           wire.Icon,
		Pubkey:         wire.Pubkey,
		Contact:        wire.Contact,
		SupportedNIPs:  wire.SupportedNIPs,
		Software:       wire.Software,
		Version:        wire.Version,
		PrivacyPolicy:  wire.PrivacyPolicy,
		TermsOfService: wire.TermsOfService,
		Limitation:     wire.Limitation,
		ExtraFields:    extra,
	}
}

func toHTTPURL(wsURL string) string {
	httpURL := strings.Replace(wsURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	return httpURL
}

// testReachability performs the three-stage NIP-66 probe: open,
// read, write. A failed stage sets that stage's bool false, leaves
// its RTT null, and short-circuits every later stage, whose bool and
// RTT both stay nil (not tested).
func (p *Prober) testReachability(ctx context.Context, client RelayClient) *model.Nip66Result {
	res := &model.Nip66Result{}

	openStart := time.Now()
	if err := client.Open(ctx); err != nil {
		setFalse(&res.Openable)
		return res
	}
	defer client.Close()
	setTrue(&res.Openable)
	rtt := time.Since(openStart).Milliseconds()
	res.RTTOpen = &rtt

	readStart := time.Now()
	sub, err := client.Subscribe(ctx, model.Filter{Limit: 1})
	if err != nil {
		setFalse(&res.Readable)
		return res
	}
	select {
	case <-sub.EOSE:
		setTrue(&res.Readable)
		readRTT := time.Since(readStart).Milliseconds()
		res.RTTRead = &readRTT
	case <-ctx.Done():
		sub.Close()
		setFalse(&res.Readable)
		return res
	}
	sub.Close()

	writeStart := time.Now()
	probeEvent := &nostr.Event{
		Kind:      1,
		Content:   "bigbrotr reachability probe",
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
	}
	if err := signEphemeral(probeEvent); err != nil {
		setFalse(&res.Writable)
		return res
	}
	if err := client.Publish(ctx, probeEvent); err != nil {
		setFalse(&res.Writable)
		return res
	}
	setTrue(&res.Writable)
	writeRTT := time.Since(writeStart).Milliseconds()
	res.RTTWrite = &writeRTT

	return res
}

func setTrue(b **bool)  { v := true; *b = &v }
func setFalse(b **bool) { v := false; *b = &v }

// signEphemeral signs probeEvent with a freshly generated key: the
// probe event carries no identity of its own, only a timestamp and a
// fixed marker, so each probe mints and discards its own keypair.
func signEphemeral(ev *nostr.Event) error {
	sk := nostr.GeneratePrivateKey()
	return ev.Sign(sk)
}
