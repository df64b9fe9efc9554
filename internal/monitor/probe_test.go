package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/model"
	"github.com/bigbrotr/bigbrotr/internal/ops"
	"github.com/bigbrotr/bigbrotr/internal/relayclient"
)

func testLogger() *ops.Logger {
	return ops.NewLogger(config.Logging{Level: "error", Format: "text"})
}

// fakeRelay implements RelayClient with controllable failures at each
// stage, to exercise the probe's short-circuit behavior.
type fakeRelay struct {
	url string

	failOpen      bool
	failSubscribe bool
	failPublish   bool
}

func (f *fakeRelay) URL() string { return f.url }

func (f *fakeRelay) Open(ctx context.Context) error {
	if f.failOpen {
		return errTest
	}
	return nil
}

func (f *fakeRelay) Close() error { return nil }

func (f *fakeRelay) Subscribe(ctx context.Context, filter model.Filter) (*relayclient.Subscription, error) {
	if f.failSubscribe {
		return nil, errTest
	}
	eose := make(chan struct{})
	close(eose)
	events := make(chan *nostr.Event)
	close(events)
	return &relayclient.Subscription{Events: events, EOSE: eose}, nil
}

func (f *fakeRelay) Publish(ctx context.Context, ev *nostr.Event) error {
	if f.failPublish {
		return errTest
	}
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errTest = errString("test failure")

type fakeStore struct {
	lastRelayURL string
	lastNip11    *model.Nip11Doc
	lastNip66    *model.Nip66Result
}

func (s *fakeStore) UpsertRelayMetadata(ctx context.Context, relayURL string, generatedAt int64, nip11 *model.Nip11Doc, nip66 *model.Nip66Result) error {
	s.lastRelayURL = relayURL
	s.lastNip11 = nip11
	s.lastNip66 = nip66
	return nil
}

func boolPtr(v bool) *bool { return &v }

func TestTestReachabilityAllStagesSucceed(t *testing.T) {
	p := New(nil, &fakeStore{}, testLogger())
	relay := &fakeRelay{url: "wss://good.example.com"}

	res := p.testReachability(context.Background(), relay)

	if res.Openable == nil || !*res.Openable {
		t.Errorf("openable = %v, want true", res.Openable)
	}
	if res.Readable == nil || !*res.Readable {
		t.Errorf("readable = %v, want true", res.Readable)
	}
	if res.Writable == nil || !*res.Writable {
		t.Errorf("writable = %v, want true", res.Writable)
	}
	if res.RTTOpen == nil || res.RTTRead == nil || res.RTTWrite == nil {
		t.Errorf("expected all RTTs populated, got %+v", res)
	}
}

func TestTestReachabilityOpenFailureShortCircuits(t *testing.T) {
	p := New(nil, &fakeStore{}, testLogger())
	relay := &fakeRelay{url: "wss://unreachable.example.com", failOpen: true}

	res := p.testReachability(context.Background(), relay)

	if res.Openable == nil || *res.Openable {
		t.Errorf("openable = %v, want false", res.Openable)
	}
	if res.Readable != nil {
		t.Errorf("readable = %v, want nil (not tested)", res.Readable)
	}
	if res.Writable != nil {
		t.Errorf("writable = %v, want nil (not tested)", res.Writable)
	}
	if res.RTTOpen != nil {
		t.Errorf("rtt_open = %v, want nil", res.RTTOpen)
	}
}

func TestTestReachabilityReadFailureStopsBeforeWrite(t *testing.T) {
	p := New(nil, &fakeStore{}, testLogger())
	relay := &fakeRelay{url: "wss://readonly-fail.example.com", failSubscribe: true}

	res := p.testReachability(context.Background(), relay)

	if res.Openable == nil || !*res.Openable {
		t.Errorf("openable = %v, want true", res.Openable)
	}
	if res.Readable == nil || *res.Readable {
		t.Errorf("readable = %v, want false", res.Readable)
	}
	if res.Writable != nil {
		t.Errorf("writable = %v, want nil (never reached)", res.Writable)
	}
}

func TestTestReachabilityWriteFailureKeepsEarlierResults(t *testing.T) {
	p := New(nil, &fakeStore{}, testLogger())
	relay := &fakeRelay{url: "wss://no-write.example.com", failPublish: true}

	res := p.testReachability(context.Background(), relay)

	if res.Openable == nil || !*res.Openable {
		t.Errorf("openable = %v, want true", res.Openable)
	}
	if res.Readable == nil || !*res.Readable {
		t.Errorf("readable = %v, want true", res.Readable)
	}
	if res.Writable == nil || *res.Writable {
		t.Errorf("writable = %v, want false", res.Writable)
	}
	if res.RTTWrite != nil {
		t.Errorf("rtt_write = %v, want nil", res.RTTWrite)
	}
}

func TestProbeWritesSnapshotEvenWithoutNip11(t *testing.T) {
	st := &fakeStore{}
	// fetcher is nil; fetchNip11 will panic on nil fetcher.Get, so this
	// test exercises testReachability + store wiring via Probe's
	// structure indirectly by calling the two halves directly instead.
	relay := &fakeRelay{url: "wss://no-nip11.example.com"}
	p := New(nil, st, testLogger())

	res := p.testReachability(context.Background(), relay)
	if err := st.UpsertRelayMetadata(context.Background(), relay.URL(), time.Now().Unix(), nil, res); err != nil {
		t.Fatalf("UpsertRelayMetadata: %v", err)
	}
	if st.lastNip11 != nil {
		t.Errorf("nip11 = %+v, want nil", st.lastNip11)
	}
	if st.lastNip66 == nil || st.lastNip66.Openable == nil || !*st.lastNip66.Openable {
		t.Errorf("nip66 = %+v, want openable=true", st.lastNip66)
	}
}

func TestNip11WireParsesCanonicalFields(t *testing.T) {
	body := []byte(`{"name":"Test Relay","supported_nips":[1,11],"vendor_custom_field":"x"}`)

	var wire nip11Wire
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Name == nil || *wire.Name != "Test Relay" {
		t.Errorf("name = %v, want Test Relay", wire.Name)
	}
	if len(wire.SupportedNIPs) != 2 {
		t.Errorf("supported_nips = %v, want 2 entries", wire.SupportedNIPs)
	}
}
