package model

// Nip11Doc is a relay information document (NIP-11). Its identity is
// the SHA-256 of its canonical JSON serialization (see
// internal/hashutil), so relays advertising byte-identical documents
// share one row.
type Nip11Doc struct {
	ID string // content hash, computed by hashutil.HashNip11

	Name             *string        `json:"name,omitempty"`
	Description      *string        `json:"description,omitempty"`
	Banner           *string        `json:"banner,omitempty"`
	Icon             *string        `json:"icon,omitempty"`
	Pubkey           *string        `json:"pubkey,omitempty"`
	Contact          *string        `json:"contact,omitempty"`
	SupportedNIPs    []int          `json:"supported_nips,omitempty"`
	Software         *string        `json:"software,omitempty"`
	Version          *string        `json:"version,omitempty"`
	PrivacyPolicy    *string        `json:"privacy_policy,omitempty"`
	TermsOfService   *string        `json:"terms_of_service,omitempty"`
	Limitation       *Limitation    `json:"limitation,omitempty"`
	ExtraFields      map[string]any `json:"extra_fields,omitempty"`
}

// Limitation is the structured "limitation" object a NIP-11 document
// may advertise. MaxLimit is the field the sync engine clamps
// batch_cap against.
type Limitation struct {
	MaxMessageLength *int  `json:"max_message_length,omitempty"`
	MaxSubscriptions *int  `json:"max_subscriptions,omitempty"`
	MaxLimit         *int  `json:"max_limit,omitempty"`
	MaxSubidLength   *int  `json:"max_subid_length,omitempty"`
	MinPowDifficulty *int  `json:"min_pow_difficulty,omitempty"`
	AuthRequired     *bool `json:"auth_required,omitempty"`
	PaymentRequired  *bool `json:"payment_required,omitempty"`
	RestrictedWrites *bool `json:"restricted_writes,omitempty"`
}

// Nip66Result is a reachability test outcome. Per the design notes,
// each bool/RTT pair preserves NULL ("not tested") distinctly from
// false ("tested and failed") — Go's *bool/*int64 model this directly.
type Nip66Result struct {
	ID string // content hash, computed by hashutil.HashNip66

	Openable *bool  `json:"openable"`
	Readable *bool  `json:"readable"`
	Writable *bool  `json:"writable"`
	RTTOpen  *int64 `json:"rtt_open"`
	RTTRead  *int64 `json:"rtt_read"`
	RTTWrite *int64 `json:"rtt_write"`
}

// RelayMetadataSnapshot is a single probe's outcome: a point-in-time
// pairing of (at most) one Nip11Doc and one Nip66Result for a relay.
// Snapshots are append-only; Nip11ID/Nip66ID may each be empty if that
// half of the probe was not performed.
type RelayMetadataSnapshot struct {
	RelayURL    string
	GeneratedAt int64
	Nip11ID     string
	Nip66ID     string
}

// ServiceState is the per-service JSON checkpoint blob (last-run
// timestamp, per-relay high-watermark created_at, etc).
type ServiceState struct {
	ServiceName string
	Blob        []byte
	UpdatedAt   int64
}

// Filter mirrors the subset of a Nostr REQ filter the sync engine
// needs: a time window, a result cap, and optional narrowing fields.
type Filter struct {
	Since   int64
	Until   int64
	Limit   int
	Kinds   []int
	Authors []string
	IDs     []string
	Tags    map[string][]string
}
