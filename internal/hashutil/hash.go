// Package hashutil computes content-addressed identities for Nip11Doc
// and Nip66Result values.
//
// The design notes (spec §9) call out the source's dedup scheme —
// concatenating fields with a "|" delimiter and hashing the string —
// as collision-prone: {Name: "a|b", Description: ""} and
// {Name: "a", Description: "b"} serialize identically under naive
// concatenation. encoding/json already serializes Go maps with sorted
// keys and a fixed null encoding, so marshaling the struct to JSON and
// hashing the bytes gives an unambiguous, collision-free identity
// without a third-party canonical-JSON library — none of the example
// repos carries one, and Go's stdlib marshaler already has the one
// property (sorted map keys) that a hand-rolled serializer would need
// to reimplement.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bigbrotr/bigbrotr/internal/model"
)

// nip11Canonical is the canonical identity tuple for a Nip11Doc. Only
// identity-bearing fields participate; ExtraFields is included so that
// two relays advertising different vendor extensions are never merged
// into the same row.
type nip11Canonical struct {
	Name           *string         `json:"name"`
	Description    *string         `json:"description"`
	Banner         *string         `json:"banner"`
	Icon           *string         `json:"icon"`
	Pubkey         *string         `json:"pubkey"`
	Contact        *string         `json:"contact"`
	SupportedNIPs  []int           `json:"supported_nips"`
	Software       *string         `json:"software"`
	Version        *string         `json:"version"`
	PrivacyPolicy  *string         `json:"privacy_policy"`
	TermsOfService *string         `json:"terms_of_service"`
	Limitation     *model.Limitation `json:"limitation"`
	ExtraFields    map[string]any  `json:"extra_fields"`
}

// HashNip11 computes the content-addressed id for doc. Two docs with
// identical canonical JSON hash identically; any differing field
// changes the hash.
func HashNip11(doc model.Nip11Doc) (string, error) {
	canon := nip11Canonical{
		Name:           doc.Name,
		Description:    doc.Description,
		Banner:         doc.Banner,
		Icon:           doc.Icon,
		Pubkey:         doc.Pubkey,
		Contact:        doc.Contact,
		SupportedNIPs:  doc.SupportedNIPs,
		Software:       doc.Software,
		Version:        doc.Version,
		PrivacyPolicy:  doc.PrivacyPolicy,
		TermsOfService: doc.TermsOfService,
		Limitation:     doc.Limitation,
		ExtraFields:    doc.ExtraFields,
	}
	return hashJSON(canon)
}

// nip66Canonical is the canonical identity tuple for a Nip66Result.
// Nullable fields stay nullable: per spec §9, NULL ("not tested") must
// hash differently from false ("tested and failed").
type nip66Canonical struct {
	Openable *bool  `json:"openable"`
	Readable *bool  `json:"readable"`
	Writable *bool  `json:"writable"`
	RTTOpen  *int64 `json:"rtt_open"`
	RTTRead  *int64 `json:"rtt_read"`
	RTTWrite *int64 `json:"rtt_write"`
}

// HashNip66 computes the content-addressed id for res.
func HashNip66(res model.Nip66Result) (string, error) {
	canon := nip66Canonical{
		Openable: res.Openable,
		Readable: res.Readable,
		Writable: res.Writable,
		RTTOpen:  res.RTTOpen,
		RTTRead:  res.RTTRead,
		RTTWrite: res.RTTWrite,
	}
	return hashJSON(canon)
}

func hashJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
