package hashutil

import (
	"testing"

	"github.com/bigbrotr/bigbrotr/internal/model"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestHashNip11DelimiterCollisionAvoided(t *testing.T) {
	a := model.Nip11Doc{Name: strPtr("a|b"), Description: strPtr("")}
	b := model.Nip11Doc{Name: strPtr("a"), Description: strPtr("b")}

	idA, err := HashNip11(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	idB, err := HashNip11(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if idA == idB {
		t.Fatalf("HashNip11 collided on delimiter-ambiguous fields: %q", idA)
	}
}

func TestHashNip11IdenticalDocsMatch(t *testing.T) {
	a := model.Nip11Doc{Name: strPtr("relay.example.com"), SupportedNIPs: []int{1, 11, 65}}
	b := model.Nip11Doc{Name: strPtr("relay.example.com"), SupportedNIPs: []int{1, 11, 65}}

	idA, err := HashNip11(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	idB, err := HashNip11(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if idA != idB {
		t.Fatalf("identical docs hashed differently: %q vs %q", idA, idB)
	}
}

func TestHashNip66NullVsFalseDiffer(t *testing.T) {
	untested := model.Nip66Result{Openable: boolPtr(true)}
	failed := model.Nip66Result{Openable: boolPtr(true), Readable: boolPtr(false)}

	idUntested, err := HashNip66(untested)
	if err != nil {
		t.Fatalf("hash untested: %v", err)
	}
	idFailed, err := HashNip66(failed)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if idUntested == idFailed {
		t.Fatalf("nil readable and false readable hashed identically: %q", idUntested)
	}
}
