package idgen

import (
	"sort"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7_Version(t *testing.T) {
	id := UUIDv7()()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if u.Version() != 7 {
		t.Errorf("version = %d, want 7", u.Version())
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	// WHAT: ids generated in sequence sort in generation order.
	// WHY: request logs are read by id order.
	gen := UUIDv7()
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = gen()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("UUIDv7 ids are not time-sorted")
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		New():                                  true,
		"0190a6e2-7c4b-7d2e-8f00-000000000001": true,
		"":                                     false,
		"not a uuid\r\n":                       false,
		"0190a6e2-7c4b":                        false,
	}
	for in, want := range cases {
		if got := Valid(in); got != want {
			t.Errorf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}
