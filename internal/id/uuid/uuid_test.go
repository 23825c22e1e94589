package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

var _ crawler.IDGenerator = Generator{}

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	tests := []struct {
		in   string
		want bool
	}{
		{in: id, want: true},
		{in: "0190a6b2-7e4c-7d1e-9a3f-1c2b3d4e5f60", want: true},
		{in: "", want: false},
		{in: "not-a-uuid", want: false},
		{in: "{" + id + "}", want: false},
		{in: "urn:uuid:" + id, want: false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
