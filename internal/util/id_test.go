package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	first := NewID("req")
	second := NewID("req")
	if !strings.HasPrefix(first, "req_") {
		t.Fatalf("expected req_ prefix, got %q", first)
	}
	if len(first) != len("req_")+32 {
		t.Fatalf("expected 32 hex chars after prefix, got %q", first)
	}
	if first == second {
		t.Fatal("expected distinct ids")
	}
	if bare := NewID(""); strings.Contains(bare, "_") || len(bare) != 32 {
		t.Fatalf("unexpected bare id %q", bare)
	}
}
