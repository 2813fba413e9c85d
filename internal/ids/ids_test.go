package ids

import (
	"testing"
	"time"
)

func TestNewAtIsSortable(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first := NewAt(base)
	second := NewAt(base.Add(time.Second))
	if !(first < second) {
		t.Fatalf("expected %s < %s", first, second)
	}
}

func TestSecretLength(t *testing.T) {
	s, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if len(s) != 43 {
		t.Fatalf("expected 43 chars, got %d", len(s))
	}
	other, _ := Secret(32)
	if s == other {
		t.Fatal("secrets should differ")
	}
}
