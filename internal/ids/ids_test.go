package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	a := NewAt(time.Unix(1000, 0))
	b := NewAt(time.Unix(2000, 0))
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if !Valid(a) || !Valid(b) {
		t.Fatalf("generated ids must be valid")
	}
	if Valid("not-an-id") {
		t.Fatalf("garbage must not validate")
	}
}

func TestSecret(t *testing.T) {
	s1, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	s2, _ := Secret(32)
	if s1 == s2 {
		t.Fatalf("secrets must differ")
	}
	if len(s1) != 43 {
		t.Fatalf("unexpected encoded length %d", len(s1))
	}
	if _, err := Secret(0); err == nil {
		t.Fatalf("expected error for zero length")
	}
}
