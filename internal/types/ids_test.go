// internal/types/ids_test.go
package types

import (
	"testing"
	"time"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if id == "" {
		t.Error("expected non-empty SessionID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
	if string(id)[14] != '4' {
		t.Errorf("expected version 4 UUID, got %s", id)
	}
	if v := string(id)[19]; v != '8' && v != '9' && v != 'a' && v != 'b' {
		t.Errorf("expected RFC 4122 variant, got %s", id)
	}
}

func TestIDMinterMonotonicWithFrozenClock(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	m := NewIDMinter(func() time.Time { return frozen })

	first := m.Next()
	if first != MessageID(frozen.UnixMilli()) {
		t.Errorf("expected time-derived id %d, got %d", frozen.UnixMilli(), first)
	}
	user, placeholder := m.Pair()
	if user <= first {
		t.Errorf("expected %d > %d", user, first)
	}
	if placeholder != user+1 {
		t.Errorf("expected placeholder %d, got %d", user+1, placeholder)
	}
	if next := m.Next(); next <= placeholder {
		t.Errorf("id %d reused placeholder range (placeholder %d)", next, placeholder)
	}
}

func TestIDMinterObserve(t *testing.T) {
	m := NewIDMinter(func() time.Time { return time.UnixMilli(10) })
	m.Observe(500)
	if id := m.Next(); id != 501 {
		t.Errorf("expected 501 after observing 500, got %d", id)
	}
	m.Observe(100)
	if id := m.Next(); id != 502 {
		t.Errorf("observing a smaller id must not move the minter back, got %d", id)
	}
}
