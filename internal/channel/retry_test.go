package channel

import (
	"testing"
	"time"
)

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := policy.NextDelay(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}

	if !policy.Allows(1) || !policy.Allows(10) {
		t.Error("expected attempts 1..10 to be allowed")
	}
	if policy.Allows(11) || policy.Allows(0) {
		t.Error("expected attempts outside 1..10 to be refused")
	}
}

func TestRetryPolicyNoCap(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, Multiplier: 3}
	if got := policy.NextDelay(3); got != 90*time.Millisecond {
		t.Errorf("expected 90ms, got %v", got)
	}
}
