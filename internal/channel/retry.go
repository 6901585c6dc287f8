package channel

import (
	"math"
	"time"
)

// RetryPolicy controls reconnect attempts with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the reconnect defaults:
// 10 attempts, 1s initial delay, 2x multiplier, 5s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// Allows reports whether reconnect attempt n (1-indexed) may be made.
func (p *RetryPolicy) Allows(attempt int) bool {
	return attempt >= 1 && attempt <= p.MaxAttempts
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
