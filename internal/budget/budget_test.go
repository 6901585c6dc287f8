// internal/budget/budget_test.go
package budget

import (
	"errors"
	"strings"
	"testing"
)

func newCounter(t *testing.T, model string, max int) *Counter {
	t.Helper()
	c, err := New(model, max)
	if err != nil {
		// The tokenizer ranks are fetched on first use.
		t.Skipf("tokenizer unavailable: %v", err)
	}
	return c
}

func TestCount(t *testing.T) {
	c := newCounter(t, "gpt-4o-mini", 100)

	if n := c.Count(""); n != 0 {
		t.Errorf("expected 0 tokens for empty string, got %d", n)
	}
	short := c.Count("hello")
	long := c.Count(strings.Repeat("hello world ", 50))
	if short <= 0 || long <= short {
		t.Errorf("expected longer text to have more tokens, got %d and %d", short, long)
	}
}

func TestCheck(t *testing.T) {
	c := newCounter(t, "gpt-4o-mini", 10)

	if err := c.Check("hello there"); err != nil {
		t.Errorf("expected short message to pass, got %v", err)
	}

	err := c.Check(strings.Repeat("word ", 100))
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Max != 10 || exceeded.Tokens <= 10 {
		t.Errorf("unexpected error fields: %+v", exceeded)
	}
}

func TestCheckDisabled(t *testing.T) {
	c := newCounter(t, "some-unknown-model", 0)
	if err := c.Check(strings.Repeat("word ", 1000)); err != nil {
		t.Errorf("expected no limit when max is 0, got %v", err)
	}
	if c.Max() != 0 {
		t.Errorf("expected Max()=0, got %d", c.Max())
	}
}
