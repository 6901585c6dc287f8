// internal/budget/budget.go
package budget

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter checks outgoing messages against a token budget.
type Counter struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// ExceededError reports a message over the budget.
type ExceededError struct {
	Tokens int
	Max    int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("message is %d tokens, limit is %d", e.Tokens, e.Max)
}

// New creates a counter for the given model. model selects the tokenizer
// (e.g. "gpt-4o-mini"); unknown models use cl100k_base.
func New(model string, maxTokens int) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Counter{
		tokenizer: enc,
		maxTokens: maxTokens,
	}, nil
}

// Count returns the token count for a string.
func (c *Counter) Count(text string) int {
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Max returns the configured limit.
func (c *Counter) Max() int {
	return c.maxTokens
}

// Check returns an *ExceededError if text is over the limit.
func (c *Counter) Check(text string) error {
	if c.maxTokens <= 0 {
		return nil
	}
	if n := c.Count(text); n > c.maxTokens {
		return &ExceededError{Tokens: n, Max: c.maxTokens}
	}
	return nil
}
