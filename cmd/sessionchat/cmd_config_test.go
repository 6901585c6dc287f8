package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/sessionchat/internal/config"
)

func TestPrintValues_Section(t *testing.T) {
	values, err := config.ListValues(config.Default())
	require.NoError(t, err)

	var out bytes.Buffer
	printValues(&out, values, "channel.")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "channel."), l)
	}
	assert.Contains(t, out.String(), "channel.max_attempts = 10\n")
}

func TestPrintKeys(t *testing.T) {
	var out bytes.Buffer
	printKeys(&out)

	assert.Contains(t, out.String(), "chat.temperature")
	assert.Regexp(t, `(?m)^channel\.enabled\s+boolean$`, out.String())
	assert.Equal(t, len(config.Keys()), strings.Count(out.String(), "\n"))
}
