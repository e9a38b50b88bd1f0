package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	assert.True(t, Verbose())
	With("provider", "bluesky").Info("posted", "uri", "at://did:plc:x/app.bsky.feed.post/1")

	line := buf.String()
	assert.True(t, strings.HasPrefix(strings.TrimSpace(line), "{"), line)
	assert.Contains(t, line, `"provider":"bluesky"`)
	assert.Contains(t, line, `"msg":"posted"`)
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	assert.False(t, Verbose())
	Infof("hidden %d", 1)
	Debugf("hidden %d", 2)
	assert.Empty(t, buf.String())

	Warnf("shown %d", 3)
	assert.Contains(t, buf.String(), "shown 3")
}

func TestSetVerbose(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	Debugf("quiet")
	assert.Empty(t, buf.String())

	SetVerbose(true)
	Debugf("loud")
	assert.Contains(t, buf.String(), "loud")
}
