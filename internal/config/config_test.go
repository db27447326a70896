package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NODE_ID", "node-a")
	cfg := Load()

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "default", cfg.GroupID)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "rpc", cfg.BusTransport)
	assert.False(t, cfg.TraceStdout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GROUP_ID", "eu")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("MAX_PENDING_PER_COMMAND", "not-a-number")
	t.Setenv("TRACE_STDOUT", "true")
	cfg := Load()

	assert.Equal(t, "eu", cfg.GroupID)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 256, cfg.MaxPendingPerCommand)
	assert.True(t, cfg.TraceStdout)
}
