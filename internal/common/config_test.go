package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 8090, config.Server.Port)
	assert.Equal(t, "scrape", config.Queue.Name)
	assert.False(t, config.Bus.Enabled())
	assert.False(t, config.IsProduction())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig("/nonexistent/crawlq.toml")
	require.NoError(t, err)
	assert.Equal(t, "scrape", config.Queue.Name)
}

func TestLoadConfigFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawlq.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment = "production"

[server]
port = 9000

[database]
url = "postgres://db/crawlq"

[bus]
url = "amqp://broker/"

[queue]
name = "render"
concurrency_limit = "per-owner-per-group"
lease_ttl_ms = 30000
channel_id = "render-1"
`), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, config.IsProduction())
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "render", config.Queue.Name)
	assert.True(t, config.Bus.Enabled())
	assert.Equal(t, ConcurrencyPerOwnerPerGroup, config.Queue.GetConcurrencyMode())
	assert.Equal(t, 30*time.Second, config.Queue.GetLeaseTTL())
	assert.Equal(t, "render-1", config.Queue.GetChannelID())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLQ_QUEUE_NAME", "audit")
	t.Setenv("CRAWLQ_CONCURRENCY_LIMIT", "per-owner")
	t.Setenv("CRAWLQ_PORT", "7777")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "audit", config.Queue.Name)
	assert.Equal(t, ConcurrencyPerOwner, config.Queue.GetConcurrencyMode())
	assert.Equal(t, 7777, config.Server.Port)
}

func TestGetConcurrencyModeDefaultsToOff(t *testing.T) {
	q := QueueConfig{ConcurrencyLimit: "bogus"}
	assert.Equal(t, ConcurrencyOff, q.GetConcurrencyMode())

	q = QueueConfig{}
	assert.Equal(t, ConcurrencyOff, q.GetConcurrencyMode())
}

func TestGetWaitModeBusImpliesListen(t *testing.T) {
	q := QueueConfig{WaitMode: "poll"}
	assert.Equal(t, WaitModePoll, q.GetWaitMode(false))
	assert.Equal(t, WaitModeListen, q.GetWaitMode(true))

	q = QueueConfig{WaitMode: "listen"}
	assert.Equal(t, WaitModeListen, q.GetWaitMode(false))
}

func TestQueueConfigDefaults(t *testing.T) {
	q := QueueConfig{}
	assert.Equal(t, 60*time.Second, q.GetLeaseTTL())
	assert.Equal(t, 100, q.GetPrefetchBatch())
	assert.Equal(t, "main", q.GetChannelID())
	assert.Equal(t, 250*time.Millisecond, q.GetPrefetchInterval())
	assert.Equal(t, 15*time.Second, q.GetReapInterval())
	assert.Equal(t, time.Minute, q.GetSweepInterval())
}
