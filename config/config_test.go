package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracer.toml")
	contents := []byte(`
Service = "billing"
Env = "prod"
AgentURL = "http://agent:8126"
Hostname = "host-1"
Enabled = false
SamplingRules = '[{"sample_rate": 0.5}]'

[SamplingLimit]
MaxTokens = 10
RefreshIntervalSeconds = 0.5
TokensPerRefresh = 5
`)
	require.NoError(t, os.WriteFile(path, contents, 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", c.Service)
	assert.Equal(t, "prod", c.Env)
	assert.Equal(t, "http://agent:8126", c.AgentURL)
	assert.Equal(t, "host-1", c.Hostname)
	assert.False(t, c.Enabled)
	assert.Equal(t, uint32(10), c.SamplingLimit.MaxTokens)
	assert.Equal(t, 500*time.Millisecond, c.SamplingLimit.RefreshInterval())

	rules, err := c.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 0.5, rules[0].Rate)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.toml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRACECORE_SERVICE", "from-env")
	t.Setenv("TRACECORE_AGENT_URL", "http://elsewhere:8126")
	t.Setenv("TRACECORE_ENABLED", "false")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Service)
	assert.Equal(t, "http://elsewhere:8126", c.AgentURL)
	assert.False(t, c.Enabled)
}

func TestValidateAnalyticsRate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracer.toml")
	require.NoError(t, os.WriteFile(path, []byte(`AnalyticsRate = 1.5`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
