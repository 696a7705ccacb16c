package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  webhook_passphrase: "hunter2"
pipeline:
  dedup_ttl: 30s
  rate_limit_max: 5
  max_position_size: "250"
  caller_limits:
    desk-a: "50"
retry:
  max_attempts: 4
  base_delay: 100ms
  max_delay: 1s
adapters:
  - id: sim-a
    kind: simulated
    enabled: true
    simulated:
      fill_ratio: 0.5
      min_latency: 5ms
  - id: clob
    kind: evmclob
    enabled: false
alerts:
  enabled: false
dry_run: true
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile_YAMLAndDefaults(t *testing.T) {
	t.Cleanup(reset)
	path := writeConfig(t, "sigrouter.yaml", sampleYAML)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "X-Caller-ID", cfg.Server.CallerHeader)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.DedupTTL)
	assert.Equal(t, DefaultFingerprintBucket, cfg.Pipeline.FingerprintBucket)
	assert.Equal(t, 5, cfg.Pipeline.RateLimitMax)
	assert.Equal(t, DefaultRateLimitWindow, cfg.Pipeline.RateLimitWindow)
	assert.Equal(t, DefaultFanoutTimeout, cfg.Pipeline.FanoutTimeout)
	assert.Equal(t, "50", cfg.Pipeline.CallerLimits["desk-a"])
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.True(t, cfg.DryRun)

	enabled := cfg.EnabledAdapters()
	require.Len(t, enabled, 1)
	assert.Equal(t, "sim-a", enabled[0].ID)
	assert.Equal(t, 0.5, enabled[0].Simulated.FillRatio)
	assert.Equal(t, 5*time.Millisecond, enabled[0].Simulated.MinLatency)
}

func TestLoadFromFile_EnvOverridesFile(t *testing.T) {
	t.Cleanup(reset)
	path := writeConfig(t, "sigrouter.yml", sampleYAML)
	t.Setenv("RATE_LIMIT_MAX", "7")
	t.Setenv("DEDUP_TTL", "2m")
	t.Setenv("WEBHOOK_PASSPHRASE", "from-env")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pipeline.RateLimitMax)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.DedupTTL)
	assert.Equal(t, "from-env", cfg.Server.WebhookPassphrase)
}

func TestLoadFromFile_MissingFileUsesDefaults(t *testing.T) {
	t.Cleanup(reset)
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Adapters, 1)
	assert.Equal(t, AdapterKindSimulated, cfg.Adapters[0].Kind)
	assert.Equal(t, DefaultMaxPositionSize, cfg.Pipeline.MaxPositionSize)
}

func TestLoadFromFile_BadDuration(t *testing.T) {
	t.Cleanup(reset)
	t.Setenv("FANOUT_TIMEOUT", "soon")
	_, err := LoadFromFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FANOUT_TIMEOUT")
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	t.Cleanup(reset)
	path := writeConfig(t, "sigrouter.toml", "x = 1")
	_, err := LoadFromFile(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Cleanup(reset)
	base := func() *Config {
		cfg, err := build(&ConfigFile{})
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero rate limit", func(c *Config) { c.Pipeline.RateLimitMax = 0 }},
		{"bad max position", func(c *Config) { c.Pipeline.MaxPositionSize = "abc" }},
		{"negative caller limit", func(c *Config) { c.Pipeline.CallerLimits["x"] = "-1" }},
		{"reserved adapter id", func(c *Config) { c.Adapters[0].ID = "*" }},
		{"duplicate adapter id", func(c *Config) { c.Adapters = append(c.Adapters, c.Adapters[0]) }},
		{"unknown kind", func(c *Config) { c.Adapters[0].Kind = "cex" }},
		{"no enabled adapter", func(c *Config) { c.Adapters[0].Enabled = false }},
		{"evmclob without url", func(c *Config) { c.Adapters[0].Kind = AdapterKindEVMClob }},
		{"alerts without url", func(c *Config) { c.Alerts.Enabled = true }},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }},
	}

	require.NoError(t, base().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyAdapterEnv(t *testing.T) {
	t.Setenv("ADAPTER_MAIN_CLOB_PRIVATE_KEY", "0xabc")
	adapters := []AdapterConfig{{ID: "main-clob", Kind: AdapterKindEVMClob}}
	applyAdapterEnv(adapters)
	assert.Equal(t, "0xabc", adapters[0].EVMClob.PrivateKey)
}
