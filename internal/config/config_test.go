package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 5, cfg.RateLimit.Rules["auth:login"].MaxRequests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Rules["auth:login"].Window)
	assert.Equal(t, 0.9, cfg.Detection.Thresholds.Block)
	assert.Equal(t, 5*time.Minute, cfg.Audit.CorrelationWindow)
	assert.Len(t, cfg.Audit.Patterns, 6)
}

func TestParseYAMLOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
rate_limit:
  rules:
    auth:login:
      window: 10m
      max_requests: 3
      block_duration: 30m
detection:
  volume_high: 200
  volume_medium: 80
audit:
  correlation_window: 2m
pipeline:
  location_header: CF-IPCountry
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	login := cfg.RateLimit.Rules["auth:login"]
	assert.Equal(t, 10*time.Minute, login.Window)
	assert.Equal(t, 3, login.MaxRequests)
	assert.Equal(t, 100, cfg.RateLimit.Rules["api:general"].MaxRequests)
	assert.Equal(t, 200, cfg.Detection.VolumeHigh)
	assert.Equal(t, 2*time.Minute, cfg.Audit.CorrelationWindow)
	assert.Equal(t, "CF-IPCountry", cfg.Pipeline.LocationHeader)
	assert.Equal(t, time.Hour, cfg.Maintenance.EventPrune)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"log_level": "warn", "api": {"enabled": true, "addr": ":9090"}}`))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.API.Addr)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":             "   ",
		"unknown route":     "pipeline:\n  routes:\n    - prefix: /api\n      rule: nope\n",
		"unordered":         "detection:\n  thresholds:\n    block: 0.2\n    challenge: 0.7\n    moderate: 0.5\n    log: 0.3\n",
		"bad action":        "audit:\n  patterns:\n    - name: x\n      action: explode\n      conditions:\n        - field: event_type\n          operator: equals\n          value: logout\n",
		"bad operator":      "audit:\n  patterns:\n    - name: x\n      action: log\n      conditions:\n        - field: event_type\n          operator: like\n          value: logout\n",
		"volume order":      "detection:\n  volume_high: 10\n  volume_medium: 20\n",
		"kafka incomplete":  "ingest:\n  kafka:\n    enabled: true\n",
		"proxy no upstream": "proxy:\n  enabled: true\n",
		"malformed":         "log_level: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.Audit.MinRelated = 4

	path := filepath.Join(dir, "fantasyguard.yaml")
	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.LogLevel)
	assert.Equal(t, 4, loaded.Audit.MinRelated)
	assert.Equal(t, cfg.RateLimit.Rules, loaded.RateLimit.Rules)

	jsonPath := filepath.Join(dir, "fantasyguard.json")
	require.NoError(t, Save(jsonPath, cfg))
	loaded, err = Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Audit.MinRelated)
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fantasyguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	reloaded := make(chan *Config, 1)
	stop := make(chan struct{})
	go m.Watch(5*time.Millisecond, func(c *Config) { reloaded <- c }, nil, stop)
	defer close(stop)

	select {
	case c := <-reloaded:
		assert.Equal(t, "debug", c.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, "debug", m.Get().LogLevel)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	assert.Equal(t, "info", m.Get().LogLevel)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Same(t, m.Get(), cfg)
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
}
