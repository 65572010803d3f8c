package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	var cfg struct {
		A duration `json:"a"`
		B duration `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1.5s","b":250}`), &cfg))
	assert.Equal(t, 1500*time.Millisecond, time.Duration(cfg.A))
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.B))

	assert.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &cfg))
	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &cfg))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STEPRUN_LISTEN_ADDR":       ":9000",
		"STEPRUN_TRANSPORT_URL":     "http://backend/api",
		"STEPRUN_TRANSPORT_TIMEOUT": "5s",
		"STEPRUN_POOL_SIZE":         "8",
		"STEPRUN_PANEL_MIN_WIDTH":   "not-a-number",
		"STEPRUN_MCP":               "false",
	}
	cfg := defaultConfig()
	applyEnv(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://backend/api", cfg.TransportURL)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.TransportTimeout))
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 400, cfg.PanelMinWidth, "unparsable values keep the default")
	assert.False(t, cfg.MCP)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.MCPChanged)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next := old
	next.MCP = false
	next.LogLevel = "debug"
	next.PoolSize = 2
	next.TransportURL = "http://other"
	d = diffConfigs(old, next)
	assert.True(t, d.MCPChanged)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"transport_url", "pool_size"}, d.RestartNeeded)
}
