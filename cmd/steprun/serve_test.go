package main

import (
	"context"
	"maps"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "steprun.db")
	cfg.GraphFile = writeGraph(t, sampleGraph)
	cfg.MCP = false
	cfg.PoolSize = 1
	cfg.LogLevel = "error"

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func TestApp_DraftReflectsMountedEdit(t *testing.T) {
	a := testApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, ok := a.manager.Get("code-1")
	require.True(t, ok)
	edited := c.Node()
	edited.Config = maps.Clone(edited.Config)
	edited.Config["code"] = "def main(x): return x  # EDITED"
	_, err := a.manager.Mount(edited)
	require.NoError(t, err)

	// No transport is configured, so the run fails after the draft sync.
	_, err = c.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	d, err := a.store.LatestDraft(ctx, "support-bot")
	require.NoError(t, err)
	assert.Contains(t, string(d.Document), "EDITED")
	assert.NotContains(t, string(d.Document), `"values"`)
}

func TestApp_ApplyConfigTogglesMCP(t *testing.T) {
	a := testApp(t)
	before := a.routes.Load()

	next := a.cfg
	next.MCP = true
	next.LogLevel = "debug"
	a.applyConfig(next)

	assert.True(t, a.cfg.MCP)
	assert.NotSame(t, before, a.routes.Load())
	assert.Equal(t, "DEBUG", a.level.Level().String())
}
