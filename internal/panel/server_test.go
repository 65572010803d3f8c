package panel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steprun/internal/engine"
	"github.com/rendis/steprun/internal/layout"
	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/internal/streaming"
	"github.com/rendis/steprun/pkg/schema"
)

type testPanel struct {
	srv *httptest.Server
	mgr *engine.Manager
}

func newTestPanel(t *testing.T) *testPanel {
	t.Helper()
	insp := reference.NewMemoryInspector()
	insp.Set("start", "topic", "golang")
	hub := streaming.NewMemoryHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr := engine.NewManager(engine.Deps{
		Resolver: reference.NewResolver(insp),
		Transport: engine.TransportFunc(func(_ context.Context, req engine.RunRequest) (*schema.RunResult, error) {
			return &schema.RunResult{Outputs: map[string]any{"echo": req.Payload}}, nil
		}),
		Hub:    hub,
		Logger: logger,
	})
	s := NewServer(Deps{
		Manager: mgr,
		Hub:     hub,
		Layouts: layout.NewRegistry(layout.Config{MinWidth: 400, ReservedCanvasWidth: 400, PersistDelay: time.Hour}, nil, logger),
		Logger:  logger,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return &testPanel{srv: srv, mgr: mgr}
}

func (p *testPanel) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, p.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		var v any
		require.NoError(t, json.Unmarshal(raw, &v))
		if m, ok := v.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"value": v}
		}
	}
	return resp, out
}

func (p *testPanel) wait(t *testing.T, nodeID string) {
	t.Helper()
	c, ok := p.mgr.Get(nodeID)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

var codeNode = schema.NodeInstance{ID: "code-1", Kind: schema.NodeKindCode, Config: map[string]any{
	"code": "def main(x): return x",
	"variables": []any{
		map[string]any{"variable": "x", "value_selector": []any{"start", "topic"}},
	},
}}

var llmNode = schema.NodeInstance{ID: "llm-1", Kind: schema.NodeKindLLM, Config: map[string]any{
	"model":           map[string]any{"provider": "openai", "name": "gpt-4o"},
	"prompt_template": []any{map[string]any{"role": "user", "text": "Summarise {{#start.body#}}"}},
}}

// --- Nodes ---

func TestPanel_MountOpenAutoRun(t *testing.T) {
	p := newTestPanel(t)

	resp, body := p.do(t, http.MethodPost, "/api/nodes", codeNode)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "idle", body["status"])

	resp, _ = p.do(t, http.MethodPost, "/api/nodes/code-1/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p.wait(t, "code-1")

	resp, body = p.do(t, http.MethodGet, "/api/nodes/code-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "last_run", body["view"])

	resp, body = p.do(t, http.MethodGet, "/api/nodes/code-1/last-run?q=.outputs.echo.inputs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"#start.topic#": "golang"}, body)

	resp, body = p.do(t, http.MethodGet, "/api/nodes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["value"], 1)
}

func TestPanel_SubmitValidation(t *testing.T) {
	p := newTestPanel(t)
	p.do(t, http.MethodPost, "/api/nodes", llmNode)

	resp, body := p.do(t, http.MethodPost, "/api/nodes/llm-1/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "awaiting_params", body["status"])

	resp, body = p.do(t, http.MethodPost, "/api/nodes/llm-1/submit", map[string]any{"values": map[string]any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeRequiredField, body["code"])

	resp, body = p.do(t, http.MethodPost, "/api/nodes/llm-1/submit", map[string]any{
		"values": map[string]any{"#start.body#": "text"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["run_id"])
	p.wait(t, "llm-1")

	_, body = p.do(t, http.MethodGet, "/api/nodes/llm-1", nil)
	assert.Equal(t, "completed", body["status"])
}

func TestPanel_UnknownNode(t *testing.T) {
	p := newTestPanel(t)
	resp, body := p.do(t, http.MethodPost, "/api/nodes/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])

	resp, _ = p.do(t, http.MethodDelete, "/api/nodes/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPanel_MountRejectsUnknownKind(t *testing.T) {
	p := newTestPanel(t)
	resp, body := p.do(t, http.MethodPost, "/api/nodes", map[string]any{"id": "x", "kind": "teleport"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestPanel_LastRunBeforeAnyRun(t *testing.T) {
	p := newTestPanel(t)
	p.do(t, http.MethodPost, "/api/nodes", llmNode)
	resp, _ := p.do(t, http.MethodGet, "/api/nodes/llm-1/last-run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPanel_StopWhenIdleIsNoop(t *testing.T) {
	p := newTestPanel(t)
	p.do(t, http.MethodPost, "/api/nodes", llmNode)
	resp, body := p.do(t, http.MethodPost, "/api/nodes/llm-1/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["status"])
}

// --- Pending ---

func TestPanel_PendingRequest(t *testing.T) {
	p := newTestPanel(t)

	resp, _ := p.do(t, http.MethodPost, "/api/pending", map[string]any{"node_id": "code-1", "action": "jump"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := p.do(t, http.MethodPost, "/api/pending", map[string]any{"node_id": "code-1", "action": "run"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["id"])

	resp, body = p.do(t, http.MethodGet, "/api/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "code-1", body["node_id"])

	p.do(t, http.MethodPost, "/api/nodes", codeNode)
	require.Eventually(t, func() bool {
		_, body := p.do(t, http.MethodGet, "/api/nodes/code-1", nil)
		return body["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = p.do(t, http.MethodGet, "/api/pending", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// --- Layout ---

func TestPanel_LayoutClamping(t *testing.T) {
	p := newTestPanel(t)

	resp, body := p.do(t, http.MethodPut, "/api/layout/node", map[string]any{"width": 900})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(900), body["preference"])

	_, body = p.do(t, http.MethodPost, "/api/layout/node/viewport", map[string]any{"viewport": 1200, "sibling": 300})
	assert.Equal(t, float64(500), body["max"])
	assert.Equal(t, float64(500), body["effective"])
	assert.Equal(t, float64(900), body["preference"])

	_, body = p.do(t, http.MethodPost, "/api/layout/node/viewport", map[string]any{"viewport": 2000})
	assert.Equal(t, float64(900), body["effective"])

	_, body = p.do(t, http.MethodPost, "/api/layout/node/drag", map[string]any{"phase": "begin", "x": 1000})
	assert.Equal(t, true, body["dragging"])
	_, body = p.do(t, http.MethodPost, "/api/layout/node/drag", map[string]any{"phase": "end", "x": 900})
	assert.Equal(t, float64(1000), body["preference"])
	assert.Equal(t, false, body["dragging"])

	_, _ = p.do(t, http.MethodPost, "/api/layout/node/drag", map[string]any{"phase": "begin", "x": 1000})
	_, body = p.do(t, http.MethodPost, "/api/layout/node/drag", map[string]any{"phase": "move", "x": 800})
	assert.Equal(t, float64(1200), body["preference"])
	_, body = p.do(t, http.MethodPost, "/api/layout/node/drag", map[string]any{"phase": "cancel"})
	assert.Equal(t, float64(1000), body["preference"])
	assert.Equal(t, false, body["dragging"])

	resp, _ = p.do(t, http.MethodPost, "/api/layout/node/drag", map[string]any{"phase": "twist"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = p.do(t, http.MethodPut, "/api/layout/node", map[string]any{"width": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- SSE ---

func TestPanel_SSEStreamsRunEvents(t *testing.T) {
	p := newTestPanel(t)
	p.do(t, http.MethodPost, "/api/nodes", codeNode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.srv.URL+"/sse/events?node_id=code-1&types=run.completed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	p.do(t, http.MethodPost, "/api/nodes/code-1/open", nil)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: run.completed", line)
			return
		}
	}
	t.Fatal("no event received")
}

func TestPanel_SSEReplaysCurrentStatus(t *testing.T) {
	p := newTestPanel(t)
	p.do(t, http.MethodPost, "/api/nodes", codeNode)
	p.do(t, http.MethodPost, "/api/nodes/code-1/open", nil)
	p.wait(t, "code-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.srv.URL+"/sse/events?node_id=code-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, `"status":"completed"`)
			return
		}
	}
	t.Fatal("no replayed event")
}
