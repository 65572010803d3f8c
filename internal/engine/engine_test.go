package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/steprun/internal/forms"
	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/internal/streaming"
	"github.com/rendis/steprun/pkg/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport records requests. With release set it blocks until release
// is closed (or ctx ends, when honourCtx is set).
type fakeTransport struct {
	mu        sync.Mutex
	reqs      []RunRequest
	calledAt  []time.Time
	release   chan struct{}
	honourCtx bool
	returned  chan struct{}
	outputs   map[string]any
	err       error
	onCall    func()
}

func (f *fakeTransport) Execute(ctx context.Context, req RunRequest) (*schema.RunResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.calledAt = append(f.calledAt, time.Now())
	onCall := f.onCall
	f.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if f.returned != nil {
		defer func() { f.returned <- struct{}{} }()
	}

	if f.release != nil {
		if f.honourCtx {
			select {
			case <-f.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-f.release
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &schema.RunResult{Outputs: f.outputs}, nil
}

func (f *fakeTransport) requests() []RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunRequest(nil), f.reqs...)
}

type recorder struct {
	mu      sync.Mutex
	outputs map[string]map[string]any
}

func (r *recorder) RecordOutputs(_ context.Context, nodeID string, outputs map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outputs == nil {
		r.outputs = make(map[string]map[string]any)
	}
	r.outputs[nodeID] = outputs
	return nil
}

type harness struct {
	mgr       *Manager
	hub       *streaming.MemoryHub
	inspector *reference.MemoryInspector
	transport *fakeTransport
}

func newHarness(t *testing.T, tr *fakeTransport, syncer DraftSyncer, rec OutputRecorder) *harness {
	t.Helper()
	insp := seededInspector()
	hub := streaming.NewMemoryHub()
	mgr := NewManager(Deps{
		Resolver:  reference.NewResolver(insp),
		Transport: tr,
		Syncer:    syncer,
		Recorder:  rec,
		Hub:       hub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(mgr.Close)
	return &harness{mgr: mgr, hub: hub, inspector: insp, transport: tr}
}

func seededInspector() *reference.MemoryInspector {
	insp := reference.NewMemoryInspector()
	insp.Set("start", "topic", "golang")
	return insp
}

func codeNode() schema.NodeInstance {
	return schema.NodeInstance{ID: "code-1", Kind: schema.NodeKindCode, Config: map[string]any{
		"code": "def main(x): return {'y': x}",
		"variables": []any{
			map[string]any{"variable": "x", "value_selector": []any{"start", "topic"}},
		},
	}}
}

func toolNode() schema.NodeInstance {
	return schema.NodeInstance{ID: "tool-1", Kind: schema.NodeKindTool, Config: map[string]any{
		"provider_id": "search",
		"tool_name":   "web",
		"tool_parameters": map[string]any{
			"a": map[string]any{"type": "variable", "value": []any{"start", "topic"}},
			"b": map[string]any{"type": "variable", "value": []any{"start", "missing"}},
		},
		"parameter_schemas": []any{
			map[string]any{"name": "a", "label": "Query", "required": true},
			map[string]any{"name": "b", "label": "Limit", "required": true},
		},
	}}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func drain(ch <-chan streaming.StreamEvent) []string {
	var types []string
	for {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		default:
			return types
		}
	}
}

func TestController_AutoRunsWhenEverythingResolves(t *testing.T) {
	tr := &fakeTransport{outputs: map[string]any{"y": "golang"}}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	events, cancel, err := h.hub.Subscribe(ctx, streaming.EventFilter{NodeID: "code-1"})
	require.NoError(t, err)
	defer cancel()

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)

	st, err := c.Open(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Forms)
	require.NoError(t, c.Wait(ctx))

	st = c.State()
	assert.Equal(t, schema.RunStatusCompleted, st.Status)
	assert.Equal(t, ViewLastRun, st.View)
	require.NotNil(t, st.Result)
	assert.Equal(t, map[string]any{"y": "golang"}, st.Result.Outputs)

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, map[string]any{"inputs": map[string]any{"#start.topic#": "golang"}}, reqs[0].Payload)

	types := drain(events)
	assert.Equal(t, []string{
		schema.EventPanelOpened, schema.EventRunStarted, schema.EventRunCompleted,
	}, types)
	assert.NotContains(t, types, schema.EventParamsRequested)
}

func TestController_AutoRunFiresOncePerOpen(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	runID, err := c.AutoRun(ctx)
	require.NoError(t, err)
	assert.Empty(t, runID)
	assert.Len(t, tr.requests(), 1)
}

func TestController_ToolWithOneMissingField(t *testing.T) {
	tr := &fakeTransport{outputs: map[string]any{"ok": true}}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(toolNode())
	require.NoError(t, err)

	st, err := c.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAwaitingParams, st.Status)
	require.Len(t, st.Forms, 1)
	require.Len(t, st.Forms[0].Inputs, 1)
	assert.Equal(t, "#start.missing#", st.Forms[0].Inputs[0].Variable)

	_, err = c.Submit(ctx, map[string]any{"#start.missing#": ""})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeRequiredField, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "Limit")
	assert.Equal(t, schema.RunStatusAwaitingParams, c.Status())
	assert.Empty(t, tr.requests())

	runID, err := c.Submit(ctx, map[string]any{"#start.missing#": "5", "not-a-field": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	require.NoError(t, c.Wait(ctx))

	assert.Equal(t, schema.RunStatusCompleted, c.Status())
	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, map[string]any{
		"#start.topic#":   "golang",
		"#start.missing#": "5",
	}, reqs[0].Payload["inputs"])
}

func TestController_SyncCompletesBeforeTransport(t *testing.T) {
	var (
		mu     sync.Mutex
		order  []string
		syncAt time.Time
	)
	syncer := DraftSyncFunc(func(ctx context.Context, force bool) error {
		assert.True(t, force)
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		syncAt = time.Now()
		order = append(order, "sync")
		return nil
	})
	tr := &fakeTransport{}
	tr.onCall = func() {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "execute")
	}
	h := newHarness(t, tr, syncer, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(toolNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	_, err = c.Submit(ctx, map[string]any{"#start.missing#": "x"})
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sync", "execute"}, order)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.False(t, tr.calledAt[0].Before(syncAt))
}

func TestController_SyncFailureKeepsAwaitingParams(t *testing.T) {
	syncer := DraftSyncFunc(func(context.Context, bool) error { return errors.New("disk full") })
	tr := &fakeTransport{}
	h := newHarness(t, tr, syncer, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(toolNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)

	_, err = c.Submit(ctx, map[string]any{"#start.missing#": "x"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSync, schema.ErrorCode(err))
	assert.Equal(t, schema.RunStatusAwaitingParams, c.Status())
	assert.Equal(t, schema.ErrCodeSync, c.State().ErrorCode)
	assert.Empty(t, tr.requests())
}

func TestController_SyncFailureOnAutoRunStaysIdle(t *testing.T) {
	syncer := DraftSyncFunc(func(context.Context, bool) error { return errors.New("offline") })
	tr := &fakeTransport{}
	h := newHarness(t, tr, syncer, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusIdle, c.Status())
	assert.Empty(t, tr.requests())
}

func TestController_StopDiscardsLateResult(t *testing.T) {
	tr := &fakeTransport{
		release:  make(chan struct{}),
		returned: make(chan struct{}, 1),
		outputs:  map[string]any{"late": true},
	}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusRunning, c.Status())

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, schema.RunStatusStopped, c.Status())

	close(tr.release)
	<-tr.returned
	h.mgr.deps.Pool.Wait()

	st := c.State()
	assert.Equal(t, schema.RunStatusStopped, st.Status)
	assert.Nil(t, st.Result)
}

func TestController_StopCancelsTransport(t *testing.T) {
	tr := &fakeTransport{release: make(chan struct{}), honourCtx: true, returned: make(chan struct{}, 1)}
	defer close(tr.release)
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx))
	select {
	case <-tr.returned:
	case <-ctx.Done():
		t.Fatal("transport was not cancelled")
	}
	assert.Equal(t, schema.RunStatusStopped, c.Status())
}

func TestController_RunWhileRunningIsNoop(t *testing.T) {
	tr := &fakeTransport{release: make(chan struct{})}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)

	runID, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, runID)

	close(tr.release)
	require.NoError(t, c.Wait(ctx))
	assert.Len(t, tr.requests(), 1)
	assert.Equal(t, schema.RunStatusCompleted, c.Status())
}

func TestController_RerunReplaysLastValues(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(toolNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	first, err := c.Submit(ctx, map[string]any{"#start.missing#": "7"})
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	second, err := c.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	assert.NotEqual(t, first, second)
	reqs := tr.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].Payload, reqs[1].Payload)
	assert.Equal(t, second, c.State().Result.RunID)
}

func toolNodeWithParam(name, variable string) schema.NodeInstance {
	n := toolNode()
	params := maps.Clone(n.Config["tool_parameters"].(map[string]any))
	params[name] = map[string]any{"type": "variable", "value": []any{"start", variable}}
	schemas := append([]any(nil), n.Config["parameter_schemas"].([]any)...)
	schemas = append(schemas, map[string]any{"name": name, "label": "Extra", "required": true})
	n.Config = map[string]any{
		"provider_id":       n.Config["provider_id"],
		"tool_name":         n.Config["tool_name"],
		"tool_parameters":   params,
		"parameter_schemas": schemas,
	}
	return n
}

func TestController_RerunAfterReopenWithNewFieldWaitsForParams(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(toolNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	_, err = c.Submit(ctx, map[string]any{"#start.missing#": "7"})
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	_, err = h.mgr.Mount(toolNodeWithParam("c", "other"))
	require.NoError(t, err)
	st, err := c.Open(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusAwaitingParams, st.Status)
	require.Len(t, st.Forms, 1)
	assert.Len(t, st.Forms[0].Inputs, 2)

	runID, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, runID)
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, schema.RunStatusAwaitingParams, c.Status())
	assert.Len(t, tr.requests(), 1)
}

func TestController_RerunAfterRemountRevalidates(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(toolNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	_, err = c.Submit(ctx, map[string]any{"#start.missing#": "7"})
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	// No explicit reopen: Run must derive the forms from the new definition.
	_, err = h.mgr.Mount(toolNodeWithParam("c", "other"))
	require.NoError(t, err)
	runID, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, runID)
	require.NoError(t, c.Wait(ctx))

	assert.Equal(t, schema.RunStatusAwaitingParams, c.Status())
	assert.Len(t, tr.requests(), 1)

	runID, err = c.Submit(ctx, map[string]any{"#start.missing#": "7", "#start.other#": "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	require.NoError(t, c.Wait(ctx))
	reqs := tr.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "x", reqs[1].Payload["inputs"].(map[string]any)["#start.other#"])
}

func TestController_ReplayIsValidatedAgainstCurrentForms(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(toolNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	_, err = c.Submit(ctx, map[string]any{"#start.missing#": "7"})
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	// Same fields, but the stored value no longer satisfies them.
	c.mu.Lock()
	c.lastValues = map[string]any{"#start.missing#": ""}
	c.mu.Unlock()

	_, err = c.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeRequiredField, schema.ErrorCode(err))
	assert.Equal(t, schema.RunStatusAwaitingParams, c.Status())
	assert.Len(t, tr.requests(), 1)
}

// --- Graph document ---

func TestManager_MountedEditReachesDraftBeforeRun(t *testing.T) {
	graph := forms.NewNodeGraph([]schema.NodeInstance{codeNode()})
	var (
		mu      sync.Mutex
		synced  []string
		dirtied int
	)
	syncer := &markingSyncer{
		sync: func() {
			n, _ := graph.Node("code-1")
			mu.Lock()
			synced = append(synced, n.Config["code"].(string))
			mu.Unlock()
		},
		mark: func() { mu.Lock(); dirtied++; mu.Unlock() },
	}
	tr := &fakeTransport{}
	tr.onCall = func() {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"EDITED"}, synced, "draft must hold the edit before execute")
	}
	mgr := NewManager(Deps{
		Resolver:    reference.NewResolver(seededInspector()),
		FormContext: &forms.Context{Graph: graph},
		Transport:   tr,
		Syncer:      syncer,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(mgr.Close)
	ctx := waitCtx(t)

	c, err := mgr.Mount(codeNode())
	require.NoError(t, err)
	edited := codeNode()
	edited.Config["code"] = "EDITED"
	_, err = mgr.Mount(edited)
	require.NoError(t, err)

	_, err = c.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	require.Len(t, tr.requests(), 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dirtied, "only the edit changes the document")
	n, _ := graph.Node("code-1")
	assert.Equal(t, "EDITED", n.Config["code"])
}

type markingSyncer struct {
	sync func()
	mark func()
}

func (s *markingSyncer) SyncDraft(context.Context, bool) error { s.sync(); return nil }
func (s *markingSyncer) MarkDirty()                            { s.mark() }

func TestController_TransportFailure(t *testing.T) {
	tr := &fakeTransport{err: errors.New("502 bad gateway")}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	st := c.State()
	assert.Equal(t, schema.RunStatusFailed, st.Status)
	require.NotNil(t, st.Result)
	assert.Contains(t, st.Result.Error, "502")

	tr.mu.Lock()
	tr.err = nil
	tr.mu.Unlock()
	_, err = c.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, schema.RunStatusCompleted, c.Status())
}

func TestController_InvalidConfigRefusesOpen(t *testing.T) {
	h := newHarness(t, &fakeTransport{}, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(schema.NodeInstance{ID: "llm-1", Kind: schema.NodeKindLLM})
	require.NoError(t, err)

	st, err := c.Open(ctx)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidConfig, schema.ErrorCode(err))
	assert.Equal(t, schema.RunStatusIdle, st.Status)
	assert.Equal(t, schema.ErrCodeInvalidConfig, st.ErrorCode)
}

func TestController_PauseDropsResult(t *testing.T) {
	tr := &fakeTransport{release: make(chan struct{}), outputs: map[string]any{"v": 1}}
	h := newHarness(t, tr, nil, nil)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Pause(ctx))
	assert.Equal(t, schema.RunStatusPaused, c.Status())

	close(tr.release)
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, schema.RunStatusPaused, c.Status())
	assert.Nil(t, c.State().Result)

	require.NoError(t, c.Resume(ctx))
	assert.Equal(t, schema.RunStatusIdle, c.Status())
	assert.Error(t, c.Resume(ctx))
}

func TestController_RecordsOutputs(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{outputs: map[string]any{"y": 1}}
	h := newHarness(t, tr, nil, rec)
	ctx := waitCtx(t)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	_, err = c.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Wait(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, map[string]any{"y": 1}, rec.outputs["code-1"])
}

func TestManager_PendingRunClaimedByMountedController(t *testing.T) {
	tr := &fakeTransport{}
	h := newHarness(t, tr, nil, nil)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)

	_, err = h.mgr.Request("code-1", schema.ActionRun)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Status() == schema.RunStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	_, pending := h.mgr.Pending().Peek()
	assert.False(t, pending)
}

func TestManager_PendingRequestBeforeMount(t *testing.T) {
	tr := &fakeTransport{release: make(chan struct{}), honourCtx: true}
	defer close(tr.release)
	h := newHarness(t, tr, nil, nil)

	_, err := h.mgr.Request("code-1", schema.ActionRun)
	require.NoError(t, err)

	c, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Status() == schema.RunStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.mgr.Request("code-1", schema.ActionStop)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Status() == schema.RunStatusStopped
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_MountValidation(t *testing.T) {
	h := newHarness(t, &fakeTransport{}, nil, nil)

	_, err := h.mgr.Mount(schema.NodeInstance{Kind: schema.NodeKindCode})
	assert.Error(t, err)
	_, err = h.mgr.Mount(schema.NodeInstance{ID: "x", Kind: "bogus"})
	assert.Error(t, err)

	c1, err := h.mgr.Mount(codeNode())
	require.NoError(t, err)
	updated := codeNode()
	updated.Title = "renamed"
	c2, err := h.mgr.Mount(updated)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, "renamed", c2.Node().Title)

	assert.Equal(t, []string{"code-1"}, h.mgr.Mounted())
	assert.True(t, h.mgr.Unmount("code-1"))
	assert.False(t, h.mgr.Unmount("code-1"))

	_, err = h.mgr.Request("code-1", "explode")
	assert.Error(t, err)
}
