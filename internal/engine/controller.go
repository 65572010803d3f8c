package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/steprun/internal/forms"
	"github.com/rendis/steprun/internal/logging"
	"github.com/rendis/steprun/internal/streaming"
	"github.com/rendis/steprun/internal/validation"
	"github.com/rendis/steprun/pkg/schema"
)

// View is the presentation tab the panel should show.
type View string

const (
	ViewForm    View = "form"
	ViewLastRun View = "last_run"
)

// State is a point-in-time snapshot of a controller for the presentation surface.
type State struct {
	NodeID    string             `json:"node_id"`
	Kind      schema.NodeKind    `json:"kind"`
	Status    schema.RunStatus   `json:"status"`
	RunID     string             `json:"run_id,omitempty"`
	View      View               `json:"view"`
	Forms     []schema.FormGroup `json:"forms"`
	Result    *schema.RunResult  `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode string             `json:"error_code,omitempty"`
	AuxData   map[string]any     `json:"aux_data,omitempty"`
}

type activeRun struct {
	id      string
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// Controller owns the run life cycle of one mounted node.
type Controller struct {
	id     string
	deps   Deps
	fsm    *RunFSM
	latch  OneShot
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	watchDone chan struct{}

	mu         sync.Mutex
	node       schema.NodeInstance
	status     schema.RunStatus
	view       View
	opened     bool
	partition  forms.Partition
	aux        map[string]any
	result     *schema.RunResult
	lastRunID  string
	lastErr    error
	lastValues map[string]any
	generation uint64
	current    *activeRun
	starting   bool
	abortStart bool
}

func newController(node schema.NodeInstance, deps Deps) *Controller {
	ctx, cancel := context.WithCancel(logging.WithNodeID(context.Background(), node.ID))
	return &Controller{
		id:        node.ID,
		deps:      deps,
		fsm:       NewRunFSM(deps.Hub),
		logger:    deps.Logger.With(slog.String("component", "engine")),
		ctx:       ctx,
		cancel:    cancel,
		watchDone: make(chan struct{}),
		node:      node,
		status:    schema.RunStatusIdle,
		view:      ViewForm,
	}
}

// Node returns the node this controller is mounted for.
func (c *Controller) Node() schema.NodeInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

// setNode swaps in a new definition. A changed kind or config invalidates
// the derived forms, so the next Run re-opens the panel.
func (c *Controller) setNode(node schema.NodeInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node.Kind != c.node.Kind || !reflect.DeepEqual(node.Config, c.node.Config) {
		c.opened = false
	}
	c.node = node
}

// Status returns the current run status.
func (c *Controller) Status() schema.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns a snapshot whose forms and result are safe to hand out.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{
		NodeID:  c.id,
		Kind:    c.node.Kind,
		Status:  c.status,
		RunID:   c.lastRunID,
		View:    c.view,
		Forms:   make([]schema.FormGroup, 0, len(c.partition.FilteredForms)),
		AuxData: maps.Clone(c.aux),
	}
	for _, g := range c.partition.FilteredForms {
		st.Forms = append(st.Forms, g.Clone())
	}
	if c.result != nil {
		r := *c.result
		st.Result = &r
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
		st.ErrorCode = schema.ErrorCode(c.lastErr)
	}
	return st
}

// Open prepares the panel: it checks the node configuration, derives the
// forms, and prunes inputs already known. With nothing left to fill in the
// node auto-runs; otherwise the controller waits for parameters.
func (c *Controller) Open(ctx context.Context) (State, error) {
	ctx = logging.WithNodeID(ctx, c.id)
	c.latch.Reset()

	node := c.Node()
	if err := c.deps.Registry.CheckConfig(node, c.deps.FormContext); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "node config incomplete", slog.String("error", err.Error()))
		return c.State(), err
	}

	groups := c.deps.Registry.Forms(node, c.deps.FormContext)
	part := forms.NewFilter(c.deps.Resolver).Partition(groups)
	aux := c.deps.Registry.AuxData(node, c.deps.FormContext)

	c.mu.Lock()
	if !sameFields(c.partition.FilteredForms, part.FilteredForms) {
		c.lastValues = nil
	}
	c.partition = part
	c.aux = aux
	c.opened = true
	c.lastErr = nil
	busy := c.status == schema.RunStatusRunning || c.starting
	c.mu.Unlock()

	c.publish(ctx, schema.EventPanelOpened, "", map[string]any{
		"fields":        countFields(part.FilteredForms),
		"auto_runnable": part.AutoRunnable(),
	})

	if busy {
		return c.State(), nil
	}
	if part.AutoRunnable() {
		_, err := c.AutoRun(ctx)
		return c.State(), err
	}

	c.mu.Lock()
	c.view = ViewForm
	err := c.awaitParamsLocked(ctx)
	c.mu.Unlock()
	return c.State(), err
}

// AutoRun starts a run with the resolved values as payload. It fires at most
// once per Open; repeated calls return "" without starting anything.
func (c *Controller) AutoRun(ctx context.Context) (string, error) {
	if !c.latch.Fire() {
		return "", nil
	}
	c.mu.Lock()
	payload := c.partition.Merged()
	c.lastValues = payload
	c.mu.Unlock()
	return c.start(ctx, payload)
}

// Submit validates user values against the reduced forms and starts a run.
// Keys that are not inputs of the forms are ignored. On a validation error
// the status does not change.
func (c *Controller) Submit(ctx context.Context, values map[string]any) (string, error) {
	ctx = logging.WithNodeID(ctx, c.id)

	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeInvalidTransition, "panel is not open").WithNode(c.id)
	}
	if c.status == schema.RunStatusRunning || c.starting {
		c.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeInvalidTransition, "run already in progress").WithNode(c.id)
	}
	part := c.partition
	c.mu.Unlock()

	payload, err := c.prepare(ctx, part, values)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.lastValues = payload
	c.mu.Unlock()
	return c.start(ctx, payload)
}

// Run re-runs the node. It is a no-op while a run is in progress; otherwise
// it replays the last submitted values, auto-runs when nothing is missing,
// or falls back to waiting for parameters. Replayed values are validated
// against the current forms; when they no longer satisfy them the stored
// values are dropped and the controller waits for parameters.
func (c *Controller) Run(ctx context.Context) (string, error) {
	ctx = logging.WithNodeID(ctx, c.id)

	c.mu.Lock()
	if c.status == schema.RunStatusRunning || c.starting {
		c.mu.Unlock()
		return "", nil
	}
	opened := c.opened
	last := maps.Clone(c.lastValues)
	part := c.partition
	c.mu.Unlock()

	if !opened {
		st, err := c.Open(ctx)
		if err != nil {
			return "", err
		}
		if st.Status == schema.RunStatusRunning {
			return st.RunID, nil
		}
		return "", nil
	}
	if last != nil {
		payload, err := c.prepare(ctx, part, last)
		if err != nil {
			c.mu.Lock()
			c.lastValues = nil
			c.view = ViewForm
			if aerr := c.awaitParamsLocked(ctx); aerr != nil {
				c.logger.WarnContext(ctx, "await params", slog.String("error", aerr.Error()))
			}
			c.mu.Unlock()
			return "", err
		}
		return c.start(ctx, payload)
	}
	if part.AutoRunnable() {
		return c.start(ctx, part.Merged())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = ViewForm
	return "", c.awaitParamsLocked(ctx)
}

// Stop cancels the in-flight run. A result that still arrives for it is
// discarded. Stopping when nothing runs is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	ctx = logging.WithNodeID(ctx, c.id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.starting {
		c.abortStart = true
		return nil
	}
	if c.status != schema.RunStatusRunning && c.status != schema.RunStatusPaused {
		return nil
	}

	c.generation++
	runID := c.lastRunID
	if c.current != nil {
		c.current.cancel()
		c.current = nil
	}
	c.logger.InfoContext(logging.WithRunID(ctx, runID), "run stopped")
	return c.transitionLocked(ctx, schema.RunStatusStopped, runID, nil)
}

// Pause marks the running node paused. The in-flight result is dropped when
// it arrives.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != schema.RunStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot pause from %s", c.status).WithNode(c.id)
	}
	return c.transitionLocked(ctx, schema.RunStatusPaused, c.lastRunID, nil)
}

// Resume leaves the paused state for Idle, abandoning any run still in flight.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != schema.RunStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resume from %s", c.status).WithNode(c.id)
	}
	if c.current != nil {
		c.generation++
		c.current.cancel()
		c.current = nil
	}
	return c.transitionLocked(ctx, schema.RunStatusIdle, c.lastRunID, nil)
}

// Wait blocks until the current run, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	run := c.current
	c.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start synchronizes the draft, then moves to Running and hands the run to
// the pool. Calls while a run is starting or running are no-ops.
func (c *Controller) start(ctx context.Context, values map[string]any) (string, error) {
	c.mu.Lock()
	if c.status == schema.RunStatusRunning || c.starting {
		c.mu.Unlock()
		return "", nil
	}
	c.starting = true
	c.abortStart = false
	from := c.status
	c.mu.Unlock()

	if err := c.deps.Syncer.SyncDraft(ctx, true); err != nil {
		serr := schema.NewError(schema.ErrCodeSync, "draft synchronization failed").
			WithNode(c.id).WithCause(err)
		c.mu.Lock()
		c.starting = false
		c.lastErr = serr
		c.mu.Unlock()
		c.logger.ErrorContext(ctx, "draft sync failed", slog.String("error", err.Error()))
		c.publishStatus(ctx, schema.EventRunFailed, "", from, map[string]any{"error": serr.Error()})
		return "", serr
	}

	c.mu.Lock()
	c.starting = false
	if c.abortStart {
		c.abortStart = false
		err := c.transitionLocked(ctx, schema.RunStatusStopped, "", nil)
		c.mu.Unlock()
		if err != nil {
			return "", err
		}
		return "", schema.NewError(schema.ErrCodeCancelled, "run stopped before it started").WithNode(c.id)
	}

	runID := uuid.NewString()
	c.generation++
	runCtx, cancel := context.WithCancel(logging.WithRunID(c.ctx, runID))
	run := &activeRun{
		id:      runID,
		gen:     c.generation,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: c.deps.Now(),
	}
	if err := c.transitionLocked(ctx, schema.RunStatusRunning, runID, map[string]any{"inputs": values}); err != nil {
		c.mu.Unlock()
		cancel()
		return "", err
	}
	c.current = run
	c.lastRunID = runID
	c.result = nil
	c.lastErr = nil
	req := RunRequest{
		NodeID:  c.id,
		RunID:   runID,
		Kind:    c.node.Kind,
		Payload: validation.ShapePayload(c.node.Kind, values),
	}
	c.mu.Unlock()

	c.logger.InfoContext(logging.WithRunID(ctx, runID), "run started")

	if err := c.deps.Pool.Submit(runCtx, func(ctx context.Context) error {
		res, err := c.callTransport(ctx, req)
		c.finish(run, res, err)
		return err
	}); err != nil {
		c.finish(run, nil, err)
	}
	return runID, nil
}

func (c *Controller) callTransport(ctx context.Context, req RunRequest) (res *schema.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, schema.NewErrorf(schema.ErrCodeTransport, "transport panic: %v", r)
		}
	}()
	return c.deps.Transport.Execute(ctx, req)
}

// finish applies a transport outcome unless the run is no longer current.
func (c *Controller) finish(run *activeRun, res *schema.RunResult, err error) {
	defer close(run.done)
	defer run.cancel()

	ctx := logging.WithRunID(c.ctx, run.id)

	c.mu.Lock()
	if run.gen != c.generation || c.current != run {
		c.mu.Unlock()
		c.logger.DebugContext(ctx, "discarding result of superseded run")
		return
	}
	c.current = nil
	if status := c.status; status != schema.RunStatusRunning {
		c.mu.Unlock()
		c.logger.InfoContext(ctx, "discarding result", slog.String("status", string(status)))
		return
	}

	result := c.buildResult(run, res, err)
	to := result.Status
	if terr := c.transitionLocked(ctx, to, run.id, result); terr != nil {
		c.mu.Unlock()
		c.logger.ErrorContext(ctx, "apply run result", slog.String("error", terr.Error()))
		return
	}
	c.result = result
	c.view = ViewLastRun
	if to == schema.RunStatusFailed {
		c.lastErr = errors.New(result.Error)
		if err != nil {
			c.lastErr = err
		}
	}
	c.mu.Unlock()

	if to == schema.RunStatusCompleted && c.deps.Recorder != nil && len(result.Outputs) > 0 {
		if rerr := c.deps.Recorder.RecordOutputs(ctx, c.id, result.Outputs); rerr != nil {
			c.logger.WarnContext(ctx, "record outputs", slog.String("error", rerr.Error()))
		}
	}
	c.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(to)),
		slog.Int64("elapsed_ms", result.ElapsedMs))
}

func (c *Controller) buildResult(run *activeRun, res *schema.RunResult, err error) *schema.RunResult {
	now := c.deps.Now()
	elapsed := now.Sub(run.started).Milliseconds()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		return &schema.RunResult{
			RunID:      run.id,
			NodeID:     c.id,
			Status:     schema.RunStatusFailed,
			Error:      err.Error(),
			ElapsedMs:  elapsed,
			FinishedAt: now,
		}
	}

	out := schema.RunResult{}
	if res != nil {
		out = *res
	}
	out.RunID = run.id
	out.NodeID = c.id
	if out.ElapsedMs == 0 {
		out.ElapsedMs = elapsed
	}
	if out.FinishedAt.IsZero() {
		out.FinishedAt = now
	}
	switch {
	case out.Error != "" || out.Status == schema.RunStatusFailed:
		out.Status = schema.RunStatusFailed
		if out.Error == "" {
			out.Error = "run failed"
		}
	default:
		out.Status = schema.RunStatusCompleted
	}
	return &out
}

func (c *Controller) awaitParamsLocked(ctx context.Context) error {
	if c.status == schema.RunStatusAwaitingParams || !CanTransition(c.status, schema.RunStatusAwaitingParams) {
		return nil
	}
	return c.transitionLocked(ctx, schema.RunStatusAwaitingParams, "", map[string]any{
		"fields": countFields(c.partition.FilteredForms),
	})
}

func (c *Controller) transitionLocked(ctx context.Context, to schema.RunStatus, runID string, payload any) error {
	if c.status == to {
		return nil
	}
	if err := c.fsm.Apply(ctx, Transition{
		NodeID:  c.id,
		RunID:   runID,
		From:    c.status,
		To:      to,
		Payload: payload,
	}); err != nil {
		return err
	}
	c.status = to
	return nil
}

func (c *Controller) publish(ctx context.Context, eventType, runID string, payload any) {
	c.publishStatus(ctx, eventType, runID, c.Status(), payload)
}

func (c *Controller) publishStatus(ctx context.Context, eventType, runID string, status schema.RunStatus, payload any) {
	err := c.deps.Hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		NodeID:  c.id,
		RunID:   runID,
		Type:    eventType,
		Status:  status,
		Payload: payload,
	})
	if err != nil {
		c.logger.DebugContext(ctx, "publish event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// watchPending claims pending actions addressed to this node until Close.
func (c *Controller) watchPending() {
	defer close(c.watchDone)
	for {
		changed := c.deps.Pending.Changed()
		if pa, ok := c.deps.Pending.Take(c.id); ok {
			c.handlePending(pa)
		}
		select {
		case <-c.ctx.Done():
			return
		case <-changed:
		}
	}
}

func (c *Controller) handlePending(pa schema.PendingAction) {
	ctx := logging.WithSource(c.ctx, "pending")
	c.publish(ctx, schema.EventPendingClaimed, "", map[string]any{"id": pa.ID, "action": string(pa.Action)})

	var err error
	switch pa.Action {
	case schema.ActionRun:
		_, err = c.Run(ctx)
	case schema.ActionStop:
		err = c.Stop(ctx)
	default:
		err = fmt.Errorf("unknown pending action %q", pa.Action)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "pending action failed",
			slog.String("action", string(pa.Action)),
			slog.String("error", err.Error()))
	}
}

// close cancels in-flight work and stops the pending watcher.
func (c *Controller) close() {
	c.cancel()
	<-c.watchDone
	c.mu.Lock()
	run := c.current
	c.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

// prepare fills the missing inputs of part with values, then validates and
// coerces them. A failure is recorded and published; the status is left
// unchanged.
func (c *Controller) prepare(ctx context.Context, part forms.Partition, values map[string]any) (map[string]any, error) {
	filled := make([]schema.FormGroup, 0, len(part.FilteredForms))
	for _, g := range part.FilteredForms {
		g = g.Clone()
		for _, in := range g.Inputs {
			if v, ok := values[in.Variable]; ok {
				g.Values[in.Variable] = v
			}
		}
		filled = append(filled, g)
	}

	payload, err := c.deps.Validator.Prepare(filled, part.ResolvedValues)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.publish(ctx, schema.EventValidationFail, "", map[string]any{
			"error": err.Error(),
			"code":  schema.ErrorCode(err),
		})
		return nil, err
	}
	return payload, nil
}

// sameFields reports whether two form sets ask for the same variables.
func sameFields(a, b []schema.FormGroup) bool {
	vars := func(groups []schema.FormGroup) []string {
		var out []string
		for _, g := range groups {
			for _, in := range g.Inputs {
				out = append(out, in.Variable+"/"+string(in.Type))
			}
		}
		slices.Sort(out)
		return out
	}
	return slices.Equal(vars(a), vars(b))
}

func countFields(groups []schema.FormGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Inputs)
	}
	return n
}
