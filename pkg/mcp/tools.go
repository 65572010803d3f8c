package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steprun/internal/engine"
	"github.com/rendis/steprun/internal/logging"
	"github.com/rendis/steprun/pkg/schema"
)

func (s *StepServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: mountTool(), Handler: s.handleMount},
		{Tool: openTool(), Handler: s.handleOpen},
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: lastRunTool(), Handler: s.handleLastRun},
		{Tool: requestTool(), Handler: s.handleRequest},
	}
}

// --- Tool definitions ---

func mountTool() mcp.Tool {
	return mcp.NewTool("steprun.mount",
		mcp.WithDescription("Mount a workflow node so it can be debugged and run in isolation"),
		mcp.WithObject("node", mcp.Required(), mcp.Description("Node instance: {id, kind, title, config}")),
	)
}

func openTool() mcp.Tool {
	return mcp.NewTool("steprun.open",
		mcp.WithDescription("Open a node's debug panel. Returns the inputs still missing; runs at once when none are"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of a mounted node")),
	)
}

func submitTool() mcp.Tool {
	return mcp.NewTool("steprun.submit",
		mcp.WithDescription("Submit values for a node's missing inputs and start the run"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of a mounted node")),
		mcp.WithObject("values", mcp.Required(), mcp.Description("Input values keyed by variable, e.g. {\"#start.topic#\": \"go\"}")),
		mcp.WithString("agent_id", mcp.Description("Notify this agent when the run ends")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("steprun.run",
		mcp.WithDescription("Run a node again with its last submitted values, or open it when it has none"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of a mounted node")),
		mcp.WithString("agent_id", mcp.Description("Notify this agent when the run ends")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("steprun.stop",
		mcp.WithDescription("Stop a node's in-flight run; a late result is discarded"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of a mounted node")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("steprun.status",
		mcp.WithDescription("Get a node's run status, missing inputs and last result"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of a mounted node")),
	)
}

func lastRunTool() mcp.Tool {
	return mcp.NewTool("steprun.last_run",
		mcp.WithDescription("Get a node's last run result, optionally projected with a jq filter"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of a mounted node")),
		mcp.WithString("query", mcp.Description("jq filter applied to the result, e.g. .outputs.text")),
	)
}

func requestTool() mcp.Tool {
	return mcp.NewTool("steprun.request",
		mcp.WithDescription("Queue a run or stop for a node. Replaces any unclaimed request; the node claims it once mounted"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Target node ID")),
		mcp.WithString("action", mcp.Required(), mcp.Enum("run", "stop"), mcp.Description("Requested action")),
		mcp.WithString("agent_id", mcp.Description("Notify this agent when the run ends")),
	)
}

// --- Handlers ---

func (s *StepServer) handleMount(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "node", nil)
	if raw == nil {
		return mcp.NewToolResultError("node is required"), nil
	}
	var node schema.NodeInstance
	if err := remarshal(raw, &node); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid node: %v", err)), nil
	}
	c, err := s.manager.Mount(node)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(c.State())
}

func (s *StepServer) handleOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.controller(req)
	if errResult != nil {
		return errResult, nil
	}
	state, err := c.Open(s.toolCtx(ctx, c))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(state)
}

func (s *StepServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.controller(req)
	if errResult != nil {
		return errResult, nil
	}
	values := mcp.ParseStringMap(req, "values", nil)
	if values == nil {
		return mcp.NewToolResultError("values is required"), nil
	}
	s.watch(ctx, c.Node().ID, req.GetString("agent_id", ""))

	runID, err := c.Submit(s.toolCtx(ctx, c), values)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "state": c.State()})
}

func (s *StepServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.controller(req)
	if errResult != nil {
		return errResult, nil
	}
	s.watch(ctx, c.Node().ID, req.GetString("agent_id", ""))
	runID, err := c.Run(s.toolCtx(ctx, c))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "state": c.State()})
}

func (s *StepServer) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.controller(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := c.Stop(s.toolCtx(ctx, c)); err != nil {
		return toolError(err), nil
	}
	return marshalResult(c.State())
}

func (s *StepServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.controller(req)
	if errResult != nil {
		return errResult, nil
	}
	return marshalResult(c.State())
}

func (s *StepServer) handleLastRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.controller(req)
	if errResult != nil {
		return errResult, nil
	}
	state := c.State()
	if state.Result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("node %q has no run result", state.NodeID)), nil
	}
	q := req.GetString("query", "")
	if q == "" {
		return marshalResult(state.Result)
	}
	out, err := s.jq.Project(ctx, q, state.Result)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(out)
}

func (s *StepServer) handleRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	pa, err := s.manager.Request(nodeID, schema.ActionType(action))
	if err != nil {
		return toolError(err), nil
	}
	if pa.Action == schema.ActionRun {
		s.watch(ctx, nodeID, req.GetString("agent_id", ""))
	}
	return marshalResult(pa)
}

// --- Helpers ---

func (s *StepServer) controller(req mcp.CallToolRequest) (*engine.Controller, *mcp.CallToolResult) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return nil, mcp.NewToolResultError("node_id is required")
	}
	c, ok := s.manager.Get(nodeID)
	if !ok {
		return nil, mcp.NewToolResultError(fmt.Sprintf("node %q is not mounted", nodeID))
	}
	return c, nil
}

func (s *StepServer) toolCtx(ctx context.Context, c *engine.Controller) context.Context {
	return logging.WithSource(logging.WithNodeID(ctx, c.Node().ID), "mcp")
}

// watch registers agentID for the next terminal event of nodeID and binds it
// to the caller's session.
func (s *StepServer) watch(ctx context.Context, nodeID, agentID string) {
	if agentID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
	s.watchers.add(nodeID, agentID)
}

func toolError(err error) *mcp.CallToolResult {
	if code := schema.ErrorCode(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", code, err))
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func remarshal(src any, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
