package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steprun/internal/streaming"
	"github.com/rendis/steprun/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier with MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier over the given server and sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session. It is best-effort and
// returns nil when the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// terminalEvents end a run and are forwarded to watching agents.
var terminalEvents = []string{schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunStopped}

// Watch forwards terminal run events to the agents that requested the run.
// It blocks until ctx is cancelled.
func (s *StepServer) Watch(ctx context.Context) error {
	if s.hub == nil {
		<-ctx.Done()
		return nil
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{Types: terminalEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.forward(ctx, ev)
		}
	}
}

func (s *StepServer) forward(ctx context.Context, ev streaming.StreamEvent) {
	for _, agentID := range s.watchers.take(ev.NodeID) {
		payload := map[string]any{
			"level":  "info",
			"logger": "steprun",
			"data": map[string]any{
				"node_id": ev.NodeID,
				"run_id":  ev.RunID,
				"event":   ev.Type,
				"status":  ev.Status,
			},
		}
		if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
			s.logger.Warn("notify agent", slog.String("agent_id", agentID), slog.String("error", err.Error()))
		}
	}
}
