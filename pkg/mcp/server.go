// Package mcp exposes the single-step run controller to agents as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steprun/internal/engine"
	"github.com/rendis/steprun/internal/expressions"
	"github.com/rendis/steprun/internal/streaming"
)

// ServerDeps holds the dependencies of a StepServer.
type ServerDeps struct {
	Manager *engine.Manager
	Hub     streaming.EventHub
	JQ      *expressions.GoJQEngine
	Version string
	Logger  *slog.Logger
}

// StepServer wraps an MCP server with the run-control tools.
type StepServer struct {
	manager   *engine.Manager
	hub       streaming.EventHub
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	sessions  *SessionRegistry
	watchers  *watchers
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewStepServer creates a StepServer with every tool registered.
func NewStepServer(deps ServerDeps) *StepServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &StepServer{
		manager:  deps.Manager,
		hub:      deps.Hub,
		jq:       deps.JQ,
		logger:   logger.With(slog.String("component", "mcp")),
		sessions: NewSessionRegistry(),
		watchers: newWatchers(),
	}

	mcpSrv := server.NewMCPServer(
		"steprun",
		deps.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("steprun runs a single workflow node in isolation. Mount a node with steprun.mount, "+
			"open it with steprun.open to see which inputs are still missing, supply them with steprun.submit, "+
			"and inspect the outcome with steprun.status or steprun.last_run. steprun.request queues a run or stop "+
			"for a node that another client has open."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler returns an HTTP handler serving the MCP SSE transport. Agents
// connected this way receive run notifications.
func (s *StepServer) SSEHandler(baseURL string) http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}
