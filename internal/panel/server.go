// Package panel serves the debug panel over HTTP: node mounting, the run
// life cycle, last-run inspection, panel layout and an SSE event stream.
package panel

import (
	"log/slog"
	"net/http"

	"github.com/rendis/steprun/internal/engine"
	"github.com/rendis/steprun/internal/expressions"
	"github.com/rendis/steprun/internal/layout"
	"github.com/rendis/steprun/internal/streaming"
)

// Deps holds the collaborators of the panel server.
type Deps struct {
	Manager *engine.Manager
	Hub     streaming.EventHub
	Layouts *layout.Registry
	JQ      *expressions.GoJQEngine
	Logger  *slog.Logger
}

// Server is the panel HTTP surface.
type Server struct {
	deps Deps
}

// NewServer creates a Server. Manager is required; other nil collaborators
// get in-memory defaults.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With(slog.String("component", "panel"))
	if deps.Hub == nil {
		deps.Hub = streaming.NewMemoryHub()
	}
	if deps.Layouts == nil {
		deps.Layouts = layout.NewRegistry(layout.Config{}, nil, deps.Logger)
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Nodes.
	mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	mux.HandleFunc("POST /api/nodes", s.handleMount)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.handleUnmount)
	mux.HandleFunc("GET /api/nodes/{id}", s.handleState)
	mux.HandleFunc("POST /api/nodes/{id}/open", s.handleOpen)
	mux.HandleFunc("POST /api/nodes/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /api/nodes/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/nodes/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/nodes/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/nodes/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /api/nodes/{id}/last-run", s.handleLastRun)

	// Cross-component run/stop requests.
	mux.HandleFunc("GET /api/pending", s.handlePeekPending)
	mux.HandleFunc("POST /api/pending", s.handleRequestPending)

	// Layout.
	mux.HandleFunc("GET /api/layout/{key}", s.handleGetLayout)
	mux.HandleFunc("PUT /api/layout/{key}", s.handleSetPreference)
	mux.HandleFunc("POST /api/layout/{key}/viewport", s.handleViewport)
	mux.HandleFunc("POST /api/layout/{key}/drag", s.handleDrag)

	// SSE.
	mux.HandleFunc("GET /sse/events", s.handleSSE)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"mounted": len(s.deps.Manager.Mounted()),
		"pool":    s.deps.Manager.Metrics(),
	})
}
