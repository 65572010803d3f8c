package panel

import (
	"context"
	"net/http"

	"github.com/rendis/steprun/internal/engine"
	"github.com/rendis/steprun/internal/logging"
	"github.com/rendis/steprun/pkg/schema"
)

// runAccepted is returned when a run was started or replayed.
type runAccepted struct {
	RunID string       `json:"run_id,omitempty"`
	State engine.State `json:"state"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Manager.Mounted()
	states := make([]engine.State, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.deps.Manager.Get(id); ok {
			states = append(states, c.State())
		}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	var node schema.NodeInstance
	if err := decodeBody(r, &node); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.deps.Manager.Mount(node)
	if err != nil {
		writeStepError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c.State())
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Manager.Unmount(id) {
		writeStepError(w, schema.NewErrorf(schema.ErrCodeNotFound, "node %q is not mounted", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.State())
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	ctx := logging.WithSource(logging.WithNodeID(r.Context(), c.Node().ID), "panel")
	state, err := c.Open(ctx)
	if err != nil {
		writeStepError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	var body struct {
		Values map[string]any `json:"values"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := logging.WithSource(logging.WithNodeID(r.Context(), c.Node().ID), "panel")
	runID, err := c.Submit(ctx, body.Values)
	if err != nil {
		writeStepError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runAccepted{RunID: runID, State: c.State()})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	ctx := logging.WithSource(logging.WithNodeID(r.Context(), c.Node().ID), "panel")
	runID, err := c.Run(ctx)
	if err != nil {
		writeStepError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runAccepted{RunID: runID, State: c.State()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, (*engine.Controller).Stop)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, (*engine.Controller).Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, (*engine.Controller).Resume)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(*engine.Controller, context.Context) error) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	ctx := logging.WithSource(logging.WithNodeID(r.Context(), c.Node().ID), "panel")
	if err := op(c, ctx); err != nil {
		writeStepError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.State())
}

// handleLastRun returns the last run result, optionally projected through a
// jq filter given as ?q=.
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	state := c.State()
	if state.Result == nil {
		writeStepError(w, schema.NewErrorf(schema.ErrCodeNotFound, "node %q has no run result", state.NodeID))
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusOK, state.Result)
		return
	}
	out, err := s.deps.JQ.Project(r.Context(), q, state.Result)
	if err != nil {
		writeStepError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePeekPending(w http.ResponseWriter, _ *http.Request) {
	pa, ok := s.deps.Manager.Pending().Peek()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

func (s *Server) handleRequestPending(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID string            `json:"node_id"`
		Action schema.ActionType `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pa, err := s.deps.Manager.Request(body.NodeID, body.Action)
	if err != nil {
		writeStepError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pa)
}
