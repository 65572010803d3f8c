package panel

import (
	"context"
	"net/http"

	"github.com/rendis/steprun/internal/layout"
	"github.com/rendis/steprun/internal/streaming"
	"github.com/rendis/steprun/pkg/schema"
)

// layoutChanged publishes the new geometry of a panel and writes it back.
func (s *Server) layoutChanged(ctx context.Context, w http.ResponseWriter, key string, snap layout.Snapshot) {
	err := s.deps.Hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		Type:    schema.EventLayoutChanged,
		Payload: map[string]any{"key": key, "layout": snap},
	})
	if err != nil {
		s.deps.Logger.Warn("publish layout change", "key", key, "error", err)
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) panelLayout(w http.ResponseWriter, r *http.Request) (*layout.Layout, bool) {
	l, err := s.deps.Layouts.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		writeStepError(w, err)
		return nil, false
	}
	return l, true
}

func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	l, ok := s.panelLayout(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, l.Snapshot())
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Width int `json:"width"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Width <= 0 {
		writeError(w, http.StatusBadRequest, "width must be positive")
		return
	}
	l, ok := s.panelLayout(w, r)
	if !ok {
		return
	}
	s.layoutChanged(r.Context(), w, r.PathValue("key"), l.SetPreference(body.Width))
}

// handleViewport records system-driven size changes. These never touch the
// stored preference.
func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Viewport *int `json:"viewport"`
		Sibling  *int `json:"sibling"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, ok := s.panelLayout(w, r)
	if !ok {
		return
	}
	if body.Sibling != nil {
		l.SetSiblingWidth(*body.Sibling)
	}
	if body.Viewport != nil {
		l.SetViewport(*body.Viewport)
	}
	s.layoutChanged(r.Context(), w, r.PathValue("key"), l.Snapshot())
}

func (s *Server) handleDrag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phase string `json:"phase"`
		X     int    `json:"x"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, ok := s.panelLayout(w, r)
	if !ok {
		return
	}
	switch body.Phase {
	case "begin":
		l.BeginDrag(body.X)
		writeJSON(w, http.StatusOK, l.Snapshot())
	case "move":
		writeJSON(w, http.StatusOK, l.DragTo(body.X))
	case "end":
		if body.X != 0 {
			l.DragTo(body.X)
		}
		s.layoutChanged(r.Context(), w, r.PathValue("key"), l.EndDrag())
	case "cancel":
		s.layoutChanged(r.Context(), w, r.PathValue("key"), l.CancelDrag())
	default:
		writeError(w, http.StatusBadRequest, `phase must be "begin", "move", "end" or "cancel"`)
	}
}
