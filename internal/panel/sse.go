package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/steprun/internal/streaming"
)

const sseKeepAlive = 25 * time.Second

// handleSSE streams run events. ?node_id= and a comma-separated ?types=
// narrow the stream; the current status of each matching node is sent
// first unless ?replay=false.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := streaming.EventFilter{NodeID: q.Get("node_id"), Replay: q.Get("replay") != "false"}
	if types := q.Get("types"); types != "" {
		filter.Types = strings.Split(types, ",")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	var seq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.deps.Logger.Warn("SSE encode failed", "type", event.Type, "error", err)
				continue
			}
			seq++
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, data)
			flusher.Flush()
		}
	}
}
