// Package streaming fans run-lifecycle events out to subscribers such as the
// panel's SSE stream.
package streaming

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/steprun/pkg/schema"
)

// StreamEvent is a run-lifecycle event for one node.
type StreamEvent struct {
	NodeID    string           `json:"node_id"`
	RunID     string           `json:"run_id,omitempty"`
	Type      string           `json:"type"`
	Status    schema.RunStatus `json:"status,omitempty"`
	Payload   any              `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// With Replay set, the subscription starts with the latest status event of
// every matching node so a late subscriber sees current state.
type EventFilter struct {
	NodeID string   `json:"node_id,omitempty"`
	Types  []string `json:"types,omitempty"`
	Replay bool     `json:"replay,omitempty"`
}

func (f EventFilter) match(e StreamEvent) bool {
	if f.NodeID != "" && f.NodeID != e.NodeID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

// EventHub provides pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
