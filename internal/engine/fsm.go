package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/steprun/internal/streaming"
	"github.com/rendis/steprun/pkg/schema"
)

// ValidRunTransitions defines the allowed run status transitions. Idle and
// AwaitingParams may enter any non-running state directly; terminal states
// are re-entrant.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusIdle: {
		schema.RunStatusAwaitingParams, schema.RunStatusRunning, schema.RunStatusPaused,
		schema.RunStatusStopped, schema.RunStatusCompleted, schema.RunStatusFailed,
	},
	schema.RunStatusAwaitingParams: {
		schema.RunStatusIdle, schema.RunStatusRunning, schema.RunStatusPaused,
		schema.RunStatusStopped, schema.RunStatusCompleted, schema.RunStatusFailed,
	},
	schema.RunStatusRunning: {
		schema.RunStatusPaused, schema.RunStatusStopped, schema.RunStatusCompleted, schema.RunStatusFailed,
	},
	schema.RunStatusPaused: {
		schema.RunStatusIdle, schema.RunStatusRunning, schema.RunStatusStopped,
	},
	schema.RunStatusStopped:   {schema.RunStatusIdle, schema.RunStatusAwaitingParams, schema.RunStatusRunning},
	schema.RunStatusCompleted: {schema.RunStatusIdle, schema.RunStatusAwaitingParams, schema.RunStatusRunning},
	schema.RunStatusFailed:    {schema.RunStatusIdle, schema.RunStatusAwaitingParams, schema.RunStatusRunning},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

// Transition describes one status change to apply.
type Transition struct {
	NodeID  string
	RunID   string
	From    schema.RunStatus
	To      schema.RunStatus
	Payload any
}

// RunFSM validates run status transitions and publishes one event per
// transition on the hub.
type RunFSM struct {
	mu  sync.Mutex
	hub streaming.EventHub
}

// NewRunFSM creates a RunFSM publishing to hub. A nil hub publishes nothing.
func NewRunFSM(hub streaming.EventHub) *RunFSM {
	return &RunFSM{hub: hub}
}

// Apply validates and performs a transition. The caller owns the status
// value and stores tr.To only when Apply succeeds.
func (f *RunFSM) Apply(ctx context.Context, tr Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !CanTransition(tr.From, tr.To) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", tr.From, tr.To).
			WithNode(tr.NodeID).
			WithDetails(map[string]any{"from": string(tr.From), "to": string(tr.To)})
	}

	if eventType := runEventType(tr.From, tr.To); eventType != "" && f.hub != nil {
		// Publish only fails on a cancelled context; the transition still stands.
		_ = f.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
			NodeID:  tr.NodeID,
			RunID:   tr.RunID,
			Type:    eventType,
			Status:  tr.To,
			Payload: tr.Payload,
		})
	}
	return nil
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusAwaitingParams:
		return schema.EventParamsRequested
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusStopped:
		return schema.EventRunStopped
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusIdle:
		if from == schema.RunStatusPaused {
			return schema.EventRunResumed
		}
	}
	return ""
}
