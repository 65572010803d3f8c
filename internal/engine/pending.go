package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/steprun/pkg/schema"
)

// PendingSlot is a process-wide single-entry request channel. It is not a
// queue: Set replaces any unclaimed action, and Take is destructive.
// Writers never block.
type PendingSlot struct {
	mu      sync.Mutex
	current *schema.PendingAction
	changed chan struct{}
}

// NewPendingSlot creates an empty slot.
func NewPendingSlot() *PendingSlot {
	return &PendingSlot{changed: make(chan struct{})}
}

// Set stores an action for nodeID, discarding any previous unclaimed one,
// and wakes observers.
func (s *PendingSlot) Set(nodeID string, action schema.ActionType) schema.PendingAction {
	pa := schema.PendingAction{ID: uuid.NewString(), NodeID: nodeID, Action: action}

	s.mu.Lock()
	s.current = &pa
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	return pa
}

// Take claims and clears the action when it is addressed to nodeID.
func (s *PendingSlot) Take(nodeID string) (schema.PendingAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.NodeID != nodeID {
		return schema.PendingAction{}, false
	}
	pa := *s.current
	s.current = nil
	return pa, true
}

// Peek returns the unclaimed action without claiming it.
func (s *PendingSlot) Peek() (schema.PendingAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return schema.PendingAction{}, false
	}
	return *s.current, true
}

// Changed returns a channel closed on the next Set. Grab it before calling
// Take so no Set is missed in between.
func (s *PendingSlot) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}
