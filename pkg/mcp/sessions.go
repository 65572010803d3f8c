package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps agent IDs to MCP session IDs. Agents are registered
// when they call a tool with an agent_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // agentID -> sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an agent with a session, replacing an older one.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session ID of a connected agent.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Remove forgets every agent bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}

// watchers tracks which agents want to hear about a node's runs.
type watchers struct {
	mu     sync.Mutex
	byNode map[string][]string
}

func newWatchers() *watchers {
	return &watchers{byNode: make(map[string][]string)}
}

func (w *watchers) add(nodeID, agentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !slices.Contains(w.byNode[nodeID], agentID) {
		w.byNode[nodeID] = append(w.byNode[nodeID], agentID)
	}
}

// take returns and clears the watchers of nodeID.
func (w *watchers) take(nodeID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	agents := w.byNode[nodeID]
	delete(w.byNode, nodeID)
	return agents
}
