package engine

import (
	"sort"
	"sync"

	"github.com/rendis/steprun/pkg/schema"
)

// Manager mounts one Controller per open node and routes pending actions to
// them through the shared PendingSlot.
type Manager struct {
	deps Deps

	mu          sync.Mutex
	controllers map[string]*Controller
	closed      bool
}

// NewManager creates a Manager. Missing collaborators get defaults.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:        deps.withDefaults(),
		controllers: make(map[string]*Controller),
	}
}

// Mount returns the controller for node, creating it on first mount. A
// remount refreshes the node definition and keeps the run state. The
// definition is written to the graph document before any run can use it.
func (m *Manager) Mount(node schema.NodeInstance) (*Controller, error) {
	if node.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "node id is required")
	}
	if !node.Kind.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", node.Kind).WithNode(node.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolShutdown
	}
	if m.deps.Graph != nil && m.deps.Graph.PutNode(node) {
		if dm, ok := m.deps.Syncer.(dirtyMarker); ok {
			dm.MarkDirty()
		}
	}
	if c, ok := m.controllers[node.ID]; ok {
		c.setNode(node)
		return c, nil
	}
	c := newController(node, m.deps)
	m.controllers[node.ID] = c
	go c.watchPending()
	return c, nil
}

// Get returns the mounted controller for nodeID.
func (m *Manager) Get(nodeID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[nodeID]
	return c, ok
}

// Unmount stops the node's controller and forgets it.
func (m *Manager) Unmount(nodeID string) bool {
	m.mu.Lock()
	c, ok := m.controllers[nodeID]
	delete(m.controllers, nodeID)
	m.mu.Unlock()
	if ok {
		c.close()
		if f, canForget := m.deps.Hub.(interface{ Forget(string) }); canForget {
			f.Forget(nodeID)
		}
	}
	return ok
}

// Mounted lists the mounted node IDs, sorted.
func (m *Manager) Mounted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.controllers))
	for id := range m.controllers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Request places a run or stop request for nodeID in the pending slot,
// replacing any unclaimed request. The node's controller claims it once
// mounted.
func (m *Manager) Request(nodeID string, action schema.ActionType) (schema.PendingAction, error) {
	if nodeID == "" {
		return schema.PendingAction{}, schema.NewError(schema.ErrCodeValidation, "node id is required")
	}
	if action != schema.ActionRun && action != schema.ActionStop {
		return schema.PendingAction{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown action %q", action)
	}
	return m.deps.Pending.Set(nodeID, action), nil
}

// Pending exposes the shared slot.
func (m *Manager) Pending() *PendingSlot {
	return m.deps.Pending
}

// Metrics returns the run pool counters.
func (m *Manager) Metrics() PoolMetrics {
	return m.deps.Pool.Metrics()
}

// Close unmounts every controller and drains the run pool.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	controllers := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		c.close()
	}
	m.deps.Pool.Shutdown()
}
