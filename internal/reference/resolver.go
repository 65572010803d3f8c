package reference

import "sync"

// InspectedValue is a value observed for a node's output variable.
type InspectedValue struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
	Value  any    `json:"value"`
}

// Inspector is the read side of the inspected-value store.
type Inspector interface {
	Get(nodeID, name string) (InspectedValue, bool)
}

// Resolver resolves references against an Inspector.
type Resolver struct {
	inspector Inspector
}

// NewResolver creates a Resolver over the given Inspector.
func NewResolver(inspector Inspector) *Resolver {
	return &Resolver{inspector: inspector}
}

// Resolve returns the value a reference points at and true, or nil and false
// when the reference is malformed, the entry is absent, or any path segment
// after the variable name cannot be traversed. A found entry whose value is
// nil resolves to nil. Resolve never panics.
func (r *Resolver) Resolve(ref string) (value any, ok bool) {
	if r == nil || r.inspector == nil {
		return nil, false
	}
	selector, valid := Parse(ref)
	if !valid {
		return nil, false
	}

	defer func() {
		if recover() != nil {
			value, ok = nil, false
		}
	}()

	entry, found := r.inspector.Get(selector[0], selector[1])
	if !found {
		return nil, false
	}
	return traverse(entry.Value, selector[2:])
}

// traverse descends through nested records. The first missing key or
// non-record value fails the whole lookup.
func traverse(root any, path []string) (any, bool) {
	current := root
	for _, key := range path {
		record, isRecord := current.(map[string]any)
		if !isRecord {
			return nil, false
		}
		next, exists := record[key]
		if !exists {
			return nil, false
		}
		current = next
	}
	return current, true
}

// MemoryInspector is an in-memory Inspector, safe for concurrent use.
type MemoryInspector struct {
	mu     sync.RWMutex
	values map[string]map[string]any
}

// NewMemoryInspector creates an empty MemoryInspector.
func NewMemoryInspector() *MemoryInspector {
	return &MemoryInspector{values: make(map[string]map[string]any)}
}

// Get implements Inspector.
func (m *MemoryInspector) Get(nodeID, name string) (InspectedValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vars, ok := m.values[nodeID]
	if !ok {
		return InspectedValue{}, false
	}
	v, ok := vars[name]
	if !ok {
		return InspectedValue{}, false
	}
	return InspectedValue{NodeID: nodeID, Name: name, Value: v}, true
}

// Set records a value for a node's variable.
func (m *MemoryInspector) Set(nodeID, name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vars, ok := m.values[nodeID]
	if !ok {
		vars = make(map[string]any)
		m.values[nodeID] = vars
	}
	vars[name] = value
}

// SetAll records every output of a node, as after a completed run.
func (m *MemoryInspector) SetAll(nodeID string, outputs map[string]any) {
	for name, v := range outputs {
		m.Set(nodeID, name, v)
	}
}

// ClearNode forgets all values observed for a node.
func (m *MemoryInspector) ClearNode(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, nodeID)
}

var _ Inspector = (*MemoryInspector)(nil)
