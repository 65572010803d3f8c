package forms

import (
	"reflect"
	"strings"
	"sync"

	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/pkg/schema"
)

// VarType is the declared value type of a node output variable.
type VarType string

const (
	VarString      VarType = "string"
	VarNumber      VarType = "number"
	VarBoolean     VarType = "boolean"
	VarObject      VarType = "object"
	VarSecret      VarType = "secret"
	VarFile        VarType = "file"
	VarArray       VarType = "array"
	VarArrayString VarType = "array[string]"
	VarArrayNumber VarType = "array[number]"
	VarArrayObject VarType = "array[object]"
	VarArrayFile   VarType = "array[file]"
)

// OutputVar describes a node output as seen by downstream nodes.
type OutputVar struct {
	Type        VarType  `json:"type" yaml:"type"`
	IsSelect    bool     `json:"is_select,omitempty" yaml:"is_select,omitempty"`
	IsParagraph bool     `json:"is_paragraph,omitempty" yaml:"is_paragraph,omitempty"`
	Options     []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Graph is the read view of the workflow graph that providers use to label
// and type reference fields.
type Graph interface {
	Node(id string) (schema.NodeInstance, bool)
	Output(selector []string) (OutputVar, bool)
}

type emptyGraph struct{}

func (emptyGraph) Node(string) (schema.NodeInstance, bool) { return schema.NodeInstance{}, false }
func (emptyGraph) Output([]string) (OutputVar, bool)       { return OutputVar{}, false }

// NodeGraph is the editable graph document: the node list the forms are
// derived from and the one synced as the draft before every run. Output
// types are read from each node's config "outputs" map (name -> type or
// {type, ...}). It is safe for concurrent use.
type NodeGraph struct {
	mu    sync.RWMutex
	nodes map[string]schema.NodeInstance
	order []string
}

// NewNodeGraph indexes nodes by ID. A later duplicate replaces an earlier one.
func NewNodeGraph(nodes []schema.NodeInstance) *NodeGraph {
	g := &NodeGraph{nodes: make(map[string]schema.NodeInstance, len(nodes))}
	for _, n := range nodes {
		g.putLocked(n)
	}
	return g
}

// Node implements Graph.
func (g *NodeGraph) Node(id string) (schema.NodeInstance, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes in insertion order.
func (g *NodeGraph) Nodes() []schema.NodeInstance {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]schema.NodeInstance, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// PutNode adds node or replaces the node with the same ID, and reports
// whether the document changed.
func (g *NodeGraph) PutNode(node schema.NodeInstance) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.nodes[node.ID]; ok && reflect.DeepEqual(old, node) {
		return false
	}
	g.putLocked(node)
	return true
}

func (g *NodeGraph) putLocked(n schema.NodeInstance) {
	if _, dup := g.nodes[n.ID]; !dup {
		g.order = append(g.order, n.ID)
	}
	g.nodes[n.ID] = n
}

// Output implements Graph. Nested selectors descend through "children" maps.
func (g *NodeGraph) Output(selector []string) (OutputVar, bool) {
	if len(selector) < 2 {
		return OutputVar{}, false
	}
	node, ok := g.Node(selector[0])
	if !ok {
		return OutputVar{}, false
	}
	current, ok := node.Config["outputs"].(map[string]any)
	if !ok {
		return OutputVar{}, false
	}
	var spec any
	for i, key := range selector[1:] {
		spec, ok = current[key]
		if !ok {
			return OutputVar{}, false
		}
		if i == len(selector)-2 {
			break
		}
		m, isMap := spec.(map[string]any)
		if !isMap {
			return OutputVar{}, false
		}
		current, ok = m["children"].(map[string]any)
		if !ok {
			return OutputVar{}, false
		}
	}
	return parseOutputVar(spec)
}

func parseOutputVar(spec any) (OutputVar, bool) {
	switch v := spec.(type) {
	case string:
		return OutputVar{Type: VarType(v)}, true
	case map[string]any:
		out := OutputVar{}
		if t, ok := v["type"].(string); ok {
			out.Type = VarType(t)
		}
		out.IsSelect, _ = v["is_select"].(bool)
		out.IsParagraph, _ = v["is_paragraph"].(bool)
		if opts, ok := v["options"].([]any); ok {
			for _, o := range opts {
				if s, ok := o.(string); ok {
					out.Options = append(out.Options, s)
				}
			}
		}
		return out, out.Type != ""
	}
	return OutputVar{}, false
}

// FieldTypeFor maps an output variable to the input field type used to enter it.
func FieldTypeFor(v OutputVar) schema.FieldType {
	switch {
	case v.IsSelect:
		return schema.FieldSelect
	case v.IsParagraph:
		return schema.FieldParagraph
	}
	switch v.Type {
	case VarNumber:
		return schema.FieldNumber
	case VarBoolean:
		return schema.FieldCheckbox
	case VarObject, VarArray, VarArrayString, VarArrayNumber, VarArrayObject:
		return schema.FieldJSON
	case VarFile:
		return schema.FieldSingleFile
	case VarArrayFile:
		return schema.FieldMultiFiles
	}
	return schema.FieldText
}

// referenceLabel builds the label of a reference field from the producing node.
func referenceLabel(g Graph, selector []string) schema.Label {
	label := schema.Label{
		Variable:  selector[len(selector)-1],
		IsChatVar: reference.IsConversation(selector),
	}
	if reference.IsSystem(selector) {
		label.Variable = strings.Join(selector, ".")
	}
	if n, ok := g.Node(selector[0]); ok {
		label.NodeType = n.Kind
		label.NodeName = n.Title
		if label.NodeName == "" {
			label.NodeName = n.ID
		}
	}
	return label
}
