package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/steprun/internal/forms"
	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/pkg/schema"
)

// graphFile is the on-disk YAML form of a workflow graph:
//
//	id: support-bot
//	chat_mode: true
//	nodes:
//	  - id: start
//	    kind: start
//	    config: {...}
//	values:
//	  start:
//	    topic: golang
//
// values seeds the inspected-value store with outputs seen earlier.
type graphFile struct {
	ID       string                    `yaml:"id" json:"id"`
	ChatMode bool                      `yaml:"chat_mode,omitempty" json:"chat_mode,omitempty"`
	Nodes    []schema.NodeInstance     `yaml:"nodes" json:"nodes"`
	Values   map[string]map[string]any `yaml:"values,omitempty" json:"-"`

	doc *forms.NodeGraph
}

func loadGraph(path string) (*graphFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g graphFile
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if g.ID == "" {
		g.ID = "default"
	}
	seen := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%s: node %d has no id", path, i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("%s: duplicate node id %q", path, n.ID)
		}
		seen[n.ID] = true
		if !n.Kind.Valid() {
			return nil, fmt.Errorf("%s: node %q has unknown kind %q", path, n.ID, n.Kind)
		}
	}
	return &g, nil
}

func (g *graphFile) node(id string) (schema.NodeInstance, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return schema.NodeInstance{}, false
}

// nodeGraph returns the editable graph document seeded from the file. Nodes
// mounted later are written into the same document.
func (g *graphFile) nodeGraph() *forms.NodeGraph {
	if g.doc == nil {
		g.doc = forms.NewNodeGraph(g.Nodes)
	}
	return g.doc
}

func (g *graphFile) inspector() *reference.MemoryInspector {
	insp := reference.NewMemoryInspector()
	for nodeID, vals := range g.Values {
		insp.SetAll(nodeID, vals)
	}
	return insp
}

// draftSource renders the current graph document as the JSON draft synced
// before each run.
func (g *graphFile) draftSource() func(context.Context) (json.RawMessage, error) {
	return func(context.Context) (json.RawMessage, error) {
		return json.Marshal(graphFile{ID: g.ID, ChatMode: g.ChatMode, Nodes: g.nodeGraph().Nodes()})
	}
}
