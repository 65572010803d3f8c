package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/steprun/internal/forms"
	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/pkg/schema"
)

// formsReport is what `steprun forms` prints.
type formsReport struct {
	Node        string             `yaml:"node"`
	Kind        schema.NodeKind    `yaml:"kind"`
	ConfigError string             `yaml:"config_error,omitempty"`
	AutoRun     bool               `yaml:"auto_run"`
	Resolved    map[string]any     `yaml:"resolved,omitempty"`
	Missing     []schema.FormGroup `yaml:"missing,omitempty"`
	AuxData     map[string]any     `yaml:"aux_data,omitempty"`
}

func formsCmd() *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "forms <graph.yaml>",
		Short: "Show which inputs a node still needs, given the graph's seeded values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			ids := []string{nodeID}
			if nodeID == "" {
				ids = ids[:0]
				for _, n := range g.Nodes {
					ids = append(ids, n.ID)
				}
			}

			registry := forms.NewDefaultRegistry()
			pctx := &forms.Context{Graph: g.nodeGraph(), ChatMode: g.ChatMode}
			filter := forms.NewFilter(reference.NewResolver(g.inspector()))

			reports := make([]formsReport, 0, len(ids))
			for _, id := range ids {
				node, ok := g.node(id)
				if !ok {
					return fmt.Errorf("node %q not found in %s", id, args[0])
				}
				reports = append(reports, buildReport(registry, filter, pctx, node))
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(reports)
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "only report this node")
	return cmd
}

func buildReport(registry *forms.Registry, filter *forms.Filter, pctx *forms.Context, node schema.NodeInstance) formsReport {
	r := formsReport{Node: node.ID, Kind: node.Kind}
	if err := registry.CheckConfig(node, pctx); err != nil {
		r.ConfigError = err.Error()
		return r
	}
	part := filter.Partition(registry.Forms(node, pctx))
	r.AutoRun = part.AutoRunnable()
	r.Resolved = part.Merged()
	r.Missing = part.FilteredForms
	r.AuxData = registry.AuxData(node, pctx)
	return r
}
