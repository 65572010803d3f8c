package forms

import (
	"maps"

	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/pkg/schema"
)

// Partition is the outcome of filtering forms against known values.
// ResolvedValues is index-aligned with the input forms; FilteredForms holds
// only groups that still have missing inputs.
type Partition struct {
	ResolvedValues []map[string]any
	FilteredForms  []schema.FormGroup
}

// AutoRunnable reports whether nothing is left for the user to fill in.
func (p Partition) AutoRunnable() bool {
	return len(p.FilteredForms) == 0
}

// Merged flattens ResolvedValues into a single payload map. Later groups win
// on key collisions.
func (p Partition) Merged() map[string]any {
	out := make(map[string]any)
	for _, m := range p.ResolvedValues {
		maps.Copy(out, m)
	}
	return out
}

// Filter prunes already-known reference inputs out of forms.
type Filter struct {
	resolver *reference.Resolver
}

// NewFilter creates a Filter backed by resolver. A nil resolver resolves nothing.
func NewFilter(resolver *reference.Resolver) *Filter {
	return &Filter{resolver: resolver}
}

// Partition resolves every reference input and returns the reduced forms.
// The input forms are not modified.
func (f *Filter) Partition(forms []schema.FormGroup) Partition {
	out := Partition{
		ResolvedValues: make([]map[string]any, len(forms)),
		FilteredForms:  make([]schema.FormGroup, 0, len(forms)),
	}
	for i, group := range forms {
		resolved := make(map[string]any)
		for _, in := range group.Inputs {
			if !reference.IsReference(in.Variable) {
				continue
			}
			if v, ok := f.resolver.Resolve(in.Variable); ok {
				resolved[in.Variable] = v
			}
		}
		out.ResolvedValues[i] = resolved

		reduced := schema.FormGroup{Name: group.Name, Values: make(map[string]any)}
		for _, in := range group.Inputs {
			if _, known := resolved[in.Variable]; known {
				continue
			}
			reduced.Inputs = append(reduced.Inputs, in)
			if v, ok := group.Values[in.Variable]; ok {
				reduced.Values[in.Variable] = v
			}
		}
		if len(reduced.Inputs) > 0 {
			out.FilteredForms = append(out.FilteredForms, reduced)
		}
	}
	return out
}
