package forms

import (
	"maps"
	"slices"
	"strings"

	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/pkg/schema"
)

// fieldBuilder accumulates reference fields for one group, skipping
// environment references and duplicate selectors.
type fieldBuilder struct {
	graph  Graph
	seen   map[string]struct{}
	fields []schema.InputField
}

func newFieldBuilder(g Graph) *fieldBuilder {
	return &fieldBuilder{graph: g, seen: make(map[string]struct{})}
}

// selector adds a reference field for sel. Unknown output types become
// required text fields.
func (b *fieldBuilder) selector(sel []string) *fieldBuilder {
	return b.typed(sel, "")
}

// typed adds a reference field for sel, forcing ft when non-empty.
func (b *fieldBuilder) typed(sel []string, ft schema.FieldType) *fieldBuilder {
	if len(sel) < 2 || reference.IsEnvironment(sel) {
		return b
	}
	key := strings.Join(sel, ".")
	if _, dup := b.seen[key]; dup {
		return b
	}
	b.seen[key] = struct{}{}

	field := schema.InputField{
		Variable:      reference.Format(sel),
		Label:         referenceLabel(b.graph, sel),
		Type:          schema.FieldText,
		Required:      true,
		ValueSelector: append([]string(nil), sel...),
	}
	if out, ok := b.graph.Output(sel); ok {
		field.Type = FieldTypeFor(out)
		field.Options = append([]string(nil), out.Options...)
	}
	if ft != "" {
		field.Type = ft
	}
	b.fields = append(b.fields, field)
	return b
}

// templates adds reference fields for every {{#...#}} token in texts.
func (b *fieldBuilder) templates(texts ...string) *fieldBuilder {
	for _, sel := range reference.ExtractSelectors(texts...) {
		b.selector(sel)
	}
	return b
}

// plain adds a user-supplied field.
func (b *fieldBuilder) plain(f schema.InputField) *fieldBuilder {
	if _, dup := b.seen[f.Variable]; dup {
		return b
	}
	b.seen[f.Variable] = struct{}{}
	b.fields = append(b.fields, f)
	return b
}

// parameters adds fields for tool-style parameters, attaching declared
// schemas to reference fields that point at a parameter.
func (b *fieldBuilder) parameters(params map[string]ToolParameter, schemas []ParameterSchema) *fieldBuilder {
	for _, name := range slices.Sorted(maps.Keys(params)) {
		p := params[name]
		switch p.Type {
		case ParamVariable:
			sel := toSelector(p.Value)
			before := len(b.fields)
			b.selector(sel)
			if len(b.fields) > before {
				applyParameterSchema(&b.fields[len(b.fields)-1], name, schemas)
			}
		case ParamMixed:
			if s, ok := p.Value.(string); ok {
				b.templates(s)
			}
		}
	}
	return b
}

func (b *fieldBuilder) group(name string) []schema.FormGroup {
	if len(b.fields) == 0 {
		return nil
	}
	return []schema.FormGroup{{Name: name, Inputs: b.fields, Values: map[string]any{}}}
}

func applyParameterSchema(f *schema.InputField, name string, schemas []ParameterSchema) {
	for _, s := range schemas {
		if s.Name != name {
			continue
		}
		if s.Label != "" {
			f.Label.Text = s.Label
		}
		f.Required = s.Required
		if len(s.Schema) > 0 {
			f.Type = schema.FieldJSON
			f.Schema = append([]byte(nil), s.Schema...)
		} else if s.Type != "" {
			f.Type = FieldTypeFor(OutputVar{Type: s.Type})
		}
		return
	}
}

// toSelector accepts a selector as []string, []any or a "#a.b#" string.
func toSelector(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, seg := range s {
			str, ok := seg.(string)
			if !ok {
				return nil
			}
			out = append(out, str)
		}
		return out
	case string:
		sel, _ := reference.Parse(s)
		return sel
	}
	return nil
}
