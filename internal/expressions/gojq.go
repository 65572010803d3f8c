package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"
	"github.com/rendis/steprun/pkg/schema"
)

// GoJQEngine projects run results with jq filters for the last-run view
// and the MCP last_run tool.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(filter string) error {
	_, err := e.code(filter)
	return err
}

// Evaluate applies filter to data. One output is returned bare, several are
// collected into a []any, and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, filter string, data map[string]any) (any, error) {
	code, err := e.code(filter)
	if err != nil {
		return nil, err
	}

	var outs []any
	iter := code.RunWithContext(ctx, data)
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, exprError(e.Name(), "evaluation", filter, err)
		}
		outs = append(outs, v)
	}
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0], nil
	}
	return outs, nil
}

// Project applies filter to a RunResult or any other JSON-encodable value.
// The value goes through encoding/json first so the filter sees plain maps
// and float64 numbers, exactly as a client reading the JSON would.
func (e *GoJQEngine) Project(ctx context.Context, filter string, v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "value is not JSON-encodable").WithCause(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "value must encode to a JSON object").WithCause(err)
	}
	return e.Evaluate(ctx, filter, doc)
}

func (e *GoJQEngine) code(filter string) (*gojq.Code, error) {
	return e.programs.get(e.Name(), filter, func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, exprError(e.Name(), "parse", src, err)
		}
		// No $ENV: filters arrive from HTTP and MCP clients.
		code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, exprError(e.Name(), "compile", src, err)
		}
		return code, nil
	})
}

var _ Engine = (*GoJQEngine)(nil)
