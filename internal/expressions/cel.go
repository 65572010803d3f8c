package expressions

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
)

// varSelection matches vars.<node>.<name> in a condition.
var varSelection = regexp.MustCompile(`\bvars\.([A-Za-z0-9_]+)\.([A-Za-z_][A-Za-z0-9_]*)`)

// CELEngine checks if-else branch conditions. A condition sees upstream
// outputs as vars: map(string, map(string, dyn)), keyed by node ID.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Compile(condition string) error {
	_, err := e.program(condition)
	return err
}

// Evaluate runs condition with data bound to vars. Selecting a node that is
// absent from data is an evaluation error.
func (e *CELEngine) Evaluate(_ context.Context, condition string, data map[string]any) (any, error) {
	prg, err := e.program(condition)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"vars": data})
	if err != nil {
		return nil, exprError(e.Name(), "evaluation", condition, err)
	}
	return out.Value(), nil
}

// References lists the [node, name] selectors condition reads, deduplicated,
// in order of first appearance. These become the branch node's inputs.
func (e *CELEngine) References(condition string) [][]string {
	var refs [][]string
	seen := make(map[[2]string]bool)
	for _, m := range varSelection.FindAllStringSubmatch(condition, -1) {
		k := [2]string{m[1], m[2]}
		if seen[k] {
			continue
		}
		seen[k] = true
		refs = append(refs, []string{m[1], m[2]})
	}
	return refs
}

func (e *CELEngine) program(condition string) (cel.Program, error) {
	return e.programs.get(e.Name(), condition, func(src string) (cel.Program, error) {
		ast, iss := e.env.Compile(src)
		if err := iss.Err(); err != nil {
			return nil, exprError(e.Name(), "compile", src, err)
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, exprError(e.Name(), "program", src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*CELEngine)(nil)
