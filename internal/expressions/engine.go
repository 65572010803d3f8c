// Package expressions compiles and evaluates the expression languages that
// node configurations embed: CEL for conditional branches, expr-lang for
// loop break conditions, and jq for projecting run results.
package expressions

import "context"

// Engine evaluates an expression against a data map.
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
