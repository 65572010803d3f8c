package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine checks and runs loop break conditions written in expr-lang.
// Undefined identifiers compile, so a condition over loop variables can be
// validated before the loop has produced any.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Compile(condition string) error {
	_, err := e.program(condition)
	return err
}

func (e *ExprEngine) Evaluate(_ context.Context, condition string, data map[string]any) (any, error) {
	prg, err := e.program(condition)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, exprError(e.Name(), "evaluation", condition, err)
	}
	return out, nil
}

func (e *ExprEngine) program(condition string) (*vm.Program, error) {
	return e.programs.get(e.Name(), condition, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, exprError(e.Name(), "compile", src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)
