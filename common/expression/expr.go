package expression

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// ExprEngine is an implementation of the expr-lang an expression engine.
type ExprEngine struct {
}

func trim(exp string) string {
	return strings.TrimPrefix(strings.TrimSpace(exp), "=")
}

// Eval compiles and runs an expression against vars.
// An empty expression evaluates to nil.  A leading "=" is ignored.
// Compilation errors are fatal to the workflow, evaluation errors are not.
func (e *ExprEngine) Eval(_ context.Context, exp string, vars map[string]interface{}) (interface{}, error) {
	exp = trim(exp)
	if len(exp) == 0 {
		return nil, nil
	}
	ex, err := expr.Compile(exp)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", &errors2.ErrWorkflowFatal{Err: err})
	}

	res, err := expr.Run(ex, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}

	return res, nil
}

// Check parses an expression without running it.
func (e *ExprEngine) Check(_ context.Context, exp string) error {
	exp = trim(exp)
	if len(exp) == 0 {
		return nil
	}
	if _, err := parser.Parse(exp); err != nil {
		return fmt.Errorf("parse expression %q: %w", exp, err)
	}
	return nil
}

// GetVariables returns every identifier referenced by an expression.
func (e *ExprEngine) GetVariables(_ context.Context, exp string) ([]Variable, error) {
	exp = trim(exp)
	if len(exp) == 0 {
		return nil, nil
	}
	c, err := parser.Parse(exp)
	if err != nil {
		return nil, fmt.Errorf("get variables failed to parse expression %w", err)
	}

	g := &exprVariableWalker{v: make([]Variable, 0)}
	ast.Walk(&c.Node, g)
	return g.v, nil
}

type exprVariableWalker struct {
	v []Variable
}

// Visit is called from the visitor to iterate all IdentifierNode types
func (w *exprVariableWalker) Visit(n *ast.Node) {
	if t, ok := (*n).(*ast.IdentifierNode); ok {
		w.v = append(w.v, Variable{Name: t.Value})
	}
}
