package expression

import (
	"context"
	"fmt"

	"gitlab.com/shar-workflow/taskflow/common/logx"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// Variable contains metadata about a variable.
type Variable struct {
	Name string
}

// Engine represents an expression engine implementation.
type Engine interface {
	// Eval evaluates an expression given a set of variables and returns a generic type.
	Eval(ctx context.Context, expr string, vars map[string]interface{}) (interface{}, error)
	// Check reports whether an expression is syntactically valid.
	Check(ctx context.Context, expr string) error
	// GetVariables returns a list of variables mentioned in an expression
	GetVariables(ctx context.Context, expr string) ([]Variable, error)
}

func recovered(ctx context.Context, exp string, r any) error {
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	return logx.Err(ctx, "panic: evaluate expression", &errors2.ErrWorkflowFatal{Err: err}, "expression", exp)
}

// Eval evaluates an expression given a set of variables and returns a generic type.
func Eval[T any](ctx context.Context, eng Engine, exp string, vars map[string]interface{}) (retval T, reterr error) { //nolint:ireturn
	defer func() {
		if r := recover(); r != nil {
			retval = *new(T)
			reterr = recovered(ctx, exp, r)
		}
	}()
	res, err := eng.Eval(ctx, exp, vars)
	if err != nil {
		return *new(T), fmt.Errorf("evaluate expression: %w", err)
	}
	v, ok := res.(T)
	if !ok {
		return *new(T), fmt.Errorf("expression %q returned %T, not %T", exp, res, *new(T))
	}
	return v, nil
}

// Condition evaluates a guard expression.  An empty expression is true.
func Condition(ctx context.Context, eng Engine, exp string, vars map[string]interface{}) (bool, error) {
	if trim(exp) == "" {
		return true, nil
	}
	return Eval[bool](ctx, eng, exp, vars)
}

// GetVariables returns a list of variables mentioned in an expression
func GetVariables(ctx context.Context, eng Engine, exp string) ([]Variable, error) {
	res, err := eng.GetVariables(ctx, exp)
	if err != nil {
		return nil, fmt.Errorf("get expression variables: %w", err)
	}
	return res, nil
}
