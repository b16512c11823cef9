// Package expressions evaluates edge guards, condition nodes, and output
// selectors. Three engines: Expr (default condition language), CEL
// (alternate condition language), GoJQ (output transforms).
package expressions

import (
	"context"

	"github.com/rendis/chainflow/pkg/schema"
)

// Engine evaluates expressions against the execution's working variables.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Evaluator routes an expression to the engine selected by language.
type Evaluator struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewEvaluator builds an Evaluator with all engines ready. The CEL engine
// can fail to initialize; condition evaluation then rejects "cel" expressions.
func NewEvaluator() *Evaluator {
	celEngine, _ := NewCELEngine()
	return &Evaluator{
		expr: NewExprEngine(),
		cel:  celEngine,
		jq:   NewGoJQEngine(),
	}
}

// EvalCondition evaluates a boolean expression in the given language
// ("expr" default, or "cel") and coerces the result to bool. Non-boolean
// results are a validation error: conditions must be predicates.
func (ev *Evaluator) EvalCondition(ctx context.Context, expression, language string, data map[string]any) (bool, error) {
	var out any
	var err error

	switch language {
	case "", "expr":
		out, err = ev.expr.Evaluate(ctx, expression, data)
	case "cel":
		if ev.cel == nil {
			return false, schema.NewError(schema.ErrCodeValidation, "cel engine not available")
		}
		out, err = ev.cel.Evaluate(ctx, expression, data)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language: %s", language)
	}
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q evaluated to %T, want bool", expression, out)
	}
	return b, nil
}

// Select applies a jq output selector to a node's raw output.
func (ev *Evaluator) Select(ctx context.Context, selector string, data map[string]any) (any, error) {
	return ev.jq.Evaluate(ctx, selector, data)
}
