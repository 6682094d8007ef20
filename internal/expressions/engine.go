package expressions

import (
	"context"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// Engine evaluates expressions within workflow steps.
// Three implementations: Expr (default condition logic), CEL (alternate
// condition logic), GoJQ (result queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// NewConditionEngine builds the engine selected for condition steps.
// Recognized names: "expr" (default when empty) and "cel".
func NewConditionEngine(name string) (Engine, error) {
	switch name {
	case "", "expr":
		return NewExprEngine(), nil
	case "cel":
		return NewCELEngine()
	default:
		return nil, flow.NewErrorf(flow.ErrCodeValidation,
			"unknown condition engine %q: must be expr or cel", name)
	}
}

// AsBool coerces an engine result to a condition outcome. Condition
// expressions must produce a boolean; anything else is an evaluation error.
func AsBool(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, flow.NewErrorf(flow.ErrCodeExpression,
		"condition result is %T, want bool", v)
}
