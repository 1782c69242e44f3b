package expressions

import "context"

// Engine evaluates expressions against a variable map.
// Implementations: Expr (conditions, default), CEL (conditions), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
