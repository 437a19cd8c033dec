package expressions

import "context"

// Engine evaluates expressions within SOP steps.
// Three implementations: CEL (completion criteria, routing rules),
// Expr (branch predicates), GoJQ (result extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
