// Package expressions provides the scripting engines available to guard
// conditions and transform steps: CEL, expr-lang and jq. Each engine caches
// compiled programs and is safe for concurrent use.
package expressions

import (
	"context"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Engine evaluates an expression against a scope built from execution state.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
}

// Guard expression prefixes. A guard string starting with one of these is
// routed to the matching engine; anything else is handled by the compact
// condition parser.
const (
	PrefixCEL  = "cel:"
	PrefixExpr = "expr:"
	PrefixJQ   = "jq:"
)

// IsScripted reports whether a guard string targets a scripting engine.
func IsScripted(s string) bool {
	return strings.HasPrefix(s, PrefixCEL) ||
		strings.HasPrefix(s, PrefixExpr) ||
		strings.HasPrefix(s, PrefixJQ)
}

// Evaluator bundles the three engines behind one guard-evaluation entry
// point.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *JQEngine
}

// NewEvaluator constructs all three engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewJQEngine(),
	}, nil
}

// JQ exposes the jq engine for transform steps.
func (ev *Evaluator) JQ() *JQEngine {
	return ev.jq
}

// EvaluateGuard routes a prefixed guard expression to its engine and
// coerces the result to a boolean.
func (ev *Evaluator) EvaluateGuard(ctx context.Context, guard string, scope map[string]any) (bool, error) {
	var (
		out any
		err error
	)
	switch {
	case strings.HasPrefix(guard, PrefixCEL):
		out, err = ev.cel.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(guard, PrefixCEL)), scope)
	case strings.HasPrefix(guard, PrefixExpr):
		out, err = ev.expr.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(guard, PrefixExpr)), scope)
	case strings.HasPrefix(guard, PrefixJQ):
		out, err = ev.jq.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(guard, PrefixJQ)), scope)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q has no engine prefix", guard)
	}
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Truthy converts an evaluation result to a boolean using jq-style rules:
// false and null are false, everything else is true, except that numbers
// equal to zero and empty strings are also false (guards comparing counts
// read more naturally that way).
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
