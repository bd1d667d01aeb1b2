// Package conditions evaluates branching conditions against a snapshot of
// execution state. Evaluation is pure: no side effects, no errors — any
// malformed comparison fails closed to false so a bad condition can never
// crash a run.
package conditions

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// absent is the sentinel for an operand path that did not resolve.
// It is distinct from an explicit nil value stored in the context.
type absentValue struct{}

var absent = absentValue{}

// Evaluate resolves a single condition against the context snapshot.
//
// Policy for unresolvable left operands: every comparison operator yields
// false, except the IS_NULL / IS_EMPTY family which treats absent as
// null/empty and yields true.
func Evaluate(cond *schema.Condition, ctx map[string]any) bool {
	if cond == nil {
		return false
	}
	left := resolveOperand(cond.LeftOperand, ctx)
	right := resolveRight(cond.RightOperand, ctx)

	if _, missing := left.(absentValue); missing {
		switch cond.Operator {
		case schema.OpIsNull, schema.OpIsEmpty:
			return true
		default:
			return false
		}
	}

	switch cond.Operator {
	case schema.OpEquals:
		return looseEqual(left, right)
	case schema.OpNotEquals:
		return !looseEqual(left, right)
	case schema.OpGreaterThan:
		return compareNumeric(left, right, func(a, b float64) bool { return a > b })
	case schema.OpGreaterThanOrEqual:
		return compareNumeric(left, right, func(a, b float64) bool { return a >= b })
	case schema.OpLessThan:
		return compareNumeric(left, right, func(a, b float64) bool { return a < b })
	case schema.OpLessThanOrEqual:
		return compareNumeric(left, right, func(a, b float64) bool { return a <= b })
	case schema.OpContains:
		return contains(left, right)
	case schema.OpNotContains:
		return !contains(left, right)
	case schema.OpStartsWith:
		return strings.HasPrefix(stringify(left), stringify(right))
	case schema.OpEndsWith:
		return strings.HasSuffix(stringify(left), stringify(right))
	case schema.OpRegexMatch:
		// Search semantics: the pattern may match anywhere in the value.
		re, err := regexp.Compile(stringify(right))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(left))
	case schema.OpIn:
		return contains(right, left)
	case schema.OpNotIn:
		return !contains(right, left)
	case schema.OpIsNull:
		return left == nil
	case schema.OpIsNotNull:
		return left != nil
	case schema.OpIsEmpty:
		return isEmpty(left)
	case schema.OpIsNotEmpty:
		return !isEmpty(left)
	default:
		return false
	}
}

// EvaluateExpression combines the expression's conditions under its logical
// operator (default and). Evaluation short-circuits: and stops at the first
// false condition, or at the first true one. An expression with no
// conditions is vacuously true.
func EvaluateExpression(expr *schema.ConditionalExpression, ctx map[string]any) bool {
	if expr == nil || len(expr.Conditions) == 0 {
		return true
	}
	op := expr.LogicalOperator
	if op == "" {
		op = schema.LogicalAnd
	}
	switch op {
	case schema.LogicalOr:
		for i := range expr.Conditions {
			if Evaluate(&expr.Conditions[i], ctx) {
				return true
			}
		}
		return false
	default:
		for i := range expr.Conditions {
			if !Evaluate(&expr.Conditions[i], ctx) {
				return false
			}
		}
		return true
	}
}

// resolveOperand walks a dotted path through nested maps in the context.
func resolveOperand(path string, ctx map[string]any) any {
	if path == "" {
		return absent
	}
	var current any = ctx
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return absent
		}
		current, ok = m[segment]
		if !ok {
			return absent
		}
	}
	return current
}

// resolveRight treats a dotted string right operand as a path when it
// resolves in the context, otherwise as a literal.
func resolveRight(operand any, ctx map[string]any) any {
	s, ok := operand.(string)
	if !ok || !strings.Contains(s, ".") {
		return operand
	}
	v := resolveOperand(s, ctx)
	if _, missing := v.(absentValue); !missing {
		return v
	}
	return operand
}

// looseEqual compares across numeric types (3 == 3.0) and falls back to
// deep equality for composites.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// compareNumeric applies an ordering predicate; non-numeric operands fail
// closed.
func compareNumeric(a, b any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// contains handles string containment, slice membership and map keys.
func contains(container, element any) bool {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, stringify(element))
	case []any:
		for _, item := range c {
			if looseEqual(item, element) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range c {
			if item == stringify(element) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := c[stringify(element)]
		return ok
	default:
		return false
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
