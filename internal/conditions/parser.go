package conditions

import (
	"strconv"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// operatorTokens maps the textual operator forms accepted by
// ParseConditionString onto the closed operator set.
var operatorTokens = map[string]schema.ConditionOperator{
	"==":           schema.OpEquals,
	"!=":           schema.OpNotEquals,
	">":            schema.OpGreaterThan,
	">=":           schema.OpGreaterThanOrEqual,
	"<":            schema.OpLessThan,
	"<=":           schema.OpLessThanOrEqual,
	"contains":     schema.OpContains,
	"not_contains": schema.OpNotContains,
	"starts_with":  schema.OpStartsWith,
	"ends_with":    schema.OpEndsWith,
	"regex_match":  schema.OpRegexMatch,
	"in":           schema.OpIn,
	"not_in":       schema.OpNotIn,
	"is_null":      schema.OpIsNull,
	"is_not_null":  schema.OpIsNotNull,
	"is_empty":     schema.OpIsEmpty,
	"is_not_empty": schema.OpIsNotEmpty,
}

// unaryOperators take no right operand.
var unaryOperators = map[schema.ConditionOperator]bool{
	schema.OpIsNull:     true,
	schema.OpIsNotNull:  true,
	schema.OpIsEmpty:    true,
	schema.OpIsNotEmpty: true,
}

// ParseConditionString parses the compact textual condition form:
//
//	"extract.count > 5"
//	"status == approved"
//	"result.error is_null"
//
// The left operand is always a dotted path; the right operand is parsed as
// a literal (bool, null, number, quoted or bare string).
func ParseConditionString(s string) (*schema.Condition, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q must be '<path> <operator> [value]'", s)
	}

	op, ok := operatorTokens[fields[1]]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator %q in %q", fields[1], s)
	}

	cond := &schema.Condition{
		LeftOperand: fields[0],
		Operator:    op,
	}

	if unaryOperators[op] {
		if len(fields) > 2 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"operator %q takes no value in %q", fields[1], s)
		}
		return cond, nil
	}

	if len(fields) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"operator %q requires a value in %q", fields[1], s)
	}
	cond.RightOperand = parseLiteral(strings.Join(fields[2:], " "))
	return cond, nil
}

// parseLiteral interprets the right-hand side of a textual condition.
func parseLiteral(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') ||
			(raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return raw[1 : len(raw)-1]
		}
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
