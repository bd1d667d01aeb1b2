package schema

// ConditionOperator is the closed set of comparison operators understood by
// the condition evaluator. Values match the compact textual condition form.
type ConditionOperator string

const (
	OpEquals             ConditionOperator = "=="
	OpNotEquals          ConditionOperator = "!="
	OpGreaterThan        ConditionOperator = ">"
	OpGreaterThanOrEqual ConditionOperator = ">="
	OpLessThan           ConditionOperator = "<"
	OpLessThanOrEqual    ConditionOperator = "<="
	OpContains           ConditionOperator = "contains"
	OpNotContains        ConditionOperator = "not_contains"
	OpStartsWith         ConditionOperator = "starts_with"
	OpEndsWith           ConditionOperator = "ends_with"
	OpRegexMatch         ConditionOperator = "regex_match"
	OpIn                 ConditionOperator = "in"
	OpNotIn              ConditionOperator = "not_in"
	OpIsNull             ConditionOperator = "is_null"
	OpIsNotNull          ConditionOperator = "is_not_null"
	OpIsEmpty            ConditionOperator = "is_empty"
	OpIsNotEmpty         ConditionOperator = "is_not_empty"
)

// LogicalOperator combines conditions within a ConditionalExpression.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// Condition is a single comparison. LeftOperand is a dotted path into the
// condition context ("step1.output.count"); RightOperand is a literal or
// another dotted path.
type Condition struct {
	LeftOperand  string            `json:"left_operand"`
	Operator     ConditionOperator `json:"operator"`
	RightOperand any               `json:"right_operand,omitempty"`
	Description  string            `json:"description,omitempty"`
}

// ConditionalExpression combines conditions with a logical operator.
// Evaluation short-circuits: and stops at the first false, or at the
// first true.
type ConditionalExpression struct {
	Conditions      []Condition     `json:"conditions"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty"`
}
