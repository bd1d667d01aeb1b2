package conditions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func TestParseConditionString_Binary(t *testing.T) {
	c, err := ParseConditionString("extract.count > 5")
	require.NoError(t, err)
	assert.Equal(t, "extract.count", c.LeftOperand)
	assert.Equal(t, schema.OpGreaterThan, c.Operator)
	assert.Equal(t, 5, c.RightOperand)
}

func TestParseConditionString_Unary(t *testing.T) {
	c, err := ParseConditionString("result.error is_null")
	require.NoError(t, err)
	assert.Equal(t, schema.OpIsNull, c.Operator)
	assert.Nil(t, c.RightOperand)

	_, err = ParseConditionString("result.error is_null extra")
	assert.Error(t, err)
}

func TestParseConditionString_Literals(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"x == true", true},
		{"x == false", false},
		{"x == null", nil},
		{"x == 42", 42},
		{"x == 3.14", 3.14},
		{"x == 'quoted value'", "quoted value"},
		{`x == "two words"`, "two words"},
		{"x == bare", "bare"},
	}
	for _, tc := range cases {
		c, err := ParseConditionString(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, c.RightOperand, tc.in)
	}
}

func TestParseConditionString_Errors(t *testing.T) {
	_, err := ParseConditionString("lonely")
	assert.Error(t, err)

	_, err = ParseConditionString("a.b ~~ c")
	assert.Error(t, err)

	_, err = ParseConditionString("a.b ==")
	assert.Error(t, err)
}

func TestParseThenEvaluate(t *testing.T) {
	ctx := map[string]any{
		"extract": map[string]any{"count": 7},
	}
	c, err := ParseConditionString("extract.count >= 7")
	require.NoError(t, err)
	assert.True(t, Evaluate(c, ctx))
}
