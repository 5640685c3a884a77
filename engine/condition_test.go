package engine

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestExpressionEvalBool(t *testing.T) {
	scope := NewVariableContextFromMap(map[string]any{
		"reviewResult": "approved",
		"retries":      float64(2),
		"urgent":       true,
	})

	cases := []struct {
		src  string
		want bool
	}{
		{`reviewResult == "approved"`, true},
		{`reviewResult == "rejected"`, false},
		{`retries > 1`, true},
		{`urgent`, true},
		{`retries > 1 && !urgent`, false},
	}
	for _, c := range cases {
		expr, err := parseExpression(c.src)
		require.NoError(t, err, c.src)
		got, err := expr.evalBool(scope)
		require.NoError(t, err, c.src)
		require.Equal(t, c.want, got, c.src)
	}
}

func TestExpressionEvalString(t *testing.T) {
	scope := NewVariableContextFromMap(map[string]any{
		"prId":    "pr-42",
		"account": map[string]any{"id": "acc-1"},
		"orderNo": float64(1001),
	})

	// 相关键支持嵌套字段访问,数字会转成字符串
	expr, err := parseExpression("prId")
	require.NoError(t, err)
	got, err := expr.evalString(scope)
	require.NoError(t, err)
	require.Equal(t, "pr-42", got)

	expr, err = parseExpression("account.id")
	require.NoError(t, err)
	got, err = expr.evalString(scope)
	require.NoError(t, err)
	require.Equal(t, "acc-1", got)

	expr, err = parseExpression("orderNo")
	require.NoError(t, err)
	got, err = expr.evalString(scope)
	require.NoError(t, err)
	require.Equal(t, "1001", got)
}

func TestExpressionEvalList(t *testing.T) {
	scope := NewVariableContextFromMap(map[string]any{
		"shards": []any{"s0", "s1", "s2"},
	})

	expr, err := parseExpression("shards")
	require.NoError(t, err)
	items, err := expr.evalList(scope)
	require.NoError(t, err)
	require.Equal(t, []any{"s0", "s1", "s2"}, items)
}

func TestExpressionErrors(t *testing.T) {
	t.Run("空表达式", func(t *testing.T) {
		_, err := parseExpression("")
		require.True(t, errors.Is(errors.Cause(err), ErrExpressionInvalid))
	})

	t.Run("语法错误", func(t *testing.T) {
		_, err := parseExpression(`reviewResult ==`)
		require.True(t, errors.Is(errors.Cause(err), ErrExpressionInvalid))
	})

	t.Run("引用未定义变量", func(t *testing.T) {
		expr, err := parseExpression("missing > 1")
		require.NoError(t, err)
		_, err = expr.evalBool(NewVariableContextFromMap(nil))
		require.True(t, errors.Is(errors.Cause(err), ErrExpressionInvalid))
	})

	t.Run("类型不是布尔", func(t *testing.T) {
		expr, err := parseExpression("prId")
		require.NoError(t, err)
		_, err = expr.evalBool(NewVariableContextFromMap(map[string]any{"prId": "pr-42"}))
		require.True(t, errors.Is(errors.Cause(err), ErrExpressionInvalid))
	})
}

func TestExpressionChildScope(t *testing.T) {
	root := NewVariableContextFromMap(map[string]any{"threshold": float64(10)})
	child := root.NewChildScope(map[string]any{"item": float64(12)})

	// 子作用域求值能同时看到局部变量和父作用域变量
	expr, err := parseExpression("item > threshold")
	require.NoError(t, err)
	got, err := expr.evalBool(child)
	require.NoError(t, err)
	require.True(t, got)
}
