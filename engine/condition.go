package engine

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

// expression 流程定义里的表达式,HCL语法,部署时解析一次,求值时复用
// 用在三个地方: 排他网关条件流,消息相关键(correlation key),多实例输入集合
type expression struct {
	src  string
	expr hcl.Expression
}

func parseExpression(src string) (*expression, error) {
	if src == "" {
		return nil, errors.WithMessage(ErrExpressionInvalid, "empty expression")
	}
	expr, diags := hclsyntax.ParseExpression([]byte(src), "definition", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, errors.WithMessagef(ErrExpressionInvalid, "parse expression %q failed: %s", src, diags.Error())
	}
	return &expression{src: src, expr: expr}, nil
}

// buildEvalContext 把token作用域展开成HCL求值上下文
// 顶层变量直接按名字引用,例如: reviewResult == "approved"
func buildEvalContext(scope *VariableContext) (*hcl.EvalContext, error) {
	vars := make(map[string]cty.Value)
	for name, value := range scope.Flatten() {
		ctyVal, err := interfaceToCtyValue(value)
		if err != nil {
			return nil, errors.WithMessagef(ErrExpressionInvalid, "variable %s: %v", name, err)
		}
		vars[name] = ctyVal
	}
	return &hcl.EvalContext{Variables: vars}, nil
}

func (e *expression) eval(scope *VariableContext) (cty.Value, error) {
	evalCtx, err := buildEvalContext(scope)
	if err != nil {
		return cty.NilVal, err
	}
	val, diags := e.expr.Value(evalCtx)
	if diags.HasErrors() {
		return cty.NilVal, errors.WithMessagef(ErrExpressionInvalid, "eval expression %q failed: %s", e.src, diags.Error())
	}
	return val, nil
}

// evalBool 求值为布尔,用于条件流
func (e *expression) evalBool(scope *VariableContext) (bool, error) {
	val, err := e.eval(scope)
	if err != nil {
		return false, err
	}
	if val.IsNull() || !val.Type().Equals(cty.Bool) {
		return false, errors.WithMessagef(ErrExpressionInvalid, "expression %q is not a bool", e.src)
	}
	return val.True(), nil
}

// evalString 求值为字符串,用于相关键
func (e *expression) evalString(scope *VariableContext) (string, error) {
	val, err := e.eval(scope)
	if err != nil {
		return "", err
	}
	if val.IsNull() {
		return "", errors.WithMessagef(ErrExpressionInvalid, "expression %q is null", e.src)
	}
	switch {
	case val.Type().Equals(cty.String):
		return val.AsString(), nil
	case val.Type().Equals(cty.Number):
		return val.AsBigFloat().Text('f', -1), nil
	default:
		return "", errors.WithMessagef(ErrExpressionInvalid, "expression %q is not a string", e.src)
	}
}

// evalList 求值为列表,用于多实例输入集合
func (e *expression) evalList(scope *VariableContext) ([]any, error) {
	val, err := e.eval(scope)
	if err != nil {
		return nil, err
	}
	if val.IsNull() || !val.CanIterateElements() {
		return nil, errors.WithMessagef(ErrExpressionInvalid, "expression %q is not a collection", e.src)
	}
	items := make([]any, 0)
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		goVal, err := ctyValueToInterface(elem)
		if err != nil {
			return nil, errors.WithMessagef(ErrExpressionInvalid, "expression %q: %v", e.src, err)
		}
		items = append(items, goVal)
	}
	return items, nil
}

// interfaceToCtyValue 把Go值转换为cty.Value
func interfaceToCtyValue(data any) (cty.Value, error) {
	if data == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	switch v := data.(type) {
	case string:
		return cty.StringVal(v), nil
	case float64:
		return cty.NumberFloatVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case map[string]any:
		if len(v) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value)
		for key, val := range v {
			ctyVal, err := interfaceToCtyValue(val)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[key] = ctyVal
		}
		return cty.ObjectVal(attrs), nil
	case []any:
		if len(v) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, 0, len(v))
		for _, val := range v {
			ctyVal, err := interfaceToCtyValue(val)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, ctyVal)
		}
		return cty.TupleVal(elems), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported type for conversion to cty.Value: %T", v)
	}
}

// ctyValueToInterface 把cty.Value转换回Go值
func ctyValueToInterface(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	t := val.Type()
	switch {
	case t.Equals(cty.String):
		return val.AsString(), nil
	case t.Equals(cty.Bool):
		return val.True(), nil
	case t.Equals(cty.Number):
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case t.IsObjectType() || t.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			goVal, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = goVal
		}
		return out, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		out := make([]any, 0)
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			goVal, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out = append(out, goVal)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported cty.Type for conversion: %s", t.FriendlyName())
	}
}
