package engine

import (
	"encoding/json"
	"fmt"
)

// VariableContext 变量作用域,封装流程变量的读写
// 支持嵌套作用域: 子流程/多实例子项有自己的局部作用域,读不到时逐层向父作用域查找,
// 写入只落在当前作用域,不会污染父作用域
type VariableContext struct {
	data   map[string]any
	parent *VariableContext
}

// NewVariableContext 从字节创建变量作用域
func NewVariableContext(b []byte) *VariableContext {
	ctx := &VariableContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		json.Unmarshal(b, &ctx.data)
	}
	return ctx
}

// NewVariableContextFromMap 从 map 创建变量作用域
func NewVariableContextFromMap(m map[string]any) *VariableContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &VariableContext{data: m}
}

// NewChildScope 创建子作用域,读穿透到父作用域,写只落在子作用域
func (c *VariableContext) NewChildScope(local map[string]any) *VariableContext {
	if local == nil {
		local = make(map[string]any)
	}
	return &VariableContext{data: local, parent: c}
}

// Get 获取值,支持嵌套路径
// 例如: Get("account", "id") 获取 account.id
// 当前作用域找不到第一层key时,向父作用域查找
func (c *VariableContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	if _, ok := c.data[keys[0]]; !ok {
		if c.parent != nil {
			return c.parent.Get(keys...)
		}
		return nil, false
	}

	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// GetString 获取字符串值
func (c *VariableContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 获取 int64 值
func (c *VariableContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}

	// 尝试多种数字类型, JSON反序列化默认是float64
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetBool 获取布尔值
func (c *VariableContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置值,支持嵌套路径,只写当前作用域
func (c *VariableContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}

	// 确保所有中间路径都是 map
	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		if _, ok := current[key]; !ok {
			current[key] = make(map[string]any)
		}

		nextMap, ok := current[key].(map[string]any)
		if !ok {
			// 如果不是 map,覆盖它
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}

	current[keys[len(keys)-1]] = value
	return nil
}

// Merge 合并一批顶层变量到当前作用域,后写覆盖
func (c *VariableContext) Merge(m map[string]any) {
	for k, v := range m {
		c.data[k] = v
	}
}

// Local 返回当前作用域自己的变量,不含父作用域
func (c *VariableContext) Local() map[string]any {
	return c.data
}

// Flatten 展开成一个 map,父作用域在下,当前作用域覆盖在上
// 用于job变量快照和表达式求值
func (c *VariableContext) Flatten() map[string]any {
	ret := make(map[string]any)
	if c.parent != nil {
		for k, v := range c.parent.Flatten() {
			ret[k] = v
		}
	}
	for k, v := range c.data {
		ret[k] = v
	}
	return ret
}

// ToBytes 转换为 JSON 字节,只含当前作用域
func (c *VariableContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

func (c *VariableContext) ToBytesWithoutError() []byte {
	bytes, err := json.Marshal(c.data)
	if err != nil {
		return nil
	}
	return bytes
}

// Clone 深拷贝当前作用域,父作用域引用保持不变
func (c *VariableContext) Clone() *VariableContext {
	b, _ := c.ToBytes()
	ret := NewVariableContext(b)
	ret.parent = c.parent
	return ret
}
