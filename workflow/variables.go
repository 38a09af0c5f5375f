package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Variables 流程变量, 持久化时序列化成 JSON
type Variables struct {
	data map[string]any
}

// NewVariables 从字节创建, 非法 JSON 当成空变量
func NewVariables(b []byte) *Variables {
	v := &Variables{data: make(map[string]any)}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &v.data); err != nil || v.data == nil {
			v.data = make(map[string]any)
		}
	}
	return v
}

// NewVariablesFromMap 从 map 创建, 会拷贝第一层
func NewVariablesFromMap(m map[string]any) *Variables {
	v := &Variables{data: make(map[string]any, len(m))}
	for k, val := range m {
		v.data[k] = val
	}
	return v
}

// Get 获取值，支持嵌套路径
// 例如: Get("employee", "name") 获取 employee.name
func (v *Variables) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	var current any = v.data
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = currentMap[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (v *Variables) GetString(keys ...string) (string, bool) {
	val, ok := v.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 数字经过 JSON 之后是 float64, 这里统一转换
func (v *Variables) GetInt64(keys ...string) (int64, bool) {
	val, ok := v.Get(keys...)
	if !ok {
		return 0, false
	}
	switch n := val.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func (v *Variables) GetBool(keys ...string) (bool, bool) {
	val, ok := v.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置值，中间路径不是 map 时会被覆盖
func (v *Variables) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}
	current := v.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Put 设置顶层变量
func (v *Variables) Put(key string, value any) {
	v.data[key] = value
}

func (v *Variables) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := v.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, keys[len(keys)-1])
}

// Merge 合并顶层变量, 同名覆盖
func (v *Variables) Merge(m map[string]any) {
	for k, val := range m {
		v.data[k] = val
	}
}

func (v *Variables) ToBytes() ([]byte, error) {
	return json.Marshal(v.data)
}

func (v *Variables) ToBytesWithoutError() []byte {
	b, err := json.Marshal(v.data)
	if err != nil {
		return nil
	}
	return b
}

// ToMap 返回顶层的拷贝
func (v *Variables) ToMap() map[string]any {
	ret := make(map[string]any, len(v.data))
	for k, val := range v.data {
		ret[k] = val
	}
	return ret
}

// Clone 深拷贝
func (v *Variables) Clone() *Variables {
	return NewVariables(v.ToBytesWithoutError())
}

// Unmarshal 反序列化到结构体
func (v *Variables) Unmarshal(out any) error {
	b, err := v.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Matches 判断变量值和期望值在 JSON 表示上是否相同, 避免 int 和 float64 的差异
func (v *Variables) Matches(key string, expected any) bool {
	actual, ok := v.Get(key)
	if !ok {
		return false
	}
	actualBytes, err := json.Marshal(actual)
	if err != nil {
		return false
	}
	expectedBytes, err := json.Marshal(expected)
	if err != nil {
		return false
	}
	return bytes.Equal(actualBytes, expectedBytes)
}
