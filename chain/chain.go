package chain

import (
	"reflect"

	"github.com/pkg/errors"
)

// Executor 链上的一个节点动作
type Executor[C any] interface {
	/**
	 * @description: 执行当前节点的动作
	 * @param c C 执行上下文,整条链共享,可以为空
	 * @param args ...string 参数列表,整条链共享,可以为nil
	 * @return error 非nil时整条链立刻停止,后面的节点不再执行
	 */
	Execute(c C, args ...string) error
}

// ExecutorFunc 函数适配器, 函数不可比较, 所以不会参与去重
type ExecutorFunc[C any] func(c C, args ...string) error

func (f ExecutorFunc[C]) Execute(c C, args ...string) error {
	return f(c, args...)
}

// Chain 有序、去重的执行链, Link 返回之后拓扑不再变化
type Chain[C any] struct {
	executors []Executor[C]
}

/*
*
  - @description: 构建执行链
    first 为空时返回 nil
    executors 中的空节点和重复节点(同一个引用)会被跳过, 保持出现顺序
    指针、map、chan 按地址比较; 其余可比较的值按值比较, 比较时出错(例如接口字段里装了切片)则视为不同节点
    注意: 指向零大小类型(如 struct{})的不同指针可能地址相同, 会被当成同一个节点去掉
  - @param first Executor[C] 链头
  - @param executors ...Executor[C] 后续节点
  - @return *Chain[C]
*/
func Link[C any](first Executor[C], executors ...Executor[C]) *Chain[C] {
	if IsAbsent(first) {
		return nil
	}
	c := &Chain[C]{executors: []Executor[C]{first}}
	if len(executors) == 0 {
		return c
	}
	seen := make(map[any]struct{}, len(executors)+1)
	markSeen(seen, first)
	for _, executor := range executors {
		if IsAbsent(executor) || !markSeen(seen, executor) {
			continue
		}
		c.executors = append(c.executors, executor)
	}
	return c
}

// Execute 从链头开始依次执行, 任意节点返回错误则立刻停止
func (c *Chain[C]) Execute(ctx C, args ...string) error {
	if c == nil {
		return nil
	}
	for i, executor := range c.executors {
		if err := executor.Execute(ctx, args...); err != nil {
			return errors.WithMessagef(err, "chain link %d/%d (%T) failed", i+1, len(c.executors), executor)
		}
	}
	return nil
}

// Head 链头, 空链返回零值
func (c *Chain[C]) Head() Executor[C] {
	if c == nil {
		return nil
	}
	return c.executors[0]
}

func (c *Chain[C]) Len() int {
	if c == nil {
		return 0
	}
	return len(c.executors)
}

// Executors 返回节点的拷贝, 修改返回值不会影响链本身
func (c *Chain[C]) Executors() []Executor[C] {
	if c == nil {
		return nil
	}
	ret := make([]Executor[C], len(c.executors))
	copy(ret, c.executors)
	return ret
}

// IsAbsent nil 接口或者包着 nil 指针、nil map 等的接口都认为是空值
func IsAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface, reflect.Slice, reflect.UnsafePointer:
		return rv.IsNil()
	}
	return false
}

// reference 引用类型节点的身份
type reference struct {
	typ reflect.Type
	ptr uintptr
}

// markSeen 记录节点身份, 返回false表示已经出现过
// 引用类型按地址比较, 不可比较的值(函数、运行时才发现不可哈希的值)没有身份, 总是返回true
func markSeen(seen map[any]struct{}, executor any) (fresh bool) {
	v := reflect.ValueOf(executor)
	var key any = executor
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		key = reference{typ: v.Type(), ptr: v.Pointer()}
	default:
		if !v.Type().Comparable() {
			return true
		}
		// 接口字段里装着切片之类的值时, 哈希会 panic
		defer func() {
			if recover() != nil {
				fresh = true
			}
		}()
	}
	if _, ok := seen[key]; ok {
		return false
	}
	seen[key] = struct{}{}
	return true
}
