// shared_state.go - 回收器与运行时共享的根集合

package vm

import (
	"sync"

	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 根集合
// ============================================================================
//
// 强根：线程栈、全局变量、等待运行终结器的对象队列。
// 弱根：监视器表、弱全局引用、字符串常量表（可配置为强根）。
//
// 回收期间运行时停止，回收线程按固定顺序遍历这些切片领取工作单元，
// 所以集合只能在两次回收之间修改。修改方法都持有 mu。

// RootSet 回收器可见的运行时根
type RootSet struct {
	mu sync.Mutex

	// =========================================================================
	// 强根
	// =========================================================================

	// stacks 每个运行时线程的栈槽
	stacks [][]heap.Address

	// globals 全局变量槽，globalNames 记录名字到下标
	globals     []heap.Address
	globalNames map[string]int

	// finalizable 已经不可达、等待运行终结器的对象
	finalizable []heap.Address

	// =========================================================================
	// 弱根
	// =========================================================================

	monitors    []heap.Address
	weakGlobals []heap.Address
	strings     []internedString
	stringIndex map[string]int
}

// internedString 字符串常量表条目
type internedString struct {
	value string
	obj   heap.Address
}

// NewRootSet 创建空的根集合
func NewRootSet() *RootSet {
	return &RootSet{
		globalNames: make(map[string]int),
		stringIndex: make(map[string]int),
	}
}

// AddStack 登记一个线程栈，返回栈编号
func (rs *RootSet) AddStack(slots ...heap.Address) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.stacks = append(rs.stacks, append([]heap.Address(nil), slots...))
	return len(rs.stacks) - 1
}

// PushStack 向栈压入一个槽
func (rs *RootSet) PushStack(stack int, obj heap.Address) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.stacks[stack] = append(rs.stacks[stack], obj)
}

// SetStack 替换栈的全部内容
func (rs *RootSet) SetStack(stack int, slots ...heap.Address) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.stacks[stack] = append(rs.stacks[stack][:0], slots...)
}

// Stack 栈的当前内容。回收会原地更新这些槽。
func (rs *RootSet) Stack(stack int) []heap.Address {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.stacks[stack]
}

// StackCount 栈的数量
func (rs *RootSet) StackCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.stacks)
}

// SetGlobal 设置全局变量
func (rs *RootSet) SetGlobal(name string, obj heap.Address) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if i, ok := rs.globalNames[name]; ok {
		rs.globals[i] = obj
		return
	}
	rs.globalNames[name] = len(rs.globals)
	rs.globals = append(rs.globals, obj)
}

// Global 读取全局变量，不存在时返回 Nil
func (rs *RootSet) Global(name string) heap.Address {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if i, ok := rs.globalNames[name]; ok {
		return rs.globals[i]
	}
	return heap.Nil
}

// AddMonitor 登记一个被膨胀为监视器的对象
func (rs *RootSet) AddMonitor(obj heap.Address) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.monitors = append(rs.monitors, obj)
}

// Monitors 监视器表的快照
func (rs *RootSet) Monitors() []heap.Address {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]heap.Address(nil), rs.monitors...)
}

// AddWeakGlobal 创建弱全局引用，返回句柄
func (rs *RootSet) AddWeakGlobal(obj heap.Address) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.weakGlobals = append(rs.weakGlobals, obj)
	return len(rs.weakGlobals) - 1
}

// WeakGlobal 读取弱全局引用，对象死亡后为 Nil
func (rs *RootSet) WeakGlobal(handle int) heap.Address {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.weakGlobals[handle]
}

// Intern 把字符串对象加入常量表。已有同值条目时返回已有对象。
func (rs *RootSet) Intern(value string, obj heap.Address) heap.Address {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if i, ok := rs.stringIndex[value]; ok {
		return rs.strings[i].obj
	}
	rs.stringIndex[value] = len(rs.strings)
	rs.strings = append(rs.strings, internedString{value: value, obj: obj})
	return obj
}

// LookupString 查找常量表，不存在时返回 Nil
func (rs *RootSet) LookupString(value string) heap.Address {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if i, ok := rs.stringIndex[value]; ok {
		return rs.strings[i].obj
	}
	return heap.Nil
}

// StringCount 常量表条目数
func (rs *RootSet) StringCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.strings)
}

// FinalizableCount 等待终结的对象数
func (rs *RootSet) FinalizableCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.finalizable)
}

// TakeFinalizable 取走等待终结的对象（终结器线程调用）
func (rs *RootSet) TakeFinalizable() []heap.Address {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	objs := rs.finalizable
	rs.finalizable = nil
	return objs
}

// ============================================================================
// 回收期间使用
// ============================================================================

// enqueueFinalizable 回收线程把新发现的待终结对象加入队列
func (rs *RootSet) enqueueFinalizable(objs []heap.Address) {
	if len(objs) == 0 {
		return
	}
	rs.mu.Lock()
	rs.finalizable = append(rs.finalizable, objs...)
	rs.mu.Unlock()
}

// pruneMonitors 按 update 更新监视器表，删除返回 Nil 的条目，返回删除数
func (rs *RootSet) pruneMonitors(update func(heap.Address) heap.Address) int {
	kept := rs.monitors[:0]
	for _, obj := range rs.monitors {
		if obj = update(obj); obj != heap.Nil {
			kept = append(kept, obj)
		}
	}
	removed := len(rs.monitors) - len(kept)
	rs.monitors = kept
	return removed
}

// clearWeakGlobals 按 update 更新弱全局引用，死亡的置为 Nil，返回清除数
func (rs *RootSet) clearWeakGlobals(update func(heap.Address) heap.Address) int {
	cleared := 0
	for i, obj := range rs.weakGlobals {
		if obj == heap.Nil {
			continue
		}
		rs.weakGlobals[i] = update(obj)
		if rs.weakGlobals[i] == heap.Nil {
			cleared++
		}
	}
	return cleared
}

// pruneStrings 按 update 更新常量表，删除死亡条目并重建索引，返回删除数
func (rs *RootSet) pruneStrings(update func(heap.Address) heap.Address) int {
	kept := rs.strings[:0]
	for _, e := range rs.strings {
		if e.obj = update(e.obj); e.obj != heap.Nil {
			kept = append(kept, e)
		}
	}
	removed := len(rs.strings) - len(kept)
	rs.strings = kept
	if removed > 0 {
		rs.stringIndex = make(map[string]int, len(kept))
		for i, e := range kept {
			rs.stringIndex[e.value] = i
		}
	}
	return removed
}
