package heap

import (
	"sync/atomic"
	"unsafe"
)

// Slot 引用槽：堆内的对象字段/数组元素，或堆外的根（栈、静态字段、元数据）
type Slot struct {
	heap *Heap
	addr Address
	root *Address

	// Leaf 槽的声明类型没有引用字段
	Leaf bool
}

// HeapSlot 堆内槽
func (h *Heap) HeapSlot(addr Address, leaf bool) Slot {
	return Slot{heap: h, addr: addr, Leaf: leaf}
}

// RootSlot 堆外槽
func RootSlot(p *Address) Slot {
	return Slot{root: p}
}

// Read 读取槽中的引用
func (s Slot) Read() Address {
	if s.root != nil {
		return Address(atomic.LoadUint64((*uint64)(unsafe.Pointer(s.root))))
	}
	return Address(s.heap.LoadWord(s.addr))
}

// Write 写入引用
func (s Slot) Write(v Address) {
	if s.root != nil {
		// 同一个元数据槽可能被多个线程写入相同的转发结果
		atomic.StoreUint64((*uint64)(unsafe.Pointer(s.root)), uint64(v))
		return
	}
	s.heap.StoreWord(s.addr, uint64(v))
}

// IsRoot 是否为堆外槽
func (s Slot) IsRoot() bool { return s.root != nil }

// Address 堆内槽的地址
func (s Slot) Address() Address { return s.addr }

// FieldAddress 非数组对象第 i 个槽的地址
func FieldAddress(obj Address, i int) Address {
	return obj.Add(WordSize + uint64(i)*WordSize)
}

// ElementAddress 数组第 i 个元素的地址（引用数组）
func ElementAddress(arr Address, i int) Address {
	return arr.Add(2*WordSize + uint64(i)*WordSize)
}

// LoadField 读取非数组对象的第 i 个槽
func (h *Heap) LoadField(obj Address, i int) uint64 {
	return h.LoadWord(FieldAddress(obj, i))
}

// StoreField 写入非数组对象的第 i 个槽（不经过写屏障）
func (h *Heap) StoreField(obj Address, i int, v uint64) {
	h.StoreWord(FieldAddress(obj, i), v)
}

// LoadElement 读取引用数组的第 i 个元素
func (h *Heap) LoadElement(arr Address, i int) Address {
	return Address(h.LoadWord(ElementAddress(arr, i)))
}
