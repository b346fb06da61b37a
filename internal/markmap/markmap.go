// Package markmap 实现标记位图：每 8 字节堆内存对应一位。
//
// 一个 64 位的槽覆盖 512 字节，恰好是一张卡的大小。
// 复制时每个缓存批量累积槽掩码，只有缓存头尾两个可能与相邻缓存共享的槽
// 需要原子写入，其余槽由缓存独占，直接写入。
package markmap

import (
	"math/bits"

	"go.uber.org/atomic"

	"github.com/tangzhangming/regiongc/internal/heap"
)

const (
	bytesPerBit  = heap.ObjectAlignment
	bitsPerSlot  = 64
	BytesPerSlot = bytesPerBit * bitsPerSlot
)

// MarkMap 标记位图
type MarkMap struct {
	base  heap.Address
	top   heap.Address
	slots []atomic.Uint64
}

// New 为 [base, top) 创建位图
func New(base, top heap.Address) *MarkMap {
	n := heap.AlignUp(top.Sub(base), BytesPerSlot) / BytesPerSlot
	return &MarkMap{base: base, top: top, slots: make([]atomic.Uint64, n)}
}

// ForHeap 为整个堆创建位图
func ForHeap(h *heap.Heap) *MarkMap {
	return New(h.Base(), h.Top())
}

// SlotIndexAndMask 地址对应的槽索引与位掩码
func (m *MarkMap) SlotIndexAndMask(a heap.Address) (int, uint64) {
	off := a.Sub(m.base) / bytesPerBit
	return int(off / bitsPerSlot), uint64(1) << (off % bitsPerSlot)
}

// SlotCount 槽总数
func (m *MarkMap) SlotCount() int { return len(m.slots) }

// SlotAddress 槽覆盖范围的起始地址
func (m *MarkMap) SlotAddress(index int) heap.Address {
	return m.base.Add(uint64(index) * BytesPerSlot)
}

// IsBitSet 地址是否已标记
func (m *MarkMap) IsBitSet(a heap.Address) bool {
	i, mask := m.SlotIndexAndMask(a)
	return m.slots[i].Load()&mask != 0
}

// SetBit 非原子地置位，调用方保证该槽没有并发写入
func (m *MarkMap) SetBit(a heap.Address) {
	i, mask := m.SlotIndexAndMask(a)
	m.slots[i].Store(m.slots[i].Load() | mask)
}

// ClearBit 非原子地清位
func (m *MarkMap) ClearBit(a heap.Address) {
	i, mask := m.SlotIndexAndMask(a)
	m.slots[i].Store(m.slots[i].Load() &^ mask)
}

// AtomicSetBit 原子置位，本次调用完成置位时返回 true
func (m *MarkMap) AtomicSetBit(a heap.Address) bool {
	i, mask := m.SlotIndexAndMask(a)
	for {
		old := m.slots[i].Load()
		if old&mask != 0 {
			return false
		}
		if m.slots[i].CAS(old, old|mask) {
			return true
		}
	}
}

// GetSlot 读取整个槽
func (m *MarkMap) GetSlot(index int) uint64 {
	return m.slots[index].Load()
}

// SetSlot 用 mask 非原子地合并整个槽
func (m *MarkMap) SetSlot(index int, mask uint64) {
	m.slots[index].Store(m.slots[index].Load() | mask)
}

// AtomicOrSlot 原子地把 mask 合并进槽
func (m *MarkMap) AtomicOrSlot(index int, mask uint64) {
	for {
		old := m.slots[index].Load()
		if old|mask == old || m.slots[index].CAS(old, old|mask) {
			return
		}
	}
}

// ClearRange 清除 [low, high) 的标记，边界必须按槽对齐或覆盖整个槽
func (m *MarkMap) ClearRange(low, high heap.Address) {
	lo, _ := m.SlotIndexAndMask(low)
	hi := int(heap.AlignUp(high.Sub(m.base), BytesPerSlot) / BytesPerSlot)
	for i := lo; i < hi && i < len(m.slots); i++ {
		m.slots[i].Store(0)
	}
}

// SetRange 标记 [low, high) 中每个对象对齐位置
func (m *MarkMap) SetRange(low, high heap.Address) {
	for a := low; a < high; a += bytesPerBit {
		i, mask := m.SlotIndexAndMask(a)
		m.AtomicOrSlot(i, mask)
	}
}

// CountRange 统计 [low, high) 中的标记数
func (m *MarkMap) CountRange(low, high heap.Address) int {
	n := 0
	it := m.NewIterator(low, high)
	for it.Next() != heap.Nil {
		n++
	}
	return n
}

// ============================================================================
// 标记对象遍历
// ============================================================================

// Iterator 按地址顺序遍历 [low, high) 中已标记的地址
type Iterator struct {
	m     *MarkMap
	slot  int
	bits  uint64
	limit heap.Address
}

// NewIterator 创建遍历器
func (m *MarkMap) NewIterator(low, high heap.Address) *Iterator {
	i, mask := m.SlotIndexAndMask(low)
	it := &Iterator{m: m, slot: i, limit: high}
	if i < len(m.slots) {
		// 去掉 low 之前的位
		it.bits = m.slots[i].Load() &^ (mask - 1)
	}
	return it
}

// Next 返回下一个已标记地址，结束时返回 Nil
func (it *Iterator) Next() heap.Address {
	for {
		if it.bits != 0 {
			bit := bits.TrailingZeros64(it.bits)
			it.bits &= it.bits - 1
			a := it.m.SlotAddress(it.slot).Add(uint64(bit) * bytesPerBit)
			if a >= it.limit {
				it.bits = 0
				it.slot = len(it.m.slots)
				return heap.Nil
			}
			return a
		}
		it.slot++
		if it.slot >= len(it.m.slots) || it.m.SlotAddress(it.slot) >= it.limit {
			return heap.Nil
		}
		it.bits = it.m.slots[it.slot].Load()
	}
}
