// Package cardtable 实现卡表：每 512 字节堆内存一个状态。
package cardtable

import (
	"go.uber.org/atomic"

	"github.com/tangzhangming/regiongc/internal/heap"
)

// State 卡状态
type State uint32

const (
	Clean                State = iota // 干净
	Dirty                             // 被写屏障弄脏
	PGCMustScan                       // 部分回收必须扫描
	GMPMustScan                       // 全局标记必须扫描
	Remembered                        // 记忆集中记录的卡
	RememberedAndGMPScan              // 记忆集卡，同时需要全局标记扫描
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case PGCMustScan:
		return "pgc-must-scan"
	case GMPMustScan:
		return "gmp-must-scan"
	case Remembered:
		return "remembered"
	case RememberedAndGMPScan:
		return "remembered-and-gmp-scan"
	default:
		return "unknown"
	}
}

// Table 卡表
type Table struct {
	base  heap.Address
	cards []atomic.Uint32
}

// New 为 [base, top) 创建卡表
func New(base, top heap.Address) *Table {
	n := heap.AlignUp(top.Sub(base), heap.CardSize) / heap.CardSize
	return &Table{base: base, cards: make([]atomic.Uint32, n)}
}

// ForHeap 为整个堆创建卡表
func ForHeap(h *heap.Heap) *Table {
	return New(h.Base(), h.Top())
}

// Index 地址所在卡的索引
func (t *Table) Index(a heap.Address) int {
	return int(a.Sub(t.base) / heap.CardSize)
}

// CardAddress 卡覆盖范围的起始地址
func (t *Table) CardAddress(index int) heap.Address {
	return t.base.Add(uint64(index) * heap.CardSize)
}

// Len 卡数量
func (t *Table) Len() int { return len(t.cards) }

// Get 读取地址所在卡的状态
func (t *Table) Get(a heap.Address) State {
	return State(t.cards[t.Index(a)].Load())
}

// GetIndex 按索引读取
func (t *Table) GetIndex(i int) State {
	return State(t.cards[i].Load())
}

// Set 设置地址所在卡的状态
func (t *Table) Set(a heap.Address, s State) {
	t.cards[t.Index(a)].Store(uint32(s))
}

// SetIndex 按索引设置
func (t *Table) SetIndex(i int, s State) {
	t.cards[i].Store(uint32(s))
}

// CAS 比较并交换卡状态
func (t *Table) CAS(i int, old, new State) bool {
	return t.cards[i].CAS(uint32(old), uint32(new))
}

// DirtyCard 写屏障：把地址所在卡置为 Dirty
func (t *Table) DirtyCard(a heap.Address) {
	i := t.Index(a)
	if State(t.cards[i].Load()) != Dirty {
		t.cards[i].Store(uint32(Dirty))
	}
}

// DirtyCardWithValue 把卡置为指定状态，已是 Dirty 的卡保持不变
func (t *Table) DirtyCardWithValue(a heap.Address, s State) {
	i := t.Index(a)
	for {
		old := State(t.cards[i].Load())
		if old == Dirty || old == s || t.cards[i].CAS(uint32(old), uint32(s)) {
			return
		}
	}
}

// SetRange 把 [low, high) 覆盖的卡全部设为 s
func (t *Table) SetRange(low, high heap.Address, s State) {
	for i := t.Index(low); i < len(t.cards) && t.CardAddress(i) < high; i++ {
		t.cards[i].Store(uint32(s))
	}
}

// ForEachCard 遍历 [low, high) 覆盖的卡
func (t *Table) ForEachCard(low, high heap.Address, fn func(index int, s State)) {
	for i := t.Index(low); i < len(t.cards) && t.CardAddress(i) < high; i++ {
		fn(i, State(t.cards[i].Load()))
	}
}

// Count 统计 [low, high) 中处于状态 s 的卡
func (t *Table) Count(low, high heap.Address, s State) int {
	n := 0
	t.ForEachCard(low, high, func(_ int, cs State) {
		if cs == s {
			n++
		}
	})
	return n
}
