package cardtable

import (
	"go.uber.org/atomic"

	"github.com/tangzhangming/regiongc/internal/heap"
)

// SurvivorTable 压缩的幸存者表：每张卡一位，标记本周期复制目标占用的内存
type SurvivorTable struct {
	base  heap.Address
	words []atomic.Uint64
}

// NewSurvivorTable 为 [base, top) 创建幸存者表
func NewSurvivorTable(base, top heap.Address) *SurvivorTable {
	cards := heap.AlignUp(top.Sub(base), heap.CardSize) / heap.CardSize
	return &SurvivorTable{base: base, words: make([]atomic.Uint64, (cards+63)/64)}
}

func (s *SurvivorTable) bit(a heap.Address) (int, uint64) {
	card := a.Sub(s.base) / heap.CardSize
	return int(card / 64), uint64(1) << (card % 64)
}

// SetRange 标记 [base, top) 覆盖的卡
func (s *SurvivorTable) SetRange(base, top heap.Address) {
	for a := heap.Address(heap.AlignDown(uint64(base), heap.CardSize)); a < top; a += heap.CardSize {
		w, mask := s.bit(a)
		for {
			old := s.words[w].Load()
			if old&mask != 0 || s.words[w].CAS(old, old|mask) {
				break
			}
		}
	}
}

// IsSurvivor 地址所在卡是否属于本周期幸存者内存
func (s *SurvivorTable) IsSurvivor(a heap.Address) bool {
	w, mask := s.bit(a)
	return s.words[w].Load()&mask != 0
}

// ClearRange 清除 [base, top) 覆盖的卡
func (s *SurvivorTable) ClearRange(base, top heap.Address) {
	for a := heap.Address(heap.AlignDown(uint64(base), heap.CardSize)); a < top; a += heap.CardSize {
		w, mask := s.bit(a)
		for {
			old := s.words[w].Load()
			if old&mask == 0 || s.words[w].CAS(old, old&^mask) {
				break
			}
		}
	}
}

// Clear 清空整张表
func (s *SurvivorTable) Clear() {
	for i := range s.words {
		s.words[i].Store(0)
	}
}
