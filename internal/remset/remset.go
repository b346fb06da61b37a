// Package remset 实现区域间记忆集：每个区域记录持有指向它的引用的卡。
package remset

import (
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/regiongc/internal/cardtable"
	"github.com/tangzhangming/regiongc/internal/heap"
)

// regionSet 单个区域的来源卡集合
type regionSet struct {
	mu    sync.Mutex
	cards map[int]struct{}
}

// RememberedSet 区域间记忆集
type RememberedSet struct {
	heap  *heap.Heap
	cards *cardtable.Table
	sets  []regionSet

	remembered atomic.Uint64 // 新记录的卡数
	duplicates atomic.Uint64 // 去重命中
}

// New 创建记忆集
func New(h *heap.Heap, cards *cardtable.Table) *RememberedSet {
	return &RememberedSet{
		heap:  h,
		cards: cards,
		sets:  make([]regionSet, len(h.Regions())),
	}
}

// RememberReferenceForCopyForward 记录 from 对象到 to 对象的跨区域引用。
// 同区域引用和空引用忽略；记录时给 from 打上记忆标志。
func (rs *RememberedSet) RememberReferenceForCopyForward(from, to heap.Address) {
	if to == heap.Nil || from == heap.Nil {
		return
	}
	fromRegion := rs.heap.RegionFor(from)
	toRegion := rs.heap.RegionFor(to)
	if fromRegion == toRegion {
		return
	}
	card := rs.cards.Index(from)
	s := &rs.sets[toRegion.Index]
	s.mu.Lock()
	if s.cards == nil {
		s.cards = make(map[int]struct{})
	}
	_, dup := s.cards[card]
	if !dup {
		s.cards[card] = struct{}{}
	}
	s.mu.Unlock()
	// 同一张卡上的其他对象可能已经记录过，标志按对象设置
	rs.heap.SetHeaderFlag(from, heap.FlagRemembered)
	if dup {
		rs.duplicates.Inc()
		return
	}
	rs.remembered.Inc()
}

// IsRemembered 区域的记忆集中是否有 from 所在的卡
func (rs *RememberedSet) IsRemembered(from heap.Address, toRegion *heap.Region) bool {
	s := &rs.sets[toRegion.Index]
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cards[rs.cards.Index(from)]
	return ok
}

// Cards 返回区域记忆集中的卡（有序）
func (rs *RememberedSet) Cards(r *heap.Region) []int {
	s := &rs.sets[r.Index]
	s.mu.Lock()
	out := make([]int, 0, len(s.cards))
	for c := range s.cards {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Ints(out)
	return out
}

// Size 区域记忆集中的卡数
func (rs *RememberedSet) Size(r *heap.Region) int {
	s := &rs.sets[r.Index]
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards)
}

// SetupForPartialCollect 把回收集区域记忆集中的来源卡转成 Remembered 卡状态，
// 让卡表清理阶段把它们当作根扫描。来源本身在回收集中的卡直接丢弃。
func (rs *RememberedSet) SetupForPartialCollect() int {
	converted := 0
	for _, r := range rs.heap.Regions() {
		if !r.CopyForward.EvacuateSet {
			continue
		}
		for _, card := range rs.Cards(r) {
			src := rs.heap.RegionFor(rs.cards.CardAddress(card))
			if src.CopyForward.EvacuateSet || !src.ContainsObjects() {
				continue
			}
			for {
				old := rs.cards.GetIndex(card)
				var next cardtable.State
				switch old {
				case cardtable.Clean:
					next = cardtable.Remembered
				case cardtable.GMPMustScan:
					next = cardtable.RememberedAndGMPScan
				default:
					next = old
				}
				if next == old || rs.cards.CAS(card, old, next) {
					break
				}
			}
			converted++
		}
	}
	return converted
}

// ClearFromRegionReferencesForCopyForward 从所有记忆集中删除来自回收集区域的卡。
// 这些区域中的对象要么已经移走，要么会在本周期重新扫描并重新记录。
func (rs *RememberedSet) ClearFromRegionReferencesForCopyForward() {
	for i := range rs.sets {
		s := &rs.sets[i]
		s.mu.Lock()
		for card := range s.cards {
			src := rs.heap.RegionFor(rs.cards.CardAddress(card))
			if src.CopyForward.EvacuateSet {
				delete(s.cards, card)
			}
		}
		s.mu.Unlock()
	}
}

// ClearRegion 清空区域自己的记忆集（区域被回收时调用）
func (rs *RememberedSet) ClearRegion(r *heap.Region) {
	s := &rs.sets[r.Index]
	s.mu.Lock()
	s.cards = nil
	s.mu.Unlock()
}

// Stats 返回新记录数和去重命中数
func (rs *RememberedSet) Stats() (remembered, duplicates uint64) {
	return rs.remembered.Load(), rs.duplicates.Load()
}
