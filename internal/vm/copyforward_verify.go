package vm

import (
	"go.uber.org/multierr"

	"github.com/tangzhangming/regiongc/internal/cardtable"
	gcerrors "github.com/tangzhangming/regiongc/internal/errors"
	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 堆校验
// ============================================================================

// verifyErrorLimit 单次校验最多保留的错误数
const verifyErrorLimit = 64

// Verify 在周期结束后校验整个堆：每个存活对象的引用都指向有效的、未转发的对象，
// 跨区域引用被记忆集或脏卡覆盖，老区域的对象都已标记，区域列表和幸存者表一致。
// 只能在两次回收之间调用。
func (s *CopyForwardScheme) Verify() *gcerrors.Reporter {
	rep := gcerrors.NewReporter(verifyErrorLimit)
	h := s.heap
	c := &s.cycle

	if c.abortFlag.Load() || c.abortInProgress.Load() {
		rep.Report(gcerrors.NewGCError(gcerrors.W0001, -1, 0, 0, 0).
			WithNote("cycle %d", c.number))
	}
	if s.packets.OverflowCount() > 0 {
		rep.Report(gcerrors.NewGCError(gcerrors.W0002, -1, 0, 0, 0).
			WithNote("%d items overflowed", s.packets.OverflowCount()))
	}

	for _, r := range c.collectionSet {
		if r.IsEden() || r.CopyForward.EvacuateSet {
			rep.Report(gcerrors.NewGCError(gcerrors.G0200, r.Index, 0, 0, 0).
				WithNote("type %s", r.Type))
		}
	}

	for _, r := range h.Regions() {
		for a := r.Low; a < r.High; a = a.Add(heap.CardSize) {
			if s.survivors.IsSurvivor(a) {
				rep.Report(gcerrors.NewGCError(gcerrors.G0202, r.Index, 0, 0, uint64(a)))
				break
			}
		}
		if !r.ContainsObjects() {
			continue
		}
		s.verifyRegion(rep, r)
		s.verifyRegionLists(rep, r)
	}

	s.verifyRoots(rep)
	return rep
}

// verify 校验并合并保留列表检查的结果
func (s *CopyForwardScheme) verify() error {
	rep := s.Verify()
	return multierr.Combine(rep.Err(), s.cycle.reservedListErr)
}

func (s *CopyForwardScheme) verifyRegion(rep *gcerrors.Reporter, r *heap.Region) {
	h := s.heap
	top := r.Pool.AllocationPointer()
	it := h.NewObjectIterator(r.Low, top)
	it.IncludeForwarded = true
	for obj := it.Next(); obj != heap.Nil; obj = it.Next() {
		f := h.ReadHeader(obj)
		if f.IsForwarded() {
			rep.Report(gcerrors.NewGCError(gcerrors.G0002, r.Index, uint64(obj), 0, uint64(f.Destination())).
				WithNote("forwarded object left in a live region"))
			continue
		}
		cls := h.Classes().Get(f.ClassID())
		if cls == nil {
			rep.Report(gcerrors.NewGCError(gcerrors.G0100, r.Index, uint64(obj), 0, 0).
				WithNote("class id %d", f.ClassID()))
			return
		}
		if it.Position() > top {
			rep.Report(gcerrors.NewGCError(gcerrors.G0102, r.Index, uint64(obj), 0, 0))
		}
		if r.Type == heap.RegionOld && !s.markMap.IsBitSet(obj) {
			rep.Report(gcerrors.NewGCError(gcerrors.G0101, r.Index, uint64(obj), 0, 0))
		}

		var cur heap.ScanCursor
		cur.Reset(obj)
		heap.ScannableFor(cls.Shape).ForEachReference(h, obj, &cur, func(slot heap.Slot) bool {
			s.verifySlot(rep, r, obj, slot)
			return true
		})
	}
}

// verifySlot 校验一个槽：目标有效；堆内槽的跨区域引用被记忆集或脏卡覆盖
func (s *CopyForwardScheme) verifySlot(rep *gcerrors.Reporter, r *heap.Region, holder heap.Address, slot heap.Slot) {
	target := slot.Read()
	if !s.verifyTarget(rep, r.Index, holder, slot, target) || slot.IsRoot() {
		return
	}
	tr := s.heap.RegionFor(target)
	if tr == r || s.remset.IsRemembered(holder, tr) {
		return
	}
	if state := s.cards.Get(holder); state == cardtable.Dirty {
		return
	}
	rep.Report(gcerrors.NewGCError(gcerrors.G0300, r.Index, uint64(holder), uint64(slot.Address()), uint64(target)).
		WithNote("target region %d", tr.Index))
}

// verifyTarget 校验引用目标，Nil 和有效目标返回 true
func (s *CopyForwardScheme) verifyTarget(rep *gcerrors.Reporter, region int, holder heap.Address, slot heap.Slot, target heap.Address) bool {
	if target == heap.Nil {
		return false
	}
	h := s.heap
	code := ""
	switch {
	case !h.Contains(target):
		code = gcerrors.G0001
	case uint64(target)%heap.ObjectAlignment != 0:
		code = gcerrors.G0004
	case !h.RegionFor(target).ContainsObjects():
		code = gcerrors.G0003
	case target >= h.RegionFor(target).Pool.AllocationPointer():
		code = gcerrors.G0004
	case h.IsForwarded(target):
		code = gcerrors.G0002
	case h.IsHole(target):
		code = gcerrors.G0004
	}
	if code == "" {
		return true
	}
	rep.Report(gcerrors.NewGCError(code, region, uint64(holder), uint64(slot.Address()), uint64(target)))
	return false
}

// verifyRegionLists 区域列表中的对象都在该区域内且存活
func (s *CopyForwardScheme) verifyRegionLists(rep *gcerrors.Reporter, r *heap.Region) {
	check := func(list []heap.Address, what string) {
		for _, obj := range list {
			if !r.Contains(obj) || obj >= r.Pool.AllocationPointer() || s.heap.IsForwarded(obj) {
				rep.Report(gcerrors.NewGCError(gcerrors.G0201, r.Index, uint64(obj), 0, 0).
					WithNote("%s list", what))
			}
		}
	}
	for k := heap.ReferenceKind(0); k < referenceKinds; k++ {
		check(r.References(k), k.String())
	}
	check(r.Unfinalized(), "unfinalized")
	check(r.OwnableSynchronizers(), "ownable synchronizer")
}

// verifyRoots 根引用都指向有效对象
func (s *CopyForwardScheme) verifyRoots(rep *gcerrors.Reporter) {
	rs := s.roots
	checkSlots := func(slots []heap.Address) {
		for i := range slots {
			s.verifyTarget(rep, -1, heap.Nil, heap.RootSlot(&slots[i]), slots[i])
		}
	}
	for _, st := range rs.stacks {
		checkSlots(st)
	}
	checkSlots(rs.globals)
	checkSlots(rs.finalizable)
	checkSlots(rs.monitors)
	checkSlots(rs.weakGlobals)
	for _, e := range rs.strings {
		s.verifyTarget(rep, -1, heap.Nil, heap.RootSlot(&e.obj), e.obj)
	}
	for _, c := range s.heap.Classes().All() {
		for _, p := range heap.ClassRoots(c) {
			s.verifyTarget(rep, -1, heap.Nil, heap.RootSlot(p), *p)
		}
	}
}
