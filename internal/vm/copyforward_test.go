package vm

import (
	"fmt"
	"testing"

	"github.com/tangzhangming/regiongc/internal/config"
	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 基本复制
// ============================================================================

func TestCollectorConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Threads = 0
	if _, err := NewCollector(cfg, nil); err == nil {
		t.Fatal("expected error for zero threads")
	}
}

// 单线程时 10 个对象（4080 字节）从区域 R 整体搬到同一个目标区域 D，R 被归还
func TestCopyForwardRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Threads = 1
	c := newTestCollector(t, cfg)
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	objs := make([]heap.Address, 10)
	for i := range objs {
		objs[i] = mustAllocate(t, m, tc.big)
		for s := 1; s < 50; s++ {
			m.StoreData(objs[i], s, uint64(i*100+s))
		}
	}
	for i := 0; i < len(objs)-1; i++ {
		m.StoreRef(objs[i], 0, objs[i+1])
	}
	c.Roots().SetGlobal("head", objs[0])

	r := h.RegionFor(objs[0])
	for _, o := range objs {
		if h.RegionFor(o) != r {
			t.Fatal("test objects should share one eden region")
		}
	}
	if h.SizeInBytes(objs[0]) != 408 {
		t.Fatalf("object size = %d, want 408", h.SizeInBytes(objs[0]))
	}

	report := mustCollect(t, c)

	if r.Type != heap.RegionFree {
		t.Errorf("source region type = %s, want free", r.Type)
	}
	if report.EdenCopiedObjects != 10 || report.EdenCopiedBytes != 4080 {
		t.Errorf("copied %d objects / %d bytes, want 10 / 4080", report.EdenCopiedObjects, report.EdenCopiedBytes)
	}
	if report.RecycledRegions != 1 || report.CollectionSetRegions != 1 {
		t.Errorf("recycled %d of %d regions", report.RecycledRegions, report.CollectionSetRegions)
	}

	var dest *heap.Region
	obj := c.Roots().Global("head")
	for i := 0; i < 10; i++ {
		if obj == heap.Nil {
			t.Fatalf("chain ends after %d objects", i)
		}
		d := h.RegionFor(obj)
		if dest == nil {
			dest = d
		}
		if d != dest || d == r {
			t.Errorf("object %d copied to region %d, want a single region other than %d", i, d.Index, r.Index)
		}
		for s := 1; s < 50; s++ {
			if got := h.LoadField(obj, s); got != uint64(i*100+s) {
				t.Fatalf("object %d slot %d = %d", i, s, got)
			}
		}
		obj = heap.Address(h.LoadField(obj, 0))
	}
	if obj != heap.Nil {
		t.Error("chain longer than 10 objects")
	}
	if dest.Type != heap.RegionOld {
		t.Errorf("destination region type = %s, want old", dest.Type)
	}
}

func TestCopyForwardTreeOrderings(t *testing.T) {
	for _, ordering := range []config.ScanOrdering{config.BreadthFirst, config.Hierarchical} {
		for _, threads := range []int{1, 4} {
			t.Run(fmt.Sprintf("%s/%d", ordering, threads), func(t *testing.T) {
				cfg := testConfig()
				cfg.Workers.Threads = threads
				cfg.Scan.Ordering = ordering
				c := newTestCollector(t, cfg)
				h := c.Heap()
				tc := defineTestClasses(t, h)
				m := c.NewMutator(0)

				root, n := buildTree(t, m, tc, 10)
				c.Roots().SetGlobal("tree", root)
				// 垃圾
				for i := 0; i < 200; i++ {
					newLeaf(t, m, tc, uint64(i))
				}

				report := mustCollect(t, c)
				if got := checkTree(t, h, c.Roots().Global("tree"), 10); got != n {
					t.Errorf("tree has %d nodes, want %d", got, n)
				}
				if report.CopiedObjects() != uint64(n) {
					t.Errorf("copied %d objects, want %d", report.CopiedObjects(), n)
				}
				if report.Aborted {
					t.Error("cycle aborted")
				}

				// 第二次把所有老区域也加入回收集
				report = mustCollect(t, c, c.OldRegions(0)...)
				checkTree(t, h, c.Roots().Global("tree"), 10)
				if report.OldCopiedObjects != uint64(n) {
					t.Errorf("old copied %d objects, want %d", report.OldCopiedObjects, n)
				}
			})
		}
	}
}

func TestCopyForwardSharedObjectsForwardedOnce(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	shared := make([]heap.Address, 32)
	for i := range shared {
		shared[i] = newLeaf(t, m, tc, uint64(i))
	}
	// 64 个栈各自引用同一批对象，多个线程同时竞争复制
	for s := 0; s < 64; s++ {
		c.Roots().AddStack(shared...)
	}

	report := mustCollect(t, c)
	if report.CopiedObjects() != 32 {
		t.Errorf("copied %d objects, want 32", report.CopiedObjects())
	}
	first := c.Roots().Stack(0)
	for s := 1; s < 64; s++ {
		st := c.Roots().Stack(s)
		for i := range st {
			if st[i] != first[i] {
				t.Fatalf("stack %d slot %d = %#x, stack 0 has %#x", s, i, uint64(st[i]), uint64(first[i]))
			}
		}
	}
	for i, obj := range first {
		if h.LoadField(obj, 0) != uint64(i) {
			t.Errorf("object %d value = %d", i, h.LoadField(obj, 0))
		}
	}
}

func TestCopyForwardIdentityHashGrowsObject(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	obj := newLeaf(t, m, tc, 42)
	hash := h.IdentityHash(obj)
	size := h.SizeInBytes(obj)
	c.Roots().SetGlobal("obj", obj)

	mustCollect(t, c)
	moved := c.Roots().Global("obj")
	if moved == obj {
		t.Fatal("object was not moved")
	}
	if got := h.IdentityHash(moved); got != hash {
		t.Errorf("hash after move = %d, want %d", got, hash)
	}
	if got := h.SizeInBytes(moved); got != size+heap.WordSize {
		t.Errorf("size after move = %d, want %d", got, size+heap.WordSize)
	}
	if h.LoadField(moved, 0) != 42 {
		t.Error("value lost")
	}
}

// ============================================================================
// 大数组分片
// ============================================================================

func TestCopyForwardSplitArray(t *testing.T) {
	for _, ordering := range []config.ScanOrdering{config.BreadthFirst, config.Hierarchical} {
		t.Run(string(ordering), func(t *testing.T) {
			cfg := testConfig()
			cfg.Scan.Ordering = ordering
			c := newTestCollector(t, cfg)
			h := c.Heap()
			tc := defineTestClasses(t, h)
			m := c.NewMutator(0)

			const n = 500
			arr := mustAllocateArray(t, m, tc.array, n)
			for i := 0; i < n; i++ {
				m.StoreElement(arr, i, newLeaf(t, m, tc, uint64(i)))
			}
			c.Roots().SetGlobal("arr", arr)

			report := mustCollect(t, c)
			if report.SplitArrayUnits == 0 {
				t.Error("array was not split")
			}
			arr = c.Roots().Global("arr")
			if h.ArrayLength(arr) != n {
				t.Fatalf("array length = %d", h.ArrayLength(arr))
			}
			seen := make(map[heap.Address]bool)
			for i := 0; i < n; i++ {
				e := h.LoadElement(arr, i)
				if e == heap.Nil || h.IsForwarded(e) || !h.RegionFor(e).ContainsObjects() {
					t.Fatalf("element %d = %#x is not a live object", i, uint64(e))
				}
				if h.RegionFor(e).IsEden() {
					t.Fatalf("element %d still in eden", i)
				}
				if h.LoadField(e, 0) != uint64(i) {
					t.Fatalf("element %d value = %d", i, h.LoadField(e, 0))
				}
				if seen[e] {
					t.Fatalf("element %d shares its object", i)
				}
				seen[e] = true
			}
		})
	}
}

// ============================================================================
// 中止与原地标记
// ============================================================================

// 10000 个元素的数组：目标区域只够复制一部分，剩余对象原地标记，每个对象只处理一次
func TestCopyForwardAbortLargeArray(t *testing.T) {
	cfg := testConfig()
	cfg.Heap.RegionSize = config.Size(128 * 1024)
	cfg.Heap.HeapSize = config.Size(3 * 128 * 1024)
	cfg.Cache.MaxCacheSize = config.Size(16 * 1024)
	cfg.Scan.ArraySplitSize = 128
	c := newTestCollector(t, cfg)
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	const n = 10000
	arr := mustAllocateArray(t, m, tc.array, n)
	for i := 0; i < n; i++ {
		m.StoreElement(arr, i, newLeaf(t, m, tc, uint64(i)))
	}
	c.Roots().SetGlobal("arr", arr)

	report := mustCollect(t, c)
	if !report.Aborted {
		t.Fatal("cycle should abort: one free region cannot hold the live set")
	}
	if got := report.CopiedObjects() + report.MarkedInPlace; got != n+1 {
		t.Errorf("copied %d + marked %d = %d objects, want %d",
			report.CopiedObjects(), report.MarkedInPlace, got, n+1)
	}
	if report.SweptRegions == 0 {
		t.Error("aborted cycle should sweep regions in place")
	}

	arr = c.Roots().Global("arr")
	seen := make(map[heap.Address]bool, n)
	for i := 0; i < n; i++ {
		e := h.LoadElement(arr, i)
		if e == heap.Nil || h.IsForwarded(e) {
			t.Fatalf("element %d = %#x", i, uint64(e))
		}
		if h.LoadField(e, 0) != uint64(i) {
			t.Fatalf("element %d value = %d", i, h.LoadField(e, 0))
		}
		if seen[e] {
			t.Fatalf("element %d duplicated", i)
		}
		seen[e] = true
	}

	rep := c.Verify()
	if rep.HasErrors() {
		t.Fatalf("heap verification failed after abort: %v", rep.Err())
	}
	if len(rep.Warnings()) == 0 {
		t.Error("expected an abort warning")
	}

	// 下一个周期从中止中恢复
	report = mustCollect(t, c)
	if report.Aborted {
		t.Error("empty eden cycle aborted")
	}
}

func TestCopyForwardForcedNoEvacuation(t *testing.T) {
	cfg := testConfig()
	cfg.Placement.ForcedNoEvacuationRatio = 1
	c := newTestCollector(t, cfg)
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	root, n := buildTree(t, m, tc, 8)
	c.Roots().SetGlobal("tree", root)
	for i := 0; i < 20; i++ {
		newLeaf(t, m, tc, uint64(i))
	}

	report := mustCollect(t, c)
	if report.Aborted {
		t.Error("no-evacuation cycle should not abort")
	}
	if report.NoEvacuationRegions != report.CollectionSetRegions {
		t.Errorf("%d of %d regions not evacuated", report.NoEvacuationRegions, report.CollectionSetRegions)
	}
	if c.Roots().Global("tree") != root {
		t.Error("root moved out of a no-evacuation region")
	}
	if report.MarkedInPlace != uint64(n) || report.CopiedObjects() != 0 {
		t.Errorf("marked %d, copied %d, want %d marked", report.MarkedInPlace, report.CopiedObjects(), n)
	}
	if report.FreedBytes < 20*16 {
		t.Errorf("freed %d bytes, garbage not swept", report.FreedBytes)
	}
	checkTree(t, h, root, 8)
	if r := h.RegionFor(root); r.Type != heap.RegionOld {
		t.Errorf("swept region type = %s, want old", r.Type)
	}
}

// 工作包很小时标记栈溢出与禁止疏散区域同时出现：周期转入原地标记，
// 含原地标记对象的区域只能清扫，不能归还
func TestCopyForwardNoEvacuationPacketOverflow(t *testing.T) {
	const depth = 12
	overflowed := 0
	for seed := int64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			cfg := testConfig()
			cfg.Placement.ForcedNoEvacuationRatio = 0.5
			cfg.Placement.RandomSeed = seed
			cfg.References.WorkPacketCount = 2
			cfg.References.WorkPacketSize = 4
			c := newTestCollector(t, cfg)
			h := c.Heap()
			tc := defineTestClasses(t, h)
			m := c.NewMutator(0)

			root, n := buildTree(t, m, tc, depth)
			c.Roots().SetGlobal("tree", root)

			report := mustCollect(t, c)
			if report.PacketOverflows > 0 && report.NoEvacuationRegions > 0 {
				overflowed++
				if !report.Aborted {
					t.Errorf("overflow with %d no-evacuation regions not reported as aborted", report.NoEvacuationRegions)
				}
			}
			if got := report.RecycledRegions + report.SweptRegions; got != report.CollectionSetRegions {
				t.Errorf("recycled %d + swept %d = %d, want %d regions",
					report.RecycledRegions, report.SweptRegions, got, report.CollectionSetRegions)
			}
			if report.Aborted && report.SweptRegions < report.NoEvacuationRegions {
				t.Errorf("swept %d regions, fewer than %d no-evacuation regions", report.SweptRegions, report.NoEvacuationRegions)
			}
			if got := report.CopiedObjects() + report.MarkedInPlace; got != uint64(n) {
				t.Errorf("copied %d + marked %d = %d objects, want %d",
					report.CopiedObjects(), report.MarkedInPlace, got, n)
			}

			root = c.Roots().Global("tree")
			checkTree(t, h, root, depth)
			for obj := range reachable(h, root) {
				if r := h.RegionFor(obj); !r.ContainsObjects() {
					t.Fatalf("live object %#x in free region %d", uint64(obj), r.Index)
				}
			}
			if rep := c.Verify(); rep.HasErrors() {
				t.Fatalf("heap verification failed: %v", rep.Err())
			}

			// 恢复后的下一个周期照常进行
			mustCollect(t, c, c.OldRegions(0)...)
			checkTree(t, h, c.Roots().Global("tree"), depth)
		})
	}
	if overflowed == 0 {
		t.Error("no seed overflowed the work packets")
	}
}

func TestCopyForwardPinnedRegion(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	obj := newLeaf(t, m, tc, 7)
	c.Roots().SetGlobal("pinned", obj)
	r := h.RegionFor(obj)
	r.Pin()

	report := mustCollect(t, c)
	r.Unpin()
	if c.Roots().Global("pinned") != obj {
		t.Error("object in a pinned region moved")
	}
	if report.NoEvacuationRegions != 1 {
		t.Errorf("no-evacuation regions = %d, want 1", report.NoEvacuationRegions)
	}
}

// ============================================================================
// 卡表与记忆集
// ============================================================================

// 老对象写入新对象后，只回收 eden 也能通过脏卡找到它
func TestCopyForwardDirtyCardKeepsChildAlive(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	holder := mustAllocate(t, m, tc.node)
	c.Roots().SetGlobal("holder", holder)
	mustCollect(t, c)
	holder = c.Roots().Global("holder")

	child := newLeaf(t, m, tc, 99)
	m.StoreRef(holder, 0, child)

	report := mustCollect(t, c)
	if report.CardsCleaned == 0 {
		t.Error("no cards cleaned")
	}
	moved := heap.Address(h.LoadField(holder, 0))
	if moved == child || h.RegionFor(moved).IsEden() || h.LoadField(moved, 0) != 99 {
		t.Errorf("child not forwarded through the dirty card: %#x", uint64(moved))
	}
}

// 老区域之间的引用记录在记忆集里，单独回收目标区域时持有者的槽被更新
func TestCopyForwardRememberedSetPartialCollect(t *testing.T) {
	cfg := testConfig()
	// 老区域不作为尾部候选，保证子对象落在新区域
	cfg.Placement.FragmentationTarget = 1
	c := newTestCollector(t, cfg)
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	holder := mustAllocate(t, m, tc.node)
	c.Roots().SetGlobal("holder", holder)
	mustCollect(t, c)
	holder = c.Roots().Global("holder")

	m.StoreRef(holder, 0, newLeaf(t, m, tc, 5))
	mustCollect(t, c)

	child := heap.Address(h.LoadField(holder, 0))
	target := h.RegionFor(child)
	if target == h.RegionFor(holder) {
		t.Fatal("child should be in its own region")
	}
	if !c.remset.IsRemembered(holder, target) {
		t.Fatal("cross-region reference not remembered")
	}

	report := mustCollect(t, c, target)
	if report.OldCopiedObjects != 1 {
		t.Errorf("old copied %d objects, want 1", report.OldCopiedObjects)
	}
	moved := heap.Address(h.LoadField(holder, 0))
	if moved == child || h.LoadField(moved, 0) != 5 {
		t.Errorf("holder slot = %#x after collecting region %d", uint64(moved), target.Index)
	}
	if target.Type != heap.RegionFree {
		t.Errorf("collected region type = %s, want free", target.Type)
	}
}

// ============================================================================
// 引用对象
// ============================================================================

func TestCopyForwardWeakReference(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	dead := mustAllocate(t, m, tc.weak)
	m.StoreRef(dead, heap.ReferenceReferentSlot, newLeaf(t, m, tc, 1))
	live := mustAllocate(t, m, tc.weak)
	kept := newLeaf(t, m, tc, 2)
	m.StoreRef(live, heap.ReferenceReferentSlot, kept)
	c.Roots().SetGlobal("dead", dead)
	c.Roots().SetGlobal("live", live)
	c.Roots().SetGlobal("kept", kept)

	report := mustCollect(t, c)
	if report.WeakCleared != 1 {
		t.Errorf("weak cleared = %d, want 1", report.WeakCleared)
	}
	dead = c.Roots().Global("dead")
	if h.LoadField(dead, heap.ReferenceReferentSlot) != 0 {
		t.Error("referent of an unreachable object not cleared")
	}
	if heap.ReferenceState(h.LoadField(dead, heap.ReferenceStateSlot)) != heap.ReferenceCleared {
		t.Error("reference state not cleared")
	}
	live = c.Roots().Global("live")
	if got := heap.Address(h.LoadField(live, heap.ReferenceReferentSlot)); got != c.Roots().Global("kept") {
		t.Errorf("live referent = %#x, want %#x", uint64(got), uint64(c.Roots().Global("kept")))
	}
}

func TestCopyForwardReferenceQueue(t *testing.T) {
	c := newTestCollector(t, testConfig())
	tc := defineTestClasses(t, c.Heap())
	m := c.NewMutator(0)

	ref := mustAllocate(t, m, tc.weak)
	m.StoreRef(ref, heap.ReferenceReferentSlot, newLeaf(t, m, tc, 1))
	m.StoreData(ref, heap.ReferenceQueueSlot, 1)
	c.Roots().SetGlobal("ref", ref)

	mustCollect(t, c)
	queued := c.Roots().TakeFinalizable()
	if len(queued) != 1 || queued[0] != c.Roots().Global("ref") {
		t.Errorf("queued = %v, want the cleared reference", queued)
	}
}

func TestCopyForwardSoftReferenceAging(t *testing.T) {
	cfg := testConfig()
	cfg.References.MaxSoftReferenceAge = 1
	c := newTestCollector(t, cfg)
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	ref := mustAllocate(t, m, tc.soft)
	m.StoreRef(ref, heap.ReferenceReferentSlot, newLeaf(t, m, tc, 3))
	c.Roots().SetGlobal("ref", ref)

	// 年龄 0 < 1：referent 保留，年龄加一
	report := mustCollect(t, c)
	ref = c.Roots().Global("ref")
	referent := heap.Address(h.LoadField(ref, heap.ReferenceReferentSlot))
	if referent == heap.Nil || h.LoadField(referent, 0) != 3 {
		t.Fatal("young soft referent cleared")
	}
	if age := h.LoadField(ref, heap.ReferenceAgeSlot); age != 1 {
		t.Errorf("soft age = %d, want 1", age)
	}
	if report.SoftCleared != 0 {
		t.Errorf("soft cleared = %d", report.SoftCleared)
	}

	report = mustCollect(t, c, c.OldRegions(0)...)
	ref = c.Roots().Global("ref")
	if h.LoadField(ref, heap.ReferenceReferentSlot) != 0 {
		t.Error("old soft referent not cleared")
	}
	if report.SoftCleared != 1 {
		t.Errorf("soft cleared = %d, want 1", report.SoftCleared)
	}
}

func TestCopyForwardPhantomReference(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	ref := mustAllocate(t, m, tc.phantom)
	m.StoreRef(ref, heap.ReferenceReferentSlot, newLeaf(t, m, tc, 1))
	c.Roots().SetGlobal("ref", ref)

	report := mustCollect(t, c)
	if report.PhantomCleared != 1 {
		t.Errorf("phantom cleared = %d, want 1", report.PhantomCleared)
	}
	if h.LoadField(c.Roots().Global("ref"), heap.ReferenceReferentSlot) != 0 {
		t.Error("phantom referent not cleared")
	}
}

// ============================================================================
// 终结
// ============================================================================

func TestCopyForwardFinalization(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	dead := mustAllocate(t, m, tc.finalizable)
	m.StoreData(dead, 0, 11)
	live := mustAllocate(t, m, tc.finalizable)
	m.StoreData(live, 0, 22)
	c.Roots().SetGlobal("live", live)
	src := h.RegionFor(dead)

	report := mustCollect(t, c)
	if report.FinalizableQueued != 1 {
		t.Errorf("finalizable queued = %d, want 1", report.FinalizableQueued)
	}
	queued := c.Roots().TakeFinalizable()
	if len(queued) != 1 {
		t.Fatalf("queued %d objects, want 1", len(queued))
	}
	if queued[0] == dead || h.RegionFor(queued[0]) == src || h.LoadField(queued[0], 0) != 11 {
		t.Errorf("resurrected object %#x not copied intact", uint64(queued[0]))
	}

	live = c.Roots().Global("live")
	found := false
	for _, obj := range h.RegionFor(live).Unfinalized() {
		if obj == live {
			found = true
		}
	}
	if !found {
		t.Error("live finalizable object not registered in its new region")
	}
}

// 等待终结的对象在下一个周期作为强根保留
func TestCopyForwardFinalizableQueueIsRoot(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	obj := mustAllocate(t, m, tc.finalizable)
	m.StoreData(obj, 0, 5)
	mustCollect(t, c)
	if c.Roots().FinalizableCount() != 1 {
		t.Fatalf("finalizable count = %d", c.Roots().FinalizableCount())
	}
	mustCollect(t, c, c.OldRegions(0)...)
	queued := c.Roots().TakeFinalizable()
	if len(queued) != 1 || h.LoadField(queued[0], 0) != 5 {
		t.Errorf("queued object lost: %v", queued)
	}
}

// ============================================================================
// 弱根
// ============================================================================

func TestCopyForwardWeakRoots(t *testing.T) {
	for _, asRoot := range []bool{false, true} {
		t.Run(fmt.Sprintf("stringTableAsRoot=%t", asRoot), func(t *testing.T) {
			cfg := testConfig()
			cfg.Debug.StringTableAsRoot = asRoot
			c := newTestCollector(t, cfg)
			h := c.Heap()
			tc := defineTestClasses(t, h)
			m := c.NewMutator(0)
			rs := c.Roots()

			live := newLeaf(t, m, tc, 1)
			rs.SetGlobal("live", live)
			rs.AddMonitor(live)
			rs.AddMonitor(newLeaf(t, m, tc, 2))
			liveHandle := rs.AddWeakGlobal(live)
			deadHandle := rs.AddWeakGlobal(newLeaf(t, m, tc, 3))
			rs.Intern("live", live)
			rs.Intern("dead", newLeaf(t, m, tc, 4))

			report := mustCollect(t, c)
			live = rs.Global("live")

			if mons := rs.Monitors(); len(mons) != 1 || mons[0] != live {
				t.Errorf("monitors = %v, want [%#x]", mons, uint64(live))
			}
			if report.MonitorsCleared != 1 {
				t.Errorf("monitors cleared = %d", report.MonitorsCleared)
			}
			if rs.WeakGlobal(liveHandle) != live {
				t.Error("live weak global not updated")
			}
			if rs.WeakGlobal(deadHandle) != heap.Nil {
				t.Error("dead weak global not cleared")
			}
			if rs.LookupString("live") != live {
				t.Error("interned string not updated")
			}
			dead := rs.LookupString("dead")
			if asRoot {
				if dead == heap.Nil || h.LoadField(dead, 0) != 4 {
					t.Error("string table as root should keep the string alive")
				}
			} else {
				if dead != heap.Nil || rs.StringCount() != 1 {
					t.Errorf("dead string kept: %#x (%d entries)", uint64(dead), rs.StringCount())
				}
				if report.StringTableCleared != 1 {
					t.Errorf("string table cleared = %d", report.StringTableCleared)
				}
			}
		})
	}
}

// ============================================================================
// 元数据根
// ============================================================================

func TestCopyForwardClassAndContinuationRoots(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	classes := h.Classes()
	classClass := classes.MustDefine(&heap.Class{Name: "Class", Shape: heap.ShapeClassObject, Slots: []heap.SlotKind{heap.SlotData}})
	contClass := classes.MustDefine(&heap.Class{Name: "Continuation", Shape: heap.ShapeContinuation, Slots: []heap.SlotKind{heap.SlotData}})
	m := c.NewMutator(0)

	if _, err := m.NewMirror(classClass, tc.node); err != nil {
		t.Fatalf("NewMirror failed: %v", err)
	}
	tc.node.Statics = []heap.Address{newLeaf(t, m, tc, 8)}
	k := classes.NewContinuation()
	k.Stack = []heap.Address{newLeaf(t, m, tc, 9)}
	kobj, err := m.NewContinuationObject(contClass, k)
	if err != nil {
		t.Fatalf("NewContinuationObject failed: %v", err)
	}
	c.Roots().SetGlobal("cont", kobj)

	mustCollect(t, c)
	if tc.node.Mirror == heap.Nil || h.RegionFor(tc.node.Mirror).IsEden() {
		t.Errorf("mirror not forwarded: %#x", uint64(tc.node.Mirror))
	}
	if h.DescribedClass(tc.node.Mirror) != tc.node {
		t.Error("mirror lost its class")
	}
	if s := tc.node.Statics[0]; h.RegionFor(s).IsEden() || h.LoadField(s, 0) != 8 {
		t.Error("static slot not forwarded")
	}
	if s := k.Stack[0]; h.RegionFor(s).IsEden() || h.LoadField(s, 0) != 9 {
		t.Error("continuation stack not forwarded")
	}
}

// ============================================================================
// NUMA
// ============================================================================

func TestCopyForwardNumaAffinity(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.NUMANodes = 2
	c := newTestCollector(t, cfg)
	h := c.Heap()
	tc := defineTestClasses(t, h)

	for node := 1; node <= 2; node++ {
		m := c.NewMutator(node)
		root, _ := buildTree(t, m, tc, 6)
		c.Roots().SetGlobal(fmt.Sprintf("tree%d", node), root)
	}

	mustCollect(t, c)
	for node := 1; node <= 2; node++ {
		root := c.Roots().Global(fmt.Sprintf("tree%d", node))
		checkTree(t, h, root, 6)
		for obj := range reachable(h, root) {
			if ctx := h.RegionFor(obj).Context().Index(); ctx != node {
				t.Fatalf("object from node %d copied to context %d", node, ctx)
			}
		}
	}
	if h.CommonContext().FreeRegionCount() != 0 {
		t.Error("common context should own no regions")
	}
}

// ============================================================================
// 内部结构
// ============================================================================

func TestCopyForwardCachesReturned(t *testing.T) {
	c := newTestCollector(t, testConfig())
	tc := defineTestClasses(t, c.Heap())
	m := c.NewMutator(0)
	root, _ := buildTree(t, m, tc, 9)
	c.Roots().SetGlobal("tree", root)

	for i := 0; i < 3; i++ {
		mustCollect(t, c, c.OldRegions(0)...)
		p := &c.scheme.caches
		if p.freeCount != p.total {
			t.Fatalf("cycle %d: %d of %d cache descriptors free", i, p.freeCount, p.total)
		}
		for x := p.free; x != nil; x = x.next {
			if x.where != cacheInFreeList || x.flags&cacheHeap != 0 {
				t.Fatalf("cycle %d: free descriptor in location %d, flags %b", i, x.where, x.flags)
			}
		}
		for j := range c.scheme.scanLists {
			if c.scheme.scanLists[j].count.Load() != 0 {
				t.Fatalf("cycle %d: scan list %d not empty", i, j)
			}
		}
	}
}

// 每线程只有一个缓存描述符时从堆里借内存存放描述符，周期结束后全部归还
func TestCopyForwardHeapCacheDescriptors(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.ScanCacheCount = 1
	c := newTestCollector(t, cfg)
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	root, n := buildTree(t, m, tc, 10)
	c.Roots().SetGlobal("tree", root)

	report := mustCollect(t, c)
	if report.HeapCacheChunks == 0 {
		t.Fatal("descriptor pool never borrowed heap memory")
	}
	if report.Aborted {
		t.Error("cycle aborted")
	}
	if got := report.CopiedObjects() + report.MarkedInPlace; got != uint64(n) {
		t.Errorf("copied %d + marked %d = %d objects, want %d",
			report.CopiedObjects(), report.MarkedInPlace, got, n)
	}
	if got := report.RecycledRegions + report.SweptRegions; got != report.CollectionSetRegions {
		t.Errorf("recycled %d + swept %d = %d, want %d regions",
			report.RecycledRegions, report.SweptRegions, got, report.CollectionSetRegions)
	}
	if report.RecycledRegions != report.CollectionSetRegions {
		t.Errorf("recycled %d of %d evacuated regions", report.RecycledRegions, report.CollectionSetRegions)
	}
	checkTree(t, h, c.Roots().Global("tree"), 10)

	p := &c.scheme.caches
	if p.freeCount != p.total {
		t.Errorf("%d of %d cache descriptors free", p.freeCount, p.total)
	}
	if len(p.heapChunks) != 0 {
		t.Errorf("%d heap descriptor chunks not released", len(p.heapChunks))
	}
	for x := p.free; x != nil; x = x.next {
		if x.flags&cacheHeap != 0 {
			t.Fatal("heap descriptor left on the free list")
		}
	}
	if rep := c.Verify(); rep.HasErrors() {
		t.Fatalf("heap verification failed: %v", rep.Err())
	}

	// 下一个周期再次借用
	report = mustCollect(t, c, c.OldRegions(0)...)
	checkTree(t, h, c.Roots().Global("tree"), 10)
	if p.freeCount != p.total || len(p.heapChunks) != 0 {
		t.Errorf("second cycle: %d of %d descriptors free, %d chunks", p.freeCount, p.total, len(p.heapChunks))
	}
}

func TestReservedSublistIntegrity(t *testing.T) {
	c := newTestCollector(t, testConfig())
	s := c.scheme
	regions := c.Heap().Regions()

	sub := &s.reserved[0].sublists[0]
	for _, r := range regions[:4] {
		sub.insert(r)
	}
	sub.remove(regions[1])
	if err := s.checkReservedRegionLists(); err != nil {
		t.Fatalf("consistent sublist reported: %v", err)
	}

	// 同一个区域链入两个复制组
	other := &s.reserved[1].sublists[0]
	other.head = regions[0]
	other.count = 1
	if err := s.checkReservedRegionLists(); err == nil {
		t.Error("region linked twice not detected")
	}
	other.head = nil
	other.count = 0

	// 计数与链表不一致
	sub.count++
	if err := s.checkReservedRegionLists(); err == nil {
		t.Error("count mismatch not detected")
	}
	s.clearReservedRegionLists()
	if err := s.checkReservedRegionLists(); err != nil {
		t.Errorf("cleared lists reported: %v", err)
	}
}

func TestCompactGroupNumbering(t *testing.T) {
	m := compactGroupManager{maxAge: 3, contexts: 3}
	if m.count() != 12 {
		t.Errorf("count = %d, want 12", m.count())
	}
	g := m.group(2, 1)
	if m.context(g) != 2 || m.age(g) != 1 {
		t.Errorf("group %d decodes to context %d age %d", g, m.context(g), m.age(g))
	}
	if m.group(1, 9) != m.group(1, 3) {
		t.Error("age above maximum should clamp")
	}
	if m.destinationAge(3) != 3 || m.destinationAge(0) != 1 {
		t.Error("destination age wrong")
	}
}

func TestMutatorAllocatesAfterCollect(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	for round := 0; round < 5; round++ {
		obj := newLeaf(t, m, tc, uint64(round))
		c.Roots().SetGlobal(fmt.Sprintf("obj%d", round), obj)
		if !h.RegionFor(obj).IsEden() {
			t.Fatalf("round %d: allocation outside eden", round)
		}
		mustCollect(t, c)
	}
	if c.Cycles() != 5 {
		t.Errorf("cycles = %d", c.Cycles())
	}
	for round := 0; round < 5; round++ {
		if h.LoadField(c.Roots().Global(fmt.Sprintf("obj%d", round)), 0) != uint64(round) {
			t.Errorf("object %d lost", round)
		}
	}
	if last := c.Profiler().Last(); last == nil || last.Cycle != 5 {
		t.Errorf("profiler last = %+v", last)
	}
}
