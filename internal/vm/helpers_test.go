package vm

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/regiongc/internal/config"
	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/profiler"
)

// testConfig 8KB 区域、1MB 堆、4 个回收线程，每个周期后校验堆
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Workers.Threads = 4
	cfg.Heap.RegionSize = config.Size(8 * 1024)
	cfg.Heap.HeapSize = config.Size(128 * 8 * 1024)
	cfg.Cache.MinCacheSize = config.Size(512)
	cfg.Cache.MaxCacheSize = config.Size(2 * 1024)
	cfg.Cache.TLHRemainderThreshold = config.Size(128)
	cfg.Scan.ArraySplitSize = 16
	cfg.Debug.VerifyAfterCycle = true
	return cfg
}

func newTestCollector(tb testing.TB, cfg *config.Config) *Collector {
	tb.Helper()
	c, err := NewCollector(cfg, zaptest.NewLogger(tb, zaptest.Level(zap.WarnLevel)))
	if err != nil {
		tb.Fatalf("NewCollector failed: %v", err)
	}
	tb.Cleanup(c.Close)
	return c
}

// testClasses 测试使用的类集合
type testClasses struct {
	node        *heap.Class // left, right, value
	leaf        *heap.Class // value
	big         *heap.Class // next + 49 个数据槽，408 字节
	array       *heap.Class
	weak        *heap.Class
	soft        *heap.Class
	phantom     *heap.Class
	finalizable *heap.Class // value
}

func defineTestClasses(tb testing.TB, h *heap.Heap) *testClasses {
	tb.Helper()
	t := h.Classes()
	bigSlots := make([]heap.SlotKind, 50)
	bigSlots[0] = heap.SlotRef
	refSlots := func() []heap.SlotKind {
		return []heap.SlotKind{heap.SlotData, heap.SlotData, heap.SlotRef, heap.SlotData}
	}
	return &testClasses{
		node:        t.MustDefine(&heap.Class{Name: "Node", Shape: heap.ShapeMixed, Slots: []heap.SlotKind{heap.SlotRef, heap.SlotRef, heap.SlotData}}),
		leaf:        t.MustDefine(&heap.Class{Name: "Leaf", Shape: heap.ShapeMixed, Slots: []heap.SlotKind{heap.SlotData}}),
		big:         t.MustDefine(&heap.Class{Name: "Big", Shape: heap.ShapeMixed, Slots: bigSlots}),
		array:       t.MustDefine(&heap.Class{Name: "Object[]", Shape: heap.ShapePointerArray}),
		weak:        t.MustDefine(&heap.Class{Name: "WeakReference", Shape: heap.ShapeReference, Slots: refSlots(), RefKind: heap.RefWeak}),
		soft:        t.MustDefine(&heap.Class{Name: "SoftReference", Shape: heap.ShapeReference, Slots: refSlots(), RefKind: heap.RefSoft}),
		phantom:     t.MustDefine(&heap.Class{Name: "PhantomReference", Shape: heap.ShapeReference, Slots: refSlots(), RefKind: heap.RefPhantom}),
		finalizable: t.MustDefine(&heap.Class{Name: "Resource", Shape: heap.ShapeMixed, Slots: []heap.SlotKind{heap.SlotData}, Finalizable: true}),
	}
}

func mustAllocate(tb testing.TB, m *heap.Mutator, c *heap.Class) heap.Address {
	tb.Helper()
	obj, err := m.Allocate(c)
	if err != nil {
		tb.Fatalf("Allocate %s failed: %v", c.Name, err)
	}
	return obj
}

func mustAllocateArray(tb testing.TB, m *heap.Mutator, c *heap.Class, n int) heap.Address {
	tb.Helper()
	arr, err := m.AllocateArray(c, n)
	if err != nil {
		tb.Fatalf("AllocateArray %s[%d] failed: %v", c.Name, n, err)
	}
	return arr
}

// newLeaf 分配一个值为 v 的叶子对象
func newLeaf(tb testing.TB, m *heap.Mutator, tc *testClasses, v uint64) heap.Address {
	obj := mustAllocate(tb, m, tc.leaf)
	m.StoreData(obj, 0, v)
	return obj
}

// buildTree 分配深度为 depth 的完全二叉树，节点值按先序编号，返回根和节点数
func buildTree(tb testing.TB, m *heap.Mutator, tc *testClasses, depth int) (heap.Address, int) {
	next := uint64(0)
	var build func(d int) heap.Address
	build = func(d int) heap.Address {
		n := mustAllocate(tb, m, tc.node)
		m.StoreData(n, 2, next)
		next++
		if d > 1 {
			m.StoreRef(n, 0, build(d-1))
			m.StoreRef(n, 1, build(d-1))
		}
		return n
	}
	root := build(depth)
	return root, int(next)
}

// checkTree 校验树的形状和值没有被回收破坏
func checkTree(tb testing.TB, h *heap.Heap, root heap.Address, depth int) int {
	tb.Helper()
	next := uint64(0)
	var walk func(n heap.Address, d int)
	walk = func(n heap.Address, d int) {
		if n == heap.Nil {
			tb.Fatalf("missing node at depth %d", d)
		}
		if h.IsForwarded(n) {
			tb.Fatalf("node %#x is a stale forwarded copy", uint64(n))
		}
		if got := h.LoadField(n, 2); got != next {
			tb.Fatalf("node value = %d, want %d", got, next)
		}
		next++
		if d > 1 {
			walk(heap.Address(h.LoadField(n, 0)), d-1)
			walk(heap.Address(h.LoadField(n, 1)), d-1)
		}
	}
	walk(root, depth)
	return int(next)
}

// reachable 从给定根出发可达的全部对象，引用对象的 referent 按强引用处理
func reachable(h *heap.Heap, roots ...heap.Address) map[heap.Address]bool {
	seen := make(map[heap.Address]bool)
	stack := append([]heap.Address(nil), roots...)
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if obj == heap.Nil || seen[obj] {
			continue
		}
		seen[obj] = true
		var cur heap.ScanCursor
		cur.Reset(obj)
		heap.ScannableFor(h.ClassOf(obj).Shape).ForEachReference(h, obj, &cur, func(s heap.Slot) bool {
			stack = append(stack, s.Read())
			return true
		})
	}
	return seen
}

func mustCollect(tb testing.TB, c *Collector, regions ...*heap.Region) *profiler.CycleReport {
	tb.Helper()
	r, err := c.Collect(regions...)
	if err != nil {
		tb.Fatalf("Collect failed: %v", err)
	}
	return r
}
