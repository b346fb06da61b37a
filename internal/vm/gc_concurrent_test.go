package vm

import (
	"testing"

	"github.com/tangzhangming/regiongc/internal/heap"
)

// liveBytes 可达对象的总字节数
func liveBytes(h *heap.Heap, objs map[heap.Address]bool) uint64 {
	total := uint64(0)
	for obj := range objs {
		total += h.SizeInBytes(obj)
	}
	return total
}

func runGlobalMark(c *Collector) uint64 {
	for !c.StepGlobalMark(16) {
	}
	return c.FinishGlobalMark()
}

func TestGlobalMarkCountsReachableBytes(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	root, _ := buildTree(t, m, tc, 7)
	c.Roots().SetGlobal("tree", root)
	for i := 0; i < 50; i++ {
		newLeaf(t, m, tc, uint64(i))
	}
	mustCollect(t, c)

	c.StartGlobalMark()
	if !c.GlobalMark().IsActive() {
		t.Fatal("global mark not active after start")
	}
	live := runGlobalMark(c)
	if c.GlobalMark().IsActive() {
		t.Error("global mark still active after finish")
	}

	objs := reachable(h, c.Roots().Global("tree"))
	if want := liveBytes(h, objs); live != want {
		t.Errorf("live bytes = %d, want %d", live, want)
	}
	for obj := range objs {
		if !c.GlobalMark().IsMarked(obj) {
			t.Fatalf("reachable object %#x not marked", uint64(obj))
		}
	}
	if st := c.GlobalMark().Stats(); st.Cycles != 1 || st.MarkedObjects != uint64(len(objs)) {
		t.Errorf("stats = %+v", st)
	}
}

// 标记进行中发生部分回收：复制过的已标记对象在新位置保持标记，新写入的引用被卡表找回
func TestGlobalMarkSurvivesPartialCollect(t *testing.T) {
	c := newTestCollector(t, testConfig())
	h := c.Heap()
	tc := defineTestClasses(t, h)
	m := c.NewMutator(0)

	root, _ := buildTree(t, m, tc, 8)
	c.Roots().SetGlobal("tree", root)
	mustCollect(t, c)

	c.StartGlobalMark()
	c.StepGlobalMark(10)

	// 把新对象挂到一个老节点上
	holder := heap.Address(h.LoadField(c.Roots().Global("tree"), 0))
	sub, _ := buildTree(t, m, tc, 4)
	m.StoreRef(holder, 0, sub)

	mustCollect(t, c, c.OldRegions(2)...)
	runGlobalMark(c)

	objs := reachable(h, c.Roots().Global("tree"))
	for obj := range objs {
		if !c.GlobalMark().IsMarked(obj) {
			t.Fatalf("reachable object %#x (region %d) not marked", uint64(obj), h.RegionFor(obj).Index)
		}
	}
	if st := c.GlobalMark().Stats(); st.ItemsUpdated+st.ItemsDeleted == 0 && st.CardsScanned == 0 {
		t.Errorf("partial collect left no trace in the global mark: %+v", st)
	}
}

func TestGlobalMarkIdle(t *testing.T) {
	c := newTestCollector(t, testConfig())
	if !c.StepGlobalMark(1) {
		t.Error("idle step should report no work")
	}
	if live := c.FinishGlobalMark(); live != 0 {
		t.Errorf("idle finish = %d", live)
	}
}
