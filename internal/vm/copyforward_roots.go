package vm

import (
	"github.com/tangzhangming/regiongc/internal/heap"
)

// ============================================================================
// 根扫描
// ============================================================================

// classesPerWorkUnit 类元数据根按这个粒度划分工作单元
const classesPerWorkUnit = 64

// scanRoots 复制强根引用的对象。每个栈、全局变量表、每批类、加载器、续体、
// 终结队列和（可选的）字符串常量表各是一个工作单元。
func (s *CopyForwardScheme) scanRoots(env *Environment) {
	t := s.task
	rs := s.roots

	for i := range rs.stacks {
		if t.HandleNextWorkUnit(env) {
			s.copyRootSlots(env, rs.stacks[i])
		}
	}
	if t.HandleNextWorkUnit(env) {
		s.copyRootSlots(env, rs.globals)
	}

	classes := s.heap.Classes().All()
	for start := 0; start < len(classes); start += classesPerWorkUnit {
		if !t.HandleNextWorkUnit(env) {
			continue
		}
		end := start + classesPerWorkUnit
		if end > len(classes) {
			end = len(classes)
		}
		for _, c := range classes[start:end] {
			s.copyRootPointers(env, heap.ClassRoots(c))
		}
	}

	if t.HandleNextWorkUnit(env) {
		for _, l := range s.heap.Classes().Loaders() {
			s.copyRootPointers(env, heap.LoaderRoots(l))
		}
	}
	if t.HandleNextWorkUnit(env) {
		for _, k := range s.heap.Classes().Continuations() {
			s.copyRootSlots(env, k.Stack)
		}
	}

	if t.HandleNextWorkUnit(env) {
		s.copyRootSlots(env, rs.finalizable)
	}
	if s.cfg.Debug.StringTableAsRoot && t.HandleNextWorkUnit(env) {
		for i := range rs.strings {
			s.copyAndForward(env, nil, heap.Nil, heap.RootSlot(&rs.strings[i].obj))
		}
	}
}

// copyRootSlots 根对象按所在区域的上下文选择目标
func (s *CopyForwardScheme) copyRootSlots(env *Environment, slots []heap.Address) {
	for i := range slots {
		s.copyAndForward(env, nil, heap.Nil, heap.RootSlot(&slots[i]))
	}
}

func (s *CopyForwardScheme) copyRootPointers(env *Environment, roots []*heap.Address) {
	for _, p := range roots {
		s.copyAndForward(env, nil, heap.Nil, heap.RootSlot(p))
	}
}

// scanWeakRoots 所有强可达对象确定后，更新或清除弱根
func (s *CopyForwardScheme) scanWeakRoots(env *Environment) {
	rs := s.roots
	t := s.task
	if t.HandleNextWorkUnit(env) {
		env.cf.stats.MonitorsCleared += uint64(rs.pruneMonitors(s.forwardOrClear))
	}
	if t.HandleNextWorkUnit(env) {
		env.cf.stats.WeakGlobalsCleared += uint64(rs.clearWeakGlobals(s.forwardOrClear))
	}
	if !s.cfg.Debug.StringTableAsRoot && t.HandleNextWorkUnit(env) {
		env.cf.stats.StringTableCleared += uint64(rs.pruneStrings(s.forwardOrClear))
	}
}
