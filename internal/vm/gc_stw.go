// gc_stw.go - 回收任务的同步点与工作单元分配
//
// 回收任务在所有回收线程上并行运行，线程之间通过同步点对齐阶段：
// 1. SynchronizeGCThreads - 所有线程到达后一起继续
// 2. SynchronizeGCThreadsAndReleaseMaster - 所有线程到达后只放行主线程，
//    主线程完成单线程工作后调用 ReleaseSynchronizedGCThreads
// 3. SynchronizeGCThreadsAndReleaseSingleThread - 放行最后到达的线程
//
// HandleNextWorkUnit 把一串工作单元分给各线程：所有线程以相同顺序遍历同一串单元，
// 每个单元恰好由一个线程处理。计数在每个同步点归零。

package vm

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/cpu"
)

// ParallelTask 并行任务的同步状态，嵌入到具体任务中
type ParallelTask struct {
	threads int

	// =========================================================================
	// 同步点
	// =========================================================================

	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation uint64

	// syncPointID 当前同步点名称，线程到达不同的同步点说明任务逻辑有误
	syncPointID string

	// =========================================================================
	// 工作单元
	// =========================================================================

	// workUnitCounter 所有线程争用，独占一个缓存行
	_               cpu.CacheLinePad
	workUnitCounter atomic.Uint64
	_               cpu.CacheLinePad

	// =========================================================================
	// 统计
	// =========================================================================

	stats SyncStats
}

// SyncStats 同步点统计
type SyncStats struct {
	SyncCount  atomic.Int64    // 同步点次数
	TotalStall atomic.Duration // 所有线程在同步点累计等待的时间
	MaxStall   atomic.Duration // 单次最长等待
}

// init 初始化同步状态，threads 为参与任务的线程数
func (t *ParallelTask) init(threads int) {
	if threads < 1 {
		threads = 1
	}
	t.threads = threads
	t.cond = sync.NewCond(&t.mu)
}

// Threads 参与任务的线程数
func (t *ParallelTask) Threads() int {
	return t.threads
}

// ============================================================================
// 同步点
// ============================================================================

// SynchronizeGCThreads 所有线程到达后一起继续
func (t *ParallelTask) SynchronizeGCThreads(env *Environment, id string) {
	if t.threads == 1 {
		t.resetWorkUnits(env)
		t.stats.SyncCount.Inc()
		return
	}
	start := time.Now()

	t.mu.Lock()
	t.checkSyncPoint(id)
	gen := t.generation
	t.arrived++
	if t.arrived == t.threads {
		t.arrived = 0
		t.syncPointID = ""
		t.workUnitCounter.Store(0)
		t.generation++
		t.stats.SyncCount.Inc()
		t.cond.Broadcast()
	} else {
		for gen == t.generation {
			t.cond.Wait()
		}
	}
	t.mu.Unlock()

	t.resetWorkUnits(env)
	t.recordStall(env, time.Since(start))
}

// SynchronizeGCThreadsAndReleaseMaster 所有线程到达后只放行主线程，返回值表示是否被放行。
// 被放行的主线程必须调用 ReleaseSynchronizedGCThreads。
func (t *ParallelTask) SynchronizeGCThreadsAndReleaseMaster(env *Environment, id string) bool {
	if t.threads == 1 {
		t.resetWorkUnits(env)
		t.stats.SyncCount.Inc()
		return true
	}
	start := time.Now()

	t.mu.Lock()
	t.checkSyncPoint(id)
	gen := t.generation
	t.arrived++
	if env.IsMaster() {
		for t.arrived < t.threads {
			t.cond.Wait()
		}
		t.arrived = 0
		t.syncPointID = ""
		t.workUnitCounter.Store(0)
		t.stats.SyncCount.Inc()
		t.mu.Unlock()
		t.resetWorkUnits(env)
		t.recordStall(env, time.Since(start))
		return true
	}
	if t.arrived == t.threads {
		// 唤醒等待其他线程的主线程
		t.cond.Broadcast()
	}
	for gen == t.generation {
		t.cond.Wait()
	}
	t.mu.Unlock()

	t.resetWorkUnits(env)
	t.recordStall(env, time.Since(start))
	return false
}

// SynchronizeGCThreadsAndReleaseSingleThread 所有线程到达后放行最后到达的线程，
// 返回值表示是否被放行。被放行的线程必须调用 ReleaseSynchronizedGCThreads。
func (t *ParallelTask) SynchronizeGCThreadsAndReleaseSingleThread(env *Environment, id string) bool {
	if t.threads == 1 {
		t.resetWorkUnits(env)
		t.stats.SyncCount.Inc()
		return true
	}
	start := time.Now()

	t.mu.Lock()
	t.checkSyncPoint(id)
	gen := t.generation
	t.arrived++
	if t.arrived == t.threads {
		t.arrived = 0
		t.syncPointID = ""
		t.workUnitCounter.Store(0)
		t.stats.SyncCount.Inc()
		t.mu.Unlock()
		t.resetWorkUnits(env)
		return true
	}
	for gen == t.generation {
		t.cond.Wait()
	}
	t.mu.Unlock()

	t.resetWorkUnits(env)
	t.recordStall(env, time.Since(start))
	return false
}

// ReleaseSynchronizedGCThreads 放行在同步点等待的其他线程
func (t *ParallelTask) ReleaseSynchronizedGCThreads(env *Environment) {
	if t.threads == 1 {
		return
	}
	t.mu.Lock()
	t.generation++
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *ParallelTask) checkSyncPoint(id string) {
	if t.arrived == 0 {
		t.syncPointID = id
		return
	}
	assertTrue(t.syncPointID == id, "threads arrived at different sync points: %q and %q", t.syncPointID, id)
}

func (t *ParallelTask) recordStall(env *Environment, d time.Duration) {
	env.cf.stats.SyncStall += d
	t.stats.TotalStall.Add(d)
	for {
		old := t.stats.MaxStall.Load()
		if d <= old || t.stats.MaxStall.CAS(old, d) {
			return
		}
	}
}

// Stats 同步点统计快照
func (t *ParallelTask) Stats() (count int64, total, max time.Duration) {
	return t.stats.SyncCount.Load(), t.stats.TotalStall.Load(), t.stats.MaxStall.Load()
}

// ============================================================================
// 工作单元
// ============================================================================

// HandleNextWorkUnit 领取下一个工作单元，返回 true 表示当前单元归本线程处理
func (t *ParallelTask) HandleNextWorkUnit(env *Environment) bool {
	if t.threads == 1 {
		return true
	}
	env.workUnitIndex++
	if env.workUnitToHandle < env.workUnitIndex {
		env.workUnitToHandle = t.workUnitCounter.Inc()
	}
	return env.workUnitIndex == env.workUnitToHandle
}

func (t *ParallelTask) resetWorkUnits(env *Environment) {
	env.workUnitIndex = 0
	env.workUnitToHandle = 0
}
