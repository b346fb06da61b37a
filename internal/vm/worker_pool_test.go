package vm

import (
	"runtime"
	"testing"

	"go.uber.org/atomic"
)

func newTestPool(n int) *WorkerPool {
	return NewWorkerPool(n, func(id int) *Environment {
		return NewEnvironment(id, n, 0, nil)
	})
}

// ============================================================================
// 回收线程池测试
// ============================================================================

func TestWorkerPoolCreation(t *testing.T) {
	pool := newTestPool(4)

	if pool.NumWorkers() != 4 {
		t.Errorf("Expected 4 workers, got %d", pool.NumWorkers())
	}

	for i := 0; i < 4; i++ {
		w := pool.GetWorker(i)
		if w == nil {
			t.Fatalf("Worker %d should not be nil", i)
		}
		if w.ID() != i {
			t.Errorf("Worker ID should be %d, got %d", i, w.ID())
		}
		if w.Env().ID() != i {
			t.Errorf("Worker %d has environment %d", i, w.Env().ID())
		}
	}
	if pool.GetWorker(4) != nil {
		t.Error("GetWorker out of range should be nil")
	}
	if !pool.GetWorker(0).Env().IsMaster() || pool.GetWorker(1).Env().IsMaster() {
		t.Error("only worker 0 should be the master")
	}
}

func TestWorkerPoolAutoDetectCPU(t *testing.T) {
	pool := newTestPool(0)

	expected := runtime.NumCPU()
	if expected > MaxWorkerCount {
		expected = MaxWorkerCount
	}
	if pool.NumWorkers() != expected {
		t.Errorf("Expected %d workers (NumCPU), got %d", expected, pool.NumWorkers())
	}
}

func TestWorkerPoolStartStop(t *testing.T) {
	pool := newTestPool(2)

	if pool.IsRunning() {
		t.Error("Pool should not be running before Start()")
	}
	pool.Start()
	if !pool.IsRunning() {
		t.Error("Pool should be running after Start()")
	}
	pool.Stop()
	if pool.IsRunning() {
		t.Error("Pool should not be running after Stop()")
	}
}

// countTask 记录每个线程执行的次数
type countTask struct {
	runs [8]atomic.Int32
}

func (c *countTask) Run(env *Environment) {
	c.runs[env.ID()].Inc()
}

func TestWorkerPoolDispatchRunsEveryWorker(t *testing.T) {
	pool := newTestPool(4)
	defer pool.Stop()

	task := &countTask{}
	for i := 0; i < 3; i++ {
		pool.Dispatch(task)
	}
	for i := 0; i < 4; i++ {
		if got := task.runs[i].Load(); got != 3 {
			t.Errorf("worker %d ran %d times, want 3", i, got)
		}
	}
	dispatched, runs := pool.Stats()
	if dispatched != 3 || runs != 12 {
		t.Errorf("stats = %d dispatched, %d runs", dispatched, runs)
	}
	if pool.GetWorker(2).ExecutedCount() != 3 {
		t.Errorf("worker 2 executed %d tasks", pool.GetWorker(2).ExecutedCount())
	}
}

func TestEnvironmentNumaNode(t *testing.T) {
	if n := NewEnvironment(3, 4, 0, nil).NumaNode(); n != 0 {
		t.Errorf("NumaNode without NUMA = %d", n)
	}
	// 线程轮流分到节点 1..n
	for id, want := range []int{1, 2, 1, 2} {
		if n := NewEnvironment(id, 4, 2, nil).NumaNode(); n != want {
			t.Errorf("worker %d node = %d, want %d", id, n, want)
		}
	}
}

// ============================================================================
// 同步点与工作单元
// ============================================================================

// unitTask 所有线程以相同顺序遍历工作单元，记录每个单元被领取的次数
type unitTask struct {
	ParallelTask
	units   int
	claims  []atomic.Int32
	masters atomic.Int32
	singles atomic.Int32
	order   []int
}

func newUnitTask(threads, units int) *unitTask {
	t := &unitTask{units: units, claims: make([]atomic.Int32, units)}
	t.init(threads)
	return t
}

func (t *unitTask) Run(env *Environment) {
	for i := 0; i < t.units; i++ {
		if t.HandleNextWorkUnit(env) {
			t.claims[i].Inc()
		}
	}
	t.SynchronizeGCThreads(env, "firstPass")

	for i := 0; i < t.units; i++ {
		if t.HandleNextWorkUnit(env) {
			t.claims[i].Inc()
		}
	}
	if t.SynchronizeGCThreadsAndReleaseMaster(env, "master") {
		t.masters.Inc()
		t.order = append(t.order, env.ID())
		t.ReleaseSynchronizedGCThreads(env)
	}

	if t.SynchronizeGCThreadsAndReleaseSingleThread(env, "single") {
		t.singles.Inc()
		t.ReleaseSynchronizedGCThreads(env)
	}
	t.SynchronizeGCThreads(env, "end")
}

func TestHandleNextWorkUnitEachUnitOnce(t *testing.T) {
	for _, threads := range []int{1, 2, 4, 8} {
		pool := newTestPool(threads)
		task := newUnitTask(threads, 1000)
		pool.Dispatch(task)
		pool.Stop()

		for i := range task.claims {
			if got := task.claims[i].Load(); got != 2 {
				t.Fatalf("threads=%d: unit %d claimed %d times, want 2", threads, i, got)
			}
		}
		if task.masters.Load() != 1 || len(task.order) != 1 || task.order[0] != 0 {
			t.Errorf("threads=%d: master released %d times (%v)", threads, task.masters.Load(), task.order)
		}
		if task.singles.Load() != 1 {
			t.Errorf("threads=%d: single thread released %d times", threads, task.singles.Load())
		}
		count, _, _ := task.Stats()
		if count != 4 {
			t.Errorf("threads=%d: %d sync points, want 4", threads, count)
		}
	}
}

func TestSyncPointsAcrossDispatches(t *testing.T) {
	pool := newTestPool(4)
	defer pool.Stop()

	// 同一个线程池连续运行多个任务，同步状态互不干扰
	for round := 0; round < 5; round++ {
		task := newUnitTask(4, 64)
		pool.Dispatch(task)
		for i := range task.claims {
			if task.claims[i].Load() != 2 {
				t.Fatalf("round %d: unit %d claimed %d times", round, i, task.claims[i].Load())
			}
		}
	}
}
