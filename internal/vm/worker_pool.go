// worker_pool.go - 回收线程池
//
// 固定数量的回收线程，每次派发的任务在所有线程上同时运行。

package vm

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

// ============================================================================
// 回收线程池配置
// ============================================================================
//
// 约束:
// 1. 同一时刻只有一个任务在运行，Dispatch 在所有线程完成前不返回
// 2. 每个线程的 Environment 跨任务保留（缓存、缓冲区、统计）
// 3. 任务内部的同步点要求所有线程都参与，任何线程不得提前退出 Run

const (
	// DefaultWorkerCount 默认回收线程数（等于 CPU 核心数）
	DefaultWorkerCount = 0 // 0 表示自动检测

	// MaxWorkerCount 回收线程数上限
	MaxWorkerCount = 256
)

// Task 在所有回收线程上并行执行的任务
type Task interface {
	// Run 在每个回收线程上各调用一次
	Run(env *Environment)
}

// ============================================================================
// 回收线程池
// ============================================================================

// WorkerPool 回收线程池
//
// 线程池管理一组常驻的回收线程（Worker）：
//   - 每个线程持有自己的 Environment
//   - Dispatch 把同一个任务交给所有线程
//   - 所有线程完成后 Dispatch 返回
type WorkerPool struct {
	// =========================================================================
	// 回收线程管理
	// =========================================================================

	// workers 所有回收线程
	workers []*Worker

	// numWorkers 回收线程数量
	numWorkers int

	// =========================================================================
	// 生命周期控制
	// =========================================================================

	// running 线程池是否运行中
	running atomic.Bool

	// wg 等待所有回收线程结束
	wg sync.WaitGroup

	// stopCh 停止信号
	stopCh chan struct{}

	// =========================================================================
	// 任务派发
	// =========================================================================

	// dispatchMu 保证同一时刻只派发一个任务
	dispatchMu sync.Mutex

	// taskWG 等待当前任务在所有线程上结束
	taskWG sync.WaitGroup

	// =========================================================================
	// 统计信息
	// =========================================================================

	stats WorkerPoolStats
}

// WorkerPoolStats 回收线程池统计信息
type WorkerPoolStats struct {
	// TasksDispatched 派发的任务数
	TasksDispatched atomic.Int64

	// TaskRuns 所有线程累计执行的任务次数
	TaskRuns atomic.Int64
}

// NewWorkerPool 创建回收线程池
//
// 参数:
//   - numWorkers: 回收线程数量（0 表示自动检测 CPU 核心数）
//   - newEnv: 为每个线程创建 Environment
func NewWorkerPool(numWorkers int, newEnv func(id int) *Environment) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	// 限制最大线程数
	if numWorkers > MaxWorkerCount {
		numWorkers = MaxWorkerCount
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		workers:    make([]*Worker, numWorkers),
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < numWorkers; i++ {
		pool.workers[i] = NewWorker(i, pool, newEnv(i))
	}

	return pool
}

// Start 启动回收线程
func (p *WorkerPool) Start() {
	if p.running.Load() {
		return
	}

	p.running.Store(true)

	for _, w := range p.workers {
		p.wg.Add(1)
		go w.Run()
	}
}

// Stop 停止回收线程，等待所有线程退出
func (p *WorkerPool) Stop() {
	if !p.running.Load() {
		return
	}

	p.running.Store(false)
	close(p.stopCh)

	p.wg.Wait()
}

// Dispatch 在所有回收线程上运行任务，全部完成后返回
func (p *WorkerPool) Dispatch(task Task) {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	if !p.running.Load() {
		p.Start()
	}

	p.stats.TasksDispatched.Inc()
	p.taskWG.Add(len(p.workers))
	for _, w := range p.workers {
		w.taskCh <- task
	}
	p.taskWG.Wait()
}

// GetWorker 获取指定索引的回收线程
func (p *WorkerPool) GetWorker(index int) *Worker {
	if index < 0 || index >= len(p.workers) {
		return nil
	}
	return p.workers[index]
}

// NumWorkers 获取回收线程数量
func (p *WorkerPool) NumWorkers() int {
	return p.numWorkers
}

// IsRunning 检查线程池是否运行中
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

// Environments 返回所有线程的 Environment，按线程 ID 排列
func (p *WorkerPool) Environments() []*Environment {
	envs := make([]*Environment, len(p.workers))
	for i, w := range p.workers {
		envs[i] = w.env
	}
	return envs
}

// Stats 获取统计信息
func (p *WorkerPool) Stats() (dispatched, runs int64) {
	return p.stats.TasksDispatched.Load(), p.stats.TaskRuns.Load()
}

// ============================================================================
// 回收线程
// ============================================================================

// Worker 回收线程
type Worker struct {
	// id 线程 ID，0 号线程是主线程
	id int

	pool *WorkerPool

	// env 线程私有的回收环境
	env *Environment

	// taskCh 接收派发的任务
	taskCh chan Task

	// running 是否运行中
	running atomic.Bool

	// executedCount 执行过的任务数
	executedCount atomic.Int64
}

// NewWorker 创建回收线程
func NewWorker(id int, pool *WorkerPool, env *Environment) *Worker {
	return &Worker{
		id:     id,
		pool:   pool,
		env:    env,
		taskCh: make(chan Task, 1),
	}
}

// Run 回收线程主循环：等待任务，执行，报告完成
func (w *Worker) Run() {
	defer w.pool.wg.Done()

	w.running.Store(true)
	defer w.running.Store(false)

	for {
		select {
		case task := <-w.taskCh:
			w.execute(task)
		case <-w.pool.stopCh:
			return
		}
	}
}

func (w *Worker) execute(task Task) {
	defer w.pool.taskWG.Done()

	task.Run(w.env)
	w.executedCount.Inc()
	w.pool.stats.TaskRuns.Inc()
}

// ID 获取回收线程 ID
func (w *Worker) ID() int {
	return w.id
}

// Env 获取线程的回收环境
func (w *Worker) Env() *Environment {
	return w.env
}

// IsRunning 检查是否运行中
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// ExecutedCount 执行过的任务数
func (w *Worker) ExecutedCount() int64 {
	return w.executedCount.Load()
}
