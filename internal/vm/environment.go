package vm

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/regiongc/internal/heap"
	"github.com/tangzhangming/regiongc/internal/workpackets"
)

// referenceKinds 引用对象种类数
const referenceKinds = 3

// Environment 回收线程的私有环境
//
// 环境跨任务保留，每个周期开始时由复制转发方案重新初始化。
// 除同步点外，环境只被所属线程访问。
type Environment struct {
	id       int
	threads  int
	numaNode int

	logger *zap.Logger

	// 工作单元领取进度，见 ParallelTask.HandleNextWorkUnit
	workUnitIndex    uint64
	workUnitToHandle uint64

	// workStack 绑定到本周期工作包的私有栈
	workStack *workpackets.WorkStack

	// cf 复制转发的线程状态
	cf copyForwardEnv
}

// copyForwardEnv 复制转发的线程状态
type copyForwardEnv struct {
	// =========================================================================
	// 复制组
	// =========================================================================

	// groups 每个复制组的复制缓存、剩余空间和统计
	groups []compactGroupState

	// sourceCopied 从每个来源复制组复制出去的字节数
	sourceCopied []uint64

	// sourceMarked 每个来源复制组原地标记的字节数
	sourceMarked []uint64

	// =========================================================================
	// 扫描
	// =========================================================================

	scanCache         *CopyScanCache
	deferredScanCache *CopyScanCache

	// depth 当前递归复制热字段的深度
	depth int

	// lastCopyCache 最近一次复制所用的缓存，用来识别扫描与复制落在同一缓存
	lastCopyCache *CopyScanCache

	// pendingItem 从工作包取到、尚未扫描的条目
	pendingItem workpackets.Item

	// =========================================================================
	// 对象缓冲区，周期内分批刷入区域列表
	// =========================================================================

	references          [referenceKinds][]heap.Address
	ownable             []heap.Address
	unfinalized         []heap.Address
	finalizable         []heap.Address
	deferredFinalizable []heap.Address

	stats CopyForwardStats
}

// NewEnvironment 创建回收线程环境
func NewEnvironment(id, threads, numaNodes int, logger *zap.Logger) *Environment {
	if logger == nil {
		logger = zap.NewNop()
	}
	node := 0
	if numaNodes > 0 {
		node = 1 + id%numaNodes
	}
	return &Environment{
		id:       id,
		threads:  threads,
		numaNode: node,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// ID 线程 ID
func (env *Environment) ID() int { return env.id }

// IsMaster 是否为主线程
func (env *Environment) IsMaster() bool { return env.id == 0 }

// NumaNode 线程所在的 NUMA 节点，0 表示不区分节点
func (env *Environment) NumaNode() int { return env.numaNode }

// Logger 线程日志
func (env *Environment) Logger() *zap.Logger { return env.logger }

// Stats 本周期的线程统计
func (env *Environment) Stats() CopyForwardStats { return env.cf.stats }
