// profiler.go - 回收周期分析器
//
// 收集每个回收周期的报告，并按文本或 JSON 格式输出。
//
// 功能：
// 1. 周期报告（复制、扫描、丢弃、中止）
// 2. 分组统计（每个复制组的复制量和存活率）
// 3. 停顿时间（同步、中止、工作等待）
// 4. 累计统计

package profiler

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// OutputFormat 输出格式
type OutputFormat int

const (
	// FormatText 文本格式
	FormatText OutputFormat = iota
	// FormatJSON JSON 格式
	FormatJSON
)

// ParseFormat 按名称解析输出格式
func ParseFormat(name string) (OutputFormat, error) {
	switch name {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown output format %q", name)
	}
}

// CycleReport 一个回收周期的报告
type CycleReport struct {
	Cycle    int           `json:"cycle"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"durationNs"`
	Threads  int           `json:"threads"`
	Aborted  bool          `json:"aborted"`

	// 区域
	CollectionSetRegions int `json:"collectionSetRegions"`
	EdenRegions          int `json:"edenRegions"`
	NoEvacuationRegions  int `json:"noEvacuationRegions"`
	RecycledRegions      int `json:"recycledRegions"`
	SweptRegions         int `json:"sweptRegions"`
	AcquiredRegions      int `json:"acquiredRegions"`
	TailCandidates       int `json:"tailCandidates"`

	// 复制与扫描
	LiveBytesBefore   uint64 `json:"liveBytesBefore"`
	EdenCopiedObjects uint64 `json:"edenCopiedObjects"`
	EdenCopiedBytes   uint64 `json:"edenCopiedBytes"`
	OldCopiedObjects  uint64 `json:"oldCopiedObjects"`
	OldCopiedBytes    uint64 `json:"oldCopiedBytes"`
	ScannedObjects    uint64 `json:"scannedObjects"`
	ScannedBytes      uint64 `json:"scannedBytes"`
	MarkedInPlace     uint64 `json:"markedInPlace"`
	DiscardedBytes    uint64 `json:"discardedBytes"`
	FreedBytes        uint64 `json:"freedBytes"`
	SplitArrayUnits   uint64 `json:"splitArrayUnits"`
	HeapCacheChunks   uint64 `json:"heapCacheChunks"`

	// 卡表与工作包
	CardsCleaned     uint64 `json:"cardsCleaned"`
	PacketOverflows  uint64 `json:"packetOverflows"`
	OverflowRounds   uint64 `json:"overflowRounds"`
	SublistsExpanded uint64 `json:"sublistsExpanded"`

	// 引用对象
	SoftCleared        uint64 `json:"softCleared"`
	WeakCleared        uint64 `json:"weakCleared"`
	PhantomCleared     uint64 `json:"phantomCleared"`
	FinalizableQueued  uint64 `json:"finalizableQueued"`
	MonitorsCleared    uint64 `json:"monitorsCleared"`
	WeakGlobalsCleared uint64 `json:"weakGlobalsCleared"`
	StringTableCleared uint64 `json:"stringTableCleared"`

	// 停顿
	SyncStall  time.Duration `json:"syncStallNs"`
	AbortStall time.Duration `json:"abortStallNs"`
	WorkStall  time.Duration `json:"workStallNs"`

	Groups []GroupReport `json:"groups,omitempty"`
}

// CopiedBytes 复制总字节数
func (r *CycleReport) CopiedBytes() uint64 {
	return r.EdenCopiedBytes + r.OldCopiedBytes
}

// CopiedObjects 复制总对象数
func (r *CycleReport) CopiedObjects() uint64 {
	return r.EdenCopiedObjects + r.OldCopiedObjects
}

// GroupReport 复制组统计
type GroupReport struct {
	Group        int     `json:"group"`
	Context      int     `json:"context"`
	Age          int     `json:"age"`
	LiveBefore   uint64  `json:"liveBefore"`
	CopiedBytes  uint64  `json:"copiedBytes"`
	SurvivalRate float64 `json:"survivalRate"`
}

// Totals 累计统计
type Totals struct {
	Cycles        int           `json:"cycles"`
	Aborts        int           `json:"aborts"`
	CopiedBytes   uint64        `json:"copiedBytes"`
	FreedBytes    uint64        `json:"freedBytes"`
	TotalDuration time.Duration `json:"totalDurationNs"`
	MaxDuration   time.Duration `json:"maxDurationNs"`
}

// Profiler 周期分析器
type Profiler struct {
	mu sync.RWMutex
	
	// 状态
	enabled bool
	
	// 历史报告（最多保留 limit 个）
	history []*CycleReport
	limit   int
	
	totals Totals
}

// NewProfiler 创建分析器
func NewProfiler(limit int) *Profiler {
	if limit <= 0 {
		limit = 64
	}
	return &Profiler{enabled: true, limit: limit}
}

// Enable 启用分析器
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable 禁用分析器
func (p *Profiler) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// Record 记录一个周期报告
func (p *Profiler) Record(r *CycleReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	
	if !p.enabled {
		return
	}
	
	p.history = append(p.history, r)
	if len(p.history) > p.limit {
		p.history = p.history[len(p.history)-p.limit:]
	}
	
	p.totals.Cycles++
	if r.Aborted {
		p.totals.Aborts++
	}
	p.totals.CopiedBytes += r.CopiedBytes()
	p.totals.FreedBytes += r.FreedBytes
	p.totals.TotalDuration += r.Duration
	if r.Duration > p.totals.MaxDuration {
		p.totals.MaxDuration = r.Duration
	}
}

// Last 最近一个周期的报告
func (p *Profiler) Last() *CycleReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.history) == 0 {
		return nil
	}
	return p.history[len(p.history)-1]
}

// History 全部保留的报告
func (p *Profiler) History() []*CycleReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*CycleReport(nil), p.history...)
}

// Totals 累计统计
func (p *Profiler) Totals() Totals {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totals
}

// SlowestCycles 按耗时排序的前 n 个周期
func (p *Profiler) SlowestCycles(n int) []*CycleReport {
	reports := p.History()
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Duration > reports[j].Duration
	})
	if len(reports) > n {
		reports = reports[:n]
	}
	return reports
}

// Save 保存全部报告到文件
func (p *Profiler) Save(filename string, format OutputFormat) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()
	return p.WriteHistory(f, format)
}

// WriteHistory 输出全部报告
func (p *Profiler) WriteHistory(w io.Writer, format OutputFormat) error {
	history := p.History()
	if format == FormatJSON {
		return writeJSON(w, struct {
			Totals  Totals         `json:"totals"`
			Reports []*CycleReport `json:"reports"`
		}{p.Totals(), history})
	}
	for _, r := range history {
		if err := WriteReport(w, r, FormatText); err != nil {
			return err
		}
	}
	return writeTotalsText(w, p.Totals())
}

// Reset 清空历史
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	
	p.history = nil
	p.totals = Totals{}
}
