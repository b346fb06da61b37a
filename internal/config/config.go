// Package config 实现回收器配置的加载、保存与校验
package config

import (
	"fmt"
	"math/bits"
	"os"
	"strings"
	"unsafe"

	"github.com/inhies/go-bytesize"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"golang.org/x/sys/cpu"
)

// 常量定义
const (
	ConfigFileName = "regiongc.toml" // 配置文件名
)

// ScanOrdering 扫描顺序
type ScanOrdering string

const (
	BreadthFirst ScanOrdering = "breadth-first" // 广度优先
	Hierarchical ScanOrdering = "hierarchical"  // 层次扫描，子对象优先复制到父对象附近
)

// Size 人类可读的字节数（"256KB"），在 TOML 中以字符串保存
type Size uint64

// UnmarshalText 解析 "256KB" 形式的大小
func (s *Size) UnmarshalText(text []byte) error {
	b, err := bytesize.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", string(text), err)
	}
	*s = Size(b)
	return nil
}

// MarshalText 输出大小字符串
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

// Bytes 字节数
func (s Size) Bytes() uint64 { return uint64(s) }

// Config 回收器配置
type Config struct {
	Workers    WorkersConfig    `toml:"workers"`
	Heap       HeapConfig       `toml:"heap"`
	Cache      CacheConfig      `toml:"cache"`
	Scan       ScanConfig       `toml:"scan"`
	Placement  PlacementConfig  `toml:"placement"`
	Copy       CopyConfig       `toml:"copy"`
	References ReferencesConfig `toml:"references"`
	Debug      DebugConfig      `toml:"debug"`
}

// WorkersConfig 回收线程
type WorkersConfig struct {
	// Threads 并行回收线程数
	Threads int `toml:"threads"`

	// NUMANodes NUMA 节点数（0 表示不区分节点）
	NUMANodes int `toml:"numa_nodes"`
}

// HeapConfig 堆布局
type HeapConfig struct {
	RegionSize Size `toml:"region_size"`
	HeapSize   Size `toml:"heap_size"`
}

// CacheConfig 复制缓存尺寸
type CacheConfig struct {
	MinCacheSize Size `toml:"min_cache_size"`
	MaxCacheSize Size `toml:"max_cache_size"`

	// TLHRemainderThreshold 缓存退役时剩余空间达到该值才保留为下次分配使用
	TLHRemainderThreshold Size `toml:"tlh_remainder_threshold"`

	// ScanCacheCount 每线程预分配的缓存描述符数量
	ScanCacheCount int `toml:"scan_cache_count"`
}

// ScanConfig 扫描
type ScanConfig struct {
	// ArraySplitSize 大数组每个分片的元素数
	ArraySplitSize int          `toml:"array_split_size"`
	Ordering       ScanOrdering `toml:"scan_ordering"`
}

// PlacementConfig 目标放置与碎片
type PlacementConfig struct {
	// FragmentationTarget 尾部候选区域的最小空闲比例
	FragmentationTarget float64 `toml:"fragmentation_target"`

	// ForcedNoEvacuationRatio 随机禁止疏散的回收集区域比例（测试回退路径）
	ForcedNoEvacuationRatio float64 `toml:"forced_no_evacuation_ratio"`
	RandomSeed              int64   `toml:"random_seed"`
	MaxAge                  int     `toml:"max_age"`
}

// CopyConfig 复制
type CopyConfig struct {
	AlignHotFields   bool `toml:"align_hot_fields"`
	CacheLineSize    int  `toml:"cache_line_size"`
	LeafFirstCopying bool `toml:"leaf_first_copying"`
	DepthCopyMax     int  `toml:"depth_copy_max"`
}

// ReferencesConfig 引用对象与工作包
type ReferencesConfig struct {
	MaxSoftReferenceAge int `toml:"max_soft_reference_age"`
	WorkPacketCount     int `toml:"work_packet_count"`
	WorkPacketSize      int `toml:"work_packet_size"`
}

// DebugConfig 调试
type DebugConfig struct {
	VerifyAfterCycle  bool `toml:"verify_after_cycle"`
	StringTableAsRoot bool `toml:"string_table_as_root"`
}

// DefaultCacheLineSize 当前平台的缓存行大小
var DefaultCacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))

// Default 默认配置
func Default() *Config {
	return &Config{
		Workers: WorkersConfig{Threads: 4},
		Heap: HeapConfig{
			RegionSize: Size(64 * bytesize.KB),
			HeapSize:   Size(16 * bytesize.MB),
		},
		Cache: CacheConfig{
			MinCacheSize:          Size(1 * bytesize.KB),
			MaxCacheSize:          Size(16 * bytesize.KB),
			TLHRemainderThreshold: Size(256),
			ScanCacheCount:        16,
		},
		Scan: ScanConfig{
			ArraySplitSize: 128,
			Ordering:       BreadthFirst,
		},
		Placement: PlacementConfig{
			FragmentationTarget: 0.5,
			MaxAge:              14,
		},
		Copy: CopyConfig{
			CacheLineSize: DefaultCacheLineSize,
			DepthCopyMax:  2,
		},
		References: ReferencesConfig{
			MaxSoftReferenceAge: 32,
			WorkPacketCount:     64,
			WorkPacketSize:      128,
		},
	}
}

// Load 从文件加载配置，缺省字段取默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 TOML 配置
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// TOML 带注释的 TOML 文本
func (c *Config) TOML() string {
	return generateConfigWithComments(c)
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	content := c.TOML()

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate 校验配置，返回所有问题的合并错误
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.Workers.Threads > 0, "workers.threads must be positive, got %d", c.Workers.Threads)
	check(c.Workers.NUMANodes >= 0, "workers.numa_nodes must not be negative, got %d", c.Workers.NUMANodes)

	rs := c.Heap.RegionSize.Bytes()
	check(rs >= 512 && bits.OnesCount64(rs) == 1, "heap.region_size must be a power of two of at least 512B, got %s", c.Heap.RegionSize)
	check(rs > 0 && c.Heap.HeapSize.Bytes() >= rs && c.Heap.HeapSize.Bytes()%rs == 0,
		"heap.heap_size %s must be a multiple of heap.region_size %s", c.Heap.HeapSize, c.Heap.RegionSize)

	check(c.Cache.MinCacheSize.Bytes() >= 16, "cache.min_cache_size must be at least 16B, got %s", c.Cache.MinCacheSize)
	check(c.Cache.MaxCacheSize >= c.Cache.MinCacheSize, "cache.max_cache_size %s is below min_cache_size %s", c.Cache.MaxCacheSize, c.Cache.MinCacheSize)
	check(rs == 0 || c.Cache.MaxCacheSize.Bytes() <= rs, "cache.max_cache_size %s exceeds region size", c.Cache.MaxCacheSize)
	check(c.Cache.ScanCacheCount > 0, "cache.scan_cache_count must be positive, got %d", c.Cache.ScanCacheCount)

	check(c.Scan.ArraySplitSize > 0, "scan.array_split_size must be positive, got %d", c.Scan.ArraySplitSize)
	check(c.Scan.Ordering == BreadthFirst || c.Scan.Ordering == Hierarchical, "scan.scan_ordering %q is not one of %q, %q", c.Scan.Ordering, BreadthFirst, Hierarchical)

	check(c.Placement.FragmentationTarget >= 0 && c.Placement.FragmentationTarget <= 1, "placement.fragmentation_target must be within [0, 1], got %g", c.Placement.FragmentationTarget)
	check(c.Placement.ForcedNoEvacuationRatio >= 0 && c.Placement.ForcedNoEvacuationRatio <= 1, "placement.forced_no_evacuation_ratio must be within [0, 1], got %g", c.Placement.ForcedNoEvacuationRatio)
	check(c.Placement.MaxAge >= 0 && c.Placement.MaxAge <= 63, "placement.max_age must be within [0, 63], got %d", c.Placement.MaxAge)

	check(c.Copy.CacheLineSize > 0 && bits.OnesCount(uint(c.Copy.CacheLineSize)) == 1, "copy.cache_line_size must be a power of two, got %d", c.Copy.CacheLineSize)
	check(c.Copy.DepthCopyMax >= 0, "copy.depth_copy_max must not be negative, got %d", c.Copy.DepthCopyMax)

	check(c.References.MaxSoftReferenceAge >= 0, "references.max_soft_reference_age must not be negative, got %d", c.References.MaxSoftReferenceAge)
	check(c.References.WorkPacketCount >= 2, "references.work_packet_count must be at least 2, got %d", c.References.WorkPacketCount)
	check(c.References.WorkPacketSize > 0, "references.work_packet_size must be positive, got %d", c.References.WorkPacketSize)

	return err
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[workers]\n")
	sb.WriteString("# 并行回收线程数\n")
	sb.WriteString(fmt.Sprintf("threads = %d\n", c.Workers.Threads))
	sb.WriteString("# NUMA 节点数（0 表示不区分节点）\n")
	sb.WriteString(fmt.Sprintf("numa_nodes = %d\n\n", c.Workers.NUMANodes))

	sb.WriteString("[heap]\n")
	sb.WriteString("# 区域大小（2 的幂，至少 512B）\n")
	sb.WriteString(fmt.Sprintf("region_size = %q\n", c.Heap.RegionSize))
	sb.WriteString("# 堆大小（区域大小的整数倍）\n")
	sb.WriteString(fmt.Sprintf("heap_size = %q\n\n", c.Heap.HeapSize))

	sb.WriteString("[cache]\n")
	sb.WriteString("# 复制缓存的最小和最大尺寸\n")
	sb.WriteString(fmt.Sprintf("min_cache_size = %q\n", c.Cache.MinCacheSize))
	sb.WriteString(fmt.Sprintf("max_cache_size = %q\n", c.Cache.MaxCacheSize))
	sb.WriteString("# 缓存退役时剩余空间达到该值才保留\n")
	sb.WriteString(fmt.Sprintf("tlh_remainder_threshold = %q\n", c.Cache.TLHRemainderThreshold))
	sb.WriteString("# 每线程缓存描述符数量\n")
	sb.WriteString(fmt.Sprintf("scan_cache_count = %d\n\n", c.Cache.ScanCacheCount))

	sb.WriteString("[scan]\n")
	sb.WriteString("# 大数组分片的元素数\n")
	sb.WriteString(fmt.Sprintf("array_split_size = %d\n", c.Scan.ArraySplitSize))
	sb.WriteString("# 扫描顺序：breadth-first 或 hierarchical\n")
	sb.WriteString(fmt.Sprintf("scan_ordering = %q\n\n", string(c.Scan.Ordering)))

	sb.WriteString("[placement]\n")
	sb.WriteString("# 尾部候选区域的最小空闲比例\n")
	sb.WriteString(fmt.Sprintf("fragmentation_target = %g\n", c.Placement.FragmentationTarget))
	sb.WriteString("# 随机禁止疏散的区域比例\n")
	sb.WriteString(fmt.Sprintf("forced_no_evacuation_ratio = %g\n", c.Placement.ForcedNoEvacuationRatio))
	sb.WriteString(fmt.Sprintf("random_seed = %d\n", c.Placement.RandomSeed))
	sb.WriteString("# 最大年龄\n")
	sb.WriteString(fmt.Sprintf("max_age = %d\n\n", c.Placement.MaxAge))

	sb.WriteString("[copy]\n")
	sb.WriteString("# 把热字段对齐到缓存行\n")
	sb.WriteString(fmt.Sprintf("align_hot_fields = %t\n", c.Copy.AlignHotFields))
	sb.WriteString(fmt.Sprintf("cache_line_size = %d\n", c.Copy.CacheLineSize))
	sb.WriteString("# 复制对象后立即复制其叶子子对象\n")
	sb.WriteString(fmt.Sprintf("leaf_first_copying = %t\n", c.Copy.LeafFirstCopying))
	sb.WriteString(fmt.Sprintf("depth_copy_max = %d\n\n", c.Copy.DepthCopyMax))

	sb.WriteString("[references]\n")
	sb.WriteString("# 软引用在该年龄之前总是保留\n")
	sb.WriteString(fmt.Sprintf("max_soft_reference_age = %d\n", c.References.MaxSoftReferenceAge))
	sb.WriteString("# 回退标记栈的包数量和容量\n")
	sb.WriteString(fmt.Sprintf("work_packet_count = %d\n", c.References.WorkPacketCount))
	sb.WriteString(fmt.Sprintf("work_packet_size = %d\n\n", c.References.WorkPacketSize))

	sb.WriteString("[debug]\n")
	sb.WriteString("# 每个周期后校验堆\n")
	sb.WriteString(fmt.Sprintf("verify_after_cycle = %t\n", c.Debug.VerifyAfterCycle))
	sb.WriteString("# 字符串表作为强根扫描\n")
	sb.WriteString(fmt.Sprintf("string_table_as_root = %t\n", c.Debug.StringTableAsRoot))

	return sb.String()
}
