// Package errors 提供回收器的诊断码、诊断错误类型和终端着色
package errors

// ============================================================================
// 诊断级别
// ============================================================================

// Level 诊断级别
type Level int

const (
	LevelError   Level = iota // 错误
	LevelWarning              // 警告
	LevelNote                 // 提示
	LevelHelp                 // 帮助
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelNote:
		return "note"
	case LevelHelp:
		return "help"
	default:
		return "unknown"
	}
}

// ============================================================================
// 堆校验诊断码 (G 开头)
// ============================================================================

// 堆校验诊断码常量
const (
	// G0001-G0099: 引用错误
	G0001 = "G0001" // 引用指向堆外
	G0002 = "G0002" // 引用指向已转发的旧对象
	G0003 = "G0003" // 引用指向空闲区域
	G0004 = "G0004" // 引用没有指向对象起点
	G0005 = "G0005" // 转发指针指向堆外

	// G0100-G0199: 对象错误
	G0100 = "G0100" // 无效的类 ID
	G0101 = "G0101" // 原地保留的对象没有标记
	G0102 = "G0102" // 对象越过区域分配指针

	// G0200-G0299: 区域错误
	G0200 = "G0200" // 回收集区域仍在使用
	G0201 = "G0201" // 区域列表中的对象不在该区域
	G0202 = "G0202" // 幸存者表没有清空

	// G0300-G0399: 记忆集错误
	G0300 = "G0300" // 跨区域引用没有被记忆集或脏卡覆盖
)

// ============================================================================
// 诊断警告码 (W 开头)
// ============================================================================

const (
	W0001 = "W0001" // 周期中止，部分对象原地保留
	W0002 = "W0002" // 工作包溢出
	W0003 = "W0003" // 区域被强制禁止疏散
)

// codeMessages 诊断码的默认说明
var codeMessages = map[string]string{
	G0001: "reference points outside the heap",
	G0002: "reference points at a forwarded object",
	G0003: "reference points into a free region",
	G0004: "reference does not point at an object start",
	G0005: "forwarding pointer points outside the heap",
	G0100: "invalid class id in object header",
	G0101: "object kept in place is not marked",
	G0102: "object extends past the region allocation pointer",
	G0200: "collection set region still in use after the cycle",
	G0201: "region list entry is outside its region",
	G0202: "survivor table not cleared after the cycle",
	G0300: "cross-region reference is neither remembered nor on a dirty card",
	W0001: "cycle aborted, objects were kept in place",
	W0002: "work packets overflowed",
	W0003: "region was forced to no-evacuation",
}

// codeHints 诊断码的修复建议
var codeHints = map[string]string{
	G0002: "a slot was not rewritten after its target moved; check the scan of its holder",
	G0003: "a region was recycled while still referenced",
	G0101: "the abort path must mark every object it keeps in place",
	G0300: "copy-forward must remember every surviving cross-region slot",
	W0001: "increase the heap size or lower the survivor ratio",
	W0002: "increase references.work_packet_count",
}

// Message 返回诊断码的默认说明
func Message(code string) string {
	return codeMessages[code]
}

// Hint 返回诊断码的修复建议
func Hint(code string) string {
	return codeHints[code]
}

// LevelOf 按诊断码前缀推断级别
func LevelOf(code string) Level {
	if len(code) > 0 && code[0] == 'W' {
		return LevelWarning
	}
	return LevelError
}
