package errors

import (
	"fmt"
	"strings"
)

// ============================================================================
// 堆诊断错误
// ============================================================================

// GCError 堆校验发现的问题
type GCError struct {
	Code    string // 诊断码 (G0002)
	Level   Level  // 级别
	Message string // 主消息
	Region  int    // 区域索引，-1 表示不适用
	Object  uint64 // 持有引用的对象
	Slot    uint64 // 槽地址（堆外槽为 0）
	Target  uint64 // 槽中的引用
	Notes   []string
}

// NewGCError 按诊断码创建错误
func NewGCError(code string, region int, object, slot, target uint64) *GCError {
	return &GCError{
		Code:    code,
		Level:   LevelOf(code),
		Message: Message(code),
		Region:  region,
		Object:  object,
		Slot:    slot,
		Target:  target,
	}
}

// Error 实现 error 接口
func (e *GCError) Error() string {
	msg := fmt.Sprintf("%s[%s]: %s", e.Level, e.Code, e.Message)
	if loc := e.location(); loc != "" {
		msg += " (" + loc + ")"
	}
	return msg
}

func (e *GCError) location() string {
	var loc []string
	if e.Region >= 0 {
		loc = append(loc, fmt.Sprintf("region %d", e.Region))
	}
	if e.Object != 0 {
		loc = append(loc, fmt.Sprintf("object %#x", e.Object))
	}
	if e.Slot != 0 {
		loc = append(loc, fmt.Sprintf("slot %#x", e.Slot))
	}
	if e.Target != 0 {
		loc = append(loc, fmt.Sprintf("target %#x", e.Target))
	}
	return strings.Join(loc, " ")
}

// WithNote 追加说明
func (e *GCError) WithNote(format string, args ...interface{}) *GCError {
	e.Notes = append(e.Notes, fmt.Sprintf(format, args...))
	return e
}

// ============================================================================
// 格式化器
// ============================================================================

// Formatter 诊断格式化器
type Formatter struct {
	Colors    bool // 是否使用颜色
	ShowHints bool // 是否显示修复建议
}

// NewFormatter 创建默认格式化器
func NewFormatter() *Formatter {
	return &Formatter{
		Colors:    true,
		ShowHints: true,
	}
}

// FormatGCError 格式化一条诊断
func (f *Formatter) FormatGCError(err *GCError) string {
	var sb strings.Builder

	// 诊断头: error[G0002]: reference points at a forwarded object
	levelStr := f.colorize(err.Level.String(), f.levelColor(err.Level))
	codeStr := f.colorize(fmt.Sprintf("[%s]", err.Code), f.levelColor(err.Level))
	sb.WriteString(fmt.Sprintf("%s%s: %s\n", levelStr, codeStr, err.Message))

	// 位置: --> region 3 object 0x100040
	arrow := f.colorize("-->", ColorCyan)
	if loc := err.location(); loc != "" {
		sb.WriteString(fmt.Sprintf(" %s %s\n", arrow, f.colorize(loc, ColorCyan)))
	}

	if f.ShowHints {
		if hint := Hint(err.Code); hint != "" {
			hintLabel := f.colorize(" = help:", ColorCyan)
			sb.WriteString(fmt.Sprintf("%s %s\n", hintLabel, hint))
		}
	}

	for _, note := range err.Notes {
		noteLabel := f.colorize(" = note:", ColorCyan)
		sb.WriteString(fmt.Sprintf("%s %s\n", noteLabel, note))
	}

	return sb.String()
}

// FormatGCErrors 格式化多条诊断并附上计数
func (f *Formatter) FormatGCErrors(errs []*GCError) string {
	var sb strings.Builder

	errorCount := 0
	for i, err := range errs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(f.FormatGCError(err))
		if err.Level == LevelError {
			errorCount++
		}
	}

	if errorCount > 0 {
		sb.WriteString("\n")
		countMsg := fmt.Sprintf("heap verification failed: %d errors", errorCount)
		if errorCount == 1 {
			countMsg = "heap verification failed: 1 error"
		}
		sb.WriteString(f.colorize(countMsg, ColorRed) + "\n")
	}

	return sb.String()
}

// levelColor 获取诊断级别对应的颜色
func (f *Formatter) levelColor(level Level) Color {
	switch level {
	case LevelError:
		return ColorRed
	case LevelWarning:
		return ColorYellow
	case LevelNote:
		return ColorCyan
	case LevelHelp:
		return ColorGreen
	default:
		return ColorWhite
	}
}

// colorize 着色字符串
func (f *Formatter) colorize(s string, color Color) string {
	if !f.Colors {
		return s
	}
	return paint(s, color)
}
