package errors

import (
	"os"

	"github.com/mattn/go-isatty"
)

// Color 终端颜色
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorCyan
	ColorWhite
	ColorBoldRed
	ColorBoldGreen
)

// ANSI 颜色代码
var ansiCodes = map[Color]string{
	ColorReset:     "\033[0m",
	ColorRed:       "\033[31m",
	ColorGreen:     "\033[32m",
	ColorYellow:    "\033[33m",
	ColorCyan:      "\033[36m",
	ColorWhite:     "\033[37m",
	ColorBoldRed:   "\033[1;31m",
	ColorBoldGreen: "\033[1;32m",
}

// colorsEnabled 是否启用颜色
var colorsEnabled = detectColorSupport(os.Stdout.Fd())

// detectColorSupport 检测终端是否支持颜色
func detectColorSupport(fd uintptr) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	// Windows 下的 Cygwin/MSYS 终端不是字符设备
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// DetectColors 按文件描述符重新检测颜色支持
func DetectColors(fd uintptr) {
	colorsEnabled = detectColorSupport(fd)
}

// paint 终端支持颜色时包上 ANSI 代码
func paint(s string, color Color) string {
	if !colorsEnabled {
		return s
	}
	return ansiCodes[color] + s + ansiCodes[ColorReset]
}

// BoldRed 加粗红色
func BoldRed(s string) string {
	return paint(s, ColorBoldRed)
}

// BoldGreen 加粗绿色
func BoldGreen(s string) string {
	return paint(s, ColorBoldGreen)
}
