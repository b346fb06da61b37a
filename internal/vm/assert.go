package vm

import "fmt"

// assertTrue 回收器内部不变量检查，失败说明回收器状态已经损坏，直接终止
func assertTrue(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("regiongc: assertion failed: "+format, args...))
	}
}
