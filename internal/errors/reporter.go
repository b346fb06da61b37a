package errors

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// ============================================================================
// 诊断收集器
// ============================================================================

// Reporter 收集堆校验诊断，可被多个线程并发调用
type Reporter struct {
	mu        sync.Mutex
	formatter *Formatter
	errors    []*GCError
	warnings  []*GCError

	// limit 最多保留的错误数，超出的只计数
	limit   int
	dropped int
}

// NewReporter 创建收集器
func NewReporter(limit int) *Reporter {
	return &Reporter{formatter: NewFormatter(), limit: limit}
}

// SetFormatter 设置格式化器
func (r *Reporter) SetFormatter(f *Formatter) {
	r.formatter = f
}

// Report 记录一条诊断
func (r *Reporter) Report(err *GCError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err.Level == LevelWarning {
		r.warnings = append(r.warnings, err)
		return
	}
	if r.limit > 0 && len(r.errors) >= r.limit {
		r.dropped++
		return
	}
	r.errors = append(r.errors, err)
}

// HasErrors 是否有错误
func (r *Reporter) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors) > 0
}

// ErrorCount 错误数量（含丢弃的）
func (r *Reporter) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors) + r.dropped
}

// Errors 获取所有错误
func (r *Reporter) Errors() []*GCError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*GCError(nil), r.errors...)
}

// Warnings 获取所有警告
func (r *Reporter) Warnings() []*GCError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*GCError(nil), r.warnings...)
}

// Err 把全部错误合并成一个 error，没有错误时返回 nil
func (r *Reporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, e := range r.errors {
		err = multierr.Append(err, e)
	}
	if r.dropped > 0 {
		err = multierr.Append(err, fmt.Errorf("%d more errors not shown", r.dropped))
	}
	return err
}

// Print 把警告和错误格式化输出到 w
func (r *Reporter) Print(w io.Writer) {
	all := append(r.Warnings(), r.Errors()...)
	if len(all) == 0 {
		return
	}
	fmt.Fprint(w, r.formatter.FormatGCErrors(all))
}

// Clear 清空诊断
func (r *Reporter) Clear() {
	r.mu.Lock()
	r.errors = nil
	r.warnings = nil
	r.dropped = 0
	r.mu.Unlock()
}
