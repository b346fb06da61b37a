package errors

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"go.uber.org/multierr"
)

func TestLevelOf(t *testing.T) {
	if LevelOf(G0002) != LevelError {
		t.Errorf("G0002 level = %v", LevelOf(G0002))
	}
	if LevelOf(W0001) != LevelWarning {
		t.Errorf("W0001 level = %v", LevelOf(W0001))
	}
	if LevelOf("") != LevelError {
		t.Error("empty code should be an error")
	}
}

func TestCodesHaveMessages(t *testing.T) {
	for _, code := range []string{G0001, G0002, G0003, G0004, G0005, G0100, G0101, G0102, G0200, G0201, G0202, G0300, W0001, W0002, W0003} {
		if Message(code) == "" {
			t.Errorf("code %s has no message", code)
		}
	}
}

func TestGCErrorString(t *testing.T) {
	err := NewGCError(G0300, 3, 0x100040, 0x100048, 0x200000)
	msg := err.Error()
	for _, want := range []string{"error[G0300]", "region 3", "object 0x100040", "slot 0x100048", "target 0x200000"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	bare := NewGCError(W0001, -1, 0, 0, 0)
	if strings.Contains(bare.Error(), "(") {
		t.Errorf("location printed for global diagnostic: %q", bare.Error())
	}
}

func TestFormatterWithoutColors(t *testing.T) {
	f := &Formatter{Colors: false, ShowHints: true}
	err := NewGCError(G0002, 1, 0x1000, 0x1008, 0x2000).WithNote("cycle %d", 4)
	out := f.FormatGCErrors([]*GCError{err})
	if strings.Contains(out, "\033[") {
		t.Errorf("colors in output: %q", out)
	}
	for _, want := range []string{"error[G0002]", "--> region 1", "= note: cycle 4", "1 error"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBoldColorsFollowTerminal(t *testing.T) {
	prev := colorsEnabled
	defer func() { colorsEnabled = prev }()

	colorsEnabled = false
	if BoldGreen("ok") != "ok" || BoldRed("x") != "x" {
		t.Error("colored with colors disabled")
	}
	colorsEnabled = true
	if got := BoldGreen("ok"); got != "\033[1;32mok\033[0m" {
		t.Errorf("BoldGreen = %q", got)
	}

	// 格式化器在终端不支持颜色时也不着色
	colorsEnabled = false
	out := NewFormatter().FormatGCError(NewGCError(G0002, 1, 0, 0, 0))
	if strings.Contains(out, "\033[") {
		t.Errorf("colors in output: %q", out)
	}
}

func TestReporterLimit(t *testing.T) {
	r := NewReporter(2)
	for i := 0; i < 5; i++ {
		r.Report(NewGCError(G0001, i, 0, 0, 0))
	}
	r.Report(NewGCError(W0002, -1, 0, 0, 0))

	if !r.HasErrors() {
		t.Fatal("HasErrors = false")
	}
	if r.ErrorCount() != 5 {
		t.Errorf("ErrorCount = %d, want 5", r.ErrorCount())
	}
	if len(r.Errors()) != 2 {
		t.Errorf("kept %d errors, want 2", len(r.Errors()))
	}
	if len(r.Warnings()) != 1 {
		t.Errorf("warnings = %d, want 1", len(r.Warnings()))
	}

	errs := multierr.Errors(r.Err())
	if len(errs) != 3 {
		t.Fatalf("Err combined %d errors, want 3", len(errs))
	}
	if !strings.Contains(errs[2].Error(), "3 more errors") {
		t.Errorf("last error = %q", errs[2])
	}
}

func TestReporterWarningsOnly(t *testing.T) {
	r := NewReporter(0)
	r.Report(NewGCError(W0001, -1, 0, 0, 0))
	if r.HasErrors() || r.Err() != nil {
		t.Error("warnings reported as errors")
	}

	var buf bytes.Buffer
	r.SetFormatter(&Formatter{})
	r.Print(&buf)
	if !strings.Contains(buf.String(), "warning[W0001]") {
		t.Errorf("Print = %q", buf.String())
	}

	r.Clear()
	buf.Reset()
	r.Print(&buf)
	if buf.Len() != 0 {
		t.Errorf("Print after Clear = %q", buf.String())
	}
}

func TestReporterConcurrent(t *testing.T) {
	r := NewReporter(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Report(NewGCError(G0004, id, uint64(j), 0, 0))
			}
		}(i)
	}
	wg.Wait()
	if r.ErrorCount() != 800 {
		t.Errorf("ErrorCount = %d, want 800", r.ErrorCount())
	}
}
