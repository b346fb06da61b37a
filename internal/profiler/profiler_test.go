package profiler

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
)

func report(cycle int, d time.Duration, aborted bool) *CycleReport {
	return &CycleReport{
		Cycle:           cycle,
		Duration:        d,
		Threads:         4,
		Aborted:         aborted,
		EdenCopiedBytes: 1024,
		OldCopiedBytes:  512,
		FreedBytes:      4096,
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"json", FormatJSON, false},
		{"yaml", FormatText, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRecordTotals(t *testing.T) {
	p := NewProfiler(8)
	p.Record(report(1, 2*time.Millisecond, false))
	p.Record(report(2, 5*time.Millisecond, true))
	p.Record(report(3, 1*time.Millisecond, false))

	tot := p.Totals()
	if tot.Cycles != 3 || tot.Aborts != 1 {
		t.Errorf("totals = %+v", tot)
	}
	if tot.CopiedBytes != 3*1536 {
		t.Errorf("copied = %d, want %d", tot.CopiedBytes, 3*1536)
	}
	if tot.MaxDuration != 5*time.Millisecond {
		t.Errorf("max duration = %v", tot.MaxDuration)
	}
	if tot.TotalDuration != 8*time.Millisecond {
		t.Errorf("total duration = %v", tot.TotalDuration)
	}
	if last := p.Last(); last == nil || last.Cycle != 3 {
		t.Errorf("Last = %+v", last)
	}
}

func TestHistoryLimit(t *testing.T) {
	p := NewProfiler(2)
	for i := 1; i <= 5; i++ {
		p.Record(report(i, time.Millisecond, false))
	}
	h := p.History()
	if len(h) != 2 || h[0].Cycle != 4 || h[1].Cycle != 5 {
		t.Errorf("history = %v", h)
	}
	// 累计统计不受保留数限制
	if p.Totals().Cycles != 5 {
		t.Errorf("cycles = %d, want 5", p.Totals().Cycles)
	}
}

func TestDisableAndReset(t *testing.T) {
	p := NewProfiler(0)
	p.Disable()
	p.Record(report(1, time.Millisecond, false))
	if p.Last() != nil {
		t.Error("disabled profiler recorded a report")
	}
	p.Enable()
	p.Record(report(2, time.Millisecond, false))
	if p.Last() == nil {
		t.Fatal("enabled profiler dropped a report")
	}
	p.Reset()
	if p.Last() != nil || p.Totals().Cycles != 0 {
		t.Error("Reset left state behind")
	}
}

func TestSlowestCycles(t *testing.T) {
	p := NewProfiler(16)
	p.Record(report(1, 3*time.Millisecond, false))
	p.Record(report(2, 9*time.Millisecond, false))
	p.Record(report(3, 1*time.Millisecond, false))
	p.Record(report(4, 6*time.Millisecond, false))

	slow := p.SlowestCycles(2)
	if len(slow) != 2 || slow[0].Cycle != 2 || slow[1].Cycle != 4 {
		t.Errorf("slowest = %d, %d", slow[0].Cycle, slow[1].Cycle)
	}
	// 历史顺序不变
	if h := p.History(); h[0].Cycle != 1 {
		t.Error("SlowestCycles reordered history")
	}
}

func TestWriteReportText(t *testing.T) {
	r := report(7, 3*time.Millisecond, true)
	r.Groups = []GroupReport{{Group: 1, Context: 0, Age: 1, LiveBefore: 2048, CopiedBytes: 1024, SurvivalRate: 0.5}}

	var buf bytes.Buffer
	if err := WriteReport(&buf, r, FormatText); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Refs:", "Stalls:", "Group", "50.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("text report missing %q:\n%s", want, out)
		}
	}
}

func TestWriteReportJSON(t *testing.T) {
	r := report(7, 3*time.Millisecond, false)
	var buf bytes.Buffer
	if err := WriteReport(&buf, r, FormatJSON); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}
	var back CycleReport
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if back.Cycle != 7 || back.CopiedBytes() != 1536 || back.Duration != 3*time.Millisecond {
		t.Errorf("decoded = %+v", back)
	}
}

func TestSaveHistoryJSON(t *testing.T) {
	p := NewProfiler(4)
	p.Record(report(1, time.Millisecond, false))
	p.Record(report(2, time.Millisecond, true))

	path := filepath.Join(t.TempDir(), "cycles.json")
	if err := p.Save(path, FormatJSON); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var buf bytes.Buffer
	if err := p.WriteHistory(&buf, FormatJSON); err != nil {
		t.Fatalf("WriteHistory failed: %v", err)
	}
	var doc struct {
		Totals  Totals         `json:"totals"`
		Reports []*CycleReport `json:"reports"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if doc.Totals.Aborts != 1 || len(doc.Reports) != 2 {
		t.Errorf("decoded = %+v", doc)
	}
}
