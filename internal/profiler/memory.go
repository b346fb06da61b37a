// memory.go - 周期报告输出
//
// 实现周期报告的格式化：
// 1. 文本报告（字节数使用人类可读单位）
// 2. JSON 报告
// 3. 复制组明细

package profiler

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/segmentio/encoding/json"
)

// WriteReport 写入单个周期报告
func WriteReport(w io.Writer, r *CycleReport, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, r)
	default:
		return writeTextReport(w, r)
	}
}

// writeJSON 写入缩进的 JSON
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// writeTextReport 写入文本格式报告
func writeTextReport(w io.Writer, r *CycleReport) error {
	status := "complete"
	if r.Aborted {
		status = "aborted"
	}
	fmt.Fprintf(w, "Cycle %d (%s, %d threads, %s)\n", r.Cycle, status, r.Threads, r.Duration.Round(time.Microsecond))
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 60))
	
	fmt.Fprintf(w, "Regions:   collection set %d (eden %d), no-evacuation %d, recycled %d, swept %d, acquired %d\n",
		r.CollectionSetRegions, r.EdenRegions, r.NoEvacuationRegions, r.RecycledRegions, r.SweptRegions, r.AcquiredRegions)
	fmt.Fprintf(w, "Copied:    eden %d objects / %s, old %d objects / %s\n",
		r.EdenCopiedObjects, formatBytes(r.EdenCopiedBytes), r.OldCopiedObjects, formatBytes(r.OldCopiedBytes))
	fmt.Fprintf(w, "Scanned:   %d objects / %s, marked in place %d\n",
		r.ScannedObjects, formatBytes(r.ScannedBytes), r.MarkedInPlace)
	fmt.Fprintf(w, "Memory:    live before %s, freed %s, discarded %s\n",
		formatBytes(r.LiveBytesBefore), formatBytes(r.FreedBytes), formatBytes(r.DiscardedBytes))
	fmt.Fprintf(w, "Work:      split units %d, heap cache chunks %d, cards cleaned %d, sublists expanded %d\n",
		r.SplitArrayUnits, r.HeapCacheChunks, r.CardsCleaned, r.SublistsExpanded)
	if r.PacketOverflows > 0 || r.OverflowRounds > 0 {
		fmt.Fprintf(w, "Overflow:  %d items, %d rounds\n", r.PacketOverflows, r.OverflowRounds)
	}
	fmt.Fprintf(w, "Refs:      soft %d, weak %d, phantom %d cleared, %d finalizable, %d monitors, %d weak globals, %d strings\n",
		r.SoftCleared, r.WeakCleared, r.PhantomCleared, r.FinalizableQueued, r.MonitorsCleared, r.WeakGlobalsCleared, r.StringTableCleared)
	fmt.Fprintf(w, "Stalls:    sync %s, abort %s, work %s\n",
		r.SyncStall.Round(time.Microsecond), r.AbortStall.Round(time.Microsecond), r.WorkStall.Round(time.Microsecond))
	
	if len(r.Groups) > 0 {
		fmt.Fprintf(w, "\n%-8s %8s %5s %12s %12s %10s\n", "Group", "Context", "Age", "Live Before", "Copied", "Survival")
		fmt.Fprintf(w, "%s\n", strings.Repeat("-", 60))
		for _, g := range r.Groups {
			fmt.Fprintf(w, "%-8d %8d %5d %12s %12s %9.1f%%\n",
				g.Group, g.Context, g.Age, formatBytes(g.LiveBefore), formatBytes(g.CopiedBytes), g.SurvivalRate*100)
		}
	}
	fmt.Fprintln(w)
	return nil
}

// writeTotalsText 写入累计统计
func writeTotalsText(w io.Writer, t Totals) error {
	fmt.Fprintf(w, "Totals: %d cycles, %d aborted, copied %s, freed %s, total %s, max %s\n",
		t.Cycles, t.Aborts, formatBytes(t.CopiedBytes), formatBytes(t.FreedBytes),
		t.TotalDuration.Round(time.Microsecond), t.MaxDuration.Round(time.Microsecond))
	return nil
}

// formatBytes 格式化字节数
func formatBytes(bytes uint64) string {
	return bytesize.New(float64(bytes)).String()
}
