package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tangzhangming/regiongc/internal/config"
)

// captureStdout 把命令输出重定向到缓冲区
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

// writeConfig 把配置写到临时目录并返回路径
func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfsim.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return path
}

// ============================================================================
// run
// ============================================================================

func TestRunDefaultConfig(t *testing.T) {
	out := captureStdout(t)
	if err := cmdRun([]string{"-cycles", "2", "-objects", "2000"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "2 cycles") {
		t.Errorf("missing totals line:\n%s", out.String())
	}
}

func TestRunSmallCachePool(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.ScanCacheCount = 1
	cfg.Debug.VerifyAfterCycle = true
	path := writeConfig(t, cfg)

	captureStdout(t)
	args := []string{"-config", path, "-threads", "8", "-cycles", "2", "-objects", "2000"}
	if err := cmdRun(args); err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

// 禁止疏散区域加上很小的工作包，周期中途转入原地标记
func TestRunNoEvacuationWithSmallPackets(t *testing.T) {
	cfg := config.Default()
	cfg.Placement.ForcedNoEvacuationRatio = 0.3
	cfg.References.WorkPacketCount = 4
	cfg.References.WorkPacketSize = 8
	cfg.Debug.VerifyAfterCycle = true
	path := writeConfig(t, cfg)

	captureStdout(t)
	for _, seed := range []string{"1", "2", "3"} {
		args := []string{"-config", path, "-seed", seed, "-cycles", "2", "-objects", "2000"}
		if err := cmdRun(args); err != nil {
			t.Fatalf("seed %s: run failed: %v", seed, err)
		}
	}
}

func TestRunJSON(t *testing.T) {
	out := captureStdout(t)
	if err := cmdRun([]string{"-cycles", "1", "-objects", "500", "-json"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out.String()), "{") {
		t.Errorf("output is not JSON:\n%s", out.String())
	}
	if strings.Contains(out.String(), "Total:") {
		t.Error("totals line printed in JSON mode")
	}
}

func TestRunMissingConfig(t *testing.T) {
	captureStdout(t)
	err := cmdRun([]string{"-config", filepath.Join(t.TempDir(), "missing.toml")})
	if err == nil {
		t.Fatal("missing config file accepted")
	}
}

// ============================================================================
// config
// ============================================================================

func TestConfigWritesLoadableFile(t *testing.T) {
	out := captureStdout(t)
	path := filepath.Join(t.TempDir(), "out.toml")
	if err := cmdConfig([]string{"-o", path}); err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("output does not name the file:\n%s", out.String())
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := config.Default()
	if cfg.Workers.Threads != def.Workers.Threads || cfg.Heap.HeapSize != def.Heap.HeapSize {
		t.Errorf("loaded %d threads %s heap, want defaults", cfg.Workers.Threads, cfg.Heap.HeapSize)
	}
}

// ============================================================================
// verify
// ============================================================================

func TestVerifyCleanHeap(t *testing.T) {
	out := captureStdout(t)
	if err := cmdVerify([]string{"-objects", "2000"}); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !strings.Contains(out.String(), "heap verified") {
		t.Errorf("missing success line:\n%s", out.String())
	}
}
