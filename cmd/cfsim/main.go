// cfsim - 区域化复制转发回收器模拟器
//
// 用法:
//   cfsim run [options]        # 构造随机对象图并执行回收周期
//   cfsim config [-o file]     # 输出带注释的默认配置
//   cfsim verify [options]     # 执行一次回收并输出堆校验诊断

package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/regiongc/internal/config"
	gcerrors "github.com/tangzhangming/regiongc/internal/errors"
	"github.com/tangzhangming/regiongc/internal/profiler"
	"github.com/tangzhangming/regiongc/internal/vm"
)

// 版本信息
const (
	Version = "0.1.0"
	Name    = "cfsim"
)

// stdout 在 Windows 控制台上也能输出颜色
var stdout io.Writer = colorable.NewColorableStdout()

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	gcerrors.DetectColors(os.Stdout.Fd())

	var err error
	switch cmd := os.Args[1]; cmd {
	case "run":
		err = cmdRun(os.Args[2:])
	case "config":
		err = cmdConfig(os.Args[2:])
	case "verify":
		err = cmdVerify(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("%s version %s\n", Name, Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", gcerrors.BoldRed("错误:"), err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - 区域化复制转发回收器模拟器 v%s

用法:
  %s <命令> [选项]

命令:
  run       构造随机对象图并执行回收周期
  config    输出带注释的默认配置
  verify    执行一次回收并输出堆校验诊断
  version   显示版本信息
  help      显示帮助信息

示例:
  # 4 个线程执行 10 个周期，输出 JSON 报告
  %s run -threads 4 -cycles 10 -json

  # 让存活对象超过空闲区域，触发中止
  %s run -abort -v

  # 生成配置文件
  %s config -o %s
`, Name, Version, Name, Name, Name, Name, config.ConfigFileName)
}

// ============================================================================
// 公共选项
// ============================================================================

// loadConfig 加载配置文件，path 为空时使用默认配置
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger verbose 时输出调试日志到彩色终端，否则只输出警告以上
func newLogger(verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(colorable.NewColorableStderr()),
		level,
	)
	return zap.New(core)
}

// ============================================================================
// run
// ============================================================================

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件")
	threads := fs.Int("threads", 0, "回收线程数（0 使用配置值）")
	objects := fs.Int("objects", 20000, "每个周期分配的对象数")
	cycles := fs.Int("cycles", 5, "回收周期数")
	seed := fs.Int64("seed", 1, "随机种子")
	abort := fs.Bool("abort", false, "填满堆，使存活对象超过空闲区域")
	jsonOut := fs.Bool("json", false, "以 JSON 格式输出报告")
	verbose := fs.Bool("v", false, "输出回收器调试日志")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: %s run [选项]\n\n选项:\n", Name)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *threads > 0 {
		cfg.Workers.Threads = *threads
	}
	format := profiler.FormatText
	if *jsonOut {
		format = profiler.FormatJSON
	}

	logger := newLogger(*verbose)
	defer logger.Sync()

	c, err := vm.NewCollector(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	w := newWorkload(c, *seed)
	for i := 0; i < *cycles; i++ {
		if *abort {
			w.fill()
		} else {
			w.churn(*objects)
		}
		report, err := c.Collect(c.OldRegions(w.oldRegionsPerCycle())...)
		if err != nil {
			return err
		}
		if err := profiler.WriteReport(stdout, report, format); err != nil {
			return err
		}
		if n := len(c.Roots().TakeFinalizable()); n > 0 && *verbose {
			logger.Debug("finalizers run", zap.Int("objects", n))
		}
	}

	if format == profiler.FormatText {
		t := c.Profiler().Totals()
		fmt.Fprintf(stdout, "\n%s %d cycles, %d aborted, %s copied\n",
			gcerrors.BoldGreen("Total:"), t.Cycles, t.Aborts, config.Size(t.CopiedBytes))
	}
	return nil
}

// ============================================================================
// config
// ============================================================================

func cmdConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	output := fs.String("o", "", "输出文件（默认输出到标准输出）")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *output == "" {
		_, err := io.WriteString(os.Stdout, cfg.TOML())
		return err
	}
	if err := cfg.Save(*output); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "配置已写入: %s\n", *output)
	return nil
}

// ============================================================================
// verify
// ============================================================================

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件")
	objects := fs.Int("objects", 20000, "分配的对象数")
	seed := fs.Int64("seed", 1, "随机种子")
	verbose := fs.Bool("v", false, "输出回收器调试日志")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// 诊断由下面的 Verify 输出
	cfg.Debug.VerifyAfterCycle = false

	logger := newLogger(*verbose)
	defer logger.Sync()
	c, err := vm.NewCollector(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	w := newWorkload(c, *seed)
	w.churn(*objects)
	if _, err := c.Collect(); err != nil {
		return err
	}

	rep := c.Verify()
	rep.SetFormatter(gcerrors.NewFormatter())
	rep.Print(stdout)
	if rep.HasErrors() {
		return fmt.Errorf("heap verification found %d errors", rep.ErrorCount())
	}
	fmt.Fprintln(stdout, gcerrors.BoldGreen("heap verified"))
	return nil
}
