// tierprof - tierjit 编译调度分析工具
//
// 用法:
//   tierprof run [options]                 # 用合成负载驱动编译引擎并输出统计
//   tierprof config [-o tierjit.toml]      # 打印或写出默认配置

package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/config"
	"github.com/tangzhangming/tierjit/internal/engine"
	jerrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/logging"
	"github.com/tangzhangming/tierjit/internal/osr"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "tierprof"
)

func main() {
	flag.Usage = usage
	helpFlag := flag.Bool("help", false, "显示帮助信息")
	versionFlag := flag.Bool("version", false, "显示版本信息")
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "run":
		err = runWorkload(args[1:])
	case "config":
		err = writeConfig(args[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - tierjit 编译调度分析工具 v%s

用法:
  %s <命令> [选项]

命令:
  run       用合成负载驱动编译引擎并输出统计
  config    打印或写出默认配置
  help      显示帮助信息

示例:
  # 100 个单元各调用 5000 次，4 个编译线程
  %s run -units 100 -calls 5000 -threads 4

  # 使用配置文件并在修改时重新加载
  %s run -config tierjit.toml -watch -trace

  # 写出默认配置
  %s config -o tierjit.toml
`, Name, Version, Name, Name, Name, Name)
}

// ============================================================================
// run
// ============================================================================

// runOptions run 命令选项
type runOptions struct {
	configPath string
	units      int
	calls      int
	threads    int
	trace      bool
	watch      bool
	top        int
	seed       int64
}

func parseRunOptions(args []string) (*runOptions, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	ro := &runOptions{}
	fs.StringVar(&ro.configPath, "config", "", "配置文件路径")
	fs.IntVar(&ro.units, "units", 64, "合成编译单元数")
	fs.IntVar(&ro.calls, "calls", 2000, "每个单元的调用次数")
	fs.IntVar(&ro.threads, "threads", -1, "编译线程数，-1 表示使用配置")
	fs.BoolVar(&ro.trace, "trace", false, "追踪编译事件")
	fs.BoolVar(&ro.watch, "watch", false, "监视配置文件变化")
	fs.IntVar(&ro.top, "top", 10, "报告中显示前 N 项")
	fs.Int64Var(&ro.seed, "seed", 1, "合成负载随机种子")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if ro.units <= 0 || ro.calls <= 0 {
		return nil, fmt.Errorf("units 和 calls 必须为正数")
	}
	if ro.watch && ro.configPath == "" {
		return nil, fmt.Errorf("-watch 需要 -config")
	}
	return ro, nil
}

// loadOptions 读取配置并应用命令行覆盖
func loadOptions(ro *runOptions) (*config.Options, error) {
	opts := config.Default()
	if ro.configPath != "" {
		loaded, err := config.Load(ro.configPath)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}
	if ro.threads >= 0 {
		opts.CompilerThreads = ro.threads
	}
	if ro.trace {
		opts.TraceCompilation = true
	}
	opts.CompilationStatistics = true
	return opts, opts.Validate()
}

func runWorkload(args []string) error {
	ro, err := parseRunOptions(args)
	if err != nil {
		return err
	}
	opts, err := loadOptions(ro)
	if err != nil {
		return err
	}

	logger, err := logging.New(opts.Log)
	if err != nil {
		return err
	}
	logging.FlushOnExit(logger)

	e, err := newEngine(opts, newBackend(ro.seed), logger, exitVM)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	onexit.Register(func() { _ = e.Shutdown() })

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if ro.watch {
		go func() {
			if err := e.Watch(ctx, ro.configPath); err != nil && !stderrors.Is(err, context.Canceled) {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	manager := osr.NewManager(e)
	w := newWorkload(e, manager, ro.units, ro.seed)
	logger.Info("workload started",
		zap.Int("units", ro.units),
		zap.Int("calls", ro.calls),
		zap.Int("threads", opts.WorkerCount()))

	runErr := w.run(ctx, ro.calls)
	shutdownErr := e.Shutdown()
	_ = logger.Sync()

	report(os.Stdout, e, manager, w, ro.top)

	if runErr != nil && !stderrors.Is(runErr, context.Canceled) {
		return runErr
	}
	if shutdownErr != nil {
		if stderrors.Is(shutdownErr, jerrors.ErrShutdownTimeout) {
			return fmt.Errorf("compiler threads did not stop within %s: %w", opts.ShutdownTimeout.Std(), shutdownErr)
		}
		return shutdownErr
	}
	return nil
}

// newEngine 创建引擎，ExitVM 失败处理动作调用 exit
func newEngine(opts *config.Options, b *backend, logger *zap.Logger, exit func(code int)) (*engine.Engine, error) {
	return engine.New(opts, b, engine.WithLogger(logger), engine.WithExitFunc(exit))
}

// exitVM 运行 onexit 钩子后退出进程
//
// 可能在编译线程中被调用，而钩子要等编译线程结束，所以在新的 goroutine 中退出。
func exitVM(code int) {
	go onexit.ForceExit(code)
}

// report 输出引擎、OSR 与负载统计
func report(out io.Writer, e *engine.Engine, m *osr.Manager, w *workload, top int) {
	if stats := e.Statistics(); stats != nil {
		_ = stats.WriteReport(out, top)
	}

	es := e.GetStats()
	fmt.Fprintf(out, "\nEngine %s\n", es.ID)
	fmt.Fprintf(out, "  units %d  splits %d  deopts %d  bypassed %d  unique failures %d\n",
		es.Units, es.Splits, es.Deoptimized, es.Bypassed, es.Failures)
	fmt.Fprintf(out, "  queue submitted %d  completed %d  dropped %d  uptime %s\n",
		es.Queue.Submitted, es.Queue.Completed, es.Queue.Dropped, units.HumanDuration(es.Uptime))

	ostats := m.GetStats()
	fmt.Fprintf(out, "\nOSR\n")
	fmt.Fprintf(out, "  loops %d  compilations %d  transfers %d  failures %d  invalidations %d  disabled %d\n",
		ostats.Loops, ostats.Compilations, ostats.Transfers, ostats.Failures, ostats.Invalidations, ostats.Disabled)

	ws := w.stats()
	fmt.Fprintf(out, "\nWorkload\n")
	fmt.Fprintf(out, "  calls %d  compiled %d  interpreted %d  errors %d  elapsed %s\n",
		ws.calls, ws.compiled, ws.interpreted, ws.errors, units.HumanDuration(ws.elapsed))
}

// ============================================================================
// config
// ============================================================================

func writeConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	output := fs.String("o", "", "输出文件，空表示打印到标准输出")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := config.Default()
	if *output != "" {
		if err := opts.Save(*output); err != nil {
			return err
		}
		fmt.Printf("配置已写入: %s\n", *output)
		return nil
	}

	data, err := opts.Encode()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
