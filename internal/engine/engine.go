// Package engine 实现分层编译引擎：编译单元的生命周期、调用分派、
// 编译提交与等待、失败处理、分块编译和拆分
//
// 引擎是显式传递的运行时上下文，同一进程中可以同时存在多个独立的引擎。
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/config"
	jerrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/listener"
	"github.com/tangzhangming/tierjit/internal/logging"
	"github.com/tangzhangming/tierjit/internal/queue"
	"github.com/tangzhangming/tierjit/internal/task"
)

// Engine 编译引擎
type Engine struct {
	// =========================================================================
	// 配置
	// =========================================================================

	id       uuid.UUID
	opts     *config.Options
	compiler Compiler
	splitter Splitter
	exit     func(code int)
	logger   *zap.Logger

	// 可以在运行中重新加载的配置
	filter        stdatomic.Pointer[config.Filter]
	failureAction atomic.Int32

	// =========================================================================
	// 组件
	// =========================================================================

	queue     *queue.Queue
	listeners *listener.Dispatcher
	stats     *listener.Statistics
	reporter  *jerrors.Reporter

	// =========================================================================
	// 生命周期
	// =========================================================================

	unitSeq   atomic.Int64
	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
	initTask  *task.Task

	counters engineCounters
}

type engineCounters struct {
	units       atomic.Int64
	splits      atomic.Int64
	bypassed    atomic.Int64
	deoptimized atomic.Int64
}

// Option 引擎选项
type Option func(*Engine)

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithListener 注册监听器
func WithListener(l listener.Listener) Option {
	return func(e *Engine) {
		e.listeners.Add(l)
	}
}

// WithSplitter 设置拆分策略
func WithSplitter(s Splitter) Option {
	return func(e *Engine) {
		if s != nil {
			e.splitter = s
		}
	}
}

// WithExitFunc 设置 ExitVM 动作使用的退出函数
func WithExitFunc(fn func(code int)) Option {
	return func(e *Engine) {
		if fn != nil {
			e.exit = fn
		}
	}
}

// New 创建引擎
func New(opts *config.Options, compiler Compiler, options ...Option) (*Engine, error) {
	if opts == nil {
		opts = config.Default()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if compiler == nil {
		return nil, fmt.Errorf("engine: compiler backend is required")
	}

	e := &Engine{
		id:       uuid.New(),
		opts:     opts.Clone(),
		compiler: compiler,
		splitter: NeedsSplitPolicy{},
		exit:     os.Exit,
		logger:   logging.Nop(),
		reporter: jerrors.NewReporter(),
	}
	e.listeners = listener.NewDispatcher(nil)
	for _, opt := range options {
		opt(e)
	}
	e.logger = e.logger.Named(logging.Engine).With(zap.String("engine", e.id.String()))
	e.listeners.SetLogger(e.logger)

	if e.opts.TraceCompilation {
		e.listeners.Add(listener.NewTrace(e.logger.Named(logging.Trace)))
	}
	if e.opts.CompilationStatistics {
		e.stats = listener.NewStatistics()
		e.listeners.Add(e.stats)
	}

	e.filter.Store(config.ParseFilter(e.opts.CompileOnly))
	e.failureAction.Store(int32(e.opts.CompilationFailureAction))

	e.queue = queue.New(e.opts, e.runTask, e.logger.Named(logging.Queue))
	e.queue.OnDrop(e.onDrop)
	return e, nil
}

// ID 引擎标识
func (e *Engine) ID() uuid.UUID { return e.id }

// Options 引擎配置（副本）
func (e *Engine) Options() *config.Options { return e.opts.Clone() }

// Logger 引擎日志记录器
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Listeners 事件分发器
func (e *Engine) Listeners() *listener.Dispatcher { return e.listeners }

// Statistics 统计监听器，未开启统计时为 nil
func (e *Engine) Statistics() *listener.Statistics { return e.stats }

// Reporter 失败报告器
func (e *Engine) Reporter() *jerrors.Reporter { return e.reporter }

// AddListener 注册监听器
func (e *Engine) AddListener(l listener.Listener) { e.listeners.Add(l) }

// RemoveListener 注销监听器
func (e *Engine) RemoveListener(l listener.Listener) { e.listeners.Remove(l) }

// ============================================================================
// 生命周期
// ============================================================================

// Start 启动编译线程，后端实现 Initializer 时提交初始化任务
func (e *Engine) Start() error {
	var err error
	e.startOnce.Do(func() {
		e.queue.Start()
		init, ok := e.compiler.(Initializer)
		if !ok {
			return
		}
		e.initTask, err = e.queue.SubmitAction(func(ctx context.Context) error {
			if err := init.Initialize(ctx); err != nil {
				e.logger.Warn("compiler initialization failed", zap.Error(err))
				return err
			}
			e.logger.Debug("compiler initialized")
			return nil
		})
	})
	return err
}

// WaitInitialized 等待初始化任务完成
func (e *Engine) WaitInitialized(ctx context.Context) error {
	if e.initTask == nil {
		return nil
	}
	select {
	case <-e.initTask.Done():
		return e.initTask.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 关闭引擎
//
// 中断编译线程并在 ShutdownTimeout 内等待退出，超时返回 ErrShutdownTimeout。
func (e *Engine) Shutdown() error {
	e.stopOnce.Do(func() {
		err := e.queue.ShutdownAndAwaitTermination(e.opts.ShutdownTimeout.Std())
		e.stopErr = multierr.Append(err, e.listeners.OnShutdown())
		if err != nil {
			e.logger.Error("engine shutdown failed", zap.Error(err))
		}
	})
	return e.stopErr
}

// IsShutdown 是否已关闭
func (e *Engine) IsShutdown() bool { return e.queue.IsShutdown() }

// ============================================================================
// 配置重新加载
// ============================================================================

// Reload 应用新配置中可以在运行时改变的部分：名称过滤器和失败处理动作
func (e *Engine) Reload(opts *config.Options) {
	e.filter.Store(config.ParseFilter(opts.CompileOnly))
	e.failureAction.Store(int32(opts.CompilationFailureAction))
	e.logger.Info("configuration reloaded",
		zap.String("compile_only", opts.CompileOnly),
		zap.Stringer("failure_action", opts.CompilationFailureAction))
}

// Watch 监视配置文件并在变化时调用 Reload
func (e *Engine) Watch(ctx context.Context, path string) error {
	return config.Watch(ctx, path, func(opts *config.Options, err error) {
		if err != nil {
			e.logger.Warn("failed to reload configuration", zap.String("path", path), zap.Error(err))
			return
		}
		e.Reload(opts)
	})
}

// FailureAction 当前失败处理动作
func (e *Engine) FailureAction() jerrors.Action {
	return jerrors.Action(e.failureAction.Load())
}

// acceptForCompilation 名称过滤器是否接受该单元
func (e *Engine) acceptForCompilation(u *Unit) bool {
	return e.filter.Load().Accept(u.Name())
}

// ============================================================================
// 单元
// ============================================================================

// NewUnit 为根节点创建编译单元
func (e *Engine) NewUnit(root Root) *Unit {
	return e.newUnit(root, nil, false)
}

// NewOSRUnit 为 parent 中的循环创建 OSR 编译单元
func (e *Engine) NewOSRUnit(parent *Unit, body Root) *Unit {
	u := e.newUnit(body, nil, true)
	u.osrParent = parent
	return u
}

// submit 向队列提交编译请求
func (e *Engine) submit(u *Unit, lastTier bool) (*task.Task, error) {
	tier := task.TierFirst
	if lastTier {
		tier = task.TierLast
	}
	return e.queue.Submit(u.weakTarget(), tier, u.IsOSR())
}

// runTask 编译线程执行任务
func (e *Engine) runTask(t *task.Task) error {
	u, ok := t.Target().(*Unit)
	if !ok || u == nil {
		return nil
	}
	defer u.resetCompilationTask(t)
	return u.doCompile(t)
}

// onDrop 队列丢弃任务时清理单元的任务指针
func (e *Engine) onDrop(t *task.Task, byQueue bool) {
	u, ok := t.Target().(*Unit)
	if !ok || u == nil {
		return
	}
	if u.resetCompilationTask(t) && byQueue {
		reason := "target collected"
		if e.queue.IsShutdown() {
			reason = "compile queue shut down"
		}
		e.listeners.OnDequeued(u, t.Tier(), reason)
	}
}

// bypassedInstalledCode 单元有有效代码却进入了解释器
func (e *Engine) bypassedInstalledCode(u *Unit) {
	e.counters.bypassed.Inc()
	e.logger.Debug("bypassed installed code", zap.String("unit", u.Name()))
}

// ============================================================================
// 统计
// ============================================================================

// Stats 引擎统计快照
type Stats struct {
	ID          string
	Units       int64
	Splits      int64
	Bypassed    int64
	Deoptimized int64
	Failures    int
	Queue       queue.Stats
	Uptime      time.Duration
}

// GetStats 获取统计快照
func (e *Engine) GetStats() Stats {
	s := Stats{
		ID:          e.id.String(),
		Units:       e.counters.units.Load(),
		Splits:      e.counters.splits.Load(),
		Bypassed:    e.counters.bypassed.Load(),
		Deoptimized: e.counters.deoptimized.Load(),
		Failures:    e.reporter.Count(),
		Queue:       e.queue.GetStats(),
	}
	if e.stats != nil {
		s.Uptime = e.stats.Snapshot().Elapsed
	}
	return s
}

// QueueSize 待编译任务数
func (e *Engine) QueueSize() int { return e.queue.Size() }
