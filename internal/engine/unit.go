package engine

import (
	"fmt"
	"sync"
	stdatomic "sync/atomic"
	"time"
	"weak"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/assumption"
	"github.com/tangzhangming/tierjit/internal/profile"
	"github.com/tangzhangming/tierjit/internal/task"
)

// ============================================================================
// 单元状态
// ============================================================================

// State 编译单元的生命周期状态
type State int

const (
	StateInterpreted State = iota // 没有任务，也没有有效代码
	StateQueued                   // 任务已提交，尚未开始
	StateCompiling                // 任务已开始
	StateValid                    // 已安装有效代码
	StateInvalidated              // 代码已失效，回到解释执行
	StateFailed                   // 编译失败，不再编译
)

func (s State) String() string {
	switch s {
	case StateInterpreted:
		return "interpreted"
	case StateQueued:
		return "queued"
	case StateCompiling:
		return "compiling"
	case StateValid:
		return "valid"
	case StateInvalidated:
		return "invalidated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReplaceObserver 节点替换观察者
type ReplaceObserver interface {
	OnNodeReplaced(u *Unit, oldNode, newNode Node, reason string)
}

type callSiteState int

const (
	noCallSite callSiteState = iota
	singleCallSite
	multipleCallSites
)

// ============================================================================
// 编译单元
// ============================================================================

// Unit 可独立编译的代码单元（函数根节点或 OSR 循环片段）
type Unit struct {
	engine *Engine
	id     int64
	root   Root
	name   string
	self   weak.Pointer[Unit]

	osr         bool
	osrParent   *Unit
	source      *Unit // 拆分来源
	blockParent *Unit

	profile     *profile.Profile
	speculation *assumption.SpeculationLog

	// mu 保护编译任务指针、分块和调用点
	mu             sync.Mutex
	task           *task.Task
	blocks         []*Unit
	blocksComputed bool
	singleSite     weak.Pointer[CallSite]
	siteState      callSiteState
	callSitesKnown int
	observers      []ReplaceObserver

	installed     stdatomic.Pointer[InstalledCode]
	validRoot     stdatomic.Pointer[assumption.Assumption]
	nodeRewriting stdatomic.Pointer[assumption.Assumption]
	highestTier   atomic.Int32

	needsSplit     atomic.Bool
	dequeueInlined atomic.Bool
	bypass         atomic.Bool
}

func (e *Engine) newUnit(root Root, source *Unit, osr bool) *Unit {
	u := &Unit{
		engine:  e,
		id:      e.unitSeq.Inc(),
		root:    root,
		osr:     osr,
		source:  source,
		profile: profile.New(e.opts, osr),
	}
	u.self = weak.Make(u)
	u.name = root.Name()
	if source != nil {
		u.name = fmt.Sprintf("%s <split-%d>", root.Name(), u.id)
		u.speculation = source.speculation
	} else {
		u.speculation = assumption.NewSpeculationLog()
	}
	u.nodeRewriting.Store(assumption.New(u.name + " node rewriting"))
	e.counters.units.Inc()
	return u
}

// ID 单元 ID
func (u *Unit) ID() int64 { return u.id }

// Name 显示名
func (u *Unit) Name() string { return u.name }

// Root 根节点
func (u *Unit) Root() Root { return u.root }

// Engine 所属引擎
func (u *Unit) Engine() *Engine { return u.engine }

// Profile 剖析数据
func (u *Unit) Profile() *profile.Profile { return u.profile }

// SpeculationLog 推测日志，拆分副本与来源共享
func (u *Unit) SpeculationLog() *assumption.SpeculationLog { return u.speculation }

// IsOSR 是否是 OSR 循环片段
func (u *Unit) IsOSR() bool { return u.osr }

// OSRParent OSR 片段所在的单元
func (u *Unit) OSRParent() *Unit { return u.osrParent }

// IsSplit 是否是拆分副本
func (u *Unit) IsSplit() bool { return u.source != nil }

// SourceUnit 拆分来源，不是副本时为 nil
func (u *Unit) SourceUnit() *Unit { return u.source }

// CallCount 实现剖析计数访问
func (u *Unit) CallCount() int { return u.profile.CallCount() }

// CallAndLoopCount 实现 task.Target
func (u *Unit) CallAndLoopCount() int { return u.profile.CallAndLoopCount() }

// NodeCount 非平凡节点数，根节点不报告时为 0
func (u *Unit) NodeCount() int {
	if s, ok := u.root.(Sizer); ok {
		return s.NodeCount()
	}
	return 0
}

func (u *Unit) String() string {
	return fmt.Sprintf("Unit#%d(%s, %s)", u.id, u.name, u.State())
}

// weakTarget 任务持有的弱句柄
func (u *Unit) weakTarget() func() task.Target {
	wp := u.self
	return func() task.Target {
		if target := wp.Value(); target != nil {
			return target
		}
		return nil
	}
}

// ============================================================================
// 有效性
// ============================================================================

// IsValid 是否有可以进入的有效编译代码
func (u *Unit) IsValid() bool {
	code := u.installed.Load()
	return code != nil && code.IsValid()
}

// IsValidLastTier 是否有最后一层的有效代码
func (u *Unit) IsValidLastTier() bool {
	code := u.installed.Load()
	return code != nil && code.IsValid() && code.Tier() == task.TierLast
}

// InstalledCode 当前安装的代码，可能已失效
func (u *Unit) InstalledCode() *InstalledCode { return u.installed.Load() }

// HighestCompiledTier 编译到过的最高层级
func (u *Unit) HighestCompiledTier() task.Tier { return task.Tier(u.highestTier.Load()) }

// ValidRootAssumption 当前的根有效性假设，从未编译过时为 nil
func (u *Unit) ValidRootAssumption() *assumption.Assumption { return u.validRoot.Load() }

// NodeRewritingAssumption 节点重写假设，结构变化时失效
func (u *Unit) NodeRewritingAssumption() *assumption.Assumption { return u.nodeRewriting.Load() }

// IsCompilationFailed 编译是否已永久失败
func (u *Unit) IsCompilationFailed() bool { return u.profile.CompilationFailed() }

// ensureValidRoot 返回有效的根假设，必要时换上新的
func (u *Unit) ensureValidRoot() *assumption.Assumption {
	for {
		current := u.validRoot.Load()
		if current != nil && current.IsValid() {
			return current
		}
		fresh := assumption.New(u.name + " valid root")
		if u.validRoot.CompareAndSwap(current, fresh) {
			return fresh
		}
	}
}

// swapAssumption 先换上新假设再使旧假设失效，返回旧假设之前是否有效
func swapAssumption(p *stdatomic.Pointer[assumption.Assumption], name, reason string) bool {
	old := p.Swap(assumption.New(name))
	if old == nil {
		return false
	}
	wasValid := old.IsValid()
	old.Invalidate(reason)
	return wasValid
}

// State 当前生命周期状态
func (u *Unit) State() State {
	u.mu.Lock()
	t := u.task
	u.mu.Unlock()
	if t != nil {
		if t.IsStarted() {
			return StateCompiling
		}
		return StateQueued
	}
	if u.IsValid() {
		return StateValid
	}
	if u.profile.CompilationFailed() {
		return StateFailed
	}
	if u.installed.Load() != nil {
		return StateInvalidated
	}
	return StateInterpreted
}

// ============================================================================
// 编译任务指针
// ============================================================================

// IsSubmittedForCompilation 是否有未结束的编译任务
func (u *Unit) IsSubmittedForCompilation() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.task != nil
}

// CompilationTask 当前编译任务
func (u *Unit) CompilationTask() *task.Task {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.task
}

// resetCompilationTask 清除任务指针，只有指针仍然指向 t 时生效
func (u *Unit) resetCompilationTask(t *task.Task) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.task != t {
		return false
	}
	u.task = nil
	return true
}

// CancelCompilation 取消尚未开始的编译任务
//
// 任务已开始时只设置取消请求并返回 false，编译照常跑完。
func (u *Unit) CancelCompilation(reason string) bool {
	u.mu.Lock()
	t := u.task
	cancelled := t != nil && t.Cancel()
	if cancelled {
		u.task = nil
	}
	u.mu.Unlock()
	if cancelled {
		u.engine.listeners.OnDequeued(u, t.Tier(), reason)
	}
	return cancelled
}

// WaitForCompilation 最多等待 timeout，返回当前任务是否已结束
func (u *Unit) WaitForCompilation(timeout time.Duration) bool {
	t := u.CompilationTask()
	if t == nil {
		return true
	}
	return t.AwaitTimeout(timeout)
}

// ============================================================================
// 失效与节点替换
// ============================================================================

// Invalidate 使编译代码失效并取消未开始的编译
//
// 返回是否可能有代码被失效或任务被取消。
func (u *Unit) Invalidate(reason string) bool {
	invalidated := swapAssumption(&u.validRoot, u.name+" valid root", reason)
	return u.CancelCompilation(reason) || invalidated
}

// onInvalidate 已安装代码因为假设失效而失效
func (u *Unit) onInvalidate(source, reason string, wasActive bool) bool {
	if wasActive {
		u.profile.ReportInvalidated()
		u.engine.listeners.OnInvalidated(u, source, reason)
	}
	return u.CancelCompilation(reason) || wasActive
}

// NodeReplaced AST 节点被替换
//
// 使本单元以及内联了本单元的代码失效，推迟重新编译，并通知观察者。
func (u *Unit) NodeReplaced(oldNode, newNode Node, reason string) {
	u.Invalidate(reason)
	swapAssumption(&u.nodeRewriting, u.name+" node rewriting", reason)
	u.profile.ReportNodeReplaced()

	u.mu.Lock()
	observers := u.observers
	u.mu.Unlock()
	for _, o := range observers {
		o.OnNodeReplaced(u, oldNode, newNode, reason)
	}
}

// AddReplaceObserver 注册节点替换观察者
func (u *Unit) AddReplaceObserver(o ReplaceObserver) {
	u.mu.Lock()
	u.observers = append(u.observers[:len(u.observers):len(u.observers)], o)
	u.mu.Unlock()
}

// ReportLoopCount 报告循环迭代次数
func (u *Unit) ReportLoopCount(count int) {
	u.profile.ReportLoopCount(count)
}

// BypassInstalledCode 设置后调用总是进入解释器，即使有有效代码
func (u *Unit) BypassInstalledCode(bypass bool) {
	u.bypass.Store(bypass)
}

// DequeueInlined 单元被内联到唯一调用者后取消它自己的编译，只生效一次
func (u *Unit) DequeueInlined() {
	if u.dequeueInlined.CAS(false, true) {
		u.engine.logger.Debug("dequeue inlined unit", zap.String("unit", u.name))
		u.CancelCompilation("unit inlined into its only caller")
	}
}
