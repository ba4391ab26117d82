package osr

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tangzhangming/tierjit/internal/engine"
)

// ============================================================================
// 状态
// ============================================================================

// State 循环的 OSR 状态
type State int

const (
	StateNoTarget        State = iota // 还没有 OSR 目标
	StateCompiledInvalid              // 目标已失效，下次越过阈值时重新编译
	StateCompiledValid                // 目标有效
	StateDisabled                     // 编译失败后永久关闭
)

func (s State) String() string {
	switch s {
	case StateNoTarget:
		return "no-target"
	case StateCompiledInvalid:
		return "compiled-invalid"
	case StateCompiledValid:
		return "compiled-valid"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

var errDisabled = errors.New("osr disabled for loop")

// ============================================================================
// 循环
// ============================================================================

// Loop 一个可以栈上替换的循环
type Loop struct {
	m      *Manager
	parent *engine.Unit
	header engine.Node
	body   engine.Root

	threshold int64
	mask      int64
	enabled   bool

	backEdges atomic.Int64

	// mu 保护目标和状态标志
	mu        sync.Mutex
	target    *engine.Unit
	disabled  bool
	compiling bool
	replaced  bool // 编译期间发生了节点替换

	group singleflight.Group
}

func newLoop(m *Manager, parent *engine.Unit, header engine.Node, body engine.Root, config Config) *Loop {
	return &Loop{
		m:         m,
		parent:    parent,
		header:    header,
		body:      body,
		threshold: config.Threshold,
		mask:      config.PollInterval - 1,
		enabled:   config.Enabled,
	}
}

// Parent 循环所在的单元
func (l *Loop) Parent() *engine.Unit { return l.parent }

// Header 循环头节点
func (l *Loop) Header() engine.Node { return l.header }

// BackEdges 已经走过的回边数
func (l *Loop) BackEdges() int64 { return l.backEdges.Load() }

// Target 当前 OSR 目标，可能为 nil 或已失效
func (l *Loop) Target() *engine.Unit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

// State 当前状态
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.disabled:
		return StateDisabled
	case l.target == nil:
		return StateNoTarget
	case l.target.IsValid():
		return StateCompiledValid
	default:
		return StateCompiledInvalid
	}
}

// PollBackEdge 回边计数，返回这一次是否应当尝试 OSR
//
// 只在越过阈值并且计数落在轮询间隔边界上时返回 true。
func (l *Loop) PollBackEdge() bool {
	count := l.backEdges.Inc()
	if !l.enabled || count < l.threshold || count&l.mask != 0 {
		return false
	}
	l.mu.Lock()
	disabled := l.disabled
	l.mu.Unlock()
	return !disabled
}

// TryOSR 尝试把帧交给 OSR 代码
//
// transferred 为 true 时 result 和 err 是 OSR 代码执行剩余迭代的结果；
// 为 false 时调用者继续解释执行。
func (l *Loop) TryOSR(ctx context.Context, f *engine.Frame) (result any, transferred bool, err error) {
	if !l.enabled {
		return nil, false, nil
	}
	if f.IsMaterialized() {
		// 物化的帧不能再被 OSR 代码别名
		return nil, false, nil
	}

	l.mu.Lock()
	if l.disabled {
		l.mu.Unlock()
		return nil, false, nil
	}
	target := l.target
	l.mu.Unlock()

	if target == nil {
		target = l.compileTarget(ctx)
		if target == nil {
			return nil, false, nil
		}
	}
	if !target.IsValid() {
		// 失效的目标丢弃，下一次越过阈值时再编译
		l.discard(target)
		return nil, false, nil
	}

	l.m.stats.transfers.Inc()
	result, err = target.CallOSR(ctx, f)
	return result, true, err
}

// compileTarget 同步编译 OSR 目标，同一个循环同时只有一个线程编译
func (l *Loop) compileTarget(ctx context.Context) *engine.Unit {
	v, err, _ := l.group.Do("target", func() (any, error) {
		l.mu.Lock()
		if l.disabled {
			l.mu.Unlock()
			return nil, errDisabled
		}
		if l.target != nil {
			target := l.target
			l.mu.Unlock()
			return target, nil
		}
		l.compiling = true
		l.replaced = false
		l.mu.Unlock()

		u := l.m.engine.NewOSRUnit(l.parent, l.body)
		l.m.stats.compilations.Inc()
		ok, err := u.CompileSync(ctx, true)

		l.mu.Lock()
		defer l.mu.Unlock()
		l.compiling = false
		if !ok || err != nil {
			l.disable(err)
			return nil, errDisabled
		}
		if l.replaced {
			// 循环体在编译期间变了，产物不可信
			u.Invalidate("loop body replaced during osr compilation")
			l.m.stats.invalidations.Inc()
			return nil, nil
		}
		l.target = u
		return u, nil
	})
	if err != nil || v == nil {
		return nil
	}
	return v.(*engine.Unit)
}

// disable 永久关闭 OSR，调用者持有 mu
func (l *Loop) disable(cause error) {
	if l.disabled {
		return
	}
	l.disabled = true
	l.target = nil
	l.m.stats.failures.Inc()
	l.m.stats.disabled.Inc()
	l.m.logger.Debug("osr disabled",
		zap.String("unit", l.parent.Name()),
		zap.String("body", l.body.Name()),
		zap.Error(cause))
}

// discard 丢弃仍然是 target 的失效目标
func (l *Loop) discard(target *engine.Unit) {
	l.mu.Lock()
	if l.target == target {
		l.target = nil
	}
	l.mu.Unlock()
}

// ============================================================================
// 节点替换
// ============================================================================

// OnNodeReplaced 实现 engine.ReplaceObserver
//
// 替换发生在循环体内时使目标失效并丢弃。编译进行中的替换会让这次编译的产物
// 被丢弃；编译失败时循环本来就会被关闭，已关闭的循环保持关闭。
func (l *Loop) OnNodeReplaced(u *engine.Unit, oldNode, newNode engine.Node, reason string) {
	if !l.affectedBy(oldNode, newNode) {
		return
	}
	l.mu.Lock()
	if l.compiling {
		l.replaced = true
	}
	target := l.target
	l.target = nil
	l.mu.Unlock()

	if target != nil {
		target.Invalidate(reason)
		l.m.stats.invalidations.Inc()
		l.m.logger.Debug("osr target invalidated by node replacement",
			zap.String("unit", u.Name()),
			zap.String("reason", reason))
	}
}

// affectedBy 替换是否落在循环体内
//
// 新节点在循环头之下，或者旧节点是循环头的祖先。位置未知时保守地认为受影响。
func (l *Loop) affectedBy(oldNode, newNode engine.Node) bool {
	if oldNode == nil && newNode == nil {
		return true
	}
	if l.header == nil {
		return true
	}
	return isAncestorOrSelf(l.header, newNode) || isAncestorOrSelf(oldNode, l.header)
}

func isAncestorOrSelf(ancestor, n engine.Node) bool {
	if ancestor == nil {
		return false
	}
	for ; n != nil; n = n.Parent() {
		if n == ancestor {
			return true
		}
	}
	return false
}

// ============================================================================
// 解释执行
// ============================================================================

// Run 在解释器中执行循环，每条回边轮询 OSR
//
// iterate 执行一次迭代并返回是否继续。OSR 接管后直接返回 OSR 代码的结果。
// 循环结束时把迭代次数计入所在单元的剖析数据。
func (l *Loop) Run(ctx context.Context, f *engine.Frame, iterate func(ctx context.Context, f *engine.Frame) (bool, error)) (any, error) {
	iterations := 0
	defer func() { l.parent.ReportLoopCount(iterations) }()
	for {
		more, err := iterate(ctx, f)
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, nil
		}
		iterations++
		if l.PollBackEdge() {
			if result, transferred, err := l.TryOSR(ctx, f); transferred {
				return result, err
			}
		}
	}
}
