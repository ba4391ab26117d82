package engine

import (
	"context"
	"fmt"
	"sync"
	stdatomic "sync/atomic"
	"weak"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ============================================================================
// 调用点
// ============================================================================

// CallSite 直接调用点
//
// 调用点属于 caller（可以为 nil，表示来自宿主），指向当前目标。
// 拆分后目标换成源单元的副本。
type CallSite struct {
	caller *Unit
	source *Unit
	target stdatomic.Pointer[Unit]

	mu       sync.Mutex
	released atomic.Bool
}

// NewCallSite 为 u 创建一个位于 caller 中的直接调用点
func (u *Unit) NewCallSite(caller *Unit) *CallSite {
	cs := &CallSite{caller: caller, source: u}
	cs.target.Store(u)
	u.addCallSite(cs)
	return cs
}

// Caller 调用点所在的单元
func (cs *CallSite) Caller() *Unit { return cs.caller }

// Target 当前调用目标
func (cs *CallSite) Target() *Unit { return cs.target.Load() }

// IsSplit 调用点是否已被拆分到副本
func (cs *CallSite) IsSplit() bool { return cs.target.Load() != cs.source }

// Call 通过调用点调用，必要时先拆分目标
func (cs *CallSite) Call(ctx context.Context, args ...any) (any, error) {
	return cs.maybeSplit().CallDirect(ctx, args...)
}

// CallInlined 目标已内联进调用者代码时的调用
func (cs *CallSite) CallInlined(ctx context.Context, args ...any) (any, error) {
	return cs.target.Load().CallInlined(ctx, args...)
}

// Release 调用点被移除，不再计入目标的调用点
func (cs *CallSite) Release() {
	if !cs.released.CAS(false, true) {
		return
	}
	cs.mu.Lock()
	target := cs.target.Load()
	cs.mu.Unlock()
	target.removeCallSite(cs)
}

// maybeSplit 按拆分策略决定是否把调用点换到新副本上
func (cs *CallSite) maybeSplit() *Unit {
	target := cs.target.Load()
	e := target.engine
	if !e.opts.Splitting || cs.released.Load() || target.IsSplit() || !e.splitter.ShouldSplit(target, cs) {
		return target
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if current := cs.target.Load(); current != target {
		return current
	}
	clone, err := target.Split()
	if err != nil {
		e.logger.Debug("split skipped", zap.String("unit", target.name), zap.Error(err))
		return target
	}
	target.removeCallSite(cs)
	clone.addCallSite(cs)
	cs.target.Store(clone)
	return clone
}

// ============================================================================
// 调用点统计
// ============================================================================

func (u *Unit) addCallSite(cs *CallSite) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.callSitesKnown++
	switch u.siteState {
	case noCallSite:
		u.siteState = singleCallSite
		u.singleSite = weak.Make(cs)
	case singleCallSite:
		u.siteState = multipleCallSites
		u.singleSite = weak.Pointer[CallSite]{}
	}
}

// removeCallSite 多个调用点的状态不会退回单个
func (u *Unit) removeCallSite(cs *CallSite) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.callSitesKnown > 0 {
		u.callSitesKnown--
	}
	if u.siteState == singleCallSite && u.singleSite.Value() == cs {
		u.siteState = noCallSite
		u.singleSite = weak.Pointer[CallSite]{}
	}
}

// KnownCallSiteCount 已知的直接调用点数量
func (u *Unit) KnownCallSiteCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.callSitesKnown
}

// SingleCallSite 唯一的调用点，没有或多于一个时为 nil
func (u *Unit) SingleCallSite() *CallSite {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.siteState != singleCallSite {
		return nil
	}
	return u.singleSite.Value()
}

// IsSingleCaller 是否只有一个调用点
func (u *Unit) IsSingleCaller() bool {
	return u.SingleCallSite() != nil
}

// ============================================================================
// 拆分
// ============================================================================

// NeedsSplit 单元是否被标记为需要拆分
func (u *Unit) NeedsSplit() bool { return u.needsSplit.Load() }

// PolymorphicSpecialize 单元内发生了多态特化
//
// 有唯一调用者时把标记沿调用者向上传播，否则标记本单元需要拆分。
func (u *Unit) PolymorphicSpecialize() {
	if !u.engine.opts.Splitting {
		return
	}
	if u.maybeSetNeedsSplit(0) {
		u.engine.logger.Debug("polymorphic specialize", zap.String("unit", u.name))
	}
}

// maybeSetNeedsSplit 返回传播之后本单元的标记
func (u *Unit) maybeSetNeedsSplit(depth int) bool {
	if depth > u.engine.opts.SplittingMaxPropagationDepth || u.needsSplit.Load() ||
		u.KnownCallSiteCount() == 0 || u.CallCount() == 1 {
		return u.needsSplit.Load()
	}
	if site := u.SingleCallSite(); site != nil {
		if site.caller != nil && site.caller.maybeSetNeedsSplit(depth+1) {
			u.needsSplit.Store(true)
		}
	} else {
		u.needsSplit.Store(true)
	}
	return u.needsSplit.Load()
}

// Split 复制出一个独立副本
//
// 副本与源共享推测日志，不能再对副本拆分。
func (u *Unit) Split() (*Unit, error) {
	if u.source != nil {
		return nil, fmt.Errorf("engine: cannot split %s, it is already a split", u.name)
	}
	c, ok := u.root.(Cloner)
	if !ok {
		return nil, fmt.Errorf("engine: root of %s cannot be cloned", u.name)
	}
	clone := u.engine.newUnit(c.CloneUninitialized(), u, false)
	u.engine.counters.splits.Inc()
	u.engine.listeners.OnSplit(u, clone)
	return clone, nil
}
