package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/task"
)

// ============================================================================
// 调用入口
// ============================================================================

// Call 间接调用单元
func (u *Unit) Call(ctx context.Context, args ...any) (any, error) {
	return u.CallIndirect(ctx, args...)
}

// CallIndirect 通过间接调用点调用，剖析参数后进入调用边界
//
// 间接调用点的被调者随时会变，调用者的编译代码不对被调者的剖析做假设，
// 所以参数总是按解释器的方式剖析：编译代码里也会初始化缺失的剖析，
// 类型兼容的参数不会失效被调者已有的编译代码。
func (u *Unit) CallIndirect(ctx context.Context, args ...any) (any, error) {
	u.profileIndirectArguments(args)
	return u.callBoundary(ctx, NewFrame(args, 0))
}

func (u *Unit) profileIndirectArguments(args []any) {
	u.profile.ProfileArguments(args, true)
}

// CallDirect 通过直接调用点调用
//
// 编译代码中的直接调用不初始化缺失的参数剖析。
func (u *Unit) CallDirect(ctx context.Context, args ...any) (any, error) {
	u.profile.ProfileArguments(args, InInterpreter(ctx))
	return u.callBoundary(ctx, NewFrame(args, 0))
}

// CallInlined 调用被内联到调用者编译代码中的单元
//
// 直接执行根节点，不计数也不剖析。
func (u *Unit) CallInlined(ctx context.Context, args ...any) (any, error) {
	return u.root.Execute(ctx, NewFrame(args, 0))
}

// CallOSR OSR 单元从循环中途接管帧
func (u *Unit) CallOSR(ctx context.Context, f *Frame) (any, error) {
	return u.callBoundary(ctx, f)
}

// ============================================================================
// 调用边界
// ============================================================================

// callBoundary 有有效代码就进入编译代码，否则在解释器中计数并执行
//
// 前台编译成功后重新检查，直接进入新安装的代码。
func (u *Unit) callBoundary(ctx context.Context, f *Frame) (any, error) {
	for {
		if code := u.installed.Load(); code != nil && code.IsValid() && !u.bypass.Load() {
			return u.executeCompiled(ctx, code, f)
		}
		compiled, err := u.interpreterCall(ctx)
		if err != nil {
			return nil, err
		}
		if !compiled {
			return u.executeInterpreted(ctx, f)
		}
	}
}

// interpreterCall 解释器中的一次调用，返回是否应当改为进入编译代码
func (u *Unit) interpreterCall(ctx context.Context) (bool, error) {
	bypassed := false
	if u.IsValid() {
		// 有有效代码却进了解释器
		u.engine.bypassedInstalledCode(u)
		bypassed = true
	}
	if !u.profile.InterpreterCall(u.IsSubmittedForCompilation()) {
		return false, nil
	}
	compiled, err := u.compile(ctx, !u.engine.opts.MultiTier, false)
	if err != nil {
		return false, err
	}
	return compiled && !bypassed, nil
}

// firstTierCall 第一层代码中的一次调用，越过阈值时请求最后一层编译
func (u *Unit) firstTierCall(ctx context.Context) error {
	if !u.profile.FirstTierCall(u.IsSubmittedForCompilation()) {
		return nil
	}
	_, err := u.compile(ctx, true, false)
	return err
}

// executeCompiled 进入编译代码，反优化时回到解释器重新执行
func (u *Unit) executeCompiled(ctx context.Context, code *InstalledCode, f *Frame) (any, error) {
	if u.engine.opts.MultiTier && code.Tier() == task.TierFirst {
		if err := u.firstTierCall(ctx); err != nil {
			return nil, err
		}
	}
	result, err := code.Artifact().Call(withTier(ctx, code.Tier()), f)
	if err != nil {
		var deopt *Deoptimization
		if errors.As(err, &deopt) {
			return u.deoptimize(ctx, deopt, f)
		}
		return nil, u.profile.ProfileException(err)
	}
	u.profile.ProfileReturn(result, false)
	return result, nil
}

// deoptimize 编译代码放弃执行
func (u *Unit) deoptimize(ctx context.Context, d *Deoptimization, f *Frame) (any, error) {
	u.engine.counters.deoptimized.Inc()
	if d.Speculation != "" {
		u.speculation.RecordFailure(d.Speculation)
	}
	u.engine.logger.Debug("deoptimized",
		zap.String("unit", u.name),
		zap.String("reason", d.Reason),
		zap.String("speculation", d.Speculation),
		zap.Bool("invalidate", d.Invalidate))
	if d.Invalidate {
		u.Invalidate(d.Reason)
	}
	u.engine.listeners.OnDeoptimized(u)
	return u.executeInterpreted(ctx, f)
}

// executeInterpreted 在解释器中执行根节点
func (u *Unit) executeInterpreted(ctx context.Context, f *Frame) (any, error) {
	result, err := u.root.Execute(withTier(ctx, task.TierNone), f)
	if err != nil {
		return nil, u.profile.ProfileException(err)
	}
	u.profile.ProfileReturn(result, true)
	return result, nil
}
