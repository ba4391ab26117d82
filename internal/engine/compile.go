package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/assumption"
	jerrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/listener"
	"github.com/tangzhangming/tierjit/internal/task"
)

// ============================================================================
// 提交编译
// ============================================================================

// Compile 请求编译
//
// 返回 true 表示单元已经有满足要求的代码，或者前台编译成功。
// 后台编译时提交后立即返回 false。
func (u *Unit) Compile(ctx context.Context, lastTier bool) (bool, error) {
	return u.compile(ctx, lastTier, false)
}

// CompileSync 请求编译并等待完成，不受后台编译开关影响
func (u *Unit) CompileSync(ctx context.Context, lastTier bool) (bool, error) {
	return u.compile(ctx, lastTier, true)
}

func (u *Unit) compile(ctx context.Context, lastTier, wait bool) (bool, error) {
	opts := u.engine.opts
	lastTier = !opts.FirstTierOnly && lastTier
	if !u.needsCompile(lastTier) {
		return true, nil
	}
	if existing := u.CompilationTask(); existing != nil {
		if wait {
			return u.maybeWaitForTask(ctx, existing, true)
		}
		return false, nil
	}
	if !u.engine.acceptForCompilation(u) {
		// 被过滤器拒绝的单元不再考虑
		u.profile.MarkCompilationFailed()
		return false, nil
	}

	// 同一单元不并发提交，但不阻塞其它线程的非同步编译
	var submitted *task.Task
	u.mu.Lock()
	if !u.needsCompile(lastTier) {
		u.mu.Unlock()
		return true, nil
	}
	if u.task == nil {
		t, err := u.engine.submit(u, lastTier)
		if err != nil {
			u.mu.Unlock()
			u.engine.logger.Debug("compile request rejected", zap.String("unit", u.name), zap.Error(err))
			return false, nil
		}
		u.task = t
		submitted = t
	}
	u.mu.Unlock()

	if submitted == nil {
		return false, nil
	}
	u.engine.listeners.OnQueued(u, submitted.Tier())
	return u.maybeWaitForTask(ctx, submitted, wait)
}

// needsCompile 是否还需要编译：没有有效代码，或者需要最后一层而当前代码不是
func (u *Unit) needsCompile(lastTier bool) bool {
	return !u.IsValid() || (u.engine.opts.MultiTier && lastTier && !u.IsValidLastTier())
}

// maybeWaitForTask 前台编译时等待任务结束
//
// 等待不可中断：ctx 在等待期间被取消也继续等到任务结束，ctx 的取消状态原样留给调用者。
func (u *Unit) maybeWaitForTask(ctx context.Context, t *task.Task, forceWait bool) (bool, error) {
	if u.engine.opts.BackgroundCompilation && !forceWait {
		return false, nil
	}
	if t.AwaitUninterruptibly(ctx) {
		u.engine.logger.Debug("interrupted while waiting for compilation",
			zap.String("unit", u.name), zap.Int64("task", t.ID()))
	}
	if err := t.Err(); err != nil && !jerrors.IsCancelled(err) && u.engine.FailureAction() == jerrors.ActionThrow {
		var failed *jerrors.OptimizationFailedError
		if errors.As(err, &failed) {
			return false, err
		}
		return false, &jerrors.OptimizationFailedError{Unit: u.name, Cause: err}
	}
	return u.IsValid(), nil
}

// ============================================================================
// 编译线程
// ============================================================================

// doCompile 执行一次编译任务，先编译待编译的分块，再编译根
//
// 根因为图过大而第一次算出分块时，用同一个任务重试一次。
func (u *Unit) doCompile(t *task.Task) error {
	oldBlocks, computed := u.blockUnits()
	var err error
	for _, b := range oldBlocks {
		if b.IsValid() {
			continue
		}
		u.engine.listeners.OnQueued(b, t.Tier())
		if b.NodeCount() > u.engine.opts.PartialBlockMaximumSize {
			u.engine.listeners.OnDequeued(b, t.Tier(), "partial block is too big to be compiled")
			continue
		}
		if blockErr := b.compileImpl(t); blockErr != nil && err == nil {
			err = blockErr
		}
	}
	if rootErr := u.compileImpl(t); rootErr != nil && err == nil {
		err = rootErr
	}

	if !computed {
		if blocks, _ := u.blockUnits(); blocks != nil {
			u.engine.listeners.OnQueued(u, t.Tier())
			return u.doCompile(t)
		}
	}
	return err
}

// compileImpl 调用后端编译并处理结果，返回要交给前台调用者的错误
func (u *Unit) compileImpl(t *task.Task) error {
	// 编译开始时的假设：编译期间被失效的话，产出的代码一安装就失效
	validRoot := u.ensureValidRoot()
	rewriting := u.nodeRewriting.Load()

	start := time.Now()
	u.engine.listeners.OnStarted(u, t)
	artifact, err := u.callCompiler(t)
	elapsed := time.Since(start)

	if err != nil && t.Context().Err() != nil && errors.Is(err, t.Context().Err()) {
		u.engine.listeners.OnDequeued(u, t.Tier(), "compilation cancelled")
		return nil
	}
	if err != nil && jerrors.Classify(err).Kind == jerrors.KindPerformanceWarning {
		if u.engine.opts.TreatPerformanceWarningsAsErrors {
			err = jerrors.Internal(err)
		} else {
			u.engine.logger.Warn("performance warning", zap.String("unit", u.name), zap.Error(err))
			err = nil
		}
	}
	if err == nil && artifact == nil {
		err = &jerrors.CompileError{Kind: jerrors.KindInternal, Code: jerrors.C0103, Reason: fmt.Sprintf("compiler returned no code for %s", u.name), Permanent: true}
	}
	if err != nil {
		return u.onCompilationFailed(t, err, elapsed)
	}
	u.install(t, artifact, elapsed, validRoot, rewriting)
	return nil
}

// callCompiler 调用后端，后端 panic 被转换为内部错误
func (u *Unit) callCompiler(t *task.Task) (artifact Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			artifact, err = nil, jerrors.Panicked(r)
		}
	}()
	return u.engine.compiler.Compile(t.Context(), u, t, u.compileOptions(t))
}

// compileOptions 传给后端的编译选项
func (u *Unit) compileOptions(t *task.Task) map[string]any {
	opts := u.engine.opts
	return map[string]any{
		"tier":                       t.Tier().String(),
		"osr":                        t.IsOSR(),
		"multi_tier":                 opts.MultiTier,
		"argument_type_speculation":  opts.ArgumentTypeSpeculation,
		"return_type_speculation":    opts.ReturnTypeSpeculation,
		"partial_block_compilation":  opts.PartialBlockCompilation,
		"partial_block_maximum_size": opts.PartialBlockMaximumSize,
		"failed_speculations":        u.speculation.FailedCount(),
	}
}

// install 安装编译代码并通知监听器
func (u *Unit) install(t *task.Task, artifact Artifact, elapsed time.Duration, validRoot, rewriting *assumption.Assumption) {
	code := newInstalledCode(u, artifact, t)
	code.register(validRoot, rewriting)
	if dep, ok := artifact.(DependentArtifact); ok {
		code.register(dep.Dependencies()...)
	}
	var inlined []*Unit
	if in, ok := artifact.(InliningArtifact); ok {
		inlined = in.Inlined()
		for _, callee := range inlined {
			if callee != nil && callee != u {
				code.register(callee.NodeRewritingAssumption())
			}
		}
	}
	// 注册期间失效的代码从未对外可见，不算失效，也不推迟下一次编译
	if !code.publish() {
		u.engine.logger.Debug("code invalidated before install", zap.String("unit", u.name), zap.Int64("task", t.ID()))
		return
	}

	if old := u.installed.Swap(code); old != nil {
		old.retire()
	}
	for {
		highest := u.highestTier.Load()
		if int32(t.Tier()) <= highest || u.highestTier.CAS(highest, int32(t.Tier())) {
			break
		}
	}
	u.engine.listeners.OnSuccess(u, t, listener.Result{
		Tier:     t.Tier(),
		CodeSize: artifact.CodeSize(),
		Duration: elapsed,
		OSR:      t.IsOSR(),
	})

	for _, callee := range inlined {
		if callee != nil && callee != u && callee.IsSingleCaller() {
			callee.DequeueInlined()
		}
	}
}

// ============================================================================
// 失败处理
// ============================================================================

// onCompilationFailed 处理一次失败的编译
//
// 图过大且能分块时改为分块编译；非永久放弃静默回到解释执行，稍后重试；
// 其它失败永久标记 compilationFailed 并按失败处理动作处理。
func (u *Unit) onCompilationFailed(t *task.Task, err error, elapsed time.Duration) error {
	ce := jerrors.Classify(err)
	bailout := ce.Kind == jerrors.KindBailout
	permanent := bailout && ce.Permanent
	u.engine.listeners.OnFailed(u, listener.Failure{
		Tier:      t.Tier(),
		Reason:    ce.Error(),
		Bailout:   bailout,
		Permanent: permanent,
		Duration:  elapsed,
	})

	if ce.GraphTooBig && u.computeBlockCompilations() {
		return nil
	}
	if bailout && !permanent {
		u.profile.ReportNodeReplaced()
		return nil
	}
	u.profile.MarkCompilationFailed()
	return u.applyFailureAction(t, err)
}

// applyFailureAction 按失败处理动作处理永久失败
func (u *Unit) applyFailureAction(t *task.Task, err error) error {
	action := u.engine.FailureAction()
	report := jerrors.NewReport(u.name, int(t.Tier()), err)
	first := u.engine.reporter.Add(report)

	switch action {
	case jerrors.ActionThrow:
		return &jerrors.OptimizationFailedError{Unit: u.name, Cause: err}
	case jerrors.ActionPrint, jerrors.ActionExitVM:
		if first {
			u.engine.logger.Warn("opt fail",
				zap.String("unit", u.name),
				zap.Stringer("tier", t.Tier()),
				zap.String("code", report.Code),
				zap.Stringer("level", report.Level),
				zap.String("reason", report.Reason),
				zap.Bool("bailout", report.Bailout),
				zap.Bool("permanent", report.Permanent),
				zap.Int("nodes", u.NodeCount()))
		}
		if action == jerrors.ActionExitVM {
			u.engine.logger.Error("exiting due to compilation failure",
				zap.String("unit", u.name),
				zap.Stringer("action", action))
			_ = u.engine.logger.Sync()
			u.engine.exit(1)
		}
	}
	return nil
}

// ============================================================================
// 分块编译
// ============================================================================

// blockUnits 返回分块单元，以及分块是否已经计算过
func (u *Unit) blockUnits() ([]*Unit, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.blocks, u.blocksComputed
}

// computeBlockCompilations 第一次调用时为根的各个分块创建单元
//
// 根不支持分块或分块编译被关闭时返回 false，之后的调用总是返回 false。
func (u *Unit) computeBlockCompilations() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.blocksComputed {
		return false
	}
	u.blocksComputed = true
	if !u.engine.opts.PartialBlockCompilation {
		return false
	}
	br, ok := u.root.(BlockRoot)
	if !ok {
		return false
	}
	roots := br.Blocks()
	if len(roots) == 0 {
		return false
	}
	blocks := make([]*Unit, 0, len(roots))
	for _, r := range roots {
		b := u.engine.newUnit(r, nil, false)
		b.blockParent = u
		blocks = append(blocks, b)
	}
	u.blocks = blocks
	u.engine.logger.Debug("partial block compilation",
		zap.String("unit", u.name), zap.Int("blocks", len(blocks)))
	return true
}

// Blocks 分块单元
func (u *Unit) Blocks() []*Unit {
	blocks, _ := u.blockUnits()
	return blocks
}

// BlockParent 分块所属的单元，不是分块时为 nil
func (u *Unit) BlockParent() *Unit { return u.blockParent }
