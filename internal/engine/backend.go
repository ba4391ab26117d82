package engine

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/assumption"
	"github.com/tangzhangming/tierjit/internal/task"
)

// ============================================================================
// 外部协作者接口 (编译后端与解释器)
// ============================================================================

// Compiler 编译后端
//
// 可以在任意编译线程中被调用，不同单元可以并发编译，同一单元不要求可重入。
// 返回 *errors.CompileError 区分放弃和内部错误，其它 error 一律按内部错误处理。
type Compiler interface {
	Compile(ctx context.Context, u *Unit, t *task.Task, options map[string]any) (Artifact, error)
}

// Initializer 后端的预热钩子，引擎启动时作为非编译任务执行
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Artifact 编译产物
type Artifact interface {
	// Call 执行编译后的代码，ctx 标记了当前所处的层级
	Call(ctx context.Context, f *Frame) (any, error)
	// CodeSize 机器码大小（字节）
	CodeSize() int
}

// DependentArtifact 依赖外部假设的编译产物，任何一个假设失效都会使代码失效
type DependentArtifact interface {
	Artifact
	Dependencies() []*assumption.Assumption
}

// InliningArtifact 内联了其它单元的编译产物
type InliningArtifact interface {
	Artifact
	Inlined() []*Unit
}

// Root 可编译的根节点，由解释器提供
type Root interface {
	Name() string
	// Execute 在解释器中执行
	Execute(ctx context.Context, f *Frame) (any, error)
}

// Node AST 节点
type Node interface {
	Parent() Node
}

// Sizer 报告非平凡节点数的根节点
type Sizer interface {
	NodeCount() int
}

// BlockRoot 可以分块编译的根节点
type BlockRoot interface {
	Root
	// Blocks 返回各个分块，根节点不支持分块时返回 nil
	Blocks() []Root
}

// Cloner 可以为拆分复制自身的根节点
type Cloner interface {
	Root
	CloneUninitialized() Root
}

// Splitter 拆分策略钩子
type Splitter interface {
	// ShouldSplit 调用点 site 调用 u 之前决定是否为它拆分出独立副本
	ShouldSplit(u *Unit, site *CallSite) bool
}

// NeedsSplitPolicy 默认拆分策略：单元被标记需要拆分并且有多个调用点
type NeedsSplitPolicy struct{}

// ShouldSplit 实现 Splitter
func (NeedsSplitPolicy) ShouldSplit(u *Unit, site *CallSite) bool {
	return u.NeedsSplit() && u.KnownCallSiteCount() > 1
}

// ============================================================================
// 帧
// ============================================================================

// Frame 一次调用的帧
//
// 帧被物化（逃逸到 OSR 约定之外）之后，OSR 不能再接管这个帧。
type Frame struct {
	Args   []any
	Locals []any

	materialized atomic.Bool
}

// NewFrame 创建帧
func NewFrame(args []any, locals int) *Frame {
	f := &Frame{Args: args}
	if locals > 0 {
		f.Locals = make([]any, locals)
	}
	return f
}

// Materialize 物化帧
func (f *Frame) Materialize() {
	f.materialized.Store(true)
}

// IsMaterialized 帧是否已被物化
func (f *Frame) IsMaterialized() bool {
	return f.materialized.Load()
}

// ============================================================================
// 反优化
// ============================================================================

// Deoptimization 编译代码请求回到解释器
//
// 编译产物的 Call 返回它时，引擎在解释器中用同一个帧重新执行。
type Deoptimization struct {
	Reason      string
	Speculation string // 失败的推测，记入推测日志
	Invalidate  bool   // 是否同时使编译代码失效
}

func (d *Deoptimization) Error() string {
	return fmt.Sprintf("deoptimize: %s", d.Reason)
}

// ============================================================================
// 层级上下文
// ============================================================================

type tierKey struct{}

// withTier 标记 ctx 处于哪一层编译代码中
func withTier(ctx context.Context, tier task.Tier) context.Context {
	return context.WithValue(ctx, tierKey{}, tier)
}

// TierOf 返回 ctx 所处的层级，解释器中为 TierNone
func TierOf(ctx context.Context) task.Tier {
	if ctx == nil {
		return task.TierNone
	}
	if tier, ok := ctx.Value(tierKey{}).(task.Tier); ok {
		return tier
	}
	return task.TierNone
}

// InInterpreter ctx 是否处于解释器中
func InInterpreter(ctx context.Context) bool {
	return TierOf(ctx) == task.TierNone
}
