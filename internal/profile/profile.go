// Package profile 实现编译单元的执行剖析：调用计数、编译阈值、退避和类型剖析
package profile

import (
	"fmt"
	"math"
	stdatomic "sync/atomic"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/config"
)

// ============================================================================
// 热度状态
// ============================================================================

// HotState 单元热度状态
type HotState int32

const (
	StateCold   HotState = iota // 冷：计数未过半
	StateWarm                   // 温：计数过半
	StateHot                    // 热：越过阈值
	StateFailed                 // 编译失败，不再编译
)

func (s HotState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarm:
		return "warm"
	case StateHot:
		return "hot"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ============================================================================
// 编译剖析
// ============================================================================

// Profile 单个编译单元的剖析数据
//
// 计数器饱和于 math.MaxInt32，永不回绕。类型剖析对象发布后不可变，
// 更新时先失效旧对象的假设再用 CAS 安装新对象。
type Profile struct {
	thresholds            config.Thresholds // 缩放后的阈值
	invalidationReprofile int32
	replaceReprofile      int32
	argumentSpeculation   bool
	returnSpeculation     bool
	osr                   bool

	callCount        atomic.Int32
	callAndLoopCount atomic.Int32

	// 退避下限：阈值取 max(基础阈值, 下限)
	callFloor atomic.Int32
	loopFloor atomic.Int32

	compilationFailed atomic.Bool

	arguments stdatomic.Pointer[ArgumentsProfile]
	returns   stdatomic.Pointer[ReturnProfile]
	exception stdatomic.Pointer[exceptionProfile]
}

// New 创建剖析数据，osr 表示该单元是 OSR 循环片段
func New(opts *config.Options, osr bool) *Profile {
	th := opts.Thresholds()
	th.CallAndLoopInInterpreter = opts.ScaledThreshold(th.CallAndLoopInInterpreter)
	th.CallAndLoopInFirstTier = opts.ScaledThreshold(th.CallAndLoopInFirstTier)
	return &Profile{
		thresholds:            th,
		invalidationReprofile: clampInt32(opts.InvalidationReprofileCount),
		replaceReprofile:      clampInt32(opts.ReplaceReprofileCount),
		argumentSpeculation:   opts.ArgumentTypeSpeculation,
		returnSpeculation:     opts.ReturnTypeSpeculation,
		osr:                   osr,
	}
}

// Thresholds 缩放后的基础阈值
func (p *Profile) Thresholds() config.Thresholds {
	return p.thresholds
}

// CallCount 调用次数
func (p *Profile) CallCount() int {
	return int(p.callCount.Load())
}

// CallAndLoopCount 调用+循环次数
func (p *Profile) CallAndLoopCount() int {
	return int(p.callAndLoopCount.Load())
}

// WasExecuted 是否执行过
func (p *Profile) WasExecuted() bool {
	return p.callCount.Load() > 0 || p.callAndLoopCount.Load() > 0
}

// CompilationFailed 编译是否已经失败（粘滞）
func (p *Profile) CompilationFailed() bool {
	return p.compilationFailed.Load()
}

// MarkCompilationFailed 标记编译失败，之后永不再提交
func (p *Profile) MarkCompilationFailed() {
	p.compilationFailed.Store(true)
}

// ============================================================================
// 计数与阈值判断
// ============================================================================

// InterpreterCall 解释器中的一次调用
//
// 两个计数器先自增再与解释器阈值比较，满足阈值、未在编译中、
// 未失败并且不是 OSR 片段时返回 true，调用者据此提交编译。
func (p *Profile) InterpreterCall(submitted bool) bool {
	calls := saturatingInc(&p.callCount)
	loops := saturatingInc(&p.callAndLoopCount)
	return !p.osr && p.eligible(submitted) &&
		calls >= p.callThreshold(p.thresholds.CallInInterpreter) &&
		loops >= p.loopThreshold(p.thresholds.CallAndLoopInInterpreter)
}

// FirstTierCall 第一层已编译代码中的一次调用
//
// 越过第一层阈值时返回 true，调用者据此提交最后一层编译。
func (p *Profile) FirstTierCall(submitted bool) bool {
	calls := saturatingInc(&p.callCount)
	loops := saturatingInc(&p.callAndLoopCount)
	return p.eligible(submitted) &&
		calls >= p.callThreshold(p.thresholds.CallInFirstTier) &&
		loops >= p.loopThreshold(p.thresholds.CallAndLoopInFirstTier)
}

// ShouldCompile 不自增计数，只判断当前是否满足解释器阈值
func (p *Profile) ShouldCompile(submitted bool) bool {
	return !p.osr && p.eligible(submitted) &&
		p.callCount.Load() >= p.callThreshold(p.thresholds.CallInInterpreter) &&
		p.callAndLoopCount.Load() >= p.loopThreshold(p.thresholds.CallAndLoopInInterpreter)
}

// ReportLoopCount 报告循环迭代次数，饱和累加到调用+循环计数
func (p *Profile) ReportLoopCount(count int) {
	if count <= 0 {
		return
	}
	add := clampInt32(count)
	for {
		old := p.callAndLoopCount.Load()
		next := old + add
		if next < old {
			next = math.MaxInt32
		}
		if p.callAndLoopCount.CAS(old, next) {
			return
		}
	}
}

// ReportInvalidated 已编译代码失效（反优化）后的退避
func (p *Profile) ReportInvalidated() {
	p.ensureProfiling(p.invalidationReprofile)
}

// ReportNodeReplaced 节点替换后的退避
func (p *Profile) ReportNodeReplaced() {
	p.ensureProfiling(p.replaceReprofile)
}

// ensureProfiling 保证在再次触发编译之前至少还要再剖析 n 次
func (p *Profile) ensureProfiling(n int32) {
	if n <= 0 {
		return
	}
	raiseFloor(&p.callFloor, saturatingAdd(p.callCount.Load(), n))
	raiseFloor(&p.loopFloor, saturatingAdd(p.callAndLoopCount.Load(), n))
}

func (p *Profile) eligible(submitted bool) bool {
	return !submitted && !p.compilationFailed.Load()
}

func (p *Profile) callThreshold(base int) int32 {
	return maxInt32(clampInt32(base), p.callFloor.Load())
}

func (p *Profile) loopThreshold(base int) int32 {
	return maxInt32(clampInt32(base), p.loopFloor.Load())
}

// State 热度状态
func (p *Profile) State() HotState {
	if p.compilationFailed.Load() {
		return StateFailed
	}
	threshold := p.loopThreshold(p.thresholds.CallAndLoopInInterpreter)
	count := p.callAndLoopCount.Load()
	switch {
	case count >= threshold:
		return StateHot
	case count >= threshold/2:
		return StateWarm
	default:
		return StateCold
	}
}

// Stats 剖析数据快照
type Stats struct {
	CallCount         int
	CallAndLoopCount  int
	CallThreshold     int
	LoopThreshold     int
	CompilationFailed bool
	State             HotState
}

// GetStats 获取剖析数据快照
func (p *Profile) GetStats() Stats {
	return Stats{
		CallCount:         p.CallCount(),
		CallAndLoopCount:  p.CallAndLoopCount(),
		CallThreshold:     int(p.callThreshold(p.thresholds.CallInInterpreter)),
		LoopThreshold:     int(p.loopThreshold(p.thresholds.CallAndLoopInInterpreter)),
		CompilationFailed: p.CompilationFailed(),
		State:             p.State(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%7d/%5d calls, %7d/%5d calls+loops, %s", s.CallCount, s.CallThreshold, s.CallAndLoopCount, s.LoopThreshold, s.State)
}

// ============================================================================
// 饱和运算
// ============================================================================

func saturatingInc(c *atomic.Int32) int32 {
	for {
		old := c.Load()
		if old == math.MaxInt32 {
			return old
		}
		if c.CAS(old, old+1) {
			return old + 1
		}
	}
}

func saturatingAdd(a, b int32) int32 {
	sum := int64(a) + int64(b)
	if sum > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(sum)
}

func raiseFloor(floor *atomic.Int32, value int32) {
	for {
		old := floor.Load()
		if old >= value || floor.CAS(old, value) {
			return
		}
	}
}

func clampInt32(v int) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < 0 {
		return 0
	}
	return int32(v)
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
