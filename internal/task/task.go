// Package task 实现编译任务：层级、优先级比较、动态权重、取消和不可中断等待
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/config"
	jerrors "github.com/tangzhangming/tierjit/internal/errors"
)

// ============================================================================
// 层级
// ============================================================================

// Tier 编译层级
type Tier int

const (
	TierNone  Tier = 0 // 非编译任务
	TierFirst Tier = 1 // 第一层：编译快，优化少
	TierLast  Tier = 2 // 最后一层：编译慢，优化充分
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierFirst:
		return "first"
	case TierLast:
		return "last"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ============================================================================
// 任务目标
// ============================================================================

// Target 任务目标（编译单元）
type Target interface {
	Name() string
	CallAndLoopCount() int
}

// Sequence 任务 ID 发生器，ID 单调递增
type Sequence struct {
	next atomic.Int64
}

// Next 下一个 ID
func (s *Sequence) Next() int64 {
	return s.next.Inc()
}

// ============================================================================
// 优先级策略
// ============================================================================

// Policy 任务排序策略
type Policy struct {
	PriorityQueue      bool    // 是否启用按权重排序
	FirstTierPriority  bool    // 第一层任务总在最后一层之前
	WeightingBothTiers bool    // 最后一层也按权重排序
	FirstTierBonus     float64 // 第一层权重加成
}

// PolicyFromOptions 从配置构建排序策略
func PolicyFromOptions(opts *config.Options) Policy {
	return Policy{
		PriorityQueue:      opts.PriorityQueue,
		FirstTierPriority:  opts.TraversingQueueFirstTierPriority,
		WeightingBothTiers: opts.TraversingQueueWeightingBothTiers,
		FirstTierBonus:     opts.TraversingQueueFirstTierBonus,
	}
}

// priorityFor 该层级是否按权重排序
func (p Policy) priorityFor(tier Tier) bool {
	if !p.PriorityQueue {
		return false
	}
	return tier == TierFirst || p.WeightingBothTiers
}

// ============================================================================
// 编译任务
// ============================================================================

// Params 创建任务的参数
type Params struct {
	ID     int64
	Tier   Tier
	OSR    bool
	Target func() Target                   // 弱引用句柄，目标被回收后返回 nil
	Action func(ctx context.Context) error // 非编译任务（初始化）
	Policy Policy
	Parent context.Context
	Now    time.Time
}

// Task 一次编译尝试
type Task struct {
	id     int64
	tier   Tier
	osr    bool
	target func() Target
	action func(ctx context.Context) error
	policy Policy

	mu        sync.Mutex
	started   bool
	cancelled bool

	cancelRequested atomic.Bool
	ctx             context.Context
	cancelCtx       context.CancelFunc

	done       chan struct{}
	finishOnce sync.Once
	err        error

	// 以下字段只由持有扫描锁的队列访问
	time      time.Time
	lastCount int
	rate      float64
	weight    float64
}

// New 创建任务
func New(p Params) *Task {
	parent := p.Parent
	if parent == nil {
		parent = context.Background()
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		id:        p.ID,
		tier:      p.Tier,
		osr:       p.OSR,
		target:    p.Target,
		action:    p.Action,
		policy:    p.Policy,
		ctx:       ctx,
		cancelCtx: cancel,
		done:      make(chan struct{}),
		time:      now,
	}
	if target := t.Target(); target != nil {
		t.lastCount = target.CallAndLoopCount()
	}
	return t
}

// ID 任务 ID
func (t *Task) ID() int64 { return t.id }

// Tier 编译层级
func (t *Task) Tier() Tier { return t.tier }

// IsFirstTier 是否是第一层任务
func (t *Task) IsFirstTier() bool { return t.tier == TierFirst }

// IsLastTier 是否是最后一层任务
func (t *Task) IsLastTier() bool { return t.tier == TierLast }

// IsOSR 是否是 OSR 编译
func (t *Task) IsOSR() bool { return t.osr }

// IsAction 是否是非编译任务
func (t *Task) IsAction() bool { return t.action != nil }

// Action 非编译任务体
func (t *Task) Action() func(ctx context.Context) error { return t.action }

// Target 取目标，目标已被回收时返回 nil
func (t *Task) Target() Target {
	if t.target == nil {
		return nil
	}
	return t.target()
}

// Context 编译上下文，开始后取消时被取消
func (t *Task) Context() context.Context { return t.ctx }

// ============================================================================
// 生命周期
// ============================================================================

// Start 工作线程认领任务；已取消时返回 false
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.started = true
	return true
}

// Cancel 取消任务
//
// 开始前取消是同步且确定的：返回 true 后编译体永远不会执行。
// 开始后取消只是建议性的：取消编译上下文并返回 false，编译照常跑完。
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		t.cancelRequested.Store(true)
		t.cancelCtx()
		return false
	}
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.mu.Unlock()

	t.cancelCtx()
	t.Finish(jerrors.ErrCancelled)
	return true
}

// IsCancelled 是否在开始前被取消
func (t *Task) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// IsStarted 是否已开始
func (t *Task) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// CancelRequested 开始后是否收到过取消请求
func (t *Task) CancelRequested() bool {
	return t.cancelRequested.Load()
}

// Finish 结束任务，只有第一次调用生效
func (t *Task) Finish(err error) {
	t.finishOnce.Do(func() {
		t.err = err
		t.cancelCtx()
		close(t.done)
	})
}

// Done 任务结束时关闭
func (t *Task) Done() <-chan struct{} { return t.done }

// IsDone 是否已结束
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err 任务结果，结束前为 nil
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// AwaitUninterruptibly 等待任务结束，期间 ctx 被取消也继续等
//
// 返回等待期间 ctx 是否被取消过，调用者在任务结束后再处理中断。
func (t *Task) AwaitUninterruptibly(ctx context.Context) (interrupted bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return false
	case <-ctx.Done():
		<-t.done
		return true
	}
}

// AwaitTimeout 最多等待 timeout，返回任务是否已结束
func (t *Task) AwaitTimeout(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// ============================================================================
// 权重与比较
// ============================================================================

// minWeightUpdateInterval 两次权重更新的最小间隔
const minWeightUpdateInterval = time.Millisecond

// UpdateWeight 根据调用+循环计数的增长速率重新计算权重
//
// 目标已被回收时返回 false。
func (t *Task) UpdateWeight(now time.Time) bool {
	target := t.Target()
	if target == nil {
		return t.IsAction()
	}
	elapsed := now.Sub(t.time)
	if elapsed < minWeightUpdateInterval {
		return true
	}
	count := target.CallAndLoopCount()
	t.rate = float64(count-t.lastCount) / float64(elapsed.Milliseconds())
	t.lastCount = count
	t.time = now
	bonus := 1.0
	if t.IsFirstTier() && t.policy.FirstTierBonus > 0 {
		bonus = t.policy.FirstTierBonus
	}
	t.weight = t.rate * float64(count) * bonus
	return true
}

// Weight 最近一次计算的权重
func (t *Task) Weight() float64 { return t.weight }

// SetWeight 直接设置权重
func (t *Task) SetWeight(w float64) { t.weight = w }

// HigherPriorityThan t 是否应当排在 other 之前
func (t *Task) HigherPriorityThan(other *Task) bool {
	return Compare(t, other) < 0
}

// Compare 比较两个任务的优先级，a 应排在前面时返回负数
//
// 顺序：非编译任务；启用第一层优先时按层级；OSR 先于普通最后一层任务；
// 该层启用权重时按权重降序；最后按 ID 升序。
func Compare(a, b *Task) int {
	if a == b {
		return 0
	}
	if a.IsAction() != b.IsAction() {
		if a.IsAction() {
			return -1
		}
		return 1
	}
	if a.policy.FirstTierPriority && a.tier != b.tier {
		if a.IsFirstTier() {
			return -1
		}
		if b.IsFirstTier() {
			return 1
		}
	}
	if a.osr != b.osr {
		if a.osr && b.IsLastTier() {
			return -1
		}
		if b.osr && a.IsLastTier() {
			return 1
		}
	}
	if a.policy.priorityFor(a.tier) && a.policy.priorityFor(b.tier) {
		if a.weight > b.weight {
			return -1
		}
		if a.weight < b.weight {
			return 1
		}
	}
	switch {
	case a.id < b.id:
		return -1
	case a.id > b.id:
		return 1
	default:
		return 0
	}
}

func (t *Task) String() string {
	name := "<action>"
	if !t.IsAction() {
		if target := t.Target(); target != nil {
			name = target.Name()
		} else {
			name = "<collected>"
		}
	}
	return fmt.Sprintf("Task#%d(%s, tier=%s, osr=%v, weight=%.2f)", t.id, name, t.tier, t.osr, t.weight)
}
